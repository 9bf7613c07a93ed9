package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sterndu/datatransfer/pkg/transport"
)

// Subprotocol is the websocket subprotocol negotiated by Dial and Upgrader.
const Subprotocol = "datatransfer.v1"

// closeGrace bounds the close handshake write.
const closeGrace = time.Second

var ErrNotBinary = errors.New("websocket: non-binary message")

// WebSocket is a byte stream over a websocket connection. Each Write is
// sent as one binary message; Read returns message contents back to back.
type WebSocket struct {
	conn *websocket.Conn

	readMu sync.Mutex
	cur    io.Reader

	closeOnce sync.Once
	closeErr  error
}

// NewWebSocket wraps an established websocket connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn}
}

// Read reads the stream, moving on to the next binary message when the
// current one is exhausted. A clean websocket close reads as io.EOF.
func (w *WebSocket) Read(p []byte) (int, error) {
	w.readMu.Lock()
	defer w.readMu.Unlock()

	for {
		if w.cur == nil {
			mt, r, err := w.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				return 0, fmt.Errorf("%w: type %d", ErrNotBinary, mt)
			}
			w.cur = r
		}
		n, err := w.cur.Read(p)
		if errors.Is(err, io.EOF) {
			w.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as a single binary message.
func (w *WebSocket) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWrite starts the websocket close handshake.
func (w *WebSocket) CloseWrite() error {
	err := w.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGrace),
	)
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

// CloseRead makes pending and future reads fail.
func (w *WebSocket) CloseRead() error {
	return w.conn.SetReadDeadline(time.Now())
}

// Close closes the underlying connection.
func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}

// RemoteAddr returns the peer address.
func (w *WebSocket) RemoteAddr() net.Addr {
	return w.conn.RemoteAddr()
}

// DialWebSocket opens a websocket to url. The datatransfer subprotocol is
// requested; header may carry extra request headers.
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocket, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: transport.DefaultDialTimeout,
		Subprotocols:     []string{Subprotocol},
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return NewWebSocket(conn), nil
}

// Upgrader turns HTTP requests into websocket streams.
type Upgrader struct {
	upgrader websocket.Upgrader
	onStream func(*WebSocket)
	onError  func(error)
	maxSize  int64
}

// UpgraderConfig configures an Upgrader.
type UpgraderConfig struct {
	ReadBufferSize  int
	WriteBufferSize int

	// CheckOrigin validates the Origin header. Nil accepts same-origin
	// requests only.
	CheckOrigin func(r *http.Request) bool

	// MaxMessageSize limits incoming websocket messages (0: no limit).
	MaxMessageSize int64

	// OnError receives upgrade failures (optional).
	OnError func(error)
}

// NewUpgrader returns an http.Handler that upgrades requests and passes
// each stream to onStream. onStream runs on the request goroutine.
func NewUpgrader(cfg UpgraderConfig, onStream func(*WebSocket)) *Upgrader {
	return &Upgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
			Subprotocols:    []string{Subprotocol},
		},
		onStream: onStream,
		onError:  cfg.OnError,
		maxSize:  cfg.MaxMessageSize,
	}
}

// ServeHTTP upgrades the request.
func (u *Upgrader) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if u.onError != nil {
			u.onError(fmt.Errorf("websocket upgrade: %w", err))
		}
		return
	}
	if u.maxSize > 0 {
		conn.SetReadLimit(u.maxSize)
	}
	u.onStream(NewWebSocket(conn))
}

var (
	_ transport.Stream = (*WebSocket)(nil)
	_ http.Handler     = (*Upgrader)(nil)
)
