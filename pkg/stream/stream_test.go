package stream

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sterndu/datatransfer/pkg/frame"
	"github.com/sterndu/datatransfer/pkg/transport"
)

func TestWrapWithoutHalfClose(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	c := Wrap(a)
	assert.NoError(t, c.CloseWrite())

	done := make(chan error, 1)
	go func() {
		_, err := c.Read(make([]byte, 1))
		done <- err
	}()
	require.NoError(t, c.CloseRead())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.ErrClosedPipe)
	case <-time.After(time.Second):
		t.Fatal("CloseRead did not unblock Read")
	}
}

func TestWrapTCPHalfClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		s, err := ln.Accept()
		if err != nil {
			return
		}
		defer s.Close()
		io.Copy(s, s)
	}()

	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	c := Wrap(nc)
	defer c.Close()

	_, err = c.Write([]byte("echo"))
	require.NoError(t, err)
	require.NoError(t, c.CloseWrite())

	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "echo", string(got))
}

func wsServer(t *testing.T, onStream func(*WebSocket)) string {
	t.Helper()
	up := NewUpgrader(UpgraderConfig{
		CheckOrigin:    func(*http.Request) bool { return true },
		MaxMessageSize: 1 << 20,
	}, onStream)
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketByteStream(t *testing.T) {
	received := make(chan []byte, 1)
	url := wsServer(t, func(ws *WebSocket) {
		defer ws.Close()
		// Two writes on the client side are read back as one stream.
		buf := make([]byte, 6)
		if _, err := io.ReadFull(ws, buf); err != nil {
			return
		}
		received <- buf
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, err := DialWebSocket(ctx, url, nil)
	require.NoError(t, err)
	defer ws.Close()

	_, err = ws.Write([]byte("abc"))
	require.NoError(t, err)
	_, err = ws.Write([]byte("def"))
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "abcdef", string(got))
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive data")
	}
	assert.NotNil(t, ws.RemoteAddr())
}

func TestWebSocketRejectsTextMessages(t *testing.T) {
	errs := make(chan error, 1)
	url := wsServer(t, func(ws *WebSocket) {
		defer ws.Close()
		_, err := ws.Read(make([]byte, 8))
		errs <- err
	})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hi")))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrNotBinary)
	case <-time.After(5 * time.Second):
		t.Fatal("no read result")
	}
}

func TestWebSocketCloseReadsAsEOF(t *testing.T) {
	errs := make(chan error, 1)
	url := wsServer(t, func(ws *WebSocket) {
		defer ws.Close()
		_, err := ws.Read(make([]byte, 8))
		errs <- err
	})

	ctx := context.Background()
	ws, err := DialWebSocket(ctx, url, nil)
	require.NoError(t, err)
	require.NoError(t, ws.CloseWrite())
	defer ws.Close()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(5 * time.Second):
		t.Fatal("no read result")
	}
}

func TestSecureConnOverWebSocket(t *testing.T) {
	cfg := transport.Config{Secure: true, TickInterval: time.Millisecond}

	accepted := make(chan *transport.Conn, 1)
	url := wsServer(t, func(ws *WebSocket) {
		c, err := transport.NewConn(ws, transport.RoleAcceptor, cfg)
		if err != nil {
			ws.Close()
			return
		}
		accepted <- c
	})

	ws, err := DialWebSocket(context.Background(), url, nil)
	require.NoError(t, err)
	client, err := transport.NewConn(ws, transport.RoleInitiator, cfg)
	require.NoError(t, err)
	defer client.Close()

	var server *transport.Conn
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("no server connection")
	}
	defer server.Close()

	require.NoError(t, client.Send(5, []byte{0x01, 0x02}))
	require.Eventually(t, server.HasMessage, 5*time.Second, 2*time.Millisecond)
	f, err := server.NextMessage()
	require.NoError(t, err)
	assert.Equal(t, frame.Type(5), f.Type)
	assert.Equal(t, []byte{0x01, 0x02}, f.Payload)
	assert.NotZero(t, client.NegotiatedVersion())

	require.NoError(t, client.Close())
	require.Eventually(t, server.Closed, 5*time.Second, 2*time.Millisecond)
}
