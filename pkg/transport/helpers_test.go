package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sterndu/datatransfer/pkg/frame"
)

const (
	waitFor = 3 * time.Second
	pollInt = 2 * time.Millisecond
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok, "accept failed")

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client.(*net.TCPConn), server.(*net.TCPConn)
}

func testConfig(secure bool) Config {
	return Config{
		Secure:           secure,
		HandshakeTimeout: 2 * time.Second,
		ReadTimeout:      time.Second,
		TickInterval:     time.Millisecond,
	}
}

// connPair returns a connected initiator and acceptor.
func connPair(t *testing.T, initCfg, accCfg Config) (*Conn, *Conn) {
	t.Helper()
	a, b := tcpPair(t)

	acc, err := NewConn(b, RoleAcceptor, accCfg)
	require.NoError(t, err)
	ini, err := NewConn(a, RoleInitiator, initCfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		ini.Close()
		acc.Close()
	})
	return ini, acc
}

func waitEstablished(t *testing.T, conns ...*Conn) {
	t.Helper()
	for _, c := range conns {
		require.Eventually(t, c.Initialized, waitFor, pollInt, "connection %s not initialized", c.Role())
	}
}

// rawPeer speaks the frame protocol directly, without a Conn.
type rawPeer struct {
	conn *net.TCPConn
	r    *frame.Reader
	w    *frame.Writer
}

func newRawPeer(c *net.TCPConn) *rawPeer {
	codec := frame.DefaultCodec()
	return &rawPeer{conn: c, r: frame.NewReader(c, codec), w: frame.NewWriter(c, codec)}
}

// next reads frames until one of a type other than ping arrives.
func (p *rawPeer) next(t *testing.T) frame.Frame {
	t.Helper()
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(waitFor)))
	defer p.conn.SetReadDeadline(time.Time{})
	for {
		f, err := p.r.ReadFrame()
		require.NoError(t, err)
		if f.Type != frame.TypePing {
			return f
		}
	}
}

func (p *rawPeer) send(t *testing.T, f frame.Frame) {
	t.Helper()
	require.NoError(t, p.w.WriteFrame(f))
}

func (p *rawPeer) sendRaw(t *testing.T, b []byte) {
	t.Helper()
	_, err := p.conn.Write(b)
	require.NoError(t, err)
}

// handlerLog collects handler invocations.
type handlerLog struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (h *handlerLog) handle(t frame.Type, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, frame.Frame{Type: t, Payload: payload})
}

func (h *handlerLog) payloads() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.frames))
	for i, f := range h.frames {
		out[i] = string(f.Payload)
	}
	return out
}

func (h *handlerLog) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

// mockStream is a Stream whose writes are scripted. Reads block until the
// stream is closed.
type mockStream struct {
	mock.Mock

	mu      sync.Mutex
	written [][]byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newMockStream() *mockStream {
	return &mockStream{closed: make(chan struct{})}
}

func (m *mockStream) Read([]byte) (int, error) {
	<-m.closed
	return 0, io.EOF
}

func (m *mockStream) Write(p []byte) (int, error) {
	if err := m.Called(p).Error(0); err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.written = append(m.written, append([]byte(nil), p...))
	m.mu.Unlock()
	return len(p), nil
}

func (m *mockStream) CloseWrite() error {
	return m.Called().Error(0)
}

func (m *mockStream) CloseRead() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return m.Called().Error(0)
}

func (m *mockStream) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return m.Called().Error(0)
}

func (m *mockStream) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 9360}
}

func (m *mockStream) writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.written...)
}

var errBrokenPipe = errors.New("broken pipe")

// manualScheduler records tasks without running them.
type manualScheduler struct {
	mu    sync.Mutex
	tasks map[string]func() error
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{tasks: make(map[string]func() error)}
}

func (s *manualScheduler) Schedule(key string, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[key] = fn
}

func (s *manualScheduler) Unschedule(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, key)
}

func (s *manualScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

var _ Scheduler = (*manualScheduler)(nil)
