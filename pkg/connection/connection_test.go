package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sterndu/datatransfer/pkg/transport"
)

func TestBackoff(t *testing.T) {
	t.Run("DefaultSequence", func(t *testing.T) {
		b := NewBackoff(BackoffConfig{Jitter: 0})

		expected := []time.Duration{
			1 * time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
			32 * time.Second,
			60 * time.Second,
			60 * time.Second,
		}
		for i, exp := range expected {
			if got := b.Next(); got != exp {
				t.Errorf("attempt %d: delay = %v, want %v", i, got, exp)
			}
		}
		if b.Attempts() != len(expected) {
			t.Errorf("Attempts() = %d, want %d", b.Attempts(), len(expected))
		}
	})

	t.Run("Jitter", func(t *testing.T) {
		b := NewBackoff(DefaultBackoffConfig())
		b.random = func() float64 { return 0.5 }

		if got, want := b.Next(), time.Second+125*time.Millisecond; got != want {
			t.Errorf("delay = %v, want %v", got, want)
		}
		if got, want := b.Next(), 2*time.Second+250*time.Millisecond; got != want {
			t.Errorf("delay = %v, want %v", got, want)
		}
	})

	t.Run("Reset", func(t *testing.T) {
		b := NewBackoff(DefaultBackoffConfig())
		b.Next()
		b.Next()
		b.Reset()
		if b.Current() != InitialBackoff {
			t.Errorf("Current() = %v after reset, want %v", b.Current(), InitialBackoff)
		}
		if b.Attempts() != 0 {
			t.Errorf("Attempts() = %d after reset, want 0", b.Attempts())
		}
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		b := NewBackoff(BackoffConfig{Initial: -1, Multiplier: 0.5, Jitter: -1})
		if b.cfg.Initial != InitialBackoff || b.cfg.Multiplier != BackoffMultiplier || b.cfg.Jitter != 0 {
			t.Errorf("unexpected config %+v", b.cfg)
		}
		if b.cfg.Max != MaxBackoff {
			t.Errorf("Max = %v, want %v", b.cfg.Max, MaxBackoff)
		}
	})
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateDisconnected: "DISCONNECTED",
		StateConnecting:   "CONNECTING",
		StateConnected:    "CONNECTED",
		StateReconnecting: "RECONNECTING",
		StateClosed:       "CLOSED",
		State(99):         "UNKNOWN",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func startServer(t *testing.T) *transport.Server {
	t.Helper()
	srv, err := transport.NewServer(transport.ServerConfig{
		Address: "127.0.0.1:0",
		Conn:    transport.Config{Secure: true, TickInterval: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func dialer(srv *transport.Server) DialFunc {
	return func(ctx context.Context) (*transport.Conn, error) {
		return transport.Dial(ctx, srv.Addr().String(), transport.Config{Secure: true, TickInterval: time.Millisecond})
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewManagerRequiresDial(t *testing.T) {
	if _, err := NewManager(ManagerConfig{}); !errors.Is(err, ErrMissingDialFunc) {
		t.Errorf("NewManager() error = %v, want %v", err, ErrMissingDialFunc)
	}
}

func TestManagerConnect(t *testing.T) {
	srv := startServer(t)

	var connected atomic.Int32
	m, err := NewManager(ManagerConfig{
		Dial:        dialer(srv),
		OnConnected: func(*transport.Conn) { connected.Add(1) },
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if _, err := m.Conn(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Conn() before Start error = %v, want %v", err, ErrNotConnected)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.State() != StateConnected {
		t.Errorf("State() = %v, want CONNECTED", m.State())
	}
	if connected.Load() != 1 {
		t.Errorf("OnConnected calls = %d, want 1", connected.Load())
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start error = %v, want %v", err, ErrAlreadyStarted)
	}
	if err := m.Send(5, []byte{1}); err != nil {
		t.Errorf("Send: %v", err)
	}
	waitFor(t, func() bool { return srv.ConnectionCount() == 1 }, "server did not accept")
}

func TestManagerStartFailure(t *testing.T) {
	m, err := NewManager(ManagerConfig{
		Dial: func(context.Context) (*transport.Conn, error) { return nil, errors.New("refused") },
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with a failing dial")
	}
	if m.State() != StateDisconnected {
		t.Errorf("State() = %v, want DISCONNECTED", m.State())
	}
}

func TestManagerReconnect(t *testing.T) {
	srv := startServer(t)

	var mu sync.Mutex
	var transitions []State
	var attempts atomic.Int32

	dial := dialer(srv)
	var failures atomic.Int32
	failures.Store(1)

	m, err := NewManager(ManagerConfig{
		Dial: func(ctx context.Context) (*transport.Conn, error) {
			if attempts.Load() > 0 && failures.Add(-1) >= 0 {
				return nil, errors.New("transient")
			}
			return dial(ctx)
		},
		Backoff:        BackoffConfig{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond},
		OnReconnecting: func(int, time.Duration) { attempts.Add(1) },
		OnStateChange: func(_, s State) {
			mu.Lock()
			transitions = append(transitions, s)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first, err := m.Conn()
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}

	waitFor(t, func() bool { return srv.ConnectionCount() == 1 }, "server did not accept")
	for _, c := range srv.Connections() {
		c.Close()
	}

	waitFor(t, func() bool {
		mu.Lock()
		n := len(transitions)
		mu.Unlock()
		c, err := m.Conn()
		return err == nil && c != first && n == 4
	}, "manager did not reconnect")

	if attempts.Load() < 2 {
		t.Errorf("reconnect attempts = %d, want at least 2", attempts.Load())
	}
	if m.Attempts() != 0 {
		t.Errorf("Attempts() = %d after success, want 0", m.Attempts())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateReconnecting, StateConnected}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestManagerDisableReconnect(t *testing.T) {
	srv := startServer(t)

	lost := make(chan struct{})
	m, err := NewManager(ManagerConfig{
		Dial:             dialer(srv),
		DisableReconnect: true,
		OnDisconnected:   func(*transport.Conn) { close(lost) },
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn, _ := m.Conn()
	conn.Close()

	select {
	case <-lost:
	case <-time.After(5 * time.Second):
		t.Fatal("OnDisconnected not called")
	}
	waitFor(t, func() bool { return m.State() == StateDisconnected }, "state not DISCONNECTED")
	if _, err := m.Conn(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Conn() error = %v, want %v", err, ErrNotConnected)
	}
}

func TestManagerClose(t *testing.T) {
	srv := startServer(t)

	m, err := NewManager(ManagerConfig{Dial: dialer(srv)})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn, _ := m.Conn()

	m.Close()
	m.Close()

	if !conn.Closed() {
		t.Error("connection still open after Close")
	}
	if m.State() != StateClosed {
		t.Errorf("State() = %v, want CLOSED", m.State())
	}
	if _, err := m.Conn(); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Conn() error = %v, want %v", err, ErrManagerClosed)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Start after Close error = %v, want %v", err, ErrManagerClosed)
	}
}
