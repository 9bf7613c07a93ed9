package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sterndu/datatransfer/pkg/frame"
	"github.com/sterndu/datatransfer/pkg/transport"
)

var (
	ErrManagerClosed   = errors.New("connection manager closed")
	ErrNotConnected    = errors.New("not connected")
	ErrAlreadyStarted  = errors.New("connection manager already started")
	ErrMissingDialFunc = errors.New("dial function required")
)

// DefaultDialTimeout bounds each reconnect attempt.
const DefaultDialTimeout = 30 * time.Second

// State is the manager state.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// DialFunc establishes a connection.
type DialFunc func(ctx context.Context) (*transport.Conn, error)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Dial opens a new connection. Required.
	Dial DialFunc

	// Backoff controls the delay between reconnect attempts.
	Backoff BackoffConfig

	// DialTimeout bounds each reconnect attempt (default: DefaultDialTimeout).
	DialTimeout time.Duration

	// DisableReconnect stops the manager after the first connection ends.
	DisableReconnect bool

	// OnConnected runs for each new connection before Conn returns it.
	OnConnected func(conn *transport.Conn)

	// OnDisconnected runs after a connection has closed.
	OnDisconnected func(conn *transport.Conn)

	// OnStateChange observes state transitions.
	OnStateChange func(old, new State)

	// OnReconnecting runs before each backoff wait.
	OnReconnecting func(attempt int, delay time.Duration)

	Logger *slog.Logger
}

// Manager holds one connection and re-dials it when it closes.
type Manager struct {
	cfg     ManagerConfig
	backoff *Backoff
	logger  *slog.Logger

	mu      sync.RWMutex
	state   State
	conn    *transport.Conn
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager. It does not dial until Start.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Dial == nil {
		return nil, ErrMissingDialFunc
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		backoff: NewBackoff(cfg.Backoff),
		logger:  logger.With("component", "reconnect"),
		state:   StateDisconnected,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start dials the first connection and begins supervising it. A failed
// first dial is returned and leaves the manager stopped.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.state == StateClosed:
		m.mu.Unlock()
		return ErrManagerClosed
	case m.started:
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	m.setState(StateConnecting)
	conn, err := m.cfg.Dial(ctx)
	if err != nil {
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		m.setState(StateDisconnected)
		return fmt.Errorf("connect: %w", err)
	}
	if !m.publish(conn) {
		return ErrManagerClosed
	}

	m.wg.Add(1)
	go m.supervise(conn)
	return nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Conn returns the current connection.
func (m *Manager) Conn() (*transport.Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == StateClosed {
		return nil, ErrManagerClosed
	}
	if m.conn == nil || m.conn.Closed() {
		return nil, ErrNotConnected
	}
	return m.conn, nil
}

// Send sends on the current connection.
func (m *Manager) Send(t frame.Type, payload []byte) error {
	conn, err := m.Conn()
	if err != nil {
		return err
	}
	return conn.Send(t, payload)
}

// Attempts returns the number of reconnect attempts since the last
// successful dial.
func (m *Manager) Attempts() int {
	return m.backoff.Attempts()
}

// Close stops reconnecting and closes the current connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.setState(StateClosed)
	m.cancel()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	m.wg.Wait()
	return err
}

// supervise waits for conn to end and replaces it.
func (m *Manager) supervise(conn *transport.Conn) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-conn.Done():
		}

		m.logger.Info("connection lost", "conn", conn.ID())
		if m.cfg.OnDisconnected != nil {
			m.cfg.OnDisconnected(conn)
		}

		if m.cfg.DisableReconnect {
			m.mu.Lock()
			if m.state != StateClosed {
				m.conn = nil
			}
			m.mu.Unlock()
			m.setState(StateDisconnected)
			return
		}

		m.setState(StateReconnecting)
		next, ok := m.redial()
		if !ok {
			return
		}
		conn = next
	}
}

// redial retries with backoff until a dial succeeds or the manager closes.
func (m *Manager) redial() (*transport.Conn, bool) {
	for {
		delay := m.backoff.Next()
		attempt := m.backoff.Attempts()
		if m.cfg.OnReconnecting != nil {
			m.cfg.OnReconnecting(attempt, delay)
		}
		m.logger.Debug("reconnecting", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
		conn, err := m.cfg.Dial(ctx)
		cancel()
		if err != nil {
			m.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		if !m.publish(conn) {
			return nil, false
		}
		return conn, true
	}
}

// publish installs conn as the current connection. It reports false and
// closes conn when the manager was closed meanwhile.
func (m *Manager) publish(conn *transport.Conn) bool {
	if m.cfg.OnConnected != nil {
		m.cfg.OnConnected(conn)
	}

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		conn.Close()
		return false
	}
	m.conn = conn
	m.mu.Unlock()

	m.backoff.Reset()
	m.setState(StateConnected)
	m.logger.Info("connected", "conn", conn.ID(), "remote", conn.RemoteAddr())
	return true
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	old := m.state
	if old == s || (old == StateClosed && s != StateClosed) {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(old, s)
	}
}
