package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sterndu/datatransfer/pkg/scheduler"
)

// DefaultPort is the listen port used when ServerConfig.Address is empty.
const DefaultPort = 9360

var (
	ErrServerRunning    = errors.New("server already running")
	ErrServerNotRunning = errors.New("server not running")
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address to listen on (e.g., ":9360" or "127.0.0.1:9360").
	Address string

	// Conn configures every accepted connection. A nil Conn.Scheduler is
	// replaced by one scheduler shared by all connections of the server.
	Conn Config

	// OnConnect is called when a new connection is accepted.
	OnConnect func(conn *Conn)

	// OnDisconnect is called after a connection is closed.
	OnDisconnect func(conn *Conn)

	// OnError is called for accept and setup failures.
	OnError func(err error)
}

// Server accepts connections and drives them as acceptors.
type Server struct {
	config   ServerConfig
	listener net.Listener
	sched    *scheduler.Scheduler

	conns   map[*Conn]struct{}
	connsMu sync.RWMutex

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a server. It does not listen until Start.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	if _, err := config.Conn.withDefaults(); err != nil {
		return nil, fmt.Errorf("conn config: %w", err)
	}
	s := &Server{
		config: config,
		conns:  make(map[*Conn]struct{}),
	}
	if config.Conn.Scheduler == nil {
		s.sched = scheduler.New(scheduler.Config{Interval: config.Conn.TickInterval, Logger: config.Conn.Logger})
		s.config.Conn.Scheduler = s.sched
	}
	return s, nil
}

// Start listens on the configured address and accepts connections until
// ctx is done or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return ErrServerRunning
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Address, err)
	}
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)

	if s.sched != nil {
		s.sched.Start(s.ctx)
	}

	s.wg.Add(2)
	go s.acceptLoop()
	go func() {
		defer s.wg.Done()
		<-s.ctx.Done()
		s.listener.Close()
	}()
	return nil
}

// Stop stops accepting, closes all connections and waits for the server's
// goroutines.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()

	for _, c := range s.Connections() {
		c.Close()
	}
	s.wg.Wait()

	if s.sched != nil {
		s.sched.Stop()
	}
	return nil
}

// Addr returns the listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

// Connections returns a snapshot of the open connections.
func (s *Server) Connections() []*Conn {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	out := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Accept wraps a stream obtained elsewhere, such as a websocket upgrade,
// in an acceptor connection tracked by the server.
func (s *Server) Accept(stream Stream) (*Conn, error) {
	if !s.running.Load() {
		return nil, ErrServerNotRunning
	}
	conn, err := NewConn(stream, RoleAcceptor, s.config.Conn)
	if err != nil {
		stream.Close()
		return nil, err
	}

	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()

	if s.config.OnConnect != nil {
		s.config.OnConnect(conn)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-conn.Done()

		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()

		if s.config.OnDisconnect != nil {
			s.config.OnDisconnect(conn)
		}
	}()
	return conn, nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.reportError(fmt.Errorf("accept: %w", err))
			continue
		}
		tcp, ok := nc.(*net.TCPConn)
		if !ok {
			nc.Close()
			s.reportError(fmt.Errorf("accept: unexpected connection type %T", nc))
			continue
		}
		if _, err := s.Accept(tcp); err != nil {
			s.reportError(fmt.Errorf("setup %s: %w", nc.RemoteAddr(), err))
		}
	}
}

func (s *Server) reportError(err error) {
	if s.config.OnError != nil {
		s.config.OnError(err)
	}
}
