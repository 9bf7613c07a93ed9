package transport

import (
	"io"
	"net"

	"github.com/sterndu/datatransfer/pkg/frame"
	"github.com/sterndu/datatransfer/pkg/scheduler"
)

// Stream is the byte stream a connection runs over. *net.TCPConn
// satisfies it; pkg/stream adapts other connections.
type Stream interface {
	io.Reader
	io.Writer

	// CloseWrite shuts down the sending half.
	CloseWrite() error

	// CloseRead shuts down the receiving half. A blocked Read must return.
	CloseRead() error

	// Close releases the stream.
	Close() error

	RemoteAddr() net.Addr
}

// Scheduler repeatedly invokes callbacks until they are removed by key.
// Unschedule of an unknown key must be a no-op.
type Scheduler interface {
	Schedule(key string, fn func() error)
	Unschedule(key string)
}

// Handler receives frames of a registered type. Handlers run on the
// goroutine that drives the connection, without connection locks held, so
// they may Send, Close or register handlers.
type Handler func(t frame.Type, payload []byte)

// Compile-time interface satisfaction checks.
var (
	_ Stream    = (*net.TCPConn)(nil)
	_ Scheduler = (*scheduler.Scheduler)(nil)
)
