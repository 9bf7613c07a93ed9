// Package stream adapts byte-stream connections to transport.Stream.
//
// TCP connections satisfy transport.Stream as they are. Wrap handles any
// other net.Conn, and WebSocket carries the byte stream over binary
// websocket messages so peers can meet behind HTTP infrastructure.
package stream

import (
	"net"

	"github.com/sterndu/datatransfer/pkg/transport"
)

type closeWriter interface {
	CloseWrite() error
}

type closeReader interface {
	CloseRead() error
}

// Conn is a net.Conn with half-close support.
type Conn struct {
	net.Conn
}

// Wrap adapts c. Connections without half-close fall back to closing the
// whole connection in CloseRead and to a no-op CloseWrite.
func Wrap(c net.Conn) *Conn {
	return &Conn{Conn: c}
}

// CloseWrite shuts down the sending half if the connection supports it.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// CloseRead shuts down the receiving half, or the whole connection when
// half-close is unsupported.
func (c *Conn) CloseRead() error {
	if cr, ok := c.Conn.(closeReader); ok {
		return cr.CloseRead()
	}
	return c.Conn.Close()
}

var _ transport.Stream = (*Conn)(nil)
