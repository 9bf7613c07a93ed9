package transport

import (
	"context"
	"fmt"
	"net"
)

// Dial connects to address over TCP and returns an initiator connection.
// On a secure configuration the handshake offer is already sent; the
// exchange completes in the background and Send queues until it does.
func Dial(ctx context.Context, address string, cfg Config) (*Conn, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	dialer := &net.Dialer{}
	nc, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	tcp, ok := nc.(*net.TCPConn)
	if !ok {
		nc.Close()
		return nil, fmt.Errorf("dial %s: unexpected connection type %T", address, nc)
	}

	conn, err := NewConn(tcp, RoleInitiator, cfg)
	if err != nil {
		tcp.Close()
		return nil, err
	}
	return conn, nil
}
