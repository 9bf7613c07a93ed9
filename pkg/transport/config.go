package transport

import (
	"hash"
	"io"
	"log/slog"
	"time"

	"github.com/sterndu/datatransfer/pkg/cipher"
	"github.com/sterndu/datatransfer/pkg/frame"
	"github.com/sterndu/datatransfer/pkg/log"
	"github.com/sterndu/datatransfer/pkg/metrics"
)

// Connection defaults.
const (
	// DefaultHandshakeTimeout bounds how long a handshake may go without
	// progress before the connection is closed.
	DefaultHandshakeTimeout = 15 * time.Second

	// DefaultReadTimeout bounds how long the remainder of a frame may take
	// once its first byte has arrived.
	DefaultReadTimeout = 5 * time.Second

	// DefaultDialTimeout is the TCP connect timeout used by Dial.
	DefaultDialTimeout = 10 * time.Second

	// DefaultInboundBuffer is the number of decoded frames buffered ahead
	// of the pump.
	DefaultInboundBuffer = 1
)

// Role is the side a connection plays in the handshake.
type Role uint8

const (
	// RoleInitiator sends the handshake offer. Dial creates initiators.
	RoleInitiator Role = iota + 1
	// RoleAcceptor answers offers. Server creates acceptors.
	RoleAcceptor
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleAcceptor:
		return "acceptor"
	default:
		return "unknown"
	}
}

func (r Role) logRole() log.Role {
	switch r {
	case RoleInitiator:
		return log.RoleInitiator
	case RoleAcceptor:
		return log.RoleAcceptor
	default:
		return log.RoleUnknown
	}
}

// Config configures a connection.
type Config struct {
	// Secure enables the handshake and encryption of application frames.
	Secure bool

	// Ciphers holds the available suites (default: cipher.DefaultRegistry).
	Ciphers *cipher.Registry

	// CipherVersions restricts negotiation to these versions. Empty means
	// every version in Ciphers.
	CipherVersions []uint16

	// HandshakeTimeout closes connections whose handshake stalls
	// (default: 15s).
	HandshakeTimeout time.Duration

	// Hash is the frame integrity hash (default: SHA3-256). Both peers must
	// agree.
	Hash func() hash.Hash

	// MaxPayloadSize limits frame payloads (default: 16 MiB).
	MaxPayloadSize uint32

	// ReadTimeout bounds reading the rest of a started frame (default: 5s).
	ReadTimeout time.Duration

	// DialTimeout is the connect timeout used by Dial (default: 10s).
	DialTimeout time.Duration

	// InboundBuffer is the number of decoded frames held ahead of the pump
	// (default: 1).
	InboundBuffer int

	// KeepAlive configures ping/pong liveness checks.
	KeepAlive KeepAliveConfig

	// Scheduler drives the connection. When nil, the connection runs its
	// own scheduler with TickInterval.
	Scheduler Scheduler

	// TickInterval is the interval of a connection-owned scheduler.
	TickInterval time.Duration

	// Rand is the entropy source for handshake keys (default: crypto/rand).
	Rand io.Reader

	// Logger receives operational logs (default: discard).
	Logger *slog.Logger

	// ProtocolLogger receives protocol trace events (optional).
	ProtocolLogger log.Logger

	// Metrics records connection metrics (optional).
	Metrics *metrics.Metrics
}

// DefaultConfig returns a secure configuration with default limits.
func DefaultConfig() Config {
	return Config{
		Secure:           true,
		HandshakeTimeout: DefaultHandshakeTimeout,
		MaxPayloadSize:   frame.DefaultMaxPayloadSize,
		ReadTimeout:      DefaultReadTimeout,
		DialTimeout:      DefaultDialTimeout,
		InboundBuffer:    DefaultInboundBuffer,
		KeepAlive:        DefaultKeepAliveConfig(),
	}
}

// withDefaults fills zero fields and resolves the cipher selection.
func (c Config) withDefaults() (Config, error) {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReadTimeout < 0 {
		c.ReadTimeout = 0
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = DefaultInboundBuffer
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c.KeepAlive = c.KeepAlive.withDefaults()

	if c.Ciphers == nil {
		c.Ciphers = cipher.DefaultRegistry()
	}
	if len(c.CipherVersions) > 0 {
		sub, err := c.Ciphers.Subset(c.CipherVersions)
		if err != nil {
			return c, err
		}
		c.Ciphers = sub
	}
	return c, nil
}
