package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sterndu/datatransfer/pkg/frame"
	"github.com/sterndu/datatransfer/pkg/log"
)

// Keep-alive constants.
const (
	// DefaultPingInterval is the default interval between pings.
	DefaultPingInterval = 30 * time.Second

	// DefaultPongTimeout is the default timeout waiting for a pong response.
	DefaultPongTimeout = 5 * time.Second

	// DefaultMaxMissedPongs is the default number of missed pongs before disconnect.
	DefaultMaxMissedPongs = 3

	// DefaultRTTHistory is the number of round-trip samples kept.
	DefaultRTTHistory = 32

	pingPayloadSize = 5
	pingKindPing    = 0
	pingKindPong    = 1
)

var (
	ErrKeepAliveTimeout = errors.New("keepalive: peer stopped answering pings")
	ErrInvalidPing      = errors.New("keepalive: invalid ping payload")
)

// KeepAliveConfig configures keep-alive behavior.
type KeepAliveConfig struct {
	// Enabled turns on periodic pings. Pings from the peer are always
	// answered.
	Enabled bool

	// PingInterval is the interval between pings.
	PingInterval time.Duration

	// PongTimeout is the timeout waiting for a pong response.
	PongTimeout time.Duration

	// MaxMissedPongs is the number of missed pongs before disconnect.
	MaxMissedPongs int

	// HistorySize is the number of RTT samples averaged in stats.
	HistorySize int
}

// DefaultKeepAliveConfig returns the default keep-alive configuration.
func DefaultKeepAliveConfig() KeepAliveConfig {
	return KeepAliveConfig{
		Enabled:        true,
		PingInterval:   DefaultPingInterval,
		PongTimeout:    DefaultPongTimeout,
		MaxMissedPongs: DefaultMaxMissedPongs,
		HistorySize:    DefaultRTTHistory,
	}
}

// DetectionDelay is the longest a dead peer can go unnoticed.
func (c KeepAliveConfig) DetectionDelay() time.Duration {
	return c.PingInterval*time.Duration(c.MaxMissedPongs) + c.PongTimeout
}

func (c KeepAliveConfig) withDefaults() KeepAliveConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.MaxMissedPongs <= 0 {
		c.MaxMissedPongs = DefaultMaxMissedPongs
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultRTTHistory
	}
	return c
}

// KeepAliveStats contains keep-alive statistics.
type KeepAliveStats struct {
	LastPingTime time.Time
	LastPongTime time.Time
	MissedPongs  int
	CurrentSeq   uint32
	LastRTT      time.Duration
	AverageRTT   time.Duration
	Samples      int
}

// KeepAlive tracks ping/pong liveness. It has no goroutine of its own;
// Tick is driven by the connection's scheduler.
type KeepAlive struct {
	config    KeepAliveConfig
	sendPing  func(seq uint32) error
	onTimeout func()
	now       func() time.Time

	mu           sync.Mutex
	seq          uint32
	pending      uint32
	hasPending   bool
	missedPongs  int
	timedOut     bool
	lastPingTime time.Time
	lastPongTime time.Time
	rtts         []time.Duration
	rttNext      int
}

// NewKeepAlive creates a keep-alive tracker.
func NewKeepAlive(config KeepAliveConfig, sendPing func(seq uint32) error, onTimeout func()) *KeepAlive {
	config = config.withDefaults()
	return &KeepAlive{
		config:    config,
		sendPing:  sendPing,
		onTimeout: onTimeout,
		now:       time.Now,
		rtts:      make([]time.Duration, 0, config.HistorySize),
	}
}

// Tick counts an overdue pong as missed and sends the next ping when the
// interval has elapsed. After MaxMissedPongs consecutive misses the
// timeout callback runs once and Tick returns ErrKeepAliveTimeout.
func (ka *KeepAlive) Tick() error {
	now := ka.now()

	ka.mu.Lock()
	if ka.timedOut {
		ka.mu.Unlock()
		return ErrKeepAliveTimeout
	}
	if ka.hasPending && now.Sub(ka.lastPingTime) >= ka.config.PongTimeout {
		ka.hasPending = false
		ka.missedPongs++
		if ka.missedPongs >= ka.config.MaxMissedPongs {
			ka.timedOut = true
			ka.mu.Unlock()
			if ka.onTimeout != nil {
				ka.onTimeout()
			}
			return ErrKeepAliveTimeout
		}
	}
	due := !ka.hasPending && (ka.lastPingTime.IsZero() || now.Sub(ka.lastPingTime) >= ka.config.PingInterval)
	ka.mu.Unlock()

	if !due {
		return nil
	}
	_, err := ka.Ping()
	return err
}

// Ping sends a ping immediately and returns its sequence number. A pong
// for an earlier ping no longer counts once a new ping is out.
func (ka *KeepAlive) Ping() (uint32, error) {
	ka.mu.Lock()
	ka.seq++
	seq := ka.seq
	ka.pending = seq
	ka.hasPending = true
	ka.lastPingTime = ka.now()
	ka.mu.Unlock()

	if err := ka.sendPing(seq); err != nil {
		return seq, fmt.Errorf("send ping %d: %w", seq, err)
	}
	return seq, nil
}

// PongReceived records a pong and returns the round trip if it answers
// the outstanding ping.
func (ka *KeepAlive) PongReceived(seq uint32) (time.Duration, bool) {
	ka.mu.Lock()
	defer ka.mu.Unlock()

	now := ka.now()
	ka.lastPongTime = now
	if !ka.hasPending || seq != ka.pending {
		return 0, false
	}
	rtt := now.Sub(ka.lastPingTime)
	ka.hasPending = false
	ka.missedPongs = 0

	if len(ka.rtts) < ka.config.HistorySize {
		ka.rtts = append(ka.rtts, rtt)
	} else {
		ka.rtts[ka.rttNext] = rtt
	}
	ka.rttNext = (ka.rttNext + 1) % ka.config.HistorySize
	return rtt, true
}

// Stats returns current keep-alive statistics.
func (ka *KeepAlive) Stats() KeepAliveStats {
	ka.mu.Lock()
	defer ka.mu.Unlock()

	st := KeepAliveStats{
		LastPingTime: ka.lastPingTime,
		LastPongTime: ka.lastPongTime,
		MissedPongs:  ka.missedPongs,
		CurrentSeq:   ka.seq,
		Samples:      len(ka.rtts),
	}
	if n := len(ka.rtts); n > 0 {
		last := ka.rttNext - 1
		if last < 0 {
			last = n - 1
		}
		st.LastRTT = ka.rtts[last]
		var sum time.Duration
		for _, d := range ka.rtts {
			sum += d
		}
		st.AverageRTT = sum / time.Duration(n)
	}
	return st
}

func encodePing(kind byte, seq uint32) []byte {
	b := make([]byte, pingPayloadSize)
	b[0] = kind
	binary.BigEndian.PutUint32(b[1:], seq)
	return b
}

func decodePing(b []byte) (kind byte, seq uint32, err error) {
	if len(b) != pingPayloadSize || b[0] > pingKindPong {
		return 0, 0, fmt.Errorf("%w: %x", ErrInvalidPing, b)
	}
	return b[0], binary.BigEndian.Uint32(b[1:]), nil
}

// Ping sends a keep-alive ping outside the regular interval.
func (c *Conn) Ping() error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	_, err := c.keepAlive.Ping()
	return err
}

// PingStats returns keep-alive statistics.
func (c *Conn) PingStats() KeepAliveStats {
	return c.keepAlive.Stats()
}

func (c *Conn) sendPing(seq uint32) error {
	c.logControl(log.DirectionOut, log.ControlMsgPing, seq, 0)
	return c.sendControl(frame.TypePing, encodePing(pingKindPing, seq))
}

func (c *Conn) handlePing(_ frame.Type, payload []byte) {
	kind, seq, err := decodePing(payload)
	if err != nil {
		c.logger.Debug("bad ping", "error", err)
		return
	}
	if kind == pingKindPing {
		c.logControl(log.DirectionIn, log.ControlMsgPing, seq, 0)
		if err := c.sendControl(frame.TypePing, encodePing(pingKindPong, seq)); err != nil {
			c.logger.Debug("pong not sent", "seq", seq, "error", err)
			return
		}
		c.logControl(log.DirectionOut, log.ControlMsgPong, seq, 0)
		return
	}
	rtt, ok := c.keepAlive.PongReceived(seq)
	if !ok {
		return
	}
	c.metrics.PingRTT(rtt)
	c.logControl(log.DirectionIn, log.ControlMsgPong, seq, rtt)
}
