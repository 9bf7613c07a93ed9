package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sterndu/datatransfer/pkg/cipher"
	"github.com/sterndu/datatransfer/pkg/frame"
	"github.com/sterndu/datatransfer/pkg/handshake"
	"github.com/sterndu/datatransfer/pkg/log"
	"github.com/sterndu/datatransfer/pkg/metrics"
	"github.com/sterndu/datatransfer/pkg/scheduler"
)

// Connection errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrReservedType     = errors.New("frame type is reserved for control traffic")
	ErrWriteDeferred    = errors.New("write failed, frame queued for retry")
	ErrNoData           = errors.New("no frame available")
	ErrNoMessage        = errors.New("receive queue is empty")
	ErrNotSecure        = errors.New("connection is not secure")
	ErrHandshakeStalled = errors.New("handshake stalled")
	ErrInvalidRole      = errors.New("invalid connection role")
)

// sealOverhead bounds the bytes the built-in cipher suites add to a
// payload (nonce and tag).
const sealOverhead = 64

type inbound struct {
	f   frame.Frame
	err error
}

type cipherState struct {
	inst    cipher.Instance
	version uint16
}

// Conn is one end of a datatransfer connection.
//
// Two locks guard its state: sendMu covers writes, the initialization
// gate, the delayed-send queue, the last sent frame and cipher installation;
// recvMu covers handlers and the receive queue. Close takes sendMu before
// recvMu. Handlers are called with neither held.
type Conn struct {
	id     string
	role   Role
	cfg    Config
	stream Stream
	reader *frame.Reader
	writer *frame.Writer

	maxPayload uint32

	sched    Scheduler
	ownSched *scheduler.Scheduler

	logger  *slog.Logger
	plog    log.Logger
	metrics *metrics.Metrics

	inbound   chan inbound
	readDone  chan struct{}
	done      chan struct{}
	receiving atomic.Bool

	sendMu      sync.Mutex
	initialized bool
	delayed     []frame.Frame
	lastSent    *frame.Frame
	cipher      atomic.Pointer[cipherState]

	recvMu   sync.Mutex
	handlers map[frame.Type]registration
	queue    []frame.Frame
	internal *Owner

	// backlog holds frames that arrived while queued frames of the same
	// type were being handed to a new handler. A key is present for as
	// long as that hand-over runs.
	backlog map[frame.Type][]frame.Frame

	hs        *handshake.Machine
	keepAlive *KeepAlive

	hookMu       sync.Mutex
	shutdownHook func(*Conn)
	closing      atomic.Bool
	closed       atomic.Bool
}

// NewConn wraps stream in a connection playing role. A secure initiator
// sends its handshake offer before NewConn returns.
func NewConn(stream Stream, role Role, cfg Config) (*Conn, error) {
	if role != RoleInitiator && role != RoleAcceptor {
		return nil, ErrInvalidRole
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	codec, err := frame.NewCodec(cfg.Hash, cfg.MaxPayloadSize)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	id := uuid.New().String()
	c := &Conn{
		id:         id,
		role:       role,
		cfg:        cfg,
		stream:     stream,
		reader:     frame.NewReader(stream, codec),
		writer:     frame.NewWriter(stream, codec),
		maxPayload: codec.MaxPayloadSize(),
		logger:     cfg.Logger.With("conn", id, "role", role.String()),
		plog:       cfg.ProtocolLogger,
		metrics:    cfg.Metrics,
		inbound:    make(chan inbound, cfg.InboundBuffer),
		readDone:   make(chan struct{}),
		done:       make(chan struct{}),
		handlers:   make(map[frame.Type]registration),
		backlog:    make(map[frame.Type][]frame.Frame),
		internal:   NewOwner("transport"),
	}
	c.reader.SetReadTimeout(cfg.ReadTimeout)
	if c.plog != nil {
		c.reader.SetLogger(c.plog, id, role.logRole())
		c.writer.SetLogger(c.plog, id, role.logRole())
	}

	c.sched = cfg.Scheduler
	if c.sched == nil {
		c.ownSched = scheduler.New(scheduler.Config{Interval: cfg.TickInterval, Logger: cfg.Logger})
		c.sched = c.ownSched
	}

	c.handlers[frame.TypeClose] = registration{owner: c.internal, fn: c.handleClose}
	c.handlers[frame.TypeResendRequest] = registration{owner: c.internal, fn: c.handleResendRequest}
	c.handlers[frame.TypePing] = registration{owner: c.internal, fn: c.handlePing}
	c.keepAlive = NewKeepAlive(cfg.KeepAlive, c.sendPing, func() {
		c.logger.Warn("keepalive timeout")
		_ = c.closeWithReason("keepalive timeout")
	})

	if cfg.Secure {
		c.hs = handshake.NewMachine(handshake.Config{Versions: cfg.Ciphers.Versions(), Rand: cfg.Rand})
		c.handlers[frame.TypeHandshakeOffer] = registration{owner: c.internal, fn: c.handleOffer}
		c.handlers[frame.TypeHandshakeAccept] = registration{owner: c.internal, fn: c.handleAccept}
	} else {
		c.initialized = true
	}

	c.metrics.ConnectionOpened(role.String())
	c.logState("", "OPEN", "")
	c.logger.Debug("connection opened", "remote", addrString(stream.RemoteAddr()), "secure", cfg.Secure)

	go c.readLoop()

	if cfg.Secure {
		if role == RoleInitiator {
			if err := c.startHandshake(); err != nil {
				_ = c.closeWithReason("handshake offer failed")
				return nil, fmt.Errorf("start handshake: %w", err)
			}
		} else {
			c.hs.Await()
			c.sched.Schedule(c.key("handshake"), c.checkHandshake)
		}
	}

	c.sched.Schedule(c.key("conn"), c.Tick)
	if cfg.KeepAlive.Enabled {
		c.sched.Schedule(c.key("keepalive"), c.keepAlive.Tick)
	}
	if c.ownSched != nil {
		c.ownSched.Start(context.Background())
	}
	return c, nil
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// Role returns the connection's handshake role.
func (c *Conn) Role() Role { return c.role }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.stream.RemoteAddr() }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Closed reports whether Close has completed.
func (c *Conn) Closed() bool { return c.closed.Load() }

// Initialized reports whether application frames are written directly.
// It is false while a handshake is in flight.
func (c *Conn) Initialized() bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.initialized
}

// DelayedCount returns the number of frames waiting in the delayed-send
// queue.
func (c *Conn) DelayedCount() int {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return len(c.delayed)
}

// SetShutdownHook sets a callback run once when the connection starts
// closing, before the close frame is sent. The hook may still Send.
func (c *Conn) SetShutdownHook(fn func(*Conn)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.shutdownHook = fn
}

// Send transmits an application frame. Before the connection is
// initialized, or while earlier frames wait for retry, the frame is queued
// and Send returns nil. A failed write queues the frame and returns an error
// wrapping ErrWriteDeferred.
func (c *Conn) Send(t frame.Type, payload []byte) error {
	if t.IsControl() {
		return fmt.Errorf("%w: %s", ErrReservedType, t)
	}
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if limit := c.payloadLimit(); uint64(len(payload)) > uint64(limit) {
		return fmt.Errorf("%w: %d > %d", frame.ErrPayloadTooLarge, len(payload), limit)
	}
	return c.sendApplication(frame.Frame{Type: t, Payload: bytes.Clone(payload)})
}

// payloadLimit is the largest application payload Send accepts.
func (c *Conn) payloadLimit() uint32 {
	if c.cfg.Secure && c.maxPayload > sealOverhead {
		return c.maxPayload - sealOverhead
	}
	return c.maxPayload
}

func (c *Conn) sendApplication(f frame.Frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if !c.initialized || len(c.delayed) > 0 {
		c.enqueueLocked(f)
		return nil
	}
	if err := c.writeLocked(f); err != nil {
		c.enqueueLocked(f)
		c.logger.Debug("send deferred", "type", f.Type, "error", err)
		return fmt.Errorf("%w: %w", ErrWriteDeferred, err)
	}
	return nil
}

// sendControl writes a control frame regardless of the initialization
// gate. Control frames are not retried.
func (c *Conn) sendControl(t frame.Type, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return c.writeLocked(frame.Frame{Type: t, Payload: payload})
}

func (c *Conn) enqueueLocked(f frame.Frame) {
	c.delayed = append(c.delayed, f)
	c.metrics.SendDeferred()
}

// writeLocked encrypts application payloads with the installed cipher and
// writes f. The caller holds sendMu.
func (c *Conn) writeLocked(f frame.Frame) error {
	wire := f
	if !f.Type.IsControl() {
		if cs := c.cipher.Load(); cs != nil {
			enc, err := cs.inst.Encrypt(f.Payload, associatedData(f.Type))
			if err != nil {
				return fmt.Errorf("encrypt: %w", err)
			}
			wire.Payload = enc
		}
	}
	if err := c.writer.WriteFrame(wire); err != nil {
		return err
	}
	c.metrics.FrameSent(int8(f.Type), frame.Size(len(wire.Payload)))
	if retained(f.Type) {
		c.lastSent = &f
	}
	return nil
}

// associatedData binds the frame type, which the integrity hash does not
// cover, to an encrypted payload.
func associatedData(t frame.Type) []byte {
	return []byte{byte(t)}
}

// retained reports whether frames of type t are kept for resending.
// Handshake frames are kept only while their round is open.
func retained(t frame.Type) bool {
	switch t {
	case frame.TypeClose, frame.TypeResendRequest, frame.TypePing:
		return false
	}
	return true
}

// forgetHandshakeLocked drops a retained handshake frame once its round
// has completed. The caller holds sendMu.
func (c *Conn) forgetHandshakeLocked() {
	if c.lastSent == nil {
		return
	}
	switch c.lastSent.Type {
	case frame.TypeHandshakeOffer, frame.TypeHandshakeAccept:
		c.lastSent = nil
	}
}

// LastSent returns the most recent frame kept for resending.
func (c *Conn) LastSent() (frame.Frame, bool) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.lastSent == nil {
		return frame.Frame{}, false
	}
	return *c.lastSent, true
}

// RequestResend asks the peer to send its last frame again.
func (c *Conn) RequestResend() error {
	c.metrics.ResendRequested("out")
	c.logControl(log.DirectionOut, log.ControlMsgResendRequest, 0, 0)
	return c.sendControl(frame.TypeResendRequest, nil)
}

func (c *Conn) resendLast() error {
	c.sendMu.Lock()
	if c.lastSent == nil {
		c.sendMu.Unlock()
		return nil
	}
	f := *c.lastSent
	c.sendMu.Unlock()
	if f.Type == frame.TypeHandshakeOffer {
		// A repeated offer would be answered as a new round; start one.
		return c.startHandshake()
	}
	return c.sendApplication(f)
}

// ReceiveOne dispatches at most one inbound frame. It returns ErrNoData
// when no frame has been decoded yet or another ReceiveOne is running.
// A frame whose hash does not match triggers a resend request; any other
// validation failure closes the connection.
func (c *Conn) ReceiveOne() error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if !c.receiving.CompareAndSwap(false, true) {
		return ErrNoData
	}
	defer c.receiving.Store(false)

	in, err := c.poll()
	if err != nil {
		return err
	}

	f := in.f
	if f.IsMalformed() {
		c.metrics.IntegrityFailure()
		c.logControl(log.DirectionIn, log.ControlMsgMalformed, 0, 0)
		if !errors.Is(in.err, frame.ErrHashMismatch) {
			c.logger.Warn("frame boundary lost", "error", in.err)
			_ = c.closeWithReason("frame boundary lost")
			return ErrConnectionClosed
		}
		c.logger.Debug("malformed frame", "error", in.err)
		return c.RequestResend()
	}
	c.metrics.FrameReceived(int8(f.Type), frame.Size(len(f.Payload)))

	if !f.Type.IsControl() && c.cfg.Secure {
		cs := c.cipher.Load()
		if cs == nil {
			c.logger.Warn("dropping application frame received before handshake", "type", f.Type)
			return nil
		}
		plain, err := cs.inst.Decrypt(f.Payload, associatedData(f.Type))
		if err != nil {
			c.metrics.IntegrityFailure()
			c.logger.Debug("decrypt failed", "type", f.Type, "error", err)
			return c.RequestResend()
		}
		f.Payload = plain
	}

	c.dispatch(f)
	return nil
}

// poll takes the next decoded frame without blocking. Once the reader has
// stopped and its buffer is empty the connection is closed.
func (c *Conn) poll() (inbound, error) {
	select {
	case in := <-c.inbound:
		return in, nil
	default:
	}
	select {
	case <-c.readDone:
	default:
		return inbound{}, ErrNoData
	}
	// The reader may have buffered a last frame before stopping.
	select {
	case in := <-c.inbound:
		return in, nil
	default:
	}
	_ = c.closeWithReason("stream ended")
	return inbound{}, ErrConnectionClosed
}

func (c *Conn) readLoop() {
	defer close(c.readDone)
	for {
		f, err := c.reader.ReadFrame()
		if err != nil && !errors.Is(err, frame.ErrValidation) {
			if !c.closing.Load() && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("read loop ended", "error", err)
			}
			return
		}
		select {
		case c.inbound <- inbound{f: f, err: err}:
		case <-c.done:
			return
		}
		// Only a hash mismatch leaves the stream at a frame boundary.
		if err != nil && !errors.Is(err, frame.ErrHashMismatch) {
			return
		}
	}
}

// Tick is the pump: it dispatches at most one inbound frame and then, if
// the connection is initialized, writes at most one delayed frame.
func (c *Conn) Tick() error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	err := c.ReceiveOne()
	if errors.Is(err, ErrNoData) || errors.Is(err, ErrConnectionClosed) {
		err = nil
	}
	if derr := c.drainOne(); derr != nil && err == nil {
		err = derr
	}
	return err
}

func (c *Conn) drainOne() error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed.Load() || !c.initialized || len(c.delayed) == 0 {
		return nil
	}
	f := c.delayed[0]
	if err := c.writeLocked(f); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteDeferred, err)
	}
	c.delayed[0] = frame.Frame{}
	c.delayed = c.delayed[1:]
	c.metrics.DeferredDrained(1)
	return nil
}

// Close closes the connection. The shutdown hook runs once, a close frame
// is sent on a best-effort basis and both stream halves are shut down.
// Closing a closed connection is a no-op.
func (c *Conn) Close() error {
	return c.closeWithReason("local close")
}

func (c *Conn) closeWithReason(reason string) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}

	c.hookMu.Lock()
	hook := c.shutdownHook
	c.hookMu.Unlock()
	if hook != nil {
		c.runHook(hook)
	}

	c.sendMu.Lock()
	c.recvMu.Lock()

	if err := c.writer.WriteFrame(frame.Frame{Type: frame.TypeClose}); err != nil {
		c.logger.Debug("close frame not sent", "error", err)
	} else {
		c.logControl(log.DirectionOut, log.ControlMsgClose, 0, 0)
	}
	_ = c.stream.CloseWrite()
	_ = c.stream.CloseRead()
	err := c.stream.Close()

	c.sched.Unschedule(c.key("conn"))
	c.sched.Unschedule(c.key("handshake"))
	c.sched.Unschedule(c.key("keepalive"))

	pending := len(c.delayed)
	c.closed.Store(true)
	close(c.done)

	c.recvMu.Unlock()
	c.sendMu.Unlock()

	if c.ownSched != nil {
		// Close may run inside one of the scheduler's own tasks.
		go c.ownSched.Stop()
	}

	c.metrics.DeferredDrained(pending)
	c.metrics.ConnectionClosed()
	c.logState("OPEN", "CLOSED", reason)
	c.logger.Debug("connection closed", "reason", reason, "undelivered", pending)

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *Conn) runHook(hook func(*Conn)) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("shutdown hook panicked", "panic", fmt.Sprint(r))
		}
	}()
	hook(c)
}

func (c *Conn) handleClose(frame.Type, []byte) {
	c.logControl(log.DirectionIn, log.ControlMsgClose, 0, 0)
	_ = c.closeWithReason("peer closed")
}

func (c *Conn) handleResendRequest(frame.Type, []byte) {
	c.metrics.ResendRequested("in")
	c.logControl(log.DirectionIn, log.ControlMsgResendRequest, 0, 0)
	if err := c.resendLast(); err != nil {
		c.logger.Debug("resend failed", "error", err)
	}
}

func (c *Conn) key(kind string) string {
	return kind + ":" + c.id
}

func (c *Conn) logEvent(e log.Event) {
	if c.plog == nil {
		return
	}
	e.Timestamp = time.Now()
	e.ConnectionID = c.id
	e.LocalRole = c.role.logRole()
	e.RemoteAddr = addrString(c.stream.RemoteAddr())
	c.plog.Log(e)
}

func (c *Conn) logState(oldState, newState, reason string) {
	c.logEvent(log.Event{
		Layer:    log.LayerTransport,
		Category: log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

func (c *Conn) logControl(dir log.Direction, t log.ControlMsgType, seq uint32, rtt time.Duration) {
	c.logEvent(log.Event{
		Direction:  dir,
		Layer:      log.LayerTransport,
		Category:   log.CategoryControl,
		ControlMsg: &log.ControlMsgEvent{Type: t, Seq: seq, RTT: rtt},
	})
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
