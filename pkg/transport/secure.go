package transport

import (
	"fmt"
	"time"

	"github.com/sterndu/datatransfer/pkg/cipher"
	"github.com/sterndu/datatransfer/pkg/frame"
	"github.com/sterndu/datatransfer/pkg/handshake"
	"github.com/sterndu/datatransfer/pkg/log"
)

// Rehandshake starts a new key exchange on an established secure
// connection. Application frames sent until it completes are queued.
func (c *Conn) Rehandshake() error {
	if !c.cfg.Secure {
		return ErrNotSecure
	}
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return c.startHandshake()
}

// HandshakeState returns the state of the key exchange. Plain connections
// stay idle.
func (c *Conn) HandshakeState() handshake.State {
	if c.hs == nil {
		return handshake.StateIdle
	}
	return c.hs.State()
}

// NegotiatedVersion returns the cipher version in use, or 0.
func (c *Conn) NegotiatedVersion() uint16 {
	if cs := c.cipher.Load(); cs != nil {
		return cs.version
	}
	return 0
}

func (c *Conn) startHandshake() error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed.Load() {
		return ErrConnectionClosed
	}
	offer, err := c.hs.Start()
	if err != nil {
		return err
	}
	c.initialized = false
	c.sched.Schedule(c.key("handshake"), c.checkHandshake)

	if err := c.writeLocked(frame.Frame{Type: frame.TypeHandshakeOffer, Payload: offer}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	c.logHandshake(log.DirectionOut, log.HandshakeStepOffer, c.hs.Versions(), 0, 0)
	c.logger.Debug("handshake offer sent", "versions", c.hs.Versions())
	return nil
}

func (c *Conn) handleOffer(_ frame.Type, payload []byte) {
	// Simultaneous offers: the configured initiator keeps its own round and
	// waits for the acceptor to answer it.
	if c.role == RoleInitiator && c.hs.State() == handshake.StateAwaitingPeerResponse {
		c.logger.Debug("ignoring offer while own offer is pending")
		return
	}

	c.sendMu.Lock()
	if c.closed.Load() {
		c.sendMu.Unlock()
		return
	}
	c.sched.Schedule(c.key("handshake"), c.checkHandshake)

	reply, res, err := c.hs.HandleOffer(payload)
	if err != nil {
		c.sendMu.Unlock()
		c.handshakeFailed("offer", err)
		return
	}
	inst, err := c.derive(res)
	if err != nil {
		c.sendMu.Unlock()
		c.handshakeFailed("derive", err)
		return
	}
	if err := c.writeLocked(frame.Frame{Type: frame.TypeHandshakeAccept, Payload: reply}); err != nil {
		c.sendMu.Unlock()
		c.handshakeFailed("accept", err)
		_ = c.closeWithReason("handshake accept not sent")
		return
	}
	c.cipher.Store(&cipherState{inst: inst, version: res.Version})
	c.initialized = true
	c.forgetHandshakeLocked()
	d := c.hs.Complete()
	c.sendMu.Unlock()

	c.sched.Unschedule(c.key("handshake"))
	c.handshakeDone(res.Version, d)
}

func (c *Conn) handleAccept(_ frame.Type, payload []byte) {
	c.sendMu.Lock()
	if c.closed.Load() {
		c.sendMu.Unlock()
		return
	}
	res, err := c.hs.HandleAccept(payload)
	if err != nil {
		c.sendMu.Unlock()
		c.handshakeFailed("accept", err)
		return
	}
	inst, err := c.derive(res)
	if err != nil {
		c.sendMu.Unlock()
		c.handshakeFailed("derive", err)
		return
	}
	c.cipher.Store(&cipherState{inst: inst, version: res.Version})
	c.initialized = true
	c.forgetHandshakeLocked()
	d := c.hs.Complete()
	c.sendMu.Unlock()

	c.sched.Unschedule(c.key("handshake"))
	c.handshakeDone(res.Version, d)
}

func (c *Conn) derive(res handshake.Result) (cipher.Instance, error) {
	suite, err := c.cfg.Ciphers.Get(res.Version)
	if err != nil {
		return nil, err
	}
	return suite.Derive(res.Secret)
}

// checkHandshake is the handshake watchdog task.
func (c *Conn) checkHandshake() error {
	if c.hs.State() == handshake.StateEstablished {
		c.sched.Unschedule(c.key("handshake"))
		return nil
	}
	if !c.hs.Stalled(c.cfg.HandshakeTimeout) {
		return nil
	}
	c.metrics.HandshakeFailed("stalled")
	c.logHandshake(log.DirectionOut, log.HandshakeStepStalled, nil, 0, 0)
	c.logger.Warn("handshake stalled", "state", c.hs.State(), "timeout", c.cfg.HandshakeTimeout)
	_ = c.closeWithReason("handshake stalled")
	return ErrHandshakeStalled
}

func (c *Conn) handshakeDone(version uint16, d time.Duration) {
	c.metrics.HandshakeCompleted(c.role.String(), version, d)
	c.logHandshake(log.DirectionIn, log.HandshakeStepComplete, nil, version, d)
	c.logEvent(log.Event{
		Layer:    log.LayerHandshake,
		Category: log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityHandshake,
			NewState: handshake.StateEstablished.String(),
		},
	})
	c.logger.Debug("handshake complete", "version", version, "duration", d)
}

func (c *Conn) handshakeFailed(step string, err error) {
	c.metrics.HandshakeFailed(step)
	c.logger.Debug("handshake message rejected", "step", step, "error", err)
	c.logEvent(log.Event{
		Direction: log.DirectionIn,
		Layer:     log.LayerHandshake,
		Category:  log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerHandshake,
			Message: err.Error(),
			Context: step,
		},
	})
}

func (c *Conn) logHandshake(dir log.Direction, step log.HandshakeStep, versions []uint16, version uint16, d time.Duration) {
	c.logEvent(log.Event{
		Direction: dir,
		Layer:     log.LayerHandshake,
		Category:  log.CategoryControl,
		Handshake: &log.HandshakeEvent{
			Step:     step,
			Versions: versions,
			Version:  version,
			Duration: d,
		},
	})
}
