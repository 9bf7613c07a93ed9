// Package handshake implements the secure-channel key exchange: an X25519
// Diffie-Hellman exchange in which the initiator offers its cipher versions
// and the acceptor picks the highest one both sides support.
//
//	initiator                         acceptor
//	    Start ── offer(key, versions) ──▶ HandleOffer
//	HandleAccept ◀── accept(version, key) ──┘
//
// Both sides end with the same version and a 32-byte secret for
// cipher.Suite.Derive. The Machine only tracks state; sending the messages
// and installing the cipher is left to the connection.
package handshake

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"
)

// State is the handshake progress.
type State uint8

const (
	StateIdle State = iota
	StateAwaitingPeerKey
	StateAwaitingPeerResponse
	StateNegotiatingCipher
	StateEstablished
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingPeerKey:
		return "AWAITING_PEER_KEY"
	case StateAwaitingPeerResponse:
		return "AWAITING_PEER_RESPONSE"
	case StateNegotiatingCipher:
		return "NEGOTIATING_CIPHER"
	case StateEstablished:
		return "ESTABLISHED"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrNoCommonCipher    = errors.New("no common cipher version")
	ErrUnexpectedMessage = errors.New("unexpected handshake message")
)

// Result is the outcome of a successful exchange.
type Result struct {
	Version uint16
	Secret  []byte
}

// Config configures a Machine.
type Config struct {
	// Versions are the locally supported cipher versions.
	Versions []uint16

	// Rand is the key generation entropy source (crypto/rand when nil).
	Rand io.Reader

	// Now returns the current time (time.Now when nil).
	Now func() time.Time
}

// Machine tracks one side of the handshake. It is safe for concurrent use.
type Machine struct {
	mu       sync.Mutex
	versions []uint16
	rand     io.Reader
	now      func() time.Time

	state        State
	keys         *KeyPair
	version      uint16
	started      time.Time
	lastActivity time.Time
}

// NewMachine creates an idle machine.
func NewMachine(cfg Config) *Machine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	versions := slices.Clone(cfg.Versions)
	slices.Sort(versions)
	versions = slices.Compact(versions)

	t := now()
	return &Machine{
		versions:     versions,
		rand:         cfg.Rand,
		now:          now,
		started:      t,
		lastActivity: t,
	}
}

// Start begins a round as initiator and returns the offer payload.
// Calling Start on an established machine begins a re-handshake.
func (m *Machine) Start() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.versions) == 0 {
		return nil, ErrNoCipherVersionsOffered
	}
	kp, err := GenerateKeyPair(m.rand)
	if err != nil {
		return nil, err
	}
	payload, err := Offer{
		Major:       ProtocolMajor,
		Minor:       ProtocolMinor,
		KeyExchange: KeyExchangeX25519,
		PublicKey:   kp.PublicKey(),
		Versions:    m.versions,
	}.MarshalBinary()
	if err != nil {
		return nil, err
	}

	m.keys = kp
	m.version = 0
	m.state = StateAwaitingPeerResponse
	m.started = m.now()
	m.lastActivity = m.started
	return payload, nil
}

// Await begins a round as acceptor.
func (m *Machine) Await() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = nil
	m.version = 0
	m.state = StateAwaitingPeerKey
	m.started = m.now()
	m.lastActivity = m.started
}

// HandleOffer processes an offer as acceptor. On success the machine is in
// StateNegotiatingCipher and reply must be sent to the peer as the accept
// message. An offer is accepted in any state; a peer may re-handshake at
// will.
func (m *Machine) HandleOffer(payload []byte) (reply []byte, res Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, err := ParseOffer(payload)
	if err != nil {
		return nil, Result{}, err
	}
	if o.Major != ProtocolMajor {
		return nil, Result{}, fmt.Errorf("%w: %d.%d", ErrProtocolVersion, o.Major, o.Minor)
	}
	if o.KeyExchange != KeyExchangeX25519 {
		return nil, Result{}, fmt.Errorf("%w: %d", ErrUnsupportedKeyExchange, o.KeyExchange)
	}
	version, err := Negotiate(m.versions, o.Versions)
	if err != nil {
		return nil, Result{}, err
	}

	kp, err := GenerateKeyPair(m.rand)
	if err != nil {
		return nil, Result{}, err
	}
	pub := kp.PublicKey()
	secret, err := kp.SharedSecret(o.PublicKey, o.PublicKey, pub)
	if err != nil {
		return nil, Result{}, err
	}
	reply, err = Accept{Version: version, PublicKey: pub}.MarshalBinary()
	if err != nil {
		return nil, Result{}, err
	}

	if m.state == StateEstablished || m.state == StateIdle {
		m.started = m.now()
	}
	m.keys = nil
	m.version = version
	m.state = StateNegotiatingCipher
	m.lastActivity = m.now()
	return reply, Result{Version: version, Secret: secret}, nil
}

// HandleAccept processes the acceptor's reply as initiator. On success the
// machine is in StateNegotiatingCipher.
func (m *Machine) HandleAccept(payload []byte) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateAwaitingPeerResponse || m.keys == nil {
		return Result{}, fmt.Errorf("%w: accept in state %s", ErrUnexpectedMessage, m.state)
	}
	a, err := ParseAccept(payload)
	if err != nil {
		return Result{}, err
	}
	if !slices.Contains(m.versions, a.Version) {
		return Result{}, fmt.Errorf("%w: peer chose %d", ErrNoCommonCipher, a.Version)
	}
	pub := m.keys.PublicKey()
	secret, err := m.keys.SharedSecret(a.PublicKey, pub, a.PublicKey)
	if err != nil {
		return Result{}, err
	}

	m.keys = nil
	m.version = a.Version
	m.state = StateNegotiatingCipher
	m.lastActivity = m.now()
	return Result{Version: a.Version, Secret: secret}, nil
}

// Complete marks the cipher as installed and returns the round duration.
func (m *Machine) Complete() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateEstablished
	m.lastActivity = m.now()
	return m.lastActivity.Sub(m.started)
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Version returns the negotiated cipher version, or 0 before negotiation.
func (m *Machine) Version() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// Versions returns the supported versions in ascending order.
func (m *Machine) Versions() []uint16 {
	return slices.Clone(m.versions)
}

// LastActivity returns the time of the last state transition.
func (m *Machine) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// Stalled reports whether an unfinished round has made no progress for
// longer than timeout.
func (m *Machine) Stalled(timeout time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateEstablished || m.state == StateIdle {
		return false
	}
	return m.now().Sub(m.lastActivity) > timeout
}

// Negotiate returns the highest version present in both lists.
func Negotiate(local, remote []uint16) (uint16, error) {
	var best uint16
	found := false
	for _, v := range remote {
		if slices.Contains(local, v) && (!found || v > best) {
			best, found = v, true
		}
	}
	if !found {
		return 0, ErrNoCommonCipher
	}
	return best, nil
}
