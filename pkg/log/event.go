package log

import "time"

// Event is one entry of the protocol trace.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	Timestamp    time.Time `cbor:"1,keyasint"`
	ConnectionID string    `cbor:"2,keyasint"`
	Direction    Direction `cbor:"3,keyasint"`
	Layer        Layer     `cbor:"4,keyasint"`
	Category     Category  `cbor:"5,keyasint"`

	// LocalRole is the handshake role of the connection that produced the event.
	LocalRole  Role   `cbor:"6,keyasint,omitempty"`
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// Exactly one of these is set.
	Frame       *FrameEvent       `cbor:"8,keyasint,omitempty"`
	Handshake   *HandshakeEvent   `cbor:"9,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"10,keyasint,omitempty"`
	ControlMsg  *ControlMsgEvent  `cbor:"11,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"12,keyasint,omitempty"`
}

// Direction indicates message flow relative to the local endpoint.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer identifies where an event was captured.
type Layer uint8

const (
	// LayerTransport covers frame I/O and transport control frames.
	LayerTransport Layer = 0
	// LayerHandshake covers key exchange and cipher negotiation.
	LayerHandshake Layer = 1
	// LayerApplication covers handler dispatch and the receive queue.
	LayerApplication Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerHandshake:
		return "HANDSHAKE"
	case LayerApplication:
		return "APPLICATION"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event.
type Category uint8

const (
	CategoryMessage Category = 0
	CategoryControl Category = 1
	CategoryState   Category = 2
	CategoryError   Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Role is the handshake role of the local endpoint.
type Role uint8

const (
	RoleUnknown   Role = 0
	RoleInitiator Role = 1
	RoleAcceptor  Role = 2
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "INITIATOR"
	case RoleAcceptor:
		return "ACCEPTOR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures one frame as it crossed the wire.
type FrameEvent struct {
	// Type is the signed frame type byte.
	Type int8 `cbor:"1,keyasint"`

	// Size is the encoded frame size including header and hash.
	Size int `cbor:"2,keyasint"`

	// Data is the payload as written (ciphertext for encrypted frames),
	// possibly truncated.
	Data      []byte `cbor:"3,keyasint,omitempty"`
	Truncated bool   `cbor:"4,keyasint,omitempty"`
}

// HandshakeEvent captures a handshake message or its completion.
type HandshakeEvent struct {
	Step HandshakeStep `cbor:"1,keyasint"`

	// Versions are the cipher versions offered (offer step only).
	Versions []uint16 `cbor:"2,keyasint,omitempty"`

	// Version is the negotiated cipher version (accept and complete steps).
	Version uint16 `cbor:"3,keyasint,omitempty"`

	// Duration is the time from handshake start to completion.
	Duration time.Duration `cbor:"4,keyasint,omitempty"`
}

// HandshakeStep identifies a handshake event.
type HandshakeStep uint8

const (
	HandshakeStepOffer    HandshakeStep = 0
	HandshakeStepAccept   HandshakeStep = 1
	HandshakeStepComplete HandshakeStep = 2
	HandshakeStepStalled  HandshakeStep = 3
)

// String returns the step name.
func (s HandshakeStep) String() string {
	switch s {
	case HandshakeStepOffer:
		return "OFFER"
	case HandshakeStepAccept:
		return "ACCEPT"
	case HandshakeStepComplete:
		return "COMPLETE"
	case HandshakeStepStalled:
		return "STALLED"
	default:
		return "UNKNOWN"
	}
}

// StateChangeEvent captures connection and handshake lifecycle changes.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what changed state.
type StateEntity uint8

const (
	StateEntityConnection StateEntity = 0
	StateEntityHandshake  StateEntity = 1
)

// String returns the entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityHandshake:
		return "HANDSHAKE"
	default:
		return "UNKNOWN"
	}
}

// ControlMsgEvent captures transport control traffic.
type ControlMsgEvent struct {
	Type ControlMsgType `cbor:"1,keyasint"`

	// Seq is the ping sequence number (ping and pong only).
	Seq uint32 `cbor:"2,keyasint,omitempty"`

	// RTT is the measured round trip (pong only).
	RTT time.Duration `cbor:"3,keyasint,omitempty"`
}

// ControlMsgType is the kind of control message.
type ControlMsgType uint8

const (
	ControlMsgClose         ControlMsgType = 0
	ControlMsgResendRequest ControlMsgType = 1
	ControlMsgMalformed     ControlMsgType = 2
	ControlMsgPing          ControlMsgType = 3
	ControlMsgPong          ControlMsgType = 4
)

// String returns the control message name.
func (c ControlMsgType) String() string {
	switch c {
	case ControlMsgClose:
		return "CLOSE"
	case ControlMsgResendRequest:
		return "RESEND_REQUEST"
	case ControlMsgMalformed:
		return "MALFORMED"
	case ControlMsgPing:
		return "PING"
	case ControlMsgPong:
		return "PONG"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures an error at any layer.
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`

	// Context names the operation that failed.
	Context string `cbor:"3,keyasint,omitempty"`
}
