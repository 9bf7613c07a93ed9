// Package frame implements the datatransfer wire format.
//
// Every frame is encoded as
//
//	type (1 byte, signed) | length (u32 big-endian) | payload | hash(payload)
//
// where the hash covers the payload exactly as written, i.e. after any cipher
// transform. Negative types are reserved for transport control traffic and are
// never encrypted.
package frame

import "fmt"

// Type is the signed frame type byte.
type Type int8

// Reserved control types.
const (
	TypeClose           Type = -1
	TypeHandshakeOffer  Type = -2
	TypeHandshakeAccept Type = -3

	// TypeCipherList and TypeCipherConfirm are reserved for a four-message
	// handshake variant and are not sent by this implementation.
	TypeCipherList    Type = -4
	TypeCipherConfirm Type = -5

	TypeResendRequest Type = -6
	TypePing          Type = -126

	// TypeMalformed is produced by the decoder for a frame that failed
	// validation. It is never written to the wire.
	TypeMalformed Type = -128
)

// IsControl reports whether t is a reserved control type.
func (t Type) IsControl() bool {
	return t < 0
}

// String returns a readable name for control types and the number otherwise.
func (t Type) String() string {
	switch t {
	case TypeClose:
		return "CLOSE"
	case TypeHandshakeOffer:
		return "HANDSHAKE_OFFER"
	case TypeHandshakeAccept:
		return "HANDSHAKE_ACCEPT"
	case TypeCipherList:
		return "CIPHER_LIST"
	case TypeCipherConfirm:
		return "CIPHER_CONFIRM"
	case TypeResendRequest:
		return "RESEND_REQUEST"
	case TypePing:
		return "PING"
	case TypeMalformed:
		return "MALFORMED"
	}
	return fmt.Sprintf("%d", int8(t))
}

// Frame is one logical message.
type Frame struct {
	Type    Type
	Payload []byte
}

// Malformed returns the synthetic frame signalling a validation failure.
func Malformed() Frame {
	return Frame{Type: TypeMalformed}
}

// IsMalformed reports whether f is the validation-failure signal.
func (f Frame) IsMalformed() bool {
	return f.Type == TypeMalformed
}
