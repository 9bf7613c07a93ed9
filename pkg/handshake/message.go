package handshake

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Protocol version carried in every offer.
const (
	ProtocolMajor uint8 = 1
	ProtocolMinor uint8 = 0
)

// KeyExchangeX25519 identifies X25519 Diffie-Hellman.
const KeyExchangeX25519 uint8 = 1

// Message errors.
var (
	ErrMessageTruncated        = errors.New("handshake message truncated")
	ErrProtocolVersion         = errors.New("unsupported protocol version")
	ErrUnsupportedKeyExchange  = errors.New("unsupported key exchange")
	ErrInvalidPublicKey        = errors.New("invalid public key")
	ErrNoCipherVersionsOffered = errors.New("no cipher versions offered")
)

// Offer is the initiator's first message:
//
//	major(1) minor(1) kex(1) keyLen(u16) key versions(u16 each)
type Offer struct {
	Major       uint8
	Minor       uint8
	KeyExchange uint8
	PublicKey   []byte
	Versions    []uint16
}

// MarshalBinary encodes the offer.
func (o Offer) MarshalBinary() ([]byte, error) {
	if len(o.PublicKey) > 0xFFFF {
		return nil, ErrInvalidPublicKey
	}
	b := make([]byte, 0, 5+len(o.PublicKey)+2*len(o.Versions))
	b = append(b, o.Major, o.Minor, o.KeyExchange)
	b = binary.BigEndian.AppendUint16(b, uint16(len(o.PublicKey)))
	b = append(b, o.PublicKey...)
	for _, v := range o.Versions {
		b = binary.BigEndian.AppendUint16(b, v)
	}
	return b, nil
}

// ParseOffer decodes an offer. It checks structure only; protocol and key
// exchange support are checked by the Machine.
func ParseOffer(b []byte) (Offer, error) {
	if len(b) < 5 {
		return Offer{}, ErrMessageTruncated
	}
	o := Offer{Major: b[0], Minor: b[1], KeyExchange: b[2]}
	n := int(binary.BigEndian.Uint16(b[3:5]))
	b = b[5:]
	if len(b) < n {
		return Offer{}, ErrMessageTruncated
	}
	o.PublicKey = append([]byte(nil), b[:n]...)
	b = b[n:]
	if len(b)%2 != 0 {
		return Offer{}, fmt.Errorf("%w: odd version list", ErrMessageTruncated)
	}
	for ; len(b) > 0; b = b[2:] {
		o.Versions = append(o.Versions, binary.BigEndian.Uint16(b))
	}
	return o, nil
}

// Accept is the acceptor's reply: version(u16) key.
type Accept struct {
	Version   uint16
	PublicKey []byte
}

// MarshalBinary encodes the accept message.
func (a Accept) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, 2+len(a.PublicKey))
	b = binary.BigEndian.AppendUint16(b, a.Version)
	return append(b, a.PublicKey...), nil
}

// ParseAccept decodes an accept message.
func ParseAccept(b []byte) (Accept, error) {
	if len(b) < 2 {
		return Accept{}, ErrMessageTruncated
	}
	return Accept{
		Version:   binary.BigEndian.Uint16(b),
		PublicKey: append([]byte(nil), b[2:]...),
	}, nil
}
