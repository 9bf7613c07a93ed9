package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/sha3"
)

// Wire layout constants.
const (
	// HeaderSize is the type byte plus the u32 length.
	HeaderSize = 5

	// HashSize is the width of the trailing integrity hash.
	HashSize = 32

	// Overhead is the number of bytes a frame adds to its payload.
	Overhead = HeaderSize + HashSize

	// DefaultMaxPayloadSize is the default payload limit (16 MiB).
	DefaultMaxPayloadSize = 16 << 20

	// MaxPayloadLimit is the largest payload any codec accepts.
	MaxPayloadLimit = 1 << 30

	// MaxLogFrameDataSize limits the payload bytes copied into log events.
	MaxLogFrameDataSize = 4096
)

// Frame errors. Every decode failure wraps ErrValidation.
var (
	ErrValidation      = errors.New("frame validation failed")
	ErrHashMismatch    = errors.New("frame hash mismatch")
	ErrFrameTruncated  = errors.New("frame truncated")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrNotWritable     = errors.New("frame type cannot be written")
	ErrHashSize        = errors.New("hash function must produce 32 bytes")
)

// Codec encodes and verifies frames. The zero value is not usable; use
// DefaultCodec or NewCodec.
type Codec struct {
	newHash        func() hash.Hash
	maxPayloadSize uint32
}

// DefaultCodec returns a codec using SHA3-256 and DefaultMaxPayloadSize.
func DefaultCodec() *Codec {
	return &Codec{newHash: sha3.New256, maxPayloadSize: DefaultMaxPayloadSize}
}

// NewCodec returns a codec with a custom hash and payload limit.
// A zero maxPayload selects DefaultMaxPayloadSize; limits above
// MaxPayloadLimit are clamped.
func NewCodec(newHash func() hash.Hash, maxPayload uint32) (*Codec, error) {
	if newHash == nil {
		newHash = sha3.New256
	}
	if newHash().Size() != HashSize {
		return nil, ErrHashSize
	}
	switch {
	case maxPayload == 0:
		maxPayload = DefaultMaxPayloadSize
	case maxPayload > MaxPayloadLimit:
		maxPayload = MaxPayloadLimit
	}
	return &Codec{newHash: newHash, maxPayloadSize: maxPayload}, nil
}

// MaxPayloadSize returns the payload limit.
func (c *Codec) MaxPayloadSize() uint32 {
	return c.maxPayloadSize
}

// Sum returns the integrity hash of payload.
func (c *Codec) Sum(payload []byte) [HashSize]byte {
	var out [HashSize]byte
	h := c.newHash()
	h.Write(payload)
	h.Sum(out[:0])
	return out
}

// Append appends the wire encoding of f to dst.
func (c *Codec) Append(dst []byte, f Frame) ([]byte, error) {
	if f.Type == TypeMalformed {
		return dst, fmt.Errorf("%w: %s", ErrNotWritable, f.Type)
	}
	if uint64(len(f.Payload)) > uint64(c.maxPayloadSize) {
		return dst, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(f.Payload), c.maxPayloadSize)
	}

	dst = append(dst, byte(f.Type))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Payload)))
	dst = append(dst, f.Payload...)
	sum := c.Sum(f.Payload)
	return append(dst, sum[:]...), nil
}

// Encode returns the wire encoding of f.
func (c *Codec) Encode(f Frame) ([]byte, error) {
	return c.Append(make([]byte, 0, Overhead+len(f.Payload)), f)
}

// Size returns the encoded size of a frame with payloadLen bytes.
func Size(payloadLen int) int {
	return Overhead + payloadLen
}
