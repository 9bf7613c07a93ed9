package handshake

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// SecretSize is the size of the secret handed to cipher derivation.
const SecretSize = 32

// KeyPair is an ephemeral X25519 key pair.
type KeyPair struct {
	private [curve25519.ScalarSize]byte
	public  [curve25519.PointSize]byte
}

// GenerateKeyPair creates a key pair from rnd (crypto/rand when nil).
func GenerateKeyPair(rnd io.Reader) (*KeyPair, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	kp := &KeyPair{}
	if _, err := io.ReadFull(rnd, kp.private[:]); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	copy(kp.public[:], pub)
	return kp, nil
}

// PublicKey returns a copy of the public key.
func (kp *KeyPair) PublicKey() []byte {
	return append([]byte(nil), kp.public[:]...)
}

// SharedSecret runs X25519 with the peer's key and derives the session
// secret, bound to both public keys in initiator-then-acceptor order.
func (kp *KeyPair) SharedSecret(peer, initiatorPub, acceptorPub []byte) ([]byte, error) {
	if len(peer) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPublicKey, len(peer))
	}
	dh, err := curve25519.X25519(kp.private[:], peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}

	salt := make([]byte, 0, len(initiatorPub)+len(acceptorPub))
	salt = append(salt, initiatorPub...)
	salt = append(salt, acceptorPub...)

	secret := make([]byte, SecretSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, dh, salt, []byte("datatransfer handshake")), secret); err != nil {
		return nil, fmt.Errorf("derive secret: %w", err)
	}
	return secret, nil
}
