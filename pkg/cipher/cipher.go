// Package cipher maps negotiated cipher versions to symmetric AEAD suites.
//
// A Suite turns the shared secret produced by the handshake into an
// Instance that encrypts and decrypts application payloads. Each sealed
// payload carries its own random nonce as a prefix.
package cipher

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Built-in suite versions. Higher numbers are preferred during negotiation.
const (
	VersionAES256GCM         uint16 = 1
	VersionChaCha20Poly1305  uint16 = 2
	VersionXChaCha20Poly1305 uint16 = 3
)

// MinSecretSize is the smallest shared secret Derive accepts.
const MinSecretSize = 16

var (
	ErrUnknownVersion   = errors.New("unknown cipher version")
	ErrDuplicateVersion = errors.New("cipher version already registered")
	ErrSecretTooShort   = errors.New("shared secret too short")
	ErrCiphertextShort  = errors.New("ciphertext too short")
	ErrDecrypt          = errors.New("decryption failed")
)

// Suite is a cipher algorithm identified by its negotiation version.
type Suite interface {
	Version() uint16
	Name() string

	// Derive creates an instance keyed from the handshake secret.
	Derive(secret []byte) (Instance, error)
}

// Instance is a keyed cipher. Implementations are safe for concurrent use.
// The associated data is authenticated but not encrypted; Decrypt fails
// unless it receives the same bytes Encrypt did.
type Instance interface {
	Encrypt(plaintext, ad []byte) ([]byte, error)
	Decrypt(ciphertext, ad []byte) ([]byte, error)
}

// Registry holds the suites a peer is willing to negotiate.
type Registry struct {
	mu     sync.RWMutex
	suites map[uint16]Suite
}

// NewRegistry creates a registry holding suites.
func NewRegistry(suites ...Suite) (*Registry, error) {
	r := &Registry{suites: make(map[uint16]Suite, len(suites))}
	for _, s := range suites {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry returns a registry with all built-in suites.
func DefaultRegistry() *Registry {
	return &Registry{suites: map[uint16]Suite{
		VersionAES256GCM:         AES256GCM(),
		VersionChaCha20Poly1305:  ChaCha20Poly1305(),
		VersionXChaCha20Poly1305: XChaCha20Poly1305(),
	}}
}

// Register adds s. Versions must be unique.
func (r *Registry) Register(s Suite) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.suites[s.Version()]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateVersion, s.Version())
	}
	r.suites[s.Version()] = s
	return nil
}

// Get returns the suite for version.
func (r *Registry) Get(version uint16) (Suite, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.suites[version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	return s, nil
}

// Versions returns the registered versions in ascending order.
func (r *Registry) Versions() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uint16, 0, len(r.suites))
	for v := range r.suites {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// Subset returns a registry restricted to versions. Unknown versions are
// an error.
func (r *Registry) Subset(versions []uint16) (*Registry, error) {
	out := &Registry{suites: make(map[uint16]Suite, len(versions))}
	for _, v := range versions {
		s, err := r.Get(v)
		if err != nil {
			return nil, err
		}
		out.suites[v] = s
	}
	return out, nil
}

// DeriveKey expands secret into a size-byte key bound to label.
func DeriveKey(secret []byte, label string, size int) ([]byte, error) {
	if len(secret) < MinSecretSize {
		return nil, ErrSecretTooShort
	}
	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, secret, []byte(label)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
