package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

type aeadSuite struct {
	version uint16
	name    string
	keySize int
	newAEAD func(key []byte) (stdcipher.AEAD, error)
}

// AES256GCM returns the AES-256-GCM suite (version 1).
func AES256GCM() Suite {
	return &aeadSuite{
		version: VersionAES256GCM,
		name:    "AES-256-GCM",
		keySize: 32,
		newAEAD: func(key []byte) (stdcipher.AEAD, error) {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			return stdcipher.NewGCM(block)
		},
	}
}

// ChaCha20Poly1305 returns the ChaCha20-Poly1305 suite (version 2).
func ChaCha20Poly1305() Suite {
	return &aeadSuite{
		version: VersionChaCha20Poly1305,
		name:    "ChaCha20-Poly1305",
		keySize: chacha20poly1305.KeySize,
		newAEAD: chacha20poly1305.New,
	}
}

// XChaCha20Poly1305 returns the XChaCha20-Poly1305 suite (version 3).
func XChaCha20Poly1305() Suite {
	return &aeadSuite{
		version: VersionXChaCha20Poly1305,
		name:    "XChaCha20-Poly1305",
		keySize: chacha20poly1305.KeySize,
		newAEAD: chacha20poly1305.NewX,
	}
}

func (s *aeadSuite) Version() uint16 { return s.version }
func (s *aeadSuite) Name() string    { return s.name }

func (s *aeadSuite) Derive(secret []byte) (Instance, error) {
	key, err := DeriveKey(secret, fmt.Sprintf("datatransfer cipher v%d", s.version), s.keySize)
	if err != nil {
		return nil, err
	}
	aead, err := s.newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}
	return &aeadInstance{aead: aead}, nil
}

// aeadInstance seals as nonce || ciphertext || tag.
type aeadInstance struct {
	aead stdcipher.AEAD
}

func (a *aeadInstance) Encrypt(plaintext, ad []byte) ([]byte, error) {
	ns := a.aead.NonceSize()
	out := make([]byte, ns, ns+len(plaintext)+a.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return a.aead.Seal(out, out, plaintext, ad), nil
}

func (a *aeadInstance) Decrypt(ciphertext, ad []byte) ([]byte, error) {
	ns := a.aead.NonceSize()
	if len(ciphertext) < ns+a.aead.Overhead() {
		return nil, ErrCiphertextShort
	}
	plain, err := a.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	return plain, nil
}

var (
	_ Suite    = (*aeadSuite)(nil)
	_ Instance = (*aeadInstance)(nil)
)
