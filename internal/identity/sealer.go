package identity

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// KeySize is the length of a seal key in bytes.
const KeySize = 32

// Sealer encrypts access-key secrets at rest.
type Sealer struct {
	key [KeySize]byte
}

// NewSealer wraps a raw key.
func NewSealer(key [KeySize]byte) *Sealer {
	return &Sealer{key: key}
}

// ParseSealKey reads a hex encoded 32-byte key.
func ParseSealKey(s string) (*Sealer, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, ErrSeal.New("invalid key: %v", err)
	}
	if len(raw) != KeySize {
		return nil, ErrSeal.New("key must be %d bytes, got %d", KeySize, len(raw))
	}
	var key [KeySize]byte
	copy(key[:], raw)
	return NewSealer(key), nil
}

// Seal returns nonce||box.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, ErrSeal.Wrap(err)
	}
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+secretbox.Overhead)
	copy(out, nonce[:])
	return secretbox.Seal(out, plaintext, &nonce, &s.key), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrSeal.New("sealed value too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrSeal.New("unable to decrypt")
	}
	return plain, nil
}
