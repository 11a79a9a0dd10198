package store

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	sealVersion   byte = 1
	masterKeySize      = 32
	sealLabel          = "trustd:store:v1"
)

var (
	// ErrSealed is returned when a stored value cannot be opened with the
	// configured key.
	ErrSealed = errors.New("store: cannot open sealed value")

	ErrWeakKey = errors.New("store: master key too short")
)

// Sealed encrypts every value with XChaCha20-Poly1305 before handing it to
// the wrapped store. The document key is bound as associated data, so a
// value copied under another key fails to open.
type Sealed struct {
	inner KV
	aead  cipher.AEAD
}

// NewSealed derives the encryption key from masterKey with HKDF-SHA256.
func NewSealed(inner KV, masterKey []byte) (*Sealed, error) {
	if len(masterKey) < masterKeySize {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrWeakKey, len(masterKey), masterKeySize)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(sealLabel)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &Sealed{inner: inner, aead: aead}, nil
}

// Get opens the value at key.
func (s *Sealed) Get(ctx context.Context, key string) ([]byte, error) {
	blob, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	ns := s.aead.NonceSize()
	if len(blob) < 1+ns+s.aead.Overhead() || blob[0] != sealVersion {
		return nil, fmt.Errorf("%w: %s: malformed", ErrSealed, key)
	}
	plain, err := s.aead.Open(nil, blob[1:1+ns], blob[1+ns:], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSealed, key)
	}
	return plain, nil
}

// Set seals value and stores it at key.
func (s *Sealed) Set(ctx context.Context, key string, value []byte) error {
	ns := s.aead.NonceSize()
	blob := make([]byte, 1+ns, 1+ns+len(value)+s.aead.Overhead())
	blob[0] = sealVersion
	if _, err := rand.Read(blob[1:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	blob = s.aead.Seal(blob, blob[1:1+ns], value, []byte(key))
	return s.inner.Set(ctx, key, blob)
}

func (s *Sealed) Delete(ctx context.Context, key string) error { return s.inner.Delete(ctx, key) }

func (s *Sealed) Close() error { return s.inner.Close() }

// LoadOrCreateKey reads the master key at path, creating a random one with
// owner-only permissions if the file does not exist.
func LoadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) < masterKeySize {
			return nil, fmt.Errorf("%w: %s", ErrWeakKey, path)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key: %w", err)
	}

	key = make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	return key, nil
}
