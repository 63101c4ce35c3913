package txSigner

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/Layr-Labs/txsubmitter-go/pkg/ledger"
)

// SecretKey is a scoped buffer of raw key material. Release wipes it; a released
// key returns nil from Bytes.
type SecretKey struct {
	mu       sync.Mutex
	buf      []byte
	released bool
}

// NewSecretKey copies b into a new SecretKey. The caller should wipe b.
func NewSecretKey(b []byte) *SecretKey {
	buf := make([]byte, len(b))
	copy(buf, b)
	return &SecretKey{buf: buf}
}

// Bytes exposes the key material. The slice must not outlive the key.
func (k *SecretKey) Bytes() []byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return nil
	}
	return k.buf
}

// Release zeroes the buffer. It is safe to call more than once.
func (k *SecretKey) Release() {
	k.mu.Lock()
	defer k.mu.Unlock()
	clear(k.buf)
	k.released = true
}

// KeySource hands out key material for a single signing operation. Every
// acquired key must be released by the caller on all exit paths.
type KeySource interface {
	Acquire(ctx context.Context) (*SecretKey, error)
}

// StaticKeySource holds a key in memory and hands out copies of it.
type StaticKeySource struct {
	mu  sync.Mutex
	key []byte
}

// NewStaticKeySource parses a hex private key, with or without 0x prefix.
func NewStaticKeySource(privateKeyHex string) (*StaticKeySource, error) {
	key, err := decodeHexKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &StaticKeySource{key: key}, nil
}

func (s *StaticKeySource) Acquire(ctx context.Context) (*SecretKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return nil, fmt.Errorf("%w: key source closed", ErrKeyUnavailable)
	}
	return NewSecretKey(s.key), nil
}

// Close wipes the held key.
func (s *StaticKeySource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.key)
	s.key = nil
}

// EnvKeySource reads a hex private key from an environment variable on every
// acquisition, so the process never holds it between signatures.
type EnvKeySource struct {
	Name string
}

func (e *EnvKeySource) Acquire(ctx context.Context) (*SecretKey, error) {
	value, ok := os.LookupEnv(e.Name)
	if !ok || value == "" {
		return nil, fmt.Errorf("%w: environment variable %s is not set", ErrKeyUnavailable, e.Name)
	}
	key, err := decodeHexKey(value)
	if err != nil {
		return nil, err
	}
	defer clear(key)
	return NewSecretKey(key), nil
}

func decodeHexKey(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: private key is not hex", ledger.ErrInvalidKey)
	}
	if len(key) != 32 {
		clear(key)
		return nil, fmt.Errorf("%w: private key must be 32 bytes, got %d", ledger.ErrInvalidKey, len(key))
	}
	return key, nil
}
