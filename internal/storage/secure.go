package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// SecureFileEngine is the secure-enclave analog for hosts that have no
// platform keystore: the key set is sealed with AES-256-GCM under a
// caller-supplied key before it touches disk. Construction fails when no
// usable key is available, which sends the resolver down the fallback chain.
type SecureFileEngine struct {
	path string
	aead cipher.AEAD

	mu     sync.Mutex
	cache  map[string]string
	loaded bool
}

func NewSecureFileEngine(path string, key []byte) (*SecureFileEngine, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("secure engine path is required")
	}
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: secure engine needs a 16, 24 or 32 byte key", ErrUnavailable)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	return &SecureFileEngine{path: path, aead: aead}, nil
}

func (e *SecureFileEngine) GetItem(_ context.Context, key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoadedLocked(); err != nil {
		return "", false, err
	}
	value, ok := e.cache[key]
	return value, ok, nil
}

func (e *SecureFileEngine) SetItem(_ context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoadedLocked(); err != nil {
		return err
	}
	e.cache[key] = value
	return e.flushLocked()
}

func (e *SecureFileEngine) RemoveItem(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoadedLocked(); err != nil {
		return err
	}
	if _, ok := e.cache[key]; !ok {
		return nil
	}
	delete(e.cache, key)
	return e.flushLocked()
}

func (e *SecureFileEngine) ListKeys(_ context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(e.cache))
	for key := range e.cache {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (e *SecureFileEngine) ensureLoadedLocked() error {
	if e.loaded {
		return nil
	}
	sealed, err := os.ReadFile(e.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			e.cache = map[string]string{}
			e.loaded = true
			return nil
		}
		return err
	}
	nonceSize := e.aead.NonceSize()
	if len(sealed) < nonceSize {
		return errors.New("secure engine: sealed payload truncated")
	}
	plain, err := e.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return fmt.Errorf("secure engine: unseal failed: %w", err)
	}
	items := map[string]string{}
	if err := json.Unmarshal(plain, &items); err != nil {
		return err
	}
	e.cache = items
	e.loaded = true
	return nil
}

func (e *SecureFileEngine) flushLocked() error {
	plain, err := json.Marshal(e.cache)
	if err != nil {
		return err
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sealed := e.aead.Seal(nonce, nonce, plain, nil)
	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, e.path)
}
