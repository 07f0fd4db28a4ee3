// Package auth verifies API keys against bcrypt hashes so that plaintext
// keys never appear in configuration.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidKey   = errors.New("invalid API key")
	ErrMalformedKey = errors.New("malformed API key entry")
)

// KeyStore holds named bcrypt hashes of API keys.
type KeyStore struct {
	mu     sync.RWMutex
	hashes map[string][]byte // name -> bcrypt hash
	cache  map[string]string // verified key -> name
}

// NewKeyStore creates an empty store.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		hashes: make(map[string][]byte),
		cache:  make(map[string]string),
	}
}

// ParseKeyStore builds a store from "name:hash" entries. An entry without
// a name is called key<N>, N counting from 1.
func ParseKeyStore(entries []string) (*KeyStore, error) {
	ks := NewKeyStore()
	for i, e := range entries {
		name, hash := fmt.Sprintf("key%d", i+1), strings.TrimSpace(e)
		if !strings.HasPrefix(hash, "$") {
			var ok bool
			name, hash, ok = strings.Cut(hash, ":")
			if !ok || name == "" {
				return nil, fmt.Errorf("%w: entry %d", ErrMalformedKey, i+1)
			}
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedKey, i+1, err)
		}
		ks.hashes[name] = []byte(hash)
	}
	return ks, nil
}

// Len returns the number of keys.
func (ks *KeyStore) Len() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.hashes)
}

// Verify returns the name of the key matching apiKey.
func (ks *KeyStore) Verify(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrInvalidKey
	}

	ks.mu.RLock()
	for cached, name := range ks.cache {
		if SecureCompare(cached, apiKey) {
			ks.mu.RUnlock()
			return name, nil
		}
	}
	hashes := make(map[string][]byte, len(ks.hashes))
	for name, h := range ks.hashes {
		hashes[name] = h
	}
	ks.mu.RUnlock()

	for name, h := range hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(apiKey)) == nil {
			ks.mu.Lock()
			ks.cache[apiKey] = name
			ks.mu.Unlock()
			return name, nil
		}
	}
	return "", ErrInvalidKey
}

// GenerateKey returns a random API key and the bcrypt hash to configure.
func GenerateKey() (key, hash string, err error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate API key: %w", err)
	}
	key = base64.RawURLEncoding.EncodeToString(keyBytes)

	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return key, string(h), nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
