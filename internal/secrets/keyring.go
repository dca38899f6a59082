package secrets

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Scope separates the keys used for different kinds of credential so a key
// leaked from one scope cannot open another.
type Scope string

const (
	ScopeRouter Scope = "router"
	ScopePPPoE  Scope = "pppoe"
)

var ErrNoMasterKey = errors.New("master key is empty")

// KeyRing derives versioned AES-256 keys from a master key with HKDF-SHA256.
// Every version is derivable, so rotating only moves the current version.
type KeyRing struct {
	master  []byte
	mu      sync.RWMutex
	current int
	keys    map[string][]byte
}

// NewKeyRing creates a key ring whose current version is version (minimum 1)
func NewKeyRing(master []byte, version int) (*KeyRing, error) {
	if len(master) == 0 {
		return nil, ErrNoMasterKey
	}
	if version < 1 {
		version = 1
	}
	return &KeyRing{
		master:  append([]byte(nil), master...),
		current: version,
		keys:    make(map[string][]byte),
	}, nil
}

// Current returns the version new values are sealed with
func (k *KeyRing) Current() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

// Rotate advances the current version and returns it
func (k *KeyRing) Rotate() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.current++
	return k.current
}

// Key returns the key for scope at version
func (k *KeyRing) Key(scope Scope, version int) ([]byte, error) {
	if version < 1 {
		return nil, fmt.Errorf("invalid key version %d", version)
	}
	cacheKey := fmt.Sprintf("%s:%d", scope, version)

	k.mu.RLock()
	key, ok := k.keys[cacheKey]
	k.mu.RUnlock()
	if ok {
		return key, nil
	}

	key, err := k.derive(scope, version)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	k.keys[cacheKey] = key
	k.mu.Unlock()
	return key, nil
}

func (k *KeyRing) derive(scope Scope, version int) ([]byte, error) {
	info := fmt.Sprintf("routersync:%s:v%d", scope, version)
	reader := hkdf.New(sha256.New, k.master, nil, []byte(info))
	derived := make([]byte, 32)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return derived, nil
}
