package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Prefix marks a sealed value: "rsv:v{version}:{base64(nonce+ciphertext)}"
const Prefix = "rsv:"

var (
	ErrNotSealed     = errors.New("value is not sealed")
	ErrInvalidFormat = errors.New("invalid sealed value")
	ErrOpenFailed    = errors.New("unable to open sealed value")
)

// Credentials is the one way callers seal and open stored passwords
type Credentials interface {
	Seal(scope Scope, plaintext string) (string, error)
	Open(scope Scope, sealed string) (string, error)
}

// Vault seals credentials with AES-256-GCM under the key ring's current version
type Vault struct {
	ring *KeyRing
}

// NewVault creates a vault over a master key, sealing with version
func NewVault(master []byte, version int) (*Vault, error) {
	ring, err := NewKeyRing(master, version)
	if err != nil {
		return nil, err
	}
	return &Vault{ring: ring}, nil
}

// KeyRing exposes the vault's key ring
func (v *Vault) KeyRing() *KeyRing {
	return v.ring
}

// Seal encrypts plaintext. The empty string stays empty.
func (v *Vault) Seal(scope Scope, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	version := v.ring.Current()
	key, err := v.ring.Key(scope, version)
	if err != nil {
		return "", err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	ct := aead.Seal(nonce, nonce, []byte(plaintext), []byte(scope))
	return fmt.Sprintf("%sv%d:%s", Prefix, version, base64.StdEncoding.EncodeToString(ct)), nil
}

// Open decrypts a sealed value. The empty string stays empty.
func (v *Vault) Open(scope Scope, sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	version, raw, err := parse(sealed)
	if err != nil {
		return "", err
	}
	key, err := v.ring.Key(scope, version)
	if err != nil {
		return "", err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrInvalidFormat
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, []byte(scope))
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plaintext), nil
}

// Reseal re-encrypts a value under the current version. Values already at
// the current version are returned unchanged with changed=false.
func (v *Vault) Reseal(scope Scope, sealed string) (resealed string, changed bool, err error) {
	if sealed == "" {
		return "", false, nil
	}
	version, _, err := parse(sealed)
	if err != nil {
		return "", false, err
	}
	if version == v.ring.Current() {
		return sealed, false, nil
	}
	plaintext, err := v.Open(scope, sealed)
	if err != nil {
		return "", false, err
	}
	resealed, err = v.Seal(scope, plaintext)
	return resealed, err == nil, err
}

// IsSealed reports whether value carries the sealed prefix
func IsSealed(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Version returns the key version a value was sealed with
func Version(sealed string) (int, error) {
	version, _, err := parse(sealed)
	return version, err
}

func parse(sealed string) (int, []byte, error) {
	if !IsSealed(sealed) {
		return 0, nil, ErrNotSealed
	}
	rest := strings.TrimPrefix(sealed, Prefix)
	idx := strings.Index(rest, ":")
	if idx < 0 || !strings.HasPrefix(rest, "v") {
		return 0, nil, ErrInvalidFormat
	}
	version, err := strconv.Atoi(rest[1:idx])
	if err != nil {
		return 0, nil, fmt.Errorf("%w: version: %v", ErrInvalidFormat, err)
	}
	raw, err := base64.StdEncoding.DecodeString(rest[idx+1:])
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return version, raw, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
