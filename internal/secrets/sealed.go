package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	ivSize  = 12
	tagSize = 16
)

var (
	// ErrKeyMissing indicates the process-wide encryption key was not configured.
	ErrKeyMissing = errors.New("secrets: encryption key not configured")
	// ErrInvalidKey indicates the key is not 32 bytes after base64 decoding.
	ErrInvalidKey = errors.New("secrets: encryption key must be 32 bytes")
)

// SealedString holds AES-256-GCM encrypted secret material split into the
// three columns it is persisted as. It is the only type allowed to carry
// secrets between the database and provider clients.
type SealedString struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
}

// Empty reports whether nothing is sealed.
func (s SealedString) Empty() bool {
	return len(s.Ciphertext) == 0 && len(s.IV) == 0 && len(s.Tag) == 0
}

// Cipher seals and opens secret strings with a process-wide 32-byte key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a base64-encoded 32-byte key. An empty key
// returns ErrKeyMissing so callers can abort startup.
func NewCipher(base64Key string) (*Cipher, error) {
	if base64Key == "" {
		return nil, ErrKeyMissing
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode key: %w", err)
	}
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext with a fresh random IV.
func (c *Cipher) Seal(plaintext string) (SealedString, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return SealedString{}, fmt.Errorf("secrets: generate iv: %w", err)
	}
	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	// GCM appends the tag; store it as its own column.
	split := len(sealed) - tagSize
	return SealedString{
		Ciphertext: sealed[:split],
		IV:         iv,
		Tag:        sealed[split:],
	}, nil
}

// Open decrypts a sealed string, failing on any tampering.
func (c *Cipher) Open(s SealedString) (string, error) {
	if s.Empty() {
		return "", errors.New("secrets: nothing sealed")
	}
	if len(s.IV) != ivSize {
		return "", errors.New("secrets: invalid iv length")
	}
	combined := append(append([]byte{}, s.Ciphertext...), s.Tag...)
	plaintext, err := c.aead.Open(nil, s.IV, combined, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: open: %w", err)
	}
	return string(plaintext), nil
}
