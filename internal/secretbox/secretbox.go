// Package secretbox seals OAuth tokens before they are written to the
// database, using XChaCha20-Poly1305.
package secretbox

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const prefix = "sb1:"

var (
	ErrInvalidKey    = errors.New("secretbox key must be 32 bytes of hex")
	ErrMalformed     = errors.New("malformed sealed value")
	ErrDecryptFailed = errors.New("sealed value could not be opened")
)

// Box implements syncbridge.TokenSealer. The connection id is not bound as
// additional data so rows can be copied between environments sharing a key.
type Box struct {
	key [chacha20poly1305.KeySize]byte
}

func New(key []byte) (*Box, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	b := &Box{}
	copy(b.key[:], key)
	return b, nil
}

// NewFromHex accepts the 64 character hex form used in configuration.
func NewFromHex(raw string) (*Box, error) {
	key, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, ErrInvalidKey
	}
	return New(key)
}

// Seal returns "sb1:" followed by base64(nonce|ciphertext). Empty input
// stays empty.
func (b *Box) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(b.key[:])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values written before sealing was enabled carry no
// prefix and are returned unchanged.
func (b *Box) Open(sealed string) (string, error) {
	if sealed == "" || !strings.HasPrefix(sealed, prefix) {
		return sealed, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, prefix))
	if err != nil {
		return "", ErrMalformed
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return "", ErrMalformed
	}
	aead, err := chacha20poly1305.NewX(b.key[:])
	if err != nil {
		return "", err
	}
	nonce, ciphertext := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}
