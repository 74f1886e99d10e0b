// Package vault seals provider tokens at rest with AES-256-GCM.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const prefix = "v1:"

// ErrMalformed is returned for ciphertexts this vault did not produce.
var ErrMalformed = errors.New("vault: malformed ciphertext")

// Vault encrypts and decrypts short secrets.
type Vault struct {
	aead cipher.AEAD
}

// New derives a 256-bit key from secret. An empty secret is rejected so a
// misconfigured deployment never stores tokens under a predictable key.
func New(secret string) (*Vault, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("vault: token key is required")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// Seal returns "v1:" + base64(nonce || ciphertext).
func (v *Vault) Seal(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (v *Vault) Open(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, prefix) {
		return "", ErrMalformed
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, prefix))
	if err != nil {
		return "", ErrMalformed
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrMalformed
	}
	pt, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("vault: decrypt: %w", err)
	}
	return string(pt), nil
}
