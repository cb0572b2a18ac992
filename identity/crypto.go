// Package identity manages rotating browsing personas: selection, binding,
// cookie reconciliation, failure-driven rotation, and payload encryption.
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Crypto errors. Decrypt failures are indistinguishable between a wrong
// key and a tampered payload by design of the AEAD.
var (
	ErrKeyMissing = errors.New("identity: encryption key missing")
	ErrKeyInvalid = errors.New("identity: decrypt failed")
)

// Codec seals identity payloads (cookies, storage state) with AES-256-GCM.
// Payloads are msgpack-encoded before sealing; tokens are URL-safe base64
// with the nonce prepended.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec derives the AES key from the configured key string via SHA-256,
// so any sufficiently long secret works without manual key formatting.
func NewCodec(key string) (*Codec, error) {
	if key == "" {
		return nil, ErrKeyMissing
	}
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("identity: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("identity: gcm: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encrypt seals v into a printable token.
func (c *Codec) Encrypt(v any) (string, error) {
	plain, err := msgpack.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("identity: encode payload: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("identity: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plain, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt into out.
func (c *Codec) Decrypt(token string, out any) error {
	sealed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ErrKeyInvalid
	}
	if len(sealed) < c.aead.NonceSize() {
		return ErrKeyInvalid
	}
	nonce, body := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return ErrKeyInvalid
	}
	if err := msgpack.Unmarshal(plain, out); err != nil {
		return fmt.Errorf("identity: decode payload: %w", err)
	}
	return nil
}
