// Package crypto is the credential codec: AES-256-GCM over every sensitive
// account field (email, password, TOTP seed, proxy auth). Tokens are
// base64(nonce || ciphertext); the 16-byte GCM tag is part of the ciphertext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const nonceSize = 12

// Codec encrypts and decrypts credential blobs with a single process-wide
// key. Stateless after construction; safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// New builds a Codec from a 32-byte key.
func New(key []byte) (*Codec, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext) with a fresh random nonce.
func (c *Codec) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	ct := c.aead.Seal(nil, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(append(nonce, ct...)), nil
}

// EncryptString encrypts a string credential.
func (c *Codec) EncryptString(plaintext string) (string, error) {
	return c.Encrypt([]byte(plaintext))
}

// Decrypt reverses Encrypt. Fails closed: any authentication mismatch
// returns an error and no plaintext.
func (c *Codec) Decrypt(token string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	if len(raw) < nonceSize+c.aead.Overhead() {
		return nil, fmt.Errorf("token too short: %d bytes", len(raw))
	}
	nonce, ct := raw[:nonceSize], raw[nonceSize:]
	pt, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return pt, nil
}

// DecryptString decrypts a token back to a string credential.
func (c *Codec) DecryptString(token string) (string, error) {
	pt, err := c.Decrypt(token)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
