package keys

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// AESGCM seals contact attributes locally with AES-256-GCM. The key is
// derived from the same service token the external keys service would be
// called with, so deployments can switch between the two without a
// re-encryption pass of freshly written rows.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM creates a local cipher keyed by the service token.
func NewAESGCM(token string) (*AESGCM, error) {
	if token == "" {
		return nil, fmt.Errorf("service token must not be empty")
	}
	key := sha256.Sum256([]byte(token))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init gcm: %w", err)
	}
	return &AESGCM{aead: aead}, nil
}

// Encrypt seals plaintext. Format: base64url(nonce || sealed).
func (a *AESGCM) Encrypt(_ context.Context, plaintext []byte) (string, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := a.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reveals a ciphertext produced by Encrypt.
func (a *AESGCM) Decrypt(_ context.Context, ciphertext string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext: %w", err)
	}
	if len(raw) < a.aead.NonceSize() {
		return nil, fmt.Errorf("malformed ciphertext: too short")
	}
	nonce, sealed := raw[:a.aead.NonceSize()], raw[a.aead.NonceSize():]
	plaintext, err := a.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open ciphertext: %w", err)
	}
	return plaintext, nil
}
