// Package keys is the encryption boundary for contact attributes. Plain
// email addresses never reach the membership store; they are sealed by a
// Cipher keyed with a process-wide service token and stored as opaque
// ciphertext on the user node.
//
// Two implementations are provided: Client delegates to an external keys
// service over HTTP, AESGCM seals locally for single-node deployments.
package keys

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the encryption collaborator could not be
// reached. It fails the single operation that needed it and is never
// retried here.
var ErrUnavailable = errors.New("encryption service unavailable")

// Cipher seals and reveals contact attributes.
type Cipher interface {
	// Encrypt seals plaintext and returns an opaque ciphertext string.
	Encrypt(ctx context.Context, plaintext []byte) (string, error)

	// Decrypt reveals a ciphertext produced by Encrypt. Malformed input
	// yields an error, not a panic; list operations tolerate it per row.
	Decrypt(ctx context.Context, ciphertext string) ([]byte, error)
}
