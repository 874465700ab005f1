// Package identity carries the authenticated caller through the request
// context and derives the one-way lookup key used to address users by
// email without indexing the raw address.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Key is the type for context keys to prevent collisions
type Key string

// PrincipalKey contains *identity.Principal
// Set by: api.PrincipalMiddleware (pkg/api/middleware.go)
// Required by: every groups.Service operation
const PrincipalKey Key = "principal"

// Principal is the resolved caller identity. Both fields are required for
// any state-changing or state-revealing operation.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Valid reports whether the principal carries both id and email.
func (p Principal) Valid() bool {
	return p.ID != "" && p.Email != ""
}

// LookupKey returns the derived lookup key for the principal's email.
func (p Principal) LookupKey() string {
	return DeriveKey(p.Email)
}

// DeriveKey maps an email address to its stable lookup key. The key is a
// hex-encoded SHA256 digest; it is never reversed inside this service.
func DeriveKey(email string) string {
	hash := sha256.Sum256([]byte(email))
	return hex.EncodeToString(hash[:])
}

// WithPrincipal adds the resolved principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// FromContext retrieves the principal from the context. The second return
// is false when no principal was resolved or it is incomplete.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(PrincipalKey).(Principal)
	if !ok || !p.Valid() {
		return Principal{}, false
	}
	return p, true
}
