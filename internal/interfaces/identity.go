package interfaces

import "context"

// Identity is one signed-in user: the key of the remote settings document
// and the source of auth tokens for the chat relay.
type Identity struct {
	UID   string
	Email string
}

// IdentityProvider abstracts the auth backend. The extension never talks to
// the provider beyond this surface.
type IdentityProvider interface {
	// CurrentIdentity returns the signed-in identity, or nil.
	CurrentIdentity() *Identity

	// OnIdentityChanged registers a callback invoked on sign-in, sign-out,
	// and identity switches. The callback receives nil on sign-out.
	OnIdentityChanged(fn func(*Identity))

	// Token returns a short-lived auth token for the current identity.
	Token(ctx context.Context) (string, error)
}
