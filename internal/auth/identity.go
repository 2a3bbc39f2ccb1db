package auth

import "context"

// Identity is the authenticated caller attached to a request context by
// the media-plane middleware after token, allowlist, and denylist
// checks have all passed.
type Identity struct {
	DeviceID string
	UserID   string
	IsAdmin  bool
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom extracts the caller identity, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
