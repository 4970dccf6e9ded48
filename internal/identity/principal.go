// Package identity provides the authenticated-user model for request
// resolution: principals, credential verification, and redis backed
// sessions.
package identity

import "context"

// Principal identifies the caller of a request. The zero value is the guest
// principal.
type Principal struct {
	ID   string
	Name string
}

// Guest returns the anonymous principal.
func Guest() Principal { return Principal{} }

// IsGuest reports whether the principal is unauthenticated.
func (p Principal) IsGuest() bool { return p.ID == "" }

type principalKey struct{}

// WithPrincipal attaches a principal to a context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom extracts the principal from a context, guest when absent.
func PrincipalFrom(ctx context.Context) Principal {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok {
		return p
	}
	return Guest()
}
