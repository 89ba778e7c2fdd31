package models

import "context"

// Principal is the authenticated caller taken from the bearer token
type Principal struct {
	UserID   string `json:"userId" example:"owner-001"`
	UserName string `json:"userName" example:"Acme Trading"`
	Role     string `json:"role,omitempty" example:"owner"`
}

type principalKey struct{}

// WithPrincipal stores the caller on the request context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller stored by the auth middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok || p.UserID == "" {
		return Principal{}, false
	}
	return p, true
}
