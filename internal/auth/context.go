// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithClaims/FromContext for propagating verified claims via context

package auth

import (
	"context"
)

// claimsContextKey is the key type for storing Claims in context.Context.
type claimsContextKey struct{}

// WithClaims returns a new context with the verified claims attached.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, c)
}

// FromContext retrieves the claims from the context, returning nil if not present.
func FromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsContextKey{}).(*Claims)
	return c
}
