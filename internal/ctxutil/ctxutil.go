// Package ctxutil provides shared context key accessors.
//
// server imports mcp to mount the MCP transport, and mcp tool handlers need
// the JWT claims that server's auth middleware stores. Both import ctxutil
// instead of each other.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/sapphire/internal/auth"
)

type contextKey string

const keyClaims contextKey = "claims"

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}
