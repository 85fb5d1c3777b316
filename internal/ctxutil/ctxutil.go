// Package ctxutil provides shared context key accessors.
//
// The server's auth middleware writes validated JWT claims here, and the
// MCP handlers mounted on the same mux read them back for operator
// attribution. Keeping the keys in a leaf package means mcp never has to
// import server to see who is calling it.
package ctxutil

import (
	"context"

	"github.com/google/uuid"

	"github.com/thinkalike/kindred/internal/auth"
)

type contextKey string

const (
	keyClaims contextKey = "claims"
	keyUserID contextKey = "user_id"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, keyClaims, claims)
	ctx = context.WithValue(ctx, keyUserID, claims.UserID)
	return ctx
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// UserIDFromContext extracts the authenticated user ID from the context.
// Operator tokens carry uuid.Nil.
func UserIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(keyUserID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}
