// Package ctxutil provides shared context key accessors.
//
// This package exists to break the circular dependency between server and mcp:
// server imports mcp for MCP server setup, and mcp needs to read JWT claims
// from the context that server's auth middleware populates. Both packages
// import ctxutil instead of each other.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/shiken/internal/auth"
	"github.com/ashita-ai/shiken/internal/model"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyRequestID contextKey = "request_id"
)

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

// Actor returns the identity recorded in audit entries for the caller:
// the authenticated client id, or the system actor when there is none.
func Actor(ctx context.Context) string {
	if c := ClaimsFromContext(ctx); c != nil && c.ClientID != "" {
		return c.ClientID
	}
	return model.DefaultActor
}

// HasRole reports whether the caller holds at least min. With no claims in
// the context (auth disabled) every role is granted.
func HasRole(ctx context.Context, min model.Role) bool {
	c := ClaimsFromContext(ctx)
	if c == nil {
		return true
	}
	return model.RoleAtLeast(c.Role, min)
}

// WithRequestID returns a new context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request id from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
