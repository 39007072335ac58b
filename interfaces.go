package shiken

import (
	"context"
	"net/http"
)

// EventHook receives workflow lifecycle events: stage nodes created and
// updated, edges between stages, and workflow status changes.
// Hooks run on a single dispatch goroutine and must not block for long.
// Failures are logged and never affect the workflow.
type EventHook interface {
	OnWorkflowEvent(ctx context.Context, ev WorkflowEvent) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extra routes share the mux, auth chain and OTEL instrumentation with the
// built-in routes. Called once during New after the built-in routes.
type RouteRegistrar func(mux *http.ServeMux, auth AuthHelper)

// AuthHelper provides role middleware for use in a RouteRegistrar.
type AuthHelper interface {
	RequireRole(role Role) func(http.Handler) http.Handler
}

// Middleware wraps the root HTTP handler. It sees every request, /health
// included.
type Middleware func(http.Handler) http.Handler
