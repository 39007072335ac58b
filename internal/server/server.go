package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/shiken/internal/auth"
	"github.com/ashita-ai/shiken/internal/broadcast"
	"github.com/ashita-ai/shiken/internal/ctxutil"
	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/orchestrator"
	"github.com/ashita-ai/shiken/internal/ratelimit"
	"github.com/ashita-ai/shiken/internal/storage"
	"github.com/ashita-ai/shiken/internal/webhook"
)

// Server is the Shiken HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): JWTMgr, Hub, Webhook, Limiter, MCPServer,
// MetricsHandler, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Engine orchestrator.Engine
	Store  storage.Store
	Logger *slog.Logger

	// Optional dependencies (nil = disabled). A nil JWTMgr turns
	// authentication off.
	JWTMgr         *auth.JWTManager
	Hub            *broadcast.Hub
	Webhook        *webhook.Intake
	Limiter        ratelimit.Limiter
	MCPServer      *mcpserver.MCPServer
	MetricsHandler http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	OpenAPISpec []byte

	// Extension points. ExtraRoutes run after the built-in routes are
	// registered; Middlewares wrap the whole chain, first one outermost.
	ExtraRoutes []RouteRegistrar
	Middlewares []func(http.Handler) http.Handler
}

// RoleMiddlewareFn gates a handler on a minimum role.
type RoleMiddlewareFn func(model.Role) func(http.Handler) http.Handler

// RouteRegistrar adds routes to the shared mux. Routes inherit the auth,
// logging and tracing chain.
type RouteRegistrar func(mux *http.ServeMux, requireRole RoleMiddlewareFn)

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = 1 << 20
	}
	h := NewHandlers(HandlersDeps{
		Engine:              cfg.Engine,
		Store:               cfg.Store,
		JWTMgr:              cfg.JWTMgr,
		Hub:                 cfg.Hub,
		Webhook:             cfg.Webhook,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}
	clientRL := ratelimit.Middleware(limiter, clientKeyFunc, reqIDFunc, cfg.Logger)
	ipRL := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Token exchange and webhook intake (no auth, rate limited by IP).
	mux.Handle("POST /auth/token", ipRL(http.HandlerFunc(h.HandleAuthToken)))
	mux.Handle("POST /v1/webhooks/tracker", ipRL(http.HandlerFunc(h.HandleTrackerWebhook)))

	// Client management (admin-only, admins are exempt from rate limits).
	adminOnly := requireRole(model.RoleAdmin)
	mux.Handle("POST /v1/clients", adminOnly(http.HandlerFunc(h.HandleCreateClient)))

	// Workflow triggers (operator+).
	operator := requireRole(model.RoleOperator)
	mux.Handle("POST /v1/workflows", clientRL(operator(http.HandlerFunc(h.HandleStartWorkflow))))
	mux.Handle("POST /v1/workflows/{id}/run", clientRL(operator(http.HandlerFunc(h.HandleRunWorkflow))))

	// Queries (reader+).
	reader := requireRole(model.RoleReader)
	mux.Handle("GET /v1/workflows", clientRL(reader(http.HandlerFunc(h.HandleListWorkflows))))
	mux.Handle("GET /v1/workflows/{id}", clientRL(reader(http.HandlerFunc(h.HandleGetWorkflow))))
	mux.Handle("GET /v1/workflows/{id}/audit", clientRL(reader(http.HandlerFunc(h.HandleAuditTrail))))
	mux.Handle("GET /v1/workflows/{id}/audit/verify", clientRL(reader(http.HandlerFunc(h.HandleVerifyAudit))))
	mux.Handle("GET /v1/metrics/rewards", clientRL(reader(http.HandlerFunc(h.HandleRewardMetrics))))

	// Live events (reader+, no rate limit: long-lived connections).
	mux.Handle("GET /v1/workflows/{id}/events", reader(http.HandlerFunc(h.HandleWorkflowEvents)))
	mux.Handle("GET /v1/workflows/{id}/ws", reader(http.HandlerFunc(h.HandleWorkflowSocket)))

	// MCP StreamableHTTP transport (auth required, reader+; tools check
	// operator themselves where they mutate).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", reader(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	for _, register := range cfg.ExtraRoutes {
		register(mux, requireRole)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// clientKeyFunc rate limits per authenticated client. Admins are exempt;
// without claims (auth disabled) the caller's IP is used.
func clientKeyFunc(r *http.Request) string {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		return ratelimit.IPKeyFunc(r)
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return "client:" + claims.ClientID
}

// Handlers returns the underlying Handlers for access to SeedAdmin.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
