package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/thinkalike/kindred/internal/audit"
	"github.com/thinkalike/kindred/internal/auth"
	"github.com/thinkalike/kindred/internal/discovery"
	"github.com/thinkalike/kindred/internal/model"
	"github.com/thinkalike/kindred/internal/ratelimit"
	"github.com/thinkalike/kindred/internal/session"
	"github.com/thinkalike/kindred/internal/storage"
)

// Server is the Kindred HTTP server.
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
// Optional fields (nil-safe): DiscoverySvc, Index, Prover, Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	DB         *storage.DB
	JWTMgr     *auth.JWTManager
	SessionMgr *session.Manager
	CompatSvc  *session.CompatService
	Sink       audit.Sink
	Logger     *slog.Logger

	// Optional dependencies (nil = disabled).
	DiscoverySvc *discovery.Service
	Index        *discovery.QdrantIndex
	Prover       *audit.Prover
	Limiter      ratelimit.Limiter
	MCPServer    *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		SessionMgr:          cfg.SessionMgr,
		CompatSvc:           cfg.CompatSvc,
		DiscoverySvc:        cfg.DiscoverySvc,
		Index:               cfg.Index,
		Prover:              cfg.Prover,
		Sink:                cfg.Sink,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	authRL := ratelimit.Middleware(limiter, prefixed(ratelimit.ScopeAuth, ratelimit.IPKeyFunc), reqIDFunc)
	gateRL := ratelimit.Middleware(limiter, prefixed(ratelimit.ScopeGate, userKeyFunc), reqIDFunc)
	queryRL := ratelimit.Middleware(limiter, prefixed(ratelimit.ScopeQuery, userKeyFunc), reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Gate lifecycle (user+).
	mux.Handle("POST /v1/gates", gateRL(http.HandlerFunc(h.HandleInitiateGate)))
	mux.Handle("GET /v1/gates", http.HandlerFunc(h.HandleListMyGates))
	mux.Handle("GET /v1/gates/{session_id}", http.HandlerFunc(h.HandleGetGate))
	mux.Handle("POST /v1/gates/{session_id}/choices", gateRL(http.HandlerFunc(h.HandleSubmitChoice)))
	mux.Handle("DELETE /v1/gates/{session_id}", http.HandlerFunc(h.HandleAbortGate))

	// Scoring and discovery (user+, rate limited).
	mux.Handle("GET /v1/compatibility/{user_id}", queryRL(http.HandlerFunc(h.HandleCompatibility)))
	mux.Handle("GET /v1/discovery", queryRL(http.HandlerFunc(h.HandleDiscovery)))
	mux.Handle("GET /v1/weighting", http.HandlerFunc(h.HandleGetWeighting))

	// Profile self-service.
	mux.Handle("GET /v1/profiles/me", http.HandlerFunc(h.HandleGetMyProfile))
	mux.Handle("PUT /v1/profiles/me", http.HandlerFunc(h.HandleUpdateMyProfile))
	mux.Handle("DELETE /v1/profiles/me", http.HandlerFunc(h.HandleArchiveMyProfile))

	// Relations.
	mux.Handle("PUT /v1/blocks/{user_id}", http.HandlerFunc(h.HandleCreateBlock))
	mux.Handle("DELETE /v1/blocks/{user_id}", http.HandlerFunc(h.HandleDeleteBlock))
	mux.Handle("GET /v1/connections", http.HandlerFunc(h.HandleListConnections))

	// Operator surface (no rate limit, operators are trusted).
	operatorOnly := requireRole(model.RoleOperator)
	mux.Handle("POST /v1/admin/tokens", operatorOnly(http.HandlerFunc(h.HandleMintUserToken)))
	mux.Handle("POST /v1/admin/weighting", operatorOnly(http.HandlerFunc(h.HandlePublishWeighting)))
	mux.Handle("GET /v1/admin/weighting", operatorOnly(http.HandlerFunc(h.HandleListWeightings)))
	mux.Handle("GET /v1/admin/sessions", operatorOnly(http.HandlerFunc(h.HandleListActiveSessions)))
	mux.Handle("GET /v1/admin/sessions/{session_id}/audit", operatorOnly(http.HandlerFunc(h.HandleSessionAuditTrail)))
	mux.Handle("POST /v1/admin/audit/verify", operatorOnly(http.HandlerFunc(h.HandleAuditVerify)))
	mux.Handle("POST /v1/admin/keys", operatorOnly(http.HandlerFunc(h.HandleCreateOperatorKey)))
	mux.Handle("DELETE /v1/admin/keys/{key_id}", operatorOnly(http.HandlerFunc(h.HandleRevokeOperatorKey)))

	// MCP StreamableHTTP transport (operator-only).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", operatorOnly(mcpHTTP))
	}

	// Health and API docs (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// userKeyFunc extracts the user ID from the request context for rate
// limiting. Returns empty string for operators (exempt).
func userKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if claims.Role == model.RoleOperator {
		return ""
	}
	return claims.UserID.String()
}

// prefixed namespaces a key func so different endpoint groups sharing one
// limiter get separate buckets.
func prefixed(prefix string, fn ratelimit.KeyFunc) ratelimit.KeyFunc {
	return func(r *http.Request) string {
		key := fn(r)
		if key == "" {
			return ""
		}
		return prefix + ":" + key
	}
}

// Handlers returns the underlying Handlers for access to SeedOperator etc.
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
