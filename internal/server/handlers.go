package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/thinkalike/kindred/internal/audit"
	"github.com/thinkalike/kindred/internal/auth"
	"github.com/thinkalike/kindred/internal/discovery"
	"github.com/thinkalike/kindred/internal/gate"
	"github.com/thinkalike/kindred/internal/model"
	"github.com/thinkalike/kindred/internal/scoring"
	"github.com/thinkalike/kindred/internal/session"
	"github.com/thinkalike/kindred/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	sessionMgr          *session.Manager
	compatSvc           *session.CompatService
	discoverySvc        *discovery.Service
	index               *discovery.QdrantIndex
	prover              *audit.Prover
	sink                audit.Sink
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): DiscoverySvc, Index, Prover.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	SessionMgr          *session.Manager
	CompatSvc           *session.CompatService
	DiscoverySvc        *discovery.Service
	Index               *discovery.QdrantIndex
	Prover              *audit.Prover
	Sink                audit.Sink
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	sink := d.Sink
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		sessionMgr:          d.SessionMgr,
		compatSvc:           d.CompatSvc,
		discoverySvc:        d.DiscoverySvc,
		index:               d.Index,
		prover:              d.Prover,
		sink:                sink,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /auth/token.
// Exchanges an operator API key for an operator JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.KeyID == uuid.Nil || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "key_id and api_key are required")
		return
	}

	key, err := h.db.GetOperatorKey(r.Context(), req.KeyID)
	if err != nil {
		// Same work on the miss path as on the hit path, so response
		// timing does not reveal whether the key ID exists.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	if key.RevokedAt != nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyOperatorKey(req.APIKey, key.KeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueOperatorToken(key.ID)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleMintUserToken handles POST /v1/admin/tokens (operator-only).
// Issues a user JWT on behalf of the identity layer. Kindred does not manage
// user accounts itself; whatever fronts it verifies identity and asks here.
func (h *Handlers) HandleMintUserToken(w http.ResponseWriter, r *http.Request) {
	var req model.MintUserTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.UserID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "user_id is required")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueUserToken(req.UserID)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	if h.index != nil {
		if err := h.index.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
			if status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// SeedOperator creates the initial operator credential if none exist.
func (h *Handlers) SeedOperator(ctx context.Context, operatorAPIKey string) error {
	count, err := h.db.CountOperatorKeys(ctx)
	if err != nil {
		return fmt.Errorf("seed operator: count keys: %w", err)
	}
	if count > 0 {
		h.logger.Info("operator keys exist, skipping seed")
		return nil
	}
	if operatorAPIKey == "" {
		return fmt.Errorf("seed operator: KINDRED_OPERATOR_API_KEY is empty and no operator keys exist; set it to bootstrap operator access")
	}

	hash, err := auth.HashOperatorKey(operatorAPIKey)
	if err != nil {
		return fmt.Errorf("seed operator: hash key: %w", err)
	}

	key := storage.OperatorKey{
		ID:        uuid.New(),
		Name:      "bootstrap",
		KeyHash:   hash,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.db.CreateOperatorKey(ctx, key); err != nil {
		return fmt.Errorf("seed operator: create key: %w", err)
	}

	h.logger.Info("seeded initial operator key", "key_id", key.ID)
	return nil
}

// --- Shared helpers ---

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()),
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// writeDomainError maps domain sentinels onto the error envelope. Anything
// unrecognized is a 500.
func (h *Handlers) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrAlreadyActive):
		writeErrorReason(w, r, http.StatusConflict, model.ErrCodeConflict, model.ReasonAlreadyActive,
			"an active gate already exists for this pair")
	case errors.Is(err, session.ErrIneligible):
		writeErrorReason(w, r, http.StatusConflict, model.ErrCodeConflict, model.ReasonIneligible, err.Error())
	case errors.Is(err, session.ErrNotParticipant):
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not a participant in this session")
	case errors.Is(err, gate.ErrSessionTerminal):
		writeErrorReason(w, r, http.StatusConflict, model.ErrCodeConflict, model.ReasonSessionTerminal,
			"session is no longer active")
	case errors.Is(err, gate.ErrNodeMismatch):
		writeErrorReason(w, r, http.StatusConflict, model.ErrCodeConflict, model.ReasonNodeMismatch,
			"choice does not apply to the session's current node")
	case errors.Is(err, gate.ErrInvalidChoice):
		writeErrorReason(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, model.ReasonInvalidChoice,
			"unknown choice for this node")
	case errors.Is(err, scoring.ErrStaleWeightingVersion):
		writeErrorReason(w, r, http.StatusConflict, model.ErrCodeConflict, model.ReasonStaleWeighting,
			"session's pinned weighting version is no longer available")
	case errors.Is(err, storage.ErrVersionConflict):
		writeErrorReason(w, r, http.StatusConflict, model.ErrCodeConflict, model.ReasonVersionConflict,
			"profile was modified concurrently, refetch and retry")
	case errors.Is(err, session.ErrNoActiveWeighting):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "no active weighting table published")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "request timed out")
	default:
		h.writeInternalError(w, r, "request failed", err)
	}
}

func pathUUID(r *http.Request, key string) (uuid.UUID, error) {
	raw := r.PathValue(key)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", key, raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 200

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			if n > maxQueryLimit {
				return maxQueryLimit
			}
			return n
		}
	}
	return defaultVal
}
