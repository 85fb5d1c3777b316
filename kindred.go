// Package kindred is the public API for embedding the Kindred matching engine.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := kindred.New(
//	    kindred.WithVersion(version),
//	    kindred.WithLogger(logger),
//	    kindred.WithAuditSink(mySink),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kindred (root) imports
// internal/*, but internal/* never imports kindred (root). Public types
// (AuditRecord) are standalone structs with no internal imports; the
// conversion helpers live here because this is the only file that sees both
// sides of the boundary.
package kindred

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/thinkalike/kindred/api"
	"github.com/thinkalike/kindred/internal/audit"
	"github.com/thinkalike/kindred/internal/auth"
	"github.com/thinkalike/kindred/internal/config"
	"github.com/thinkalike/kindred/internal/discovery"
	"github.com/thinkalike/kindred/internal/gate"
	"github.com/thinkalike/kindred/internal/mcp"
	"github.com/thinkalike/kindred/internal/narrative"
	"github.com/thinkalike/kindred/internal/ratelimit"
	"github.com/thinkalike/kindred/internal/server"
	"github.com/thinkalike/kindred/internal/session"
	"github.com/thinkalike/kindred/internal/storage"
	"github.com/thinkalike/kindred/internal/telemetry"
	"github.com/thinkalike/kindred/migrations"
)

// App is the Kindred server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	sessionMgr   *session.Manager
	prover       *audit.Prover
	outbox       *discovery.OutboxWorker // nil when Qdrant is not configured
	index        *discovery.QdrantIndex  // nil when Qdrant is not configured
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Kindred server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.scriptPath != "" {
		cfg.ScriptPath = o.scriptPath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kindred starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Narrative script: configured file or the embedded default.
	script, err := narrative.LoadFile(cfg.ScriptPath)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("narrative script: %w", err)
	}
	engine, err := gate.NewEngine(script, cfg.GateThreshold, cfg.GateBlend)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("gate engine: %w", err)
	}
	logger.Info("narrative script loaded", "script_id", script.ID, "nodes", script.Len())

	// Audit trail: Postgres plus any registered external sinks.
	var sink audit.Sink = audit.NewPGSink(db, logger)
	if len(o.auditSinks) > 0 {
		sinks := []audit.Sink{sink}
		for _, s := range o.auditSinks {
			sinks = append(sinks, &auditSinkAdapter{sink: s})
		}
		sink = fanoutSink(sinks)
	}

	sessionMgr := session.NewManager(db, engine, sink, cfg.SessionTTL, logger)
	compatSvc := session.NewCompatService(db, logger)
	prover := audit.NewProver(db, logger)

	// Qdrant discovery index and outbox worker (optional).
	var index *discovery.QdrantIndex
	var outbox *discovery.OutboxWorker
	if cfg.QdrantURL != "" {
		index, err = discovery.NewQdrantIndex(discovery.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
		}, logger)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := index.EnsureCollection(context.Background()); err != nil {
			_ = index.Close()
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		outbox = discovery.NewOutboxWorker(db, index, cfg.OutboxPollInterval, cfg.OutboxBatchSize, logger)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	discoverySvc := discovery.NewService(db, index, compatSvc, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		mem := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		// Token exchange runs argon2 per attempt and gate submissions are
		// transactional writes; both get tighter buckets than reads.
		mem.SetScopePolicy(ratelimit.ScopeAuth, 1, 5)
		mem.SetScopePolicy(ratelimit.ScopeGate, cfg.RateLimitRPS/2, cfg.RateLimitBurst/2)
		limiter = mem
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(db, compatSvc, logger)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		SessionMgr:          sessionMgr,
		CompatSvc:           compatSvc,
		Sink:                sink,
		DiscoverySvc:        discoverySvc,
		Index:               index,
		Prover:              prover,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	if err := srv.Handlers().SeedOperator(context.Background(), cfg.OperatorAPIKey); err != nil {
		if index != nil {
			_ = index.Close()
		}
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("operator seed: %w", err)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		sessionMgr:   sessionMgr,
		prover:       prover,
		outbox:       outbox,
		index:        index,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	go a.sweepLoop(ctx)
	go a.auditProofLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a graceful shutdown: stop accepting HTTP requests and
// drain in-flight ones, drain remaining outbox entries to Qdrant, then close
// the database pool and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kindred shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	if a.outbox != nil {
		drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		a.outbox.Drain(drainCtx)
		cancel()
	}

	_ = a.limiter.Close()
	if a.index != nil {
		_ = a.index.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("kindred stopped")
	return nil
}

// sweepLoop expires overdue gate sessions on a fixed interval. Expiry is also
// enforced lazily at read time; the sweep keeps the active set honest for
// pairs nobody touches again.
func (a *App) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			swept, err := a.sessionMgr.SweepExpired(opCtx)
			cancel()
			if err != nil {
				a.logger.Warn("session sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				a.logger.Info("expired gate sessions swept", "count", swept)
			}
		}
	}
}

// auditProofLoop periodically seals the audit trail under a fresh Merkle
// proof and prunes compatibility cache rows left behind by retired weighting
// versions.
func (a *App) auditProofLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.AuditProofInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			if n, err := a.prover.Prove(opCtx); err != nil {
				a.logger.Warn("audit proof failed", "error", err)
			} else if n > 0 {
				a.logger.Info("audit proof sealed", "events", n)
			}

			if table, err := a.db.GetActiveWeightingTable(opCtx); err == nil {
				if pruned, err := a.db.PruneCompatibilityCache(opCtx, table.Version); err != nil {
					a.logger.Warn("compatibility cache prune failed", "error", err)
				} else if pruned > 0 {
					a.logger.Info("stale compatibility cache rows pruned", "count", pruned)
				}
			}
			cancel()
		}
	}
}

// fanoutSink records each event on every registered sink. The Postgres sink
// comes first; an external sink failure is returned but does not stop the
// remaining sinks from seeing the event.
type fanoutSink []audit.Sink

func (f fanoutSink) Record(ctx context.Context, ev audit.Event) error {
	var firstErr error
	for _, s := range f {
		if err := s.Record(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// auditSinkAdapter wraps a public AuditSink to satisfy the internal
// audit.Sink, converting internal events to public records at the boundary.
type auditSinkAdapter struct {
	sink AuditSink
}

func (a *auditSinkAdapter) Record(ctx context.Context, ev audit.Event) error {
	return a.sink.Record(ctx, AuditRecord{
		Kind:      ev.Kind,
		ActorID:   ev.ActorID,
		SubjectID: ev.SubjectID,
		SessionID: ev.SessionID,
		Payload:   ev.Payload,
	})
}
