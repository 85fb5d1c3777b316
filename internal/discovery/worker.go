package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/thinkalike/kindred/internal/scoring"
	"github.com/thinkalike/kindred/internal/storage"
	"github.com/thinkalike/kindred/internal/telemetry"
)

// OutboxWorker polls the profile_vector_outbox table and syncs changed
// profiles into Qdrant. Profile writes enqueue outbox rows transactionally,
// so the external index converges even across crashes; the pgvector column
// stays authoritative in the meantime.
type OutboxWorker struct {
	db           *storage.DB
	index        *QdrantIndex
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	lastPrune  time.Time

	synced metric.Int64Counter
	failed metric.Int64Counter
}

// NewOutboxWorker creates a new outbox worker.
func NewOutboxWorker(db *storage.DB, index *QdrantIndex, pollInterval time.Duration, batchSize int, logger *slog.Logger) *OutboxWorker {
	meter := telemetry.Meter("kindred/discovery")
	synced, _ := meter.Int64Counter("kindred.discovery.outbox.synced",
		metric.WithDescription("Profile vectors synced to the external index"),
	)
	failed, _ := meter.Int64Counter("kindred.discovery.outbox.failed",
		metric.WithDescription("Profile vector sync failures"),
	)
	return &OutboxWorker{
		db:           db,
		index:        index,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		synced:       synced,
		failed:       failed,
	}
}

// Start begins the background poll loop. Safe to call only once; subsequent
// calls are no-ops and log a warning.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("discovery outbox: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain stops the poll loop, runs one final pass for remaining entries, and
// blocks until done or the context expires.
func (w *OutboxWorker) Drain(ctx context.Context) {
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("discovery outbox: drain timed out")
		return
	}
	w.processBatch(ctx)
}

func (w *OutboxWorker) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

func (w *OutboxWorker) processBatch(ctx context.Context) {
	entries, err := w.db.PendingVectorSyncs(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("discovery outbox: load pending", "error", err)
		return
	}
	if len(entries) == 0 {
		w.maybePrune(ctx)
		return
	}

	table, err := w.db.GetActiveWeightingTable(ctx)
	if err != nil {
		w.logger.Error("discovery outbox: load weighting table", "error", err)
		return
	}

	for _, entry := range entries {
		profile, err := w.db.GetValueProfile(ctx, entry.UserID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Profile deleted since enqueue; drop it from the index.
				if err := w.index.Delete(ctx, []uuid.UUID{entry.UserID}); err == nil {
					_ = w.db.MarkVectorSynced(ctx, entry.UserID, entry.ID)
				}
				continue
			}
			w.failed.Add(ctx, 1)
			w.logger.Error("discovery outbox: load profile", "user_id", entry.UserID, "error", err)
			continue
		}

		point := ProfilePoint{
			UserID:   profile.UserID,
			Vector:   scoring.Vectorize(profile, table),
			Archived: profile.Archived,
		}
		if err := w.index.Upsert(ctx, []ProfilePoint{point}); err != nil {
			w.failed.Add(ctx, 1)
			w.logger.Error("discovery outbox: upsert", "user_id", entry.UserID, "error", err)
			continue
		}
		if err := w.db.MarkVectorSynced(ctx, entry.UserID, entry.ID); err != nil {
			w.logger.Error("discovery outbox: mark synced", "user_id", entry.UserID, "error", err)
			continue
		}
		w.synced.Add(ctx, 1)
	}
}

// maybePrune removes synced rows at most once an hour.
func (w *OutboxWorker) maybePrune(ctx context.Context) {
	if time.Since(w.lastPrune) < time.Hour {
		return
	}
	w.lastPrune = time.Now()
	if n, err := w.db.PruneSyncedOutbox(ctx); err != nil {
		w.logger.Warn("discovery outbox: prune", "error", err)
	} else if n > 0 {
		w.logger.Debug("discovery outbox: pruned synced rows", "count", n)
	}
}
