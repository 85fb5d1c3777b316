package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/thinkalike/kindred/internal/integrity"
	"github.com/thinkalike/kindred/internal/storage"
)

// proofBatchLimit caps how many events a single proof covers. Larger
// backlogs are proven across multiple passes.
const proofBatchLimit = 1000

// Prover builds Merkle batch proofs over unproven audit events. Each proof
// chains to the previous root, so rewriting history invalidates every proof
// that follows.
type Prover struct {
	db     *storage.DB
	logger *slog.Logger
}

// NewProver creates a prover over the given store.
func NewProver(db *storage.DB, logger *slog.Logger) *Prover {
	return &Prover{db: db, logger: logger}
}

// Prove builds one proof over events recorded since the last proof. Returns
// the number of events covered; zero means nothing new to prove.
func (p *Prover) Prove(ctx context.Context) (int, error) {
	last, err := p.db.GetLatestAuditProof(ctx)
	if err != nil {
		return 0, fmt.Errorf("audit: load latest proof: %w", err)
	}

	var afterID int64
	var previousRoot *string
	if last != nil {
		afterID = last.BatchEnd
		previousRoot = &last.RootHash
	}

	events, err := p.db.ListAuditEventsAfter(ctx, afterID, proofBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("audit: list unproven events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	leaves := make([]string, len(events))
	for i, ev := range events {
		leaves[i] = ev.ContentHash
	}

	proof := storage.AuditProof{
		BatchStart:   events[0].ID,
		BatchEnd:     events[len(events)-1].ID,
		EventCount:   len(events),
		RootHash:     integrity.BuildMerkleRoot(leaves),
		PreviousRoot: previousRoot,
	}
	if err := p.db.CreateAuditProof(ctx, proof); err != nil {
		return 0, fmt.Errorf("audit: store proof: %w", err)
	}

	p.logger.Info("audit proof created",
		"batch_start", proof.BatchStart,
		"batch_end", proof.BatchEnd,
		"event_count", proof.EventCount,
	)
	return len(events), nil
}

// Verify recomputes content hashes for every stored event and reports the
// first mismatch, if any. Used by the operator verification endpoint.
func (p *Prover) Verify(ctx context.Context) error {
	var afterID int64
	for {
		events, err := p.db.ListAuditEventsAfter(ctx, afterID, proofBatchLimit)
		if err != nil {
			return fmt.Errorf("audit: list events for verify: %w", err)
		}
		if len(events) == 0 {
			return nil
		}
		for _, ev := range events {
			if !integrity.VerifyEventHash(ev.ContentHash, ev.Kind, ev.ActorID, ev.SubjectID, ev.SessionID, ev.Payload, ev.RecordedAt) {
				return fmt.Errorf("audit: event %d content hash mismatch", ev.ID)
			}
		}
		afterID = events[len(events)-1].ID
	}
}
