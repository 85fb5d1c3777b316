// Package audit records the append-only gate audit trail and builds periodic
// Merkle proofs over it.
//
// Every state transition a gate session goes through lands here: initiation,
// each accepted choice, completion, abort, expiry, plus operator actions like
// weighting publishes. The trail is what makes an enabled or denied outcome
// reviewable after the fact.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/thinkalike/kindred/internal/integrity"
	"github.com/thinkalike/kindred/internal/storage"
)

// Event kinds recorded by the session manager and admin handlers.
const (
	KindGateInitiated      = "gate.initiated"
	KindGateChoice         = "gate.choice"
	KindGateCompleted      = "gate.completed"
	KindGateAborted        = "gate.aborted"
	KindGateExpired        = "gate.expired"
	KindProfileMutated     = "profile.mutated"
	KindWeightingPublished = "weighting.published"
)

// Event is one audit trail entry before persistence.
type Event struct {
	Kind      string
	ActorID   *uuid.UUID
	SubjectID *uuid.UUID
	SessionID *uuid.UUID
	Payload   map[string]any
}

// Sink receives audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// PGSink persists events to the audit_events table with a content hash
// binding each row.
type PGSink struct {
	db     *storage.DB
	logger *slog.Logger
}

// NewPGSink creates the Postgres-backed sink.
func NewPGSink(db *storage.DB, logger *slog.Logger) *PGSink {
	return &PGSink{db: db, logger: logger}
}

// Record hashes and inserts one event.
func (s *PGSink) Record(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}
	if ev.Payload == nil {
		payload = []byte(`{}`)
	}

	recordedAt := time.Now().UTC()
	row := storage.AuditEventRow{
		Kind:        ev.Kind,
		ActorID:     ev.ActorID,
		SubjectID:   ev.SubjectID,
		SessionID:   ev.SessionID,
		Payload:     payload,
		ContentHash: integrity.ComputeEventHash(ev.Kind, ev.ActorID, ev.SubjectID, ev.SessionID, payload, recordedAt),
		RecordedAt:  recordedAt,
	}
	if _, err := s.db.InsertAuditEvent(ctx, row); err != nil {
		return fmt.Errorf("audit: record event: %w", err)
	}
	return nil
}

// NopSink discards events. Used in tests and by embedders that bring their
// own trail.
type NopSink struct{}

// Record discards the event.
func (NopSink) Record(context.Context, Event) error { return nil }
