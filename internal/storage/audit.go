package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// AuditEventRow is the persisted form of one audit trail entry. ContentHash
// binds the row's content so proof batches can detect tampering.
type AuditEventRow struct {
	ID          int64      `json:"id"`
	Kind        string     `json:"kind"`
	ActorID     *uuid.UUID `json:"actor_id,omitempty"`
	SubjectID   *uuid.UUID `json:"subject_id,omitempty"`
	SessionID   *uuid.UUID `json:"session_id,omitempty"`
	Payload     []byte     `json:"payload"`
	ContentHash string     `json:"content_hash"`
	RecordedAt  time.Time  `json:"recorded_at"`
}

// InsertAuditEvent appends one event to the audit trail and returns its ID.
func (db *DB) InsertAuditEvent(ctx context.Context, ev AuditEventRow) (int64, error) {
	var id int64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO audit_events (kind, actor_id, subject_id, session_id, payload, content_hash)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		ev.Kind, ev.ActorID, ev.SubjectID, ev.SessionID, ev.Payload, ev.ContentHash,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("storage: insert audit event: %w", err)
	}
	return id, nil
}

// ListAuditEventsAfter returns events with ID greater than afterID, in ID
// order, up to limit. Used to assemble proof batches.
func (db *DB) ListAuditEventsAfter(ctx context.Context, afterID int64, limit int) ([]AuditEventRow, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, kind, actor_id, subject_id, session_id, payload, content_hash, recorded_at
		 FROM audit_events
		 WHERE id > $1
		 ORDER BY id ASC
		 LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEventRow
	for rows.Next() {
		var ev AuditEventRow
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.ActorID, &ev.SubjectID, &ev.SessionID,
			&ev.Payload, &ev.ContentHash, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("storage: scan audit event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListAuditEventsForSession returns a session's audit trail in ID order.
func (db *DB) ListAuditEventsForSession(ctx context.Context, sessionID uuid.UUID) ([]AuditEventRow, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, kind, actor_id, subject_id, session_id, payload, content_hash, recorded_at
		 FROM audit_events
		 WHERE session_id = $1
		 ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list session audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEventRow
	for rows.Next() {
		var ev AuditEventRow
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.ActorID, &ev.SubjectID, &ev.SessionID,
			&ev.Payload, &ev.ContentHash, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("storage: scan audit event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AuditProof is a Merkle batch proof over a contiguous range of audit events.
type AuditProof struct {
	ID           int64     `json:"id"`
	BatchStart   int64     `json:"batch_start"`
	BatchEnd     int64     `json:"batch_end"`
	EventCount   int       `json:"event_count"`
	RootHash     string    `json:"root_hash"`
	PreviousRoot *string   `json:"previous_root,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// GetLatestAuditProof returns the most recent proof, or nil if none exist.
func (db *DB) GetLatestAuditProof(ctx context.Context) (*AuditProof, error) {
	var p AuditProof
	err := db.pool.QueryRow(ctx,
		`SELECT id, batch_start, batch_end, event_count, root_hash, previous_root, created_at
		 FROM audit_proofs
		 ORDER BY id DESC
		 LIMIT 1`,
	).Scan(&p.ID, &p.BatchStart, &p.BatchEnd, &p.EventCount, &p.RootHash, &p.PreviousRoot, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get latest audit proof: %w", err)
	}
	return &p, nil
}

// CreateAuditProof inserts a new batch proof.
func (db *DB) CreateAuditProof(ctx context.Context, p AuditProof) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO audit_proofs (batch_start, batch_end, event_count, root_hash, previous_root)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.BatchStart, p.BatchEnd, p.EventCount, p.RootHash, p.PreviousRoot,
	)
	if err != nil {
		return fmt.Errorf("storage: create audit proof: %w", err)
	}
	return nil
}
