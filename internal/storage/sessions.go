package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/thinkalike/kindred/internal/model"
)

// CreateSessionIfAbsent inserts a new active gate session unless the pair
// already has one. The partial unique index on (pair_key) WHERE state='active'
// makes this the atomic check-and-create: under concurrent initiates exactly
// one INSERT wins and the rest return ErrPairActive.
func (db *DB) CreateSessionIfAbsent(ctx context.Context, s model.GateSession) error {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO gate_sessions
		     (id, requester_id, target_id, pair_key, state, script_id, current_node_id,
		      running_score, weighting_version, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (pair_key) WHERE state = 'active' DO NOTHING`,
		s.ID, s.RequesterID, s.TargetID, s.PairKey, string(s.State), s.ScriptID, s.CurrentNodeID,
		s.RunningScore, s.WeightingVersion, s.CreatedAt, s.UpdatedAt, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create gate session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPairActive
	}
	return nil
}

// GetSession returns a session by ID, without its choice trail.
func (db *DB) GetSession(ctx context.Context, id uuid.UUID) (model.GateSession, error) {
	var s model.GateSession
	err := db.pool.QueryRow(ctx,
		`SELECT id, requester_id, target_id, pair_key, state, script_id, current_node_id,
		        running_score, weighting_version, created_at, updated_at, expires_at
		 FROM gate_sessions
		 WHERE id = $1`,
		id,
	).Scan(&s.ID, &s.RequesterID, &s.TargetID, &s.PairKey, &s.State, &s.ScriptID, &s.CurrentNodeID,
		&s.RunningScore, &s.WeightingVersion, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.GateSession{}, ErrNotFound
		}
		return model.GateSession{}, fmt.Errorf("storage: get gate session: %w", err)
	}
	return s, nil
}

// GetSessionWithHistory returns a session and its full choice trail in seq order.
func (db *DB) GetSessionWithHistory(ctx context.Context, id uuid.UUID) (model.GateSession, error) {
	s, err := db.GetSession(ctx, id)
	if err != nil {
		return model.GateSession{}, err
	}
	s.History, err = db.GetSessionHistory(ctx, id)
	if err != nil {
		return model.GateSession{}, err
	}
	return s, nil
}

// GetSessionHistory returns the append-only choice trail for a session.
func (db *DB) GetSessionHistory(ctx context.Context, sessionID uuid.UUID) ([]model.ChoiceRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT seq, node_id, choice_id, score_after, chosen_at
		 FROM gate_choices
		 WHERE session_id = $1
		 ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get session history: %w", err)
	}
	defer rows.Close()

	var out []model.ChoiceRecord
	for rows.Next() {
		var c model.ChoiceRecord
		if err := rows.Scan(&c.Seq, &c.NodeID, &c.ChoiceID, &c.ScoreAfter, &c.ChosenAt); err != nil {
			return nil, fmt.Errorf("storage: scan choice record: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetActiveSessionByPair returns the pair's active session, if any.
func (db *DB) GetActiveSessionByPair(ctx context.Context, pairKey string) (model.GateSession, error) {
	var s model.GateSession
	err := db.pool.QueryRow(ctx,
		`SELECT id, requester_id, target_id, pair_key, state, script_id, current_node_id,
		        running_score, weighting_version, created_at, updated_at, expires_at
		 FROM gate_sessions
		 WHERE pair_key = $1 AND state = 'active'`,
		pairKey,
	).Scan(&s.ID, &s.RequesterID, &s.TargetID, &s.PairKey, &s.State, &s.ScriptID, &s.CurrentNodeID,
		&s.RunningScore, &s.WeightingVersion, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.GateSession{}, ErrNotFound
		}
		return model.GateSession{}, fmt.Errorf("storage: get active session by pair: %w", err)
	}
	return s, nil
}

// AdvanceSessionParams drives one atomic session step: move off ExpectedNodeID
// to NextNodeID (or into a terminal state), record the choice, update the
// running score.
type AdvanceSessionParams struct {
	SessionID      uuid.UUID
	ExpectedNodeID string
	NextNodeID     string
	NewState       model.SessionState
	RunningScore   float64
	NodeID         string
	ChoiceID       string
}

// AdvanceSession applies one gate step atomically. The UPDATE's WHERE clause
// is the serialization point: it only matches while the session is active AND
// still on the node the caller saw, so concurrent submits for the same node
// resolve to exactly one winner. ErrSessionNotAdvanceable means the guard
// failed; callers refetch to tell a stale node from a terminal session.
func (db *DB) AdvanceSession(ctx context.Context, params AdvanceSessionParams) (model.ChoiceRecord, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.ChoiceRecord{}, fmt.Errorf("storage: begin advance tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE gate_sessions
		 SET current_node_id = $3, state = $4, running_score = $5, updated_at = now()
		 WHERE id = $1 AND state = 'active' AND current_node_id = $2`,
		params.SessionID, params.ExpectedNodeID, params.NextNodeID, string(params.NewState), params.RunningScore,
	)
	if err != nil {
		return model.ChoiceRecord{}, fmt.Errorf("storage: advance gate session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ChoiceRecord{}, ErrSessionNotAdvanceable
	}

	var c model.ChoiceRecord
	c.NodeID = params.NodeID
	c.ChoiceID = params.ChoiceID
	c.ScoreAfter = params.RunningScore
	if err := tx.QueryRow(ctx,
		`INSERT INTO gate_choices (session_id, seq, node_id, choice_id, score_after)
		 VALUES ($1,
		         (SELECT COALESCE(MAX(seq), 0) + 1 FROM gate_choices WHERE session_id = $1),
		         $2, $3, $4)
		 RETURNING seq, chosen_at`,
		params.SessionID, params.NodeID, params.ChoiceID, params.RunningScore,
	).Scan(&c.Seq, &c.ChosenAt); err != nil {
		return model.ChoiceRecord{}, fmt.Errorf("storage: append gate choice: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.ChoiceRecord{}, fmt.Errorf("storage: commit advance tx: %w", err)
	}
	return c, nil
}

// TerminateSession moves an active session into a terminal state. Returns
// ErrSessionNotAdvanceable when the session was already terminal.
func (db *DB) TerminateSession(ctx context.Context, id uuid.UUID, state model.SessionState) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE gate_sessions
		 SET state = $2, updated_at = now()
		 WHERE id = $1 AND state = 'active'`,
		id, string(state),
	)
	if err != nil {
		return fmt.Errorf("storage: terminate gate session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotAdvanceable
	}
	return nil
}

// SweepExpiredSessions marks overdue active sessions as expired and returns
// the sessions swept so callers can audit each one.
func (db *DB) SweepExpiredSessions(ctx context.Context) ([]model.GateSession, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE gate_sessions
		 SET state = 'expired', updated_at = now()
		 WHERE state = 'active' AND expires_at < now()
		 RETURNING id, requester_id, target_id, pair_key, state, script_id, current_node_id,
		           running_score, weighting_version, created_at, updated_at, expires_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: sweep expired sessions: %w", err)
	}
	defer rows.Close()

	var out []model.GateSession
	for rows.Next() {
		var s model.GateSession
		if err := rows.Scan(&s.ID, &s.RequesterID, &s.TargetID, &s.PairKey, &s.State, &s.ScriptID,
			&s.CurrentNodeID, &s.RunningScore, &s.WeightingVersion, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt); err != nil {
			return nil, fmt.Errorf("storage: scan swept session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListActiveSessions returns active sessions for operator inspection,
// oldest first.
func (db *DB) ListActiveSessions(ctx context.Context, limit int) ([]model.GateSession, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, requester_id, target_id, pair_key, state, script_id, current_node_id,
		        running_score, weighting_version, created_at, updated_at, expires_at
		 FROM gate_sessions
		 WHERE state = 'active'
		 ORDER BY created_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active sessions: %w", err)
	}
	defer rows.Close()

	var out []model.GateSession
	for rows.Next() {
		var s model.GateSession
		if err := rows.Scan(&s.ID, &s.RequesterID, &s.TargetID, &s.PairKey, &s.State, &s.ScriptID,
			&s.CurrentNodeID, &s.RunningScore, &s.WeightingVersion, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt); err != nil {
			return nil, fmt.Errorf("storage: scan active session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListSessionsForUser returns a user's sessions on either side of the pair,
// newest first.
func (db *DB) ListSessionsForUser(ctx context.Context, userID uuid.UUID, limit int) ([]model.GateSession, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, requester_id, target_id, pair_key, state, script_id, current_node_id,
		        running_score, weighting_version, created_at, updated_at, expires_at
		 FROM gate_sessions
		 WHERE requester_id = $1 OR target_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list sessions for user: %w", err)
	}
	defer rows.Close()

	var out []model.GateSession
	for rows.Next() {
		var s model.GateSession
		if err := rows.Scan(&s.ID, &s.RequesterID, &s.TargetID, &s.PairKey, &s.State, &s.ScriptID,
			&s.CurrentNodeID, &s.RunningScore, &s.WeightingVersion, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt); err != nil {
			return nil, fmt.Errorf("storage: scan user session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
