package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thinkalike/kindred/internal/model"
)

// PairBlocked reports whether either user has blocked the other. Blocks make
// a pair ineligible for gate sessions in both directions.
func (db *DB) PairBlocked(ctx context.Context, a, b uuid.UUID) (bool, error) {
	var blocked bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM user_blocks
		     WHERE (blocker_id = $1 AND blocked_id = $2)
		        OR (blocker_id = $2 AND blocked_id = $1)
		 )`,
		a, b,
	).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("storage: check pair blocked: %w", err)
	}
	return blocked, nil
}

// CreateBlock records a block. Idempotent.
func (db *DB) CreateBlock(ctx context.Context, blockerID, blockedID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO user_blocks (blocker_id, blocked_id)
		 VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		blockerID, blockedID,
	)
	if err != nil {
		return fmt.Errorf("storage: create block: %w", err)
	}
	return nil
}

// RemoveBlock deletes a block if present.
func (db *DB) RemoveBlock(ctx context.Context, blockerID, blockedID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM user_blocks WHERE blocker_id = $1 AND blocked_id = $2`,
		blockerID, blockedID,
	)
	if err != nil {
		return fmt.Errorf("storage: remove block: %w", err)
	}
	return nil
}

// PairConnected reports whether the pair already passed a gate and holds a
// standing connection.
func (db *DB) PairConnected(ctx context.Context, a, b uuid.UUID) (bool, error) {
	var connected bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_connections WHERE pair_key = $1)`,
		model.PairKey(a, b),
	).Scan(&connected)
	if err != nil {
		return false, fmt.Errorf("storage: check pair connected: %w", err)
	}
	return connected, nil
}

// CreateConnection records the standing connection produced by an enabled
// gate outcome. Idempotent under retries.
func (db *DB) CreateConnection(ctx context.Context, a, b uuid.UUID) error {
	ua, ub := a, b
	if ua.String() > ub.String() {
		ua, ub = ub, ua
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO user_connections (pair_key, user_a, user_b, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT DO NOTHING`,
		model.PairKey(a, b), ua, ub, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: create connection: %w", err)
	}
	return nil
}

// ExcludedPartnerIDs returns the users ineligible as new partners for
// userID: anyone in a block in either direction, and anyone the user
// already holds a connection with.
func (db *DB) ExcludedPartnerIDs(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]struct{}, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT blocked_id FROM user_blocks WHERE blocker_id = $1
		 UNION
		 SELECT blocker_id FROM user_blocks WHERE blocked_id = $1
		 UNION
		 SELECT CASE WHEN user_a = $1 THEN user_b ELSE user_a END
		 FROM user_connections WHERE user_a = $1 OR user_b = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: excluded partners: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]struct{})
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan excluded partner: %w", err)
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// ListConnections returns the user IDs connected to the given user.
func (db *DB) ListConnections(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT CASE WHEN user_a = $1 THEN user_b ELSE user_a END
		 FROM user_connections
		 WHERE user_a = $1 OR user_b = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list connections: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan connection: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
