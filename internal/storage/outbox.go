package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// OutboxEntry is one pending vector sync: the profile changed and the
// external index has not seen it yet.
type OutboxEntry struct {
	ID     int64
	UserID uuid.UUID
}

// PendingVectorSyncs returns unsynced outbox rows, oldest first, deduplicated
// by user: only the newest pending row per user is returned, since syncing a
// profile once covers all of its queued changes.
func (db *DB) PendingVectorSyncs(ctx context.Context, limit int) ([]OutboxEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT MAX(id), user_id
		 FROM profile_vector_outbox
		 WHERE synced_at IS NULL
		 GROUP BY user_id
		 ORDER BY MAX(id) ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: pending vector syncs: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.UserID); err != nil {
			return nil, fmt.Errorf("storage: scan outbox entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkVectorSynced marks every pending outbox row for the user up to and
// including maxID as synced. Rows enqueued after the sync started stay
// pending for the next pass.
func (db *DB) MarkVectorSynced(ctx context.Context, userID uuid.UUID, maxID int64) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE profile_vector_outbox
		 SET synced_at = now()
		 WHERE user_id = $1 AND id <= $2 AND synced_at IS NULL`,
		userID, maxID,
	)
	if err != nil {
		return fmt.Errorf("storage: mark vector synced: %w", err)
	}
	return nil
}

// PruneSyncedOutbox deletes synced rows to keep the outbox small.
func (db *DB) PruneSyncedOutbox(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM profile_vector_outbox WHERE synced_at IS NOT NULL`,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: prune synced outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}
