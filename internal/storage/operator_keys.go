package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// OperatorKey is a named operator API credential. Only the argon2id hash of
// the key material is stored.
type OperatorKey struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// GetOperatorKey returns an operator key by ID, revoked or not.
func (db *DB) GetOperatorKey(ctx context.Context, id uuid.UUID) (OperatorKey, error) {
	var k OperatorKey
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, key_hash, created_at, revoked_at
		 FROM operator_keys
		 WHERE id = $1`,
		id,
	).Scan(&k.ID, &k.Name, &k.KeyHash, &k.CreatedAt, &k.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OperatorKey{}, ErrNotFound
		}
		return OperatorKey{}, fmt.Errorf("storage: get operator key: %w", err)
	}
	return k, nil
}

// CreateOperatorKey inserts a new operator credential.
func (db *DB) CreateOperatorKey(ctx context.Context, k OperatorKey) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO operator_keys (id, name, key_hash, created_at)
		 VALUES ($1, $2, $3, $4)`,
		k.ID, k.Name, k.KeyHash, k.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create operator key: %w", err)
	}
	return nil
}

// CountOperatorKeys returns the number of non-revoked operator keys. Used by
// startup seeding to decide whether a bootstrap key is needed.
func (db *DB) CountOperatorKeys(ctx context.Context) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM operator_keys WHERE revoked_at IS NULL`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count operator keys: %w", err)
	}
	return n, nil
}

// RevokeOperatorKey marks a key revoked. Idempotent.
func (db *DB) RevokeOperatorKey(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE operator_keys SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: revoke operator key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
