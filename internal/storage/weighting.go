package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/thinkalike/kindred/internal/model"
)

// GetActiveWeightingTable returns the currently active weighting table.
func (db *DB) GetActiveWeightingTable(ctx context.Context) (model.WeightingTable, error) {
	var t model.WeightingTable
	err := db.pool.QueryRow(ctx,
		`SELECT version, weights, active, created_at
		 FROM weighting_tables
		 WHERE active`,
	).Scan(&t.Version, &t.Weights, &t.Active, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WeightingTable{}, ErrNotFound
		}
		return model.WeightingTable{}, fmt.Errorf("storage: get active weighting table: %w", err)
	}
	return t, nil
}

// GetWeightingTable returns a weighting table by version.
func (db *DB) GetWeightingTable(ctx context.Context, version int64) (model.WeightingTable, error) {
	var t model.WeightingTable
	err := db.pool.QueryRow(ctx,
		`SELECT version, weights, active, created_at
		 FROM weighting_tables
		 WHERE version = $1`,
		version,
	).Scan(&t.Version, &t.Weights, &t.Active, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WeightingTable{}, ErrNotFound
		}
		return model.WeightingTable{}, fmt.Errorf("storage: get weighting table: %w", err)
	}
	return t, nil
}

// PublishWeightingTable inserts a new table version and makes it the single
// active one, atomically. The new version is max(existing)+1; the unique
// partial index on active guarantees the flip is all-or-nothing.
func (db *DB) PublishWeightingTable(ctx context.Context, weights map[string]float64) (model.WeightingTable, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.WeightingTable{}, fmt.Errorf("storage: begin publish weighting tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `UPDATE weighting_tables SET active = FALSE WHERE active`); err != nil {
		return model.WeightingTable{}, fmt.Errorf("storage: deactivate weighting tables: %w", err)
	}

	t := model.WeightingTable{Weights: weights, Active: true, CreatedAt: time.Now().UTC()}
	if err := tx.QueryRow(ctx,
		`INSERT INTO weighting_tables (version, weights, active, created_at)
		 VALUES ((SELECT COALESCE(MAX(version), 0) + 1 FROM weighting_tables), $1, TRUE, $2)
		 RETURNING version`,
		t.Weights, t.CreatedAt,
	).Scan(&t.Version); err != nil {
		return model.WeightingTable{}, fmt.Errorf("storage: insert weighting table: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.WeightingTable{}, fmt.Errorf("storage: commit publish weighting tx: %w", err)
	}
	return t, nil
}

// ListWeightingTables returns all published table versions, newest first.
func (db *DB) ListWeightingTables(ctx context.Context, limit int) ([]model.WeightingTable, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT version, weights, active, created_at
		 FROM weighting_tables
		 ORDER BY version DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list weighting tables: %w", err)
	}
	defer rows.Close()

	var out []model.WeightingTable
	for rows.Next() {
		var t model.WeightingTable
		if err := rows.Scan(&t.Version, &t.Weights, &t.Active, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan weighting table: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
