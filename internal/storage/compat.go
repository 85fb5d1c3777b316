package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/thinkalike/kindred/internal/model"
)

// GetCachedCompatibility returns a cached compatibility result for the exact
// (pair, profile versions, weighting version) tuple. Any input change misses.
func (db *DB) GetCachedCompatibility(
	ctx context.Context,
	pairKey string,
	versionA, versionB, weightingVersion int64,
) (model.CompatibilityResult, error) {
	var raw []byte
	err := db.pool.QueryRow(ctx,
		`SELECT result
		 FROM compatibility_cache
		 WHERE pair_key = $1 AND version_a = $2 AND version_b = $3 AND weighting_version = $4`,
		pairKey, versionA, versionB, weightingVersion,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CompatibilityResult{}, ErrNotFound
		}
		return model.CompatibilityResult{}, fmt.Errorf("storage: get cached compatibility: %w", err)
	}

	var result model.CompatibilityResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return model.CompatibilityResult{}, fmt.Errorf("storage: decode cached compatibility: %w", err)
	}
	return result, nil
}

// PutCachedCompatibility stores a computed result. Last write wins; the key
// already pins every input, so duplicates carry identical payloads.
func (db *DB) PutCachedCompatibility(
	ctx context.Context,
	pairKey string,
	versionA, versionB int64,
	result model.CompatibilityResult,
) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("storage: encode compatibility result: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO compatibility_cache (pair_key, version_a, version_b, weighting_version, result)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (pair_key, version_a, version_b, weighting_version)
		 DO UPDATE SET result = EXCLUDED.result, computed_at = now()`,
		pairKey, versionA, versionB, result.WeightingVersion, raw,
	)
	if err != nil {
		return fmt.Errorf("storage: put cached compatibility: %w", err)
	}
	return nil
}

// PruneCompatibilityCache drops cache rows for retired weighting versions.
// Stale profile-version rows are left to accumulate; they are never read
// again and the table is cheap.
func (db *DB) PruneCompatibilityCache(ctx context.Context, activeWeightingVersion int64) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM compatibility_cache WHERE weighting_version <> $1`,
		activeWeightingVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: prune compatibility cache: %w", err)
	}
	return tag.RowsAffected(), nil
}
