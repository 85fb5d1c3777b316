package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/thinkalike/kindred/internal/model"
)

// GetValueProfile returns a user's value profile. Archived profiles are
// returned as-is; callers decide whether archived means ineligible.
func (db *DB) GetValueProfile(ctx context.Context, userID uuid.UUID) (model.ValueProfile, error) {
	var p model.ValueProfile
	err := db.pool.QueryRow(ctx,
		`SELECT user_id, dimensions, provenance, version, archived, created_at, updated_at
		 FROM value_profiles
		 WHERE user_id = $1`,
		userID,
	).Scan(&p.UserID, &p.Dimensions, &p.Provenance, &p.Version, &p.Archived, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ValueProfile{}, ErrNotFound
		}
		return model.ValueProfile{}, fmt.Errorf("storage: get value profile: %w", err)
	}
	return p, nil
}

// GetValueProfiles returns profiles for a set of users, keyed by user ID.
// Missing users are simply absent from the result.
func (db *DB) GetValueProfiles(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]model.ValueProfile, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT user_id, dimensions, provenance, version, archived, created_at, updated_at
		 FROM value_profiles
		 WHERE user_id = ANY($1)`,
		userIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get value profiles: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]model.ValueProfile, len(userIDs))
	for rows.Next() {
		var p model.ValueProfile
		if err := rows.Scan(&p.UserID, &p.Dimensions, &p.Provenance, &p.Version, &p.Archived, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan value profile: %w", err)
		}
		out[p.UserID] = p
	}
	return out, rows.Err()
}

// MutateProfileParams drives a single optimistic-concurrency profile write.
//
// When Absolute is set, Dimensions replaces the listed keys outright;
// otherwise each value is added to the current one. Results are clamped to
// [-1, 1]. ExpectedVersion 0 means "create or mutate whatever is there".
type MutateProfileParams struct {
	UserID          uuid.UUID
	Dimensions      map[string]float64
	Provenance      model.Provenance
	Absolute        bool
	ExpectedVersion int64

	// Vec, when non-nil, is the recomputed profile vector stored alongside
	// the dimensions for nearest-neighbour discovery. EnqueueSync also adds
	// an outbox row so the external index catches up.
	Vec         []float32
	EnqueueSync bool
}

// MutateProfile applies a profile write atomically: it creates the profile on
// first touch, bumps the version stamp, and enqueues a vector-sync outbox row
// in the same transaction. Returns the post-write profile.
func (db *DB) MutateProfile(ctx context.Context, params MutateProfileParams) (model.ValueProfile, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.ValueProfile{}, fmt.Errorf("storage: begin profile tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	var p model.ValueProfile
	err = tx.QueryRow(ctx,
		`SELECT user_id, dimensions, provenance, version, archived, created_at, updated_at
		 FROM value_profiles
		 WHERE user_id = $1
		 FOR UPDATE`,
		params.UserID,
	).Scan(&p.UserID, &p.Dimensions, &p.Provenance, &p.Version, &p.Archived, &p.CreatedAt, &p.UpdatedAt)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if params.ExpectedVersion > 0 {
			return model.ValueProfile{}, ErrVersionConflict
		}
		p = model.ValueProfile{
			UserID:     params.UserID,
			Dimensions: map[string]float64{},
			Provenance: map[string]model.Provenance{},
			Version:    0,
			CreatedAt:  now,
		}
	case err != nil:
		return model.ValueProfile{}, fmt.Errorf("storage: lock value profile: %w", err)
	default:
		if params.ExpectedVersion > 0 && p.Version != params.ExpectedVersion {
			return model.ValueProfile{}, ErrVersionConflict
		}
	}

	if p.Dimensions == nil {
		p.Dimensions = map[string]float64{}
	}
	if p.Provenance == nil {
		p.Provenance = map[string]model.Provenance{}
	}
	for dim, v := range params.Dimensions {
		next := v
		if !params.Absolute {
			next = p.Dimensions[dim] + v
		}
		p.Dimensions[dim] = clampDimension(next)
		p.Provenance[dim] = params.Provenance
	}
	p.Version++
	p.UpdatedAt = now

	var vec any
	if params.Vec != nil {
		vec = pgvector.NewVector(params.Vec)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO value_profiles (user_id, dimensions, provenance, version, archived, vec, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (user_id) DO UPDATE SET
		     dimensions = EXCLUDED.dimensions,
		     provenance = EXCLUDED.provenance,
		     version = EXCLUDED.version,
		     vec = EXCLUDED.vec,
		     updated_at = EXCLUDED.updated_at`,
		p.UserID, p.Dimensions, p.Provenance, p.Version, p.Archived, vec, p.CreatedAt, p.UpdatedAt,
	); err != nil {
		return model.ValueProfile{}, fmt.Errorf("storage: write value profile: %w", err)
	}

	if params.EnqueueSync {
		if _, err := tx.Exec(ctx,
			`INSERT INTO profile_vector_outbox (user_id) VALUES ($1)`,
			p.UserID,
		); err != nil {
			return model.ValueProfile{}, fmt.Errorf("storage: enqueue vector sync: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.ValueProfile{}, fmt.Errorf("storage: commit profile tx: %w", err)
	}
	return p, nil
}

// SetProfileArchived flips a profile's archived flag.
func (db *DB) SetProfileArchived(ctx context.Context, userID uuid.UUID, archived bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE value_profiles SET archived = $2, updated_at = now() WHERE user_id = $1`,
		userID, archived,
	)
	if err != nil {
		return fmt.Errorf("storage: set profile archived: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// NearestProfiles returns the user IDs of the non-archived profiles closest
// to vec by cosine distance, excluding the given user, with each candidate's
// distance. This is the in-database discovery prefilter.
func (db *DB) NearestProfiles(ctx context.Context, exclude uuid.UUID, vec []float32, limit int) ([]NearProfile, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT user_id, vec <=> $2 AS distance
		 FROM value_profiles
		 WHERE user_id <> $1 AND NOT archived AND vec IS NOT NULL
		 ORDER BY vec <=> $2
		 LIMIT $3`,
		exclude, pgvector.NewVector(vec), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: nearest profiles: %w", err)
	}
	defer rows.Close()

	var out []NearProfile
	for rows.Next() {
		var n NearProfile
		if err := rows.Scan(&n.UserID, &n.Distance); err != nil {
			return nil, fmt.Errorf("storage: scan nearest profile: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// NearProfile is one candidate from the vector prefilter.
type NearProfile struct {
	UserID   uuid.UUID
	Distance float64
}

func clampDimension(v float64) float64 {
	if v < -1.0 {
		return -1.0
	}
	if v > 1.0 {
		return 1.0
	}
	return v
}
