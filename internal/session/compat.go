package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/thinkalike/kindred/internal/model"
	"github.com/thinkalike/kindred/internal/scoring"
	"github.com/thinkalike/kindred/internal/storage"
)

// CompatService computes on-demand compatibility scores with a persistent
// cache. Results are cached keyed by the pair plus both profile versions and
// the weighting version, so any input change misses and recomputes; identical
// concurrent requests collapse into one computation via singleflight.
type CompatService struct {
	db     *storage.DB
	logger *slog.Logger
	group  singleflight.Group
}

// NewCompatService wires a compatibility service.
func NewCompatService(db *storage.DB, logger *slog.Logger) *CompatService {
	return &CompatService{db: db, logger: logger}
}

// Between scores user a against user b under the active weighting table.
// The returned result is oriented with UserA = a regardless of how the pair
// was cached.
func (c *CompatService) Between(ctx context.Context, a, b uuid.UUID) (model.CompatibilityResult, error) {
	if a == b {
		return model.CompatibilityResult{}, fmt.Errorf("session: cannot score a user against themselves")
	}

	table, err := c.db.GetActiveWeightingTable(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.CompatibilityResult{}, ErrNoActiveWeighting
		}
		return model.CompatibilityResult{}, err
	}

	profiles, err := c.db.GetValueProfiles(ctx, []uuid.UUID{a, b})
	if err != nil {
		return model.CompatibilityResult{}, err
	}
	pa, ok := profiles[a]
	if !ok {
		pa = model.ValueProfile{UserID: a}
	}
	pb, ok := profiles[b]
	if !ok {
		pb = model.ValueProfile{UserID: b}
	}

	// Canonical orientation: the lexically smaller user is "first" in cache
	// keys, so both request directions share one cache entry.
	first, second := pa, pb
	if first.UserID.String() > second.UserID.String() {
		first, second = second, first
	}
	pairKey := model.PairKey(a, b)
	flightKey := fmt.Sprintf("%s:%d:%d:%d", pairKey, first.Version, second.Version, table.Version)

	v, err, _ := c.group.Do(flightKey, func() (any, error) {
		cached, err := c.db.GetCachedCompatibility(ctx, pairKey, first.Version, second.Version, table.Version)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return model.CompatibilityResult{}, err
		}

		result, err := scoring.Score(first, second, table)
		if err != nil {
			return model.CompatibilityResult{}, err
		}
		if err := c.db.PutCachedCompatibility(ctx, pairKey, first.Version, second.Version, result); err != nil {
			// A failed cache write costs a recompute later, nothing more.
			c.logger.Warn("session: compatibility cache write failed", "pair_key", pairKey, "error", err)
		}
		return result, nil
	})
	if err != nil {
		return model.CompatibilityResult{}, err
	}

	result := v.(model.CompatibilityResult)
	if result.UserA != a {
		result.UserA, result.UserB = a, b
	}
	return result, nil
}
