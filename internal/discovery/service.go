package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/thinkalike/kindred/internal/model"
	"github.com/thinkalike/kindred/internal/scoring"
	"github.com/thinkalike/kindred/internal/storage"
)

// Scorer produces exact compatibility results. Satisfied by the session
// package's CompatService.
type Scorer interface {
	Between(ctx context.Context, a, b uuid.UUID) (model.CompatibilityResult, error)
}

// Service answers discovery browses: shortlist by vector similarity, then
// rescore each candidate exactly.
type Service struct {
	db     *storage.DB
	index  *QdrantIndex // nil when Qdrant is not configured
	scorer Scorer
	logger *slog.Logger
}

// NewService wires a discovery service. index may be nil; browsing then uses
// the pgvector prefilter only.
func NewService(db *storage.DB, index *QdrantIndex, scorer Scorer, logger *slog.Logger) *Service {
	return &Service{db: db, index: index, scorer: scorer, logger: logger}
}

// Browse returns up to limit candidates for userID, ranked by exact
// compatibility score. Blocked pairs and existing connections are excluded.
// Candidates the scorer flags as insufficient data are kept (their profiles
// may fill in through a gate) but sort last by score.
func (s *Service) Browse(ctx context.Context, userID uuid.UUID, limit int) ([]model.DiscoveryCandidate, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}

	profile, err := s.db.GetValueProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("discovery: browse requires a value profile: %w", err)
		}
		return nil, err
	}
	table, err := s.db.GetActiveWeightingTable(ctx)
	if err != nil {
		return nil, err
	}

	vec := scoring.Vectorize(profile, table)
	ids, err := s.shortlist(ctx, userID, vec, limit*3)
	if err != nil {
		return nil, err
	}

	// Blocked pairs and standing connections never surface as candidates,
	// matching the eligibility rules gate initiation enforces.
	excluded, err := s.db.ExcludedPartnerIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]model.DiscoveryCandidate, 0, len(ids))
	for _, candidateID := range ids {
		if _, skip := excluded[candidateID]; skip {
			continue
		}
		result, err := s.scorer.Between(ctx, userID, candidateID)
		if err != nil {
			s.logger.Warn("discovery: rescore failed", "candidate", candidateID, "error", err)
			continue
		}
		out = append(out, model.DiscoveryCandidate{UserID: candidateID, Result: result})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Result, out[j].Result
		if a.InsufficientData != b.InsufficientData {
			return !a.InsufficientData
		}
		return a.Score > b.Score
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// shortlist prefers the external index and falls back to pgvector when it is
// absent or unhealthy.
func (s *Service) shortlist(ctx context.Context, userID uuid.UUID, vec []float32, limit int) ([]uuid.UUID, error) {
	if s.index != nil {
		candidates, err := s.index.FindSimilar(ctx, vec, userID, limit)
		if err == nil {
			ids := make([]uuid.UUID, len(candidates))
			for i, c := range candidates {
				ids[i] = c.UserID
			}
			return ids, nil
		}
		s.logger.Warn("discovery: qdrant prefilter failed, falling back to pgvector", "error", err)
	}

	near, err := s.db.NearestProfiles(ctx, userID, vec, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(near))
	for i, n := range near {
		ids[i] = n.UserID
	}
	return ids, nil
}
