package discovery_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thinkalike/kindred/internal/discovery"
	"github.com/thinkalike/kindred/internal/model"
	"github.com/thinkalike/kindred/internal/scoring"
	"github.com/thinkalike/kindred/internal/storage"
	"github.com/thinkalike/kindred/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx := context.Background()
	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		return 1
	}
	defer testDB.Close()
	return m.Run()
}

// fakeScorer scripts exact rescoring per candidate so tests control ordering
// without touching the real scoring path.
type fakeScorer struct {
	results map[uuid.UUID]model.CompatibilityResult
	errs    map[uuid.UUID]error
}

func (f *fakeScorer) Between(_ context.Context, a, b uuid.UUID) (model.CompatibilityResult, error) {
	if err := f.errs[b]; err != nil {
		return model.CompatibilityResult{}, err
	}
	r := f.results[b]
	r.UserA, r.UserB = a, b
	return r, nil
}

func seedProfile(t *testing.T, table model.WeightingTable, dims map[string]float64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	p := model.ValueProfile{UserID: id, Dimensions: dims}
	_, err := testDB.MutateProfile(context.Background(), storage.MutateProfileParams{
		UserID:     id,
		Dimensions: dims,
		Provenance: model.ProvenanceExplicitSetting,
		Absolute:   true,
		Vec:        scoring.Vectorize(p, table),
	})
	require.NoError(t, err)
	// Archiving removes the profile from the vector prefilter, keeping each
	// test's shortlist to its own seeds.
	t.Cleanup(func() {
		_ = testDB.SetProfileArchived(context.Background(), id, true)
	})
	return id
}

func TestBrowseRanksByExactScore(t *testing.T) {
	ctx := context.Background()
	table, err := testDB.PublishWeightingTable(ctx, map[string]float64{
		"care": 1.0, "honesty": 0.8, "fairness": 0.6,
	})
	require.NoError(t, err)

	browser := seedProfile(t, table, map[string]float64{"care": 0.9, "honesty": 0.5})
	// All three candidates sit near the browser in vector space; exact
	// rescoring decides their final order.
	near := seedProfile(t, table, map[string]float64{"care": 0.8, "honesty": 0.5})
	mid := seedProfile(t, table, map[string]float64{"care": 0.7, "honesty": 0.4})
	far := seedProfile(t, table, map[string]float64{"care": 0.6, "honesty": 0.3})

	scorer := &fakeScorer{results: map[uuid.UUID]model.CompatibilityResult{
		near: {Score: 0.35},
		mid:  {Score: 0.92},
		far:  {Score: 0.61},
	}}
	svc := discovery.NewService(testDB, nil, scorer, testutil.TestLogger())

	out, err := svc.Browse(ctx, browser, 10)
	require.NoError(t, err)
	require.Len(t, out, 3)

	// Vector proximity put near first in the shortlist, but the exact
	// score must win the final ranking.
	assert.Equal(t, mid, out[0].UserID)
	assert.Equal(t, far, out[1].UserID)
	assert.Equal(t, near, out[2].UserID)
	assert.Equal(t, 0.92, out[0].Result.Score)
	assert.Equal(t, browser, out[0].Result.UserA)
}

func TestBrowseInsufficientDataSortsLast(t *testing.T) {
	ctx := context.Background()
	table, err := testDB.PublishWeightingTable(ctx, map[string]float64{
		"care": 1.0, "loyalty": 0.5,
	})
	require.NoError(t, err)

	browser := seedProfile(t, table, map[string]float64{"care": 0.5, "loyalty": 0.5})
	sparse := seedProfile(t, table, map[string]float64{"care": 0.5, "loyalty": 0.5})
	full := seedProfile(t, table, map[string]float64{"care": 0.4, "loyalty": 0.2})

	scorer := &fakeScorer{results: map[uuid.UUID]model.CompatibilityResult{
		// Sparse overlaps the browser perfectly in vector space but has
		// too few shared dimensions to score.
		sparse: {Score: 0, InsufficientData: true},
		full:   {Score: 0.2},
	}}
	svc := discovery.NewService(testDB, nil, scorer, testutil.TestLogger())

	out, err := svc.Browse(ctx, browser, 10)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, full, out[0].UserID)
	assert.Equal(t, sparse, out[1].UserID)
	assert.True(t, out[1].Result.InsufficientData)
}

func TestBrowseTruncatesToLimit(t *testing.T) {
	ctx := context.Background()
	table, err := testDB.PublishWeightingTable(ctx, map[string]float64{"care": 1.0})
	require.NoError(t, err)

	browser := seedProfile(t, table, map[string]float64{"care": 0.5})
	results := make(map[uuid.UUID]model.CompatibilityResult)
	for i := 0; i < 5; i++ {
		id := seedProfile(t, table, map[string]float64{"care": 0.1 * float64(i+1)})
		results[id] = model.CompatibilityResult{Score: 0.1 * float64(i+1)}
	}

	svc := discovery.NewService(testDB, nil, &fakeScorer{results: results}, testutil.TestLogger())
	out, err := svc.Browse(ctx, browser, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Greater(t, out[0].Result.Score, out[1].Result.Score)
}

func TestBrowseSkipsCandidatesThatFailRescoring(t *testing.T) {
	ctx := context.Background()
	table, err := testDB.PublishWeightingTable(ctx, map[string]float64{"care": 1.0})
	require.NoError(t, err)

	browser := seedProfile(t, table, map[string]float64{"care": 0.5})
	ok := seedProfile(t, table, map[string]float64{"care": 0.4})
	broken := seedProfile(t, table, map[string]float64{"care": 0.45})

	scorer := &fakeScorer{
		results: map[uuid.UUID]model.CompatibilityResult{ok: {Score: 0.7}},
		errs:    map[uuid.UUID]error{broken: errors.New("weighting vanished")},
	}
	svc := discovery.NewService(testDB, nil, scorer, testutil.TestLogger())

	out, err := svc.Browse(ctx, browser, 10)
	require.NoError(t, err)
	for _, c := range out {
		assert.NotEqual(t, broken, c.UserID)
	}
	assert.Contains(t, candidateIDs(out), ok)
}

func TestBrowseExcludesBlockedAndConnected(t *testing.T) {
	ctx := context.Background()
	table, err := testDB.PublishWeightingTable(ctx, map[string]float64{"care": 1.0})
	require.NoError(t, err)

	browser := seedProfile(t, table, map[string]float64{"care": 0.5})
	open := seedProfile(t, table, map[string]float64{"care": 0.5})
	blocker := seedProfile(t, table, map[string]float64{"care": 0.5})
	connected := seedProfile(t, table, map[string]float64{"care": 0.5})

	// A block in either direction hides the pair; so does a standing
	// connection from a previously enabled gate.
	require.NoError(t, testDB.CreateBlock(ctx, blocker, browser))
	require.NoError(t, testDB.CreateConnection(ctx, browser, connected))

	scorer := &fakeScorer{results: map[uuid.UUID]model.CompatibilityResult{
		open: {Score: 0.5}, blocker: {Score: 0.9}, connected: {Score: 0.8},
	}}
	svc := discovery.NewService(testDB, nil, scorer, testutil.TestLogger())

	out, err := svc.Browse(ctx, browser, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, open, out[0].UserID)
}

func TestBrowseRequiresProfile(t *testing.T) {
	ctx := context.Background()
	_, err := testDB.PublishWeightingTable(ctx, map[string]float64{"care": 1.0})
	require.NoError(t, err)

	svc := discovery.NewService(testDB, nil, &fakeScorer{}, testutil.TestLogger())
	_, err = svc.Browse(ctx, uuid.New(), 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func candidateIDs(out []model.DiscoveryCandidate) []uuid.UUID {
	ids := make([]uuid.UUID, len(out))
	for i, c := range out {
		ids[i] = c.UserID
	}
	return ids
}
