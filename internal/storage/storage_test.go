package storage_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thinkalike/kindred/internal/model"
	"github.com/thinkalike/kindred/internal/storage"
	"github.com/thinkalike/kindred/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage test: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

// vec32 pads a vector to the profile column's fixed dimensionality.
func vec32(vals ...float32) []float32 {
	out := make([]float32, 32)
	copy(out, vals)
	return out
}

func mustPublishWeighting(t *testing.T) model.WeightingTable {
	t.Helper()
	table, err := testDB.PublishWeightingTable(context.Background(), map[string]float64{
		"care": 2.0, "fairness": 1.5, "autonomy": 1.0,
	})
	require.NoError(t, err)
	return table
}

func newActiveSession(t *testing.T, weightingVersion int64) model.GateSession {
	t.Helper()
	a, b := uuid.New(), uuid.New()
	now := time.Now().UTC()
	s := model.GateSession{
		ID:               uuid.New(),
		RequesterID:      a,
		TargetID:         b,
		PairKey:          model.PairKey(a, b),
		State:            model.SessionActive,
		ScriptID:         "test_script",
		CurrentNodeID:    "start",
		RunningScore:     0.5,
		WeightingVersion: weightingVersion,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(30 * time.Minute),
	}
	require.NoError(t, testDB.CreateSessionIfAbsent(context.Background(), s))
	return s
}

func TestMutateProfileCreatesOnFirstTouch(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	p, err := testDB.MutateProfile(ctx, storage.MutateProfileParams{
		UserID:     userID,
		Dimensions: map[string]float64{"care": 0.8, "fairness": -0.3},
		Provenance: model.ProvenanceExplicitSetting,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Version)
	assert.InDelta(t, 0.8, p.Dimensions["care"], 1e-9)
	assert.Equal(t, model.ProvenanceExplicitSetting, p.Provenance["care"])

	got, err := testDB.GetValueProfile(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, p.Dimensions, got.Dimensions)
}

func TestMutateProfileDeltaAndClamp(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	_, err := testDB.MutateProfile(ctx, storage.MutateProfileParams{
		UserID:     userID,
		Dimensions: map[string]float64{"care": 0.9},
		Provenance: model.ProvenanceExplicitSetting,
	})
	require.NoError(t, err)

	p, err := testDB.MutateProfile(ctx, storage.MutateProfileParams{
		UserID:     userID,
		Dimensions: map[string]float64{"care": 0.5},
		Provenance: model.ProvenanceNarrativeChoice,
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, p.Dimensions["care"], 1e-9)
	assert.Equal(t, int64(2), p.Version)
	assert.Equal(t, model.ProvenanceNarrativeChoice, p.Provenance["care"])
}

func TestMutateProfileVersionConflict(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	_, err := testDB.MutateProfile(ctx, storage.MutateProfileParams{
		UserID:     userID,
		Dimensions: map[string]float64{"care": 0.1},
		Provenance: model.ProvenanceExplicitSetting,
	})
	require.NoError(t, err)

	_, err = testDB.MutateProfile(ctx, storage.MutateProfileParams{
		UserID:          userID,
		Dimensions:      map[string]float64{"care": 0.1},
		Provenance:      model.ProvenanceExplicitSetting,
		ExpectedVersion: 99,
	})
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	// Matching version succeeds.
	p, err := testDB.MutateProfile(ctx, storage.MutateProfileParams{
		UserID:          userID,
		Dimensions:      map[string]float64{"care": 0.1},
		Provenance:      model.ProvenanceExplicitSetting,
		ExpectedVersion: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Version)
}

func TestMutateProfileExpectedVersionOnMissing(t *testing.T) {
	_, err := testDB.MutateProfile(context.Background(), storage.MutateProfileParams{
		UserID:          uuid.New(),
		Dimensions:      map[string]float64{"care": 0.1},
		Provenance:      model.ProvenanceExplicitSetting,
		ExpectedVersion: 3,
	})
	assert.ErrorIs(t, err, storage.ErrVersionConflict)
}

func TestGetValueProfileNotFound(t *testing.T) {
	_, err := testDB.GetValueProfile(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetValueProfilesSkipsMissing(t *testing.T) {
	ctx := context.Background()
	present := uuid.New()
	missing := uuid.New()

	_, err := testDB.MutateProfile(ctx, storage.MutateProfileParams{
		UserID:     present,
		Dimensions: map[string]float64{"care": 0.2},
		Provenance: model.ProvenanceExplicitSetting,
	})
	require.NoError(t, err)

	got, err := testDB.GetValueProfiles(ctx, []uuid.UUID{present, missing})
	require.NoError(t, err)
	assert.Contains(t, got, present)
	assert.NotContains(t, got, missing)
}

func TestSetProfileArchived(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	assert.ErrorIs(t, testDB.SetProfileArchived(ctx, userID, true), storage.ErrNotFound)

	_, err := testDB.MutateProfile(ctx, storage.MutateProfileParams{
		UserID:     userID,
		Dimensions: map[string]float64{"care": 0.2},
		Provenance: model.ProvenanceExplicitSetting,
	})
	require.NoError(t, err)

	require.NoError(t, testDB.SetProfileArchived(ctx, userID, true))
	p, err := testDB.GetValueProfile(ctx, userID)
	require.NoError(t, err)
	assert.True(t, p.Archived)
}

func TestPublishWeightingTableVersions(t *testing.T) {
	ctx := context.Background()

	first := mustPublishWeighting(t)
	assert.True(t, first.Active)

	second, err := testDB.PublishWeightingTable(ctx, map[string]float64{"care": 1.0})
	require.NoError(t, err)
	assert.Equal(t, first.Version+1, second.Version)

	active, err := testDB.GetActiveWeightingTable(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.Version, active.Version)

	// Retired versions stay readable for pinned sessions.
	old, err := testDB.GetWeightingTable(ctx, first.Version)
	require.NoError(t, err)
	assert.False(t, old.Active)
	assert.Equal(t, first.Weights, old.Weights)

	history, err := testDB.ListWeightingTables(ctx, 10)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(history), 2)
	assert.Equal(t, second.Version, history[0].Version)
}

func TestCreateSessionPairConflict(t *testing.T) {
	ctx := context.Background()
	table := mustPublishWeighting(t)
	s := newActiveSession(t, table.Version)

	// Same pair, opposite direction, still conflicts.
	dup := s
	dup.ID = uuid.New()
	dup.RequesterID, dup.TargetID = s.TargetID, s.RequesterID
	assert.ErrorIs(t, testDB.CreateSessionIfAbsent(ctx, dup), storage.ErrPairActive)

	// After the first session terminates, the pair frees up.
	require.NoError(t, testDB.TerminateSession(ctx, s.ID, model.SessionAborted))
	dup.ID = uuid.New()
	assert.NoError(t, testDB.CreateSessionIfAbsent(ctx, dup))
}

func TestConcurrentInitiateOneWinner(t *testing.T) {
	ctx := context.Background()
	table := mustPublishWeighting(t)
	a, b := uuid.New(), uuid.New()

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			now := time.Now().UTC()
			s := model.GateSession{
				ID:               uuid.New(),
				RequesterID:      a,
				TargetID:         b,
				PairKey:          model.PairKey(a, b),
				State:            model.SessionActive,
				ScriptID:         "test_script",
				CurrentNodeID:    "start",
				WeightingVersion: table.Version,
				CreatedAt:        now,
				UpdatedAt:        now,
				ExpiresAt:        now.Add(time.Hour),
			}
			errs[i] = testDB.CreateSessionIfAbsent(ctx, s)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, storage.ErrPairActive)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestAdvanceSessionGuard(t *testing.T) {
	ctx := context.Background()
	table := mustPublishWeighting(t)
	s := newActiveSession(t, table.Version)

	// Wrong expected node: guard fails, nothing written.
	_, err := testDB.AdvanceSession(ctx, storage.AdvanceSessionParams{
		SessionID:      s.ID,
		ExpectedNodeID: "not-the-current-node",
		NextNodeID:     "mid",
		NewState:       model.SessionActive,
		RunningScore:   0.6,
		NodeID:         "not-the-current-node",
		ChoiceID:       "kind",
	})
	assert.ErrorIs(t, err, storage.ErrSessionNotAdvanceable)

	rec, err := testDB.AdvanceSession(ctx, storage.AdvanceSessionParams{
		SessionID:      s.ID,
		ExpectedNodeID: "start",
		NextNodeID:     "mid",
		NewState:       model.SessionActive,
		RunningScore:   0.6,
		NodeID:         "start",
		ChoiceID:       "kind",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Seq)
	assert.Equal(t, "kind", rec.ChoiceID)

	got, err := testDB.GetSessionWithHistory(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "mid", got.CurrentNodeID)
	assert.InDelta(t, 0.6, got.RunningScore, 1e-9)
	require.Len(t, got.History, 1)
	assert.Equal(t, 1, got.History[0].Seq)

	// Terminal advance closes the session; further advances fail the guard.
	_, err = testDB.AdvanceSession(ctx, storage.AdvanceSessionParams{
		SessionID:      s.ID,
		ExpectedNodeID: "mid",
		NextNodeID:     "end",
		NewState:       model.SessionCompletedEnabled,
		RunningScore:   0.8,
		NodeID:         "mid",
		ChoiceID:       "finish",
	})
	require.NoError(t, err)

	_, err = testDB.AdvanceSession(ctx, storage.AdvanceSessionParams{
		SessionID:      s.ID,
		ExpectedNodeID: "end",
		NextNodeID:     "end",
		NewState:       model.SessionActive,
		RunningScore:   0.8,
		NodeID:         "end",
		ChoiceID:       "again",
	})
	assert.ErrorIs(t, err, storage.ErrSessionNotAdvanceable)
}

func TestGetActiveSessionByPair(t *testing.T) {
	ctx := context.Background()
	table := mustPublishWeighting(t)
	s := newActiveSession(t, table.Version)

	got, err := testDB.GetActiveSessionByPair(ctx, s.PairKey)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	_, err = testDB.GetActiveSessionByPair(ctx, model.PairKey(uuid.New(), uuid.New()))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSweepExpiredSessions(t *testing.T) {
	ctx := context.Background()
	table := mustPublishWeighting(t)

	a, b := uuid.New(), uuid.New()
	now := time.Now().UTC()
	expired := model.GateSession{
		ID:               uuid.New(),
		RequesterID:      a,
		TargetID:         b,
		PairKey:          model.PairKey(a, b),
		State:            model.SessionActive,
		ScriptID:         "test_script",
		CurrentNodeID:    "start",
		WeightingVersion: table.Version,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(-time.Minute),
	}
	require.NoError(t, testDB.CreateSessionIfAbsent(ctx, expired))
	alive := newActiveSession(t, table.Version)

	swept, err := testDB.SweepExpiredSessions(ctx)
	require.NoError(t, err)

	sweptIDs := make(map[uuid.UUID]bool)
	for _, s := range swept {
		sweptIDs[s.ID] = true
		assert.Equal(t, model.SessionExpired, s.State)
	}
	assert.True(t, sweptIDs[expired.ID])
	assert.False(t, sweptIDs[alive.ID])

	got, err := testDB.GetSession(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionExpired, got.State)
}

func TestListSessionsForUser(t *testing.T) {
	ctx := context.Background()
	table := mustPublishWeighting(t)
	s := newActiveSession(t, table.Version)

	sessions, err := testDB.ListSessionsForUser(ctx, s.TargetID, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, s.ID, sessions[0].ID)
}

func TestCompatibilityCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	pairKey := model.PairKey(a, b)

	_, err := testDB.GetCachedCompatibility(ctx, pairKey, 1, 1, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	result := model.CompatibilityResult{
		UserA:            a,
		UserB:            b,
		Score:            0.75,
		WeightingVersion: 1,
		ComputedAt:       time.Now().UTC(),
		ContributingDimensions: []model.DimensionContribution{
			{Dimension: "care", Weight: 2.0, Alignment: 0.9, Contribution: 0.51},
		},
	}
	require.NoError(t, testDB.PutCachedCompatibility(ctx, pairKey, 1, 1, result))

	got, err := testDB.GetCachedCompatibility(ctx, pairKey, 1, 1, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, got.Score, 1e-9)
	require.Len(t, got.ContributingDimensions, 1)
	assert.Equal(t, "care", got.ContributingDimensions[0].Dimension)

	// A different profile version misses.
	_, err = testDB.GetCachedCompatibility(ctx, pairKey, 2, 1, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Pruning for a newer active weighting drops the row.
	pruned, err := testDB.PruneCompatibilityCache(ctx, 2)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pruned, int64(1))
	_, err = testDB.GetCachedCompatibility(ctx, pairKey, 1, 1, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBlocksAndConnections(t *testing.T) {
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	blocked, err := testDB.PairBlocked(ctx, a, b)
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, testDB.CreateBlock(ctx, a, b))

	// Blocks apply in both directions.
	blocked, err = testDB.PairBlocked(ctx, b, a)
	require.NoError(t, err)
	assert.True(t, blocked)

	require.NoError(t, testDB.RemoveBlock(ctx, a, b))
	blocked, err = testDB.PairBlocked(ctx, a, b)
	require.NoError(t, err)
	assert.False(t, blocked)

	connected, err := testDB.PairConnected(ctx, a, b)
	require.NoError(t, err)
	assert.False(t, connected)

	require.NoError(t, testDB.CreateConnection(ctx, a, b))
	// Idempotent.
	require.NoError(t, testDB.CreateConnection(ctx, b, a))

	connected, err = testDB.PairConnected(ctx, b, a)
	require.NoError(t, err)
	assert.True(t, connected)

	peers, err := testDB.ListConnections(ctx, a)
	require.NoError(t, err)
	assert.Contains(t, peers, b)
}

func TestExcludedPartnerIDs(t *testing.T) {
	ctx := context.Background()
	me := uuid.New()
	iBlocked := uuid.New()
	blockedMe := uuid.New()
	connection := uuid.New()
	stranger := uuid.New()

	require.NoError(t, testDB.CreateBlock(ctx, me, iBlocked))
	require.NoError(t, testDB.CreateBlock(ctx, blockedMe, me))
	require.NoError(t, testDB.CreateConnection(ctx, me, connection))

	excluded, err := testDB.ExcludedPartnerIDs(ctx, me)
	require.NoError(t, err)

	assert.Contains(t, excluded, iBlocked)
	assert.Contains(t, excluded, blockedMe)
	assert.Contains(t, excluded, connection)
	assert.NotContains(t, excluded, stranger)
}

func TestAuditEventsAndProofs(t *testing.T) {
	ctx := context.Background()
	actor := uuid.New()

	id1, err := testDB.InsertAuditEvent(ctx, storage.AuditEventRow{
		Kind:        "gate.initiated",
		ActorID:     &actor,
		Payload:     []byte(`{"target":"x"}`),
		ContentHash: "hash-1",
		RecordedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)

	id2, err := testDB.InsertAuditEvent(ctx, storage.AuditEventRow{
		Kind:        "gate.choice",
		ActorID:     &actor,
		Payload:     []byte(`{"choice":"kind"}`),
		ContentHash: "hash-2",
		RecordedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	events, err := testDB.ListAuditEventsAfter(ctx, id1-1, 100)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, id1, events[0].ID)

	require.NoError(t, testDB.CreateAuditProof(ctx, storage.AuditProof{
		BatchStart: id1,
		BatchEnd:   id2,
		EventCount: 2,
		RootHash:   "root-1",
	}))

	latest, err := testDB.GetLatestAuditProof(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "root-1", latest.RootHash)
	assert.Equal(t, id2, latest.BatchEnd)
}

func TestAuditEventsForSession(t *testing.T) {
	ctx := context.Background()
	sessionID := uuid.New()

	_, err := testDB.InsertAuditEvent(ctx, storage.AuditEventRow{
		Kind:        "gate.choice",
		SessionID:   &sessionID,
		Payload:     []byte(`{}`),
		ContentHash: "hash-s",
		RecordedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)

	events, err := testDB.ListAuditEventsForSession(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "gate.choice", events[0].Kind)
}

func TestOperatorKeys(t *testing.T) {
	ctx := context.Background()

	key := storage.OperatorKey{
		ID:        uuid.New(),
		Name:      "ops",
		KeyHash:   "argon2id$salt$hash",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, testDB.CreateOperatorKey(ctx, key))

	got, err := testDB.GetOperatorKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, "ops", got.Name)
	assert.Nil(t, got.RevokedAt)

	count, err := testDB.CountOperatorKeys(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 1)

	require.NoError(t, testDB.RevokeOperatorKey(ctx, key.ID))

	// Revoked keys stay readable; callers check RevokedAt.
	got, err = testDB.GetOperatorKey(ctx, key.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.RevokedAt)

	assert.ErrorIs(t, testDB.RevokeOperatorKey(ctx, key.ID), storage.ErrNotFound)
	assert.ErrorIs(t, testDB.RevokeOperatorKey(ctx, uuid.New()), storage.ErrNotFound)
}

func TestVectorOutboxDedup(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	// Two writes enqueue two rows for the same user.
	for i := 0; i < 2; i++ {
		_, err := testDB.MutateProfile(ctx, storage.MutateProfileParams{
			UserID:      userID,
			Dimensions:  map[string]float64{"care": 0.1},
			Provenance:  model.ProvenanceExplicitSetting,
			Vec:         vec32(0.1, 0.2),
			EnqueueSync: true,
		})
		require.NoError(t, err)
	}

	pending, err := testDB.PendingVectorSyncs(ctx, 100)
	require.NoError(t, err)

	var entry *storage.OutboxEntry
	seen := 0
	for i := range pending {
		if pending[i].UserID == userID {
			seen++
			entry = &pending[i]
		}
	}
	// Collapsed to one entry carrying the newest outbox ID.
	require.Equal(t, 1, seen)

	require.NoError(t, testDB.MarkVectorSynced(ctx, userID, entry.ID))

	pending, err = testDB.PendingVectorSyncs(ctx, 100)
	require.NoError(t, err)
	for _, e := range pending {
		assert.NotEqual(t, userID, e.UserID)
	}

	pruned, err := testDB.PruneSyncedOutbox(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pruned, int64(2))
}

func TestNearestProfilesOrdering(t *testing.T) {
	ctx := context.Background()
	self := uuid.New()
	near := uuid.New()
	far := uuid.New()

	write := func(id uuid.UUID, vec []float32) {
		_, err := testDB.MutateProfile(ctx, storage.MutateProfileParams{
			UserID:     id,
			Dimensions: map[string]float64{"care": 0.5},
			Provenance: model.ProvenanceExplicitSetting,
			Vec:        vec,
		})
		require.NoError(t, err)
	}
	write(self, vec32(1, 0))
	write(near, vec32(0.9, 0.1))
	write(far, vec32(-1, 0))

	got, err := testDB.NearestProfiles(ctx, self, vec32(1, 0), 10)
	require.NoError(t, err)

	pos := map[uuid.UUID]int{}
	for i, n := range got {
		assert.NotEqual(t, self, n.UserID)
		pos[n.UserID] = i
	}
	require.Contains(t, pos, near)
	require.Contains(t, pos, far)
	assert.Less(t, pos[near], pos[far])
}
