// Package session orchestrates the gate lifecycle: eligibility checks,
// atomic session creation, serialized choice submission, expiry sweeps, and
// the audit trail around all of it.
//
// Both the HTTP API and MCP server delegate to this manager, so every
// interface gets identical semantics: the same eligibility rules, the same
// serialization guarantees, the same audit events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/thinkalike/kindred/internal/audit"
	"github.com/thinkalike/kindred/internal/gate"
	"github.com/thinkalike/kindred/internal/model"
	"github.com/thinkalike/kindred/internal/scoring"
	"github.com/thinkalike/kindred/internal/storage"
	"github.com/thinkalike/kindred/internal/telemetry"
)

var (
	// ErrIneligible is returned when the pair cannot open a gate: blocked in
	// either direction, already connected, self-targeted, or archived.
	ErrIneligible = errors.New("session: pair ineligible")

	// ErrAlreadyActive is returned when the pair already has an active gate.
	ErrAlreadyActive = errors.New("session: active session exists")

	// ErrNotParticipant is returned when the caller is not one of the
	// session's two users.
	ErrNotParticipant = errors.New("session: caller is not a participant")

	// ErrNoActiveWeighting indicates no weighting table has been published
	// yet. A deployment defect, not a user condition.
	ErrNoActiveWeighting = errors.New("session: no active weighting table")
)

// Manager owns gate session orchestration.
type Manager struct {
	db     *storage.DB
	engine *gate.Engine
	sink   audit.Sink
	logger *slog.Logger

	sessionTTL time.Duration

	gatesInitiated metric.Int64Counter
	gatesSettled   metric.Int64Counter
}

// NewManager wires a session manager. sink may be audit.NopSink in tests.
func NewManager(db *storage.DB, engine *gate.Engine, sink audit.Sink, sessionTTL time.Duration, logger *slog.Logger) *Manager {
	meter := telemetry.Meter("kindred/session")
	initiated, _ := meter.Int64Counter("kindred.gates.initiated",
		metric.WithDescription("Gate sessions opened"),
	)
	settled, _ := meter.Int64Counter("kindred.gates.settled",
		metric.WithDescription("Gate sessions reaching a terminal state"),
	)
	return &Manager{
		db:             db,
		engine:         engine,
		sink:           sink,
		logger:         logger,
		sessionTTL:     sessionTTL,
		gatesInitiated: initiated,
		gatesSettled:   settled,
	}
}

// Initiated is the result of opening a gate: the persisted session and the
// first prompt to show the requester.
type Initiated struct {
	Session model.GateSession
	Prompt  model.GatePrompt
}

// Initiate opens a gate session from requester to target.
//
// Eligibility is checked first (self, blocks, standing connection, archived
// profiles), then the session row is inserted; the partial unique index on
// active pair keys makes the insert the arbiter under concurrency, so two
// simultaneous initiates for the same pair produce exactly one session.
func (m *Manager) Initiate(ctx context.Context, requesterID, targetID uuid.UUID) (Initiated, error) {
	if requesterID == targetID {
		return Initiated{}, fmt.Errorf("%w: cannot open a gate with yourself", ErrIneligible)
	}

	blocked, err := m.db.PairBlocked(ctx, requesterID, targetID)
	if err != nil {
		return Initiated{}, err
	}
	if blocked {
		return Initiated{}, fmt.Errorf("%w: pair is blocked", ErrIneligible)
	}

	connected, err := m.db.PairConnected(ctx, requesterID, targetID)
	if err != nil {
		return Initiated{}, err
	}
	if connected {
		return Initiated{}, fmt.Errorf("%w: pair is already connected", ErrIneligible)
	}

	requester, target, err := m.loadPair(ctx, requesterID, targetID)
	if err != nil {
		return Initiated{}, err
	}
	if requester.Archived || target.Archived {
		return Initiated{}, fmt.Errorf("%w: profile is archived", ErrIneligible)
	}

	table, err := m.activeWeighting(ctx)
	if err != nil {
		return Initiated{}, err
	}

	init, err := m.engine.Initiate(requester, target, table)
	if err != nil {
		return Initiated{}, err
	}

	now := time.Now().UTC()
	s := model.GateSession{
		ID:               uuid.New(),
		RequesterID:      requesterID,
		TargetID:         targetID,
		PairKey:          model.PairKey(requesterID, targetID),
		State:            model.SessionActive,
		ScriptID:         init.ScriptID,
		CurrentNodeID:    init.RootNodeID,
		RunningScore:     init.RunningScore,
		WeightingVersion: table.Version,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(m.sessionTTL),
	}

	if err := m.db.CreateSessionIfAbsent(ctx, s); err != nil {
		if errors.Is(err, storage.ErrPairActive) {
			return Initiated{}, ErrAlreadyActive
		}
		return Initiated{}, err
	}

	m.gatesInitiated.Add(ctx, 1)
	m.record(ctx, audit.Event{
		Kind:      audit.KindGateInitiated,
		ActorID:   &requesterID,
		SubjectID: &targetID,
		SessionID: &s.ID,
		Payload: map[string]any{
			"script_id":         s.ScriptID,
			"weighting_version": s.WeightingVersion,
			"initial_score":     s.RunningScore,
			"insufficient_data": init.Baseline.InsufficientData,
		},
	})

	return Initiated{Session: s, Prompt: init.Prompt}, nil
}

// Submitted is the result of one accepted choice.
type Submitted struct {
	Session model.GateSession
	Advance gate.Advance
}

// SubmitChoice applies one choice on behalf of userID.
//
// The storage layer's guarded UPDATE serializes concurrent submits: the
// engine evaluates against a snapshot, and the write only lands if the
// session is still active on the node the snapshot saw. A lost race surfaces
// as node mismatch or terminal, same as any stale client.
func (m *Manager) SubmitChoice(ctx context.Context, sessionID, userID uuid.UUID, nodeID, choiceID string) (Submitted, error) {
	s, err := m.db.GetSession(ctx, sessionID)
	if err != nil {
		return Submitted{}, err
	}
	if userID != s.RequesterID && userID != s.TargetID {
		return Submitted{}, ErrNotParticipant
	}

	// Expiry is enforced at read time too, not only by the sweeper, so a
	// choice never lands on a session that should already be expired.
	if s.State == model.SessionActive && time.Now().After(s.ExpiresAt) {
		if err := m.expire(ctx, s); err != nil {
			m.logger.Warn("session: lazy expire failed", "session_id", s.ID, "error", err)
		}
		return Submitted{}, gate.ErrSessionTerminal
	}

	other := s.TargetID
	if userID == s.TargetID {
		other = s.RequesterID
	}
	submitter, partner, err := m.loadPair(ctx, userID, other)
	if err != nil {
		return Submitted{}, err
	}

	table, err := m.db.GetWeightingTable(ctx, s.WeightingVersion)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Submitted{}, scoring.ErrStaleWeightingVersion
		}
		return Submitted{}, err
	}

	adv, err := m.engine.Evaluate(gate.AdvanceInput{
		Session:   s,
		Requester: submitter,
		Target:    partner,
		Table:     table,
		NodeID:    nodeID,
		ChoiceID:  choiceID,
	})
	if err != nil {
		return Submitted{}, err
	}

	choice, err := m.db.AdvanceSession(ctx, storage.AdvanceSessionParams{
		SessionID:      s.ID,
		ExpectedNodeID: s.CurrentNodeID,
		NextNodeID:     adv.NextNodeID,
		NewState:       adv.NewState,
		RunningScore:   adv.RunningScore,
		NodeID:         nodeID,
		ChoiceID:       choiceID,
	})
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotAdvanceable) {
			return Submitted{}, m.classifyLostRace(ctx, s.ID)
		}
		return Submitted{}, err
	}

	if len(adv.Delta.Dimensions) > 0 {
		if err := m.applyDelta(ctx, submitter, adv.Delta, table); err != nil {
			// The session already advanced; the profile nudge is applied on
			// a best-effort basis and logged when it fails.
			m.logger.Error("session: apply choice delta failed",
				"session_id", s.ID, "user_id", userID, "error", err)
		}
	}

	s.CurrentNodeID = adv.NextNodeID
	s.State = adv.NewState
	s.RunningScore = adv.RunningScore
	s.UpdatedAt = choice.ChosenAt

	m.record(ctx, audit.Event{
		Kind:      audit.KindGateChoice,
		ActorID:   &userID,
		SessionID: &s.ID,
		Payload: map[string]any{
			"seq":           choice.Seq,
			"node_id":       nodeID,
			"choice_id":     choiceID,
			"running_score": adv.RunningScore,
		},
	})

	if adv.Ended {
		m.settle(ctx, s, adv)
	}

	return Submitted{Session: s, Advance: adv}, nil
}

// settle handles the side effects of a session reaching a scripted ending.
func (m *Manager) settle(ctx context.Context, s model.GateSession, adv gate.Advance) {
	m.gatesSettled.Add(ctx, 1)

	if s.State == model.SessionCompletedEnabled {
		if err := m.db.CreateConnection(ctx, s.RequesterID, s.TargetID); err != nil {
			m.logger.Error("session: create connection failed", "session_id", s.ID, "error", err)
		}
	}

	m.record(ctx, audit.Event{
		Kind:      audit.KindGateCompleted,
		ActorID:   &s.RequesterID,
		SubjectID: &s.TargetID,
		SessionID: &s.ID,
		Payload: map[string]any{
			"state":             string(s.State),
			"final_score":       s.RunningScore,
			"threshold":         m.engine.Threshold(),
			"weighting_version": s.WeightingVersion,
			"insufficient_data": adv.Fresh.InsufficientData,
		},
	})
}

// Abort voluntarily ends an active session. Either participant may abort;
// aborted is terminal like any other outcome.
func (m *Manager) Abort(ctx context.Context, sessionID, userID uuid.UUID) (model.GateSession, error) {
	s, err := m.db.GetSession(ctx, sessionID)
	if err != nil {
		return model.GateSession{}, err
	}
	if userID != s.RequesterID && userID != s.TargetID {
		return model.GateSession{}, ErrNotParticipant
	}

	if err := m.db.TerminateSession(ctx, sessionID, model.SessionAborted); err != nil {
		if errors.Is(err, storage.ErrSessionNotAdvanceable) {
			return model.GateSession{}, gate.ErrSessionTerminal
		}
		return model.GateSession{}, err
	}

	s.State = model.SessionAborted
	m.gatesSettled.Add(ctx, 1)
	m.record(ctx, audit.Event{
		Kind:      audit.KindGateAborted,
		ActorID:   &userID,
		SessionID: &s.ID,
	})
	return s, nil
}

// Get returns a session with its choice trail. Authorization is the caller's
// concern; the handler checks participant-or-operator before exposing it.
func (m *Manager) Get(ctx context.Context, sessionID uuid.UUID) (model.GateSession, error) {
	return m.db.GetSessionWithHistory(ctx, sessionID)
}

// SweepExpired expires overdue sessions. Run periodically by the app's
// background loop; returns the number swept.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	swept, err := m.db.SweepExpiredSessions(ctx)
	if err != nil {
		return 0, err
	}
	for _, s := range swept {
		m.gatesSettled.Add(ctx, 1)
		m.record(ctx, audit.Event{
			Kind:      audit.KindGateExpired,
			SessionID: &s.ID,
			Payload:   map[string]any{"expired_at": s.ExpiresAt},
		})
	}
	return len(swept), nil
}

// expire lazily expires one session found overdue at read time.
func (m *Manager) expire(ctx context.Context, s model.GateSession) error {
	if err := m.db.TerminateSession(ctx, s.ID, model.SessionExpired); err != nil {
		if errors.Is(err, storage.ErrSessionNotAdvanceable) {
			return nil // someone else got there first
		}
		return err
	}
	m.gatesSettled.Add(ctx, 1)
	m.record(ctx, audit.Event{
		Kind:      audit.KindGateExpired,
		SessionID: &s.ID,
		Payload:   map[string]any{"expired_at": s.ExpiresAt},
	})
	return nil
}

// classifyLostRace refetches a session after a failed guarded UPDATE to tell
// the caller why the advance did not land.
func (m *Manager) classifyLostRace(ctx context.Context, sessionID uuid.UUID) error {
	s, err := m.db.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.State.Terminal() {
		return gate.ErrSessionTerminal
	}
	return gate.ErrNodeMismatch
}

// applyDelta folds an accepted choice's value shifts into the submitter's
// profile, with narrative provenance and a fresh discovery vector. The vector
// is computed from the expected post-delta dimensions; under a concurrent
// profile edit it may lag one write, which the next sync corrects.
func (m *Manager) applyDelta(ctx context.Context, submitter model.ValueProfile, delta model.ProfileDelta, table model.WeightingTable) error {
	projected := submitter
	projected.Dimensions = make(map[string]float64, len(submitter.Dimensions)+len(delta.Dimensions))
	for k, v := range submitter.Dimensions {
		projected.Dimensions[k] = v
	}
	for k, shift := range delta.Dimensions {
		v := projected.Dimensions[k] + shift
		if v < -1.0 {
			v = -1.0
		}
		if v > 1.0 {
			v = 1.0
		}
		projected.Dimensions[k] = v
	}

	_, err := m.db.MutateProfile(ctx, storage.MutateProfileParams{
		UserID:      submitter.UserID,
		Dimensions:  delta.Dimensions,
		Provenance:  delta.Provenance,
		Vec:         scoring.Vectorize(projected, table),
		EnqueueSync: true,
	})
	return err
}

// loadPair fetches both profiles, substituting an empty profile for a user
// who has not written one yet. Empty profiles are legal; they surface as
// insufficient data in scoring rather than blocking the gate.
func (m *Manager) loadPair(ctx context.Context, a, b uuid.UUID) (model.ValueProfile, model.ValueProfile, error) {
	profiles, err := m.db.GetValueProfiles(ctx, []uuid.UUID{a, b})
	if err != nil {
		return model.ValueProfile{}, model.ValueProfile{}, err
	}
	pa, ok := profiles[a]
	if !ok {
		pa = model.ValueProfile{UserID: a}
	}
	pb, ok := profiles[b]
	if !ok {
		pb = model.ValueProfile{UserID: b}
	}
	return pa, pb, nil
}

func (m *Manager) activeWeighting(ctx context.Context) (model.WeightingTable, error) {
	table, err := m.db.GetActiveWeightingTable(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.WeightingTable{}, ErrNoActiveWeighting
		}
		return model.WeightingTable{}, err
	}
	return table, nil
}

// record writes an audit event, logging rather than failing the operation
// when the sink errors. The trail is evidence, not a transaction participant.
func (m *Manager) record(ctx context.Context, ev audit.Event) {
	if err := m.sink.Record(ctx, ev); err != nil {
		m.logger.Error("session: audit record failed", "kind", ev.Kind, "error", err)
	}
}
