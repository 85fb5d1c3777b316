// Package gate implements the narrative gate state machine.
//
// The engine is pure: it takes a session snapshot, the pair's profiles, and
// the weighting table, and returns what should happen next. Persistence and
// serialization of concurrent submits live in the session manager; the
// engine never touches storage.
package gate

import (
	"errors"
	"fmt"

	"github.com/thinkalike/kindred/internal/model"
	"github.com/thinkalike/kindred/internal/narrative"
	"github.com/thinkalike/kindred/internal/scoring"
)

var (
	// ErrSessionTerminal is returned when a choice arrives for a session
	// that already reached a terminal state.
	ErrSessionTerminal = errors.New("gate: session is terminal")

	// ErrNodeMismatch is returned when the submitted node is not the
	// session's current node. The caller should refetch and re-prompt.
	ErrNodeMismatch = errors.New("gate: node mismatch")

	// ErrInvalidChoice is returned when the choice ID does not exist on the
	// submitted node.
	ErrInvalidChoice = errors.New("gate: invalid choice")
)

// Engine evaluates gate transitions against a loaded narrative script.
type Engine struct {
	script    *narrative.Script
	threshold float64
	blend     float64
}

// NewEngine builds an engine. defaultThreshold applies unless the script
// carries its own override; blend is the weight of a fresh rescore when
// folding it into the running estimate.
func NewEngine(script *narrative.Script, defaultThreshold, blend float64) (*Engine, error) {
	if script == nil {
		return nil, fmt.Errorf("gate: script is required")
	}
	if defaultThreshold < 0 || defaultThreshold > 1 {
		return nil, fmt.Errorf("gate: threshold %v outside [0, 1]", defaultThreshold)
	}
	if blend <= 0 || blend > 1 {
		return nil, fmt.Errorf("gate: blend %v outside (0, 1]", blend)
	}
	return &Engine{script: script, threshold: defaultThreshold, blend: blend}, nil
}

// Script returns the engine's narrative script.
func (e *Engine) Script() *narrative.Script {
	return e.script
}

// Threshold returns the effective pass threshold: the script's override when
// present, the configured default otherwise.
func (e *Engine) Threshold() float64 {
	if t := e.script.Threshold; t != nil {
		return *t
	}
	return e.threshold
}

// Initiation is the engine's output for a new session: the baseline score
// and the first prompt.
type Initiation struct {
	ScriptID     string
	RootNodeID   string
	RunningScore float64
	Baseline     model.CompatibilityResult
	Prompt       model.GatePrompt
}

// Initiate computes the baseline compatibility for a new session. An
// insufficient-data baseline starts the running estimate at zero; the pair
// earns their score through the narrative.
func (e *Engine) Initiate(requester, target model.ValueProfile, table model.WeightingTable) (Initiation, error) {
	baseline, err := scoring.Score(requester, target, table)
	if err != nil {
		return Initiation{}, err
	}
	prompt, ok := e.script.Prompt(e.script.RootID)
	if !ok {
		return Initiation{}, fmt.Errorf("%w: root node %q", narrative.ErrMalformedScript, e.script.RootID)
	}
	return Initiation{
		ScriptID:     e.script.ID,
		RootNodeID:   e.script.RootID,
		RunningScore: baseline.Score,
		Baseline:     baseline,
		Prompt:       prompt,
	}, nil
}

// AdvanceInput is one submitted choice plus everything the engine needs to
// evaluate it.
type AdvanceInput struct {
	Session   model.GateSession
	Requester model.ValueProfile
	Target    model.ValueProfile
	Table     model.WeightingTable
	NodeID    string
	ChoiceID  string
}

// Advance is the engine's verdict on a submitted choice.
type Advance struct {
	// Delta carries the accepted choice's value shifts for the requester's
	// profile, tagged with narrative provenance.
	Delta model.ProfileDelta

	NextNodeID   string
	NewState     model.SessionState
	RunningScore float64
	Fresh        model.CompatibilityResult
	Ended        bool

	// NextPrompt is set while the session stays active.
	NextPrompt model.GatePrompt
}

// Evaluate applies one choice. The requester's profile is nudged by the
// choice's value shifts, the pair is rescored under the session's pinned
// weighting version, and the fresh score is blended into the running
// estimate. Reaching an ending node compares the estimate against the
// threshold and settles the session.
func (e *Engine) Evaluate(in AdvanceInput) (Advance, error) {
	s := in.Session
	if s.State.Terminal() {
		return Advance{}, ErrSessionTerminal
	}
	if in.NodeID != s.CurrentNodeID {
		return Advance{}, fmt.Errorf("%w: submitted %q, current %q", ErrNodeMismatch, in.NodeID, s.CurrentNodeID)
	}
	choice, ok := e.script.Choice(in.NodeID, in.ChoiceID)
	if !ok {
		return Advance{}, fmt.Errorf("%w: %q on node %q", ErrInvalidChoice, in.ChoiceID, in.NodeID)
	}

	adjusted := nudge(in.Requester, choice.ValueShifts)
	fresh, err := scoring.ScoreAt(adjusted, in.Target, in.Table, s.WeightingVersion)
	if err != nil {
		return Advance{}, err
	}

	// A profile pair with no data yet contributes nothing either way: the
	// running estimate holds rather than being dragged toward zero.
	running := s.RunningScore
	if !fresh.InsufficientData {
		running = scoring.Blend(s.RunningScore, fresh.Score, e.blend)
	}

	out := Advance{
		Delta: model.ProfileDelta{
			Dimensions: choice.ValueShifts,
			Provenance: model.ProvenanceNarrativeChoice,
		},
		RunningScore: running,
		Fresh:        fresh,
	}

	next, ok := e.script.Node(choice.Next)
	if !ok {
		return Advance{}, fmt.Errorf("%w: choice %q points to unknown node %q", narrative.ErrMalformedScript, in.ChoiceID, choice.Next)
	}

	if next.IsEnding {
		out.Ended = true
		out.NextNodeID = next.ID
		if running >= e.Threshold() {
			out.NewState = model.SessionCompletedEnabled
		} else {
			out.NewState = model.SessionCompletedDenied
		}
		return out, nil
	}

	out.NewState = model.SessionActive
	out.NextNodeID = next.ID
	prompt, ok := e.script.Prompt(next.ID)
	if !ok {
		return Advance{}, fmt.Errorf("%w: node %q", narrative.ErrMalformedScript, next.ID)
	}
	out.NextPrompt = prompt
	return out, nil
}

// nudge returns a copy of p with shifts added to its dimensions, clamped to
// the dimension range. The input profile is never mutated.
func nudge(p model.ValueProfile, shifts map[string]float64) model.ValueProfile {
	if len(shifts) == 0 {
		return p
	}
	dims := make(map[string]float64, len(p.Dimensions)+len(shifts))
	for k, v := range p.Dimensions {
		dims[k] = v
	}
	for k, shift := range shifts {
		v := dims[k] + shift
		if v < -1.0 {
			v = -1.0
		}
		if v > 1.0 {
			v = 1.0
		}
		dims[k] = v
	}
	out := p
	out.Dimensions = dims
	return out
}
