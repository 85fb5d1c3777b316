// Package narrative loads and validates the gate's narrative script graph.
//
// A script is data, not code: an immutable graph of prompt nodes, each with
// outgoing choices that map to the next node and carry value-dimension shifts.
// Sessions hold only a node ID into this shared structure, never a copy.
package narrative

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/thinkalike/kindred/internal/model"
)

//go:embed scripts/*.json
var embeddedFS embed.FS

// defaultScriptFile is the script shipped with the binary, used when no
// KINDRED_SCRIPT_PATH override is configured.
const defaultScriptFile = "scripts/whispering_woods.json"

// ErrMalformedScript indicates a content-authoring defect: an unreachable or
// dead-end node, a dangling edge, out-of-range value shifts. Fail fast at
// load time — a malformed script must never deadlock a live session.
var ErrMalformedScript = errors.New("narrative: malformed script")

// Choice is one selectable option on a node. ValueShifts are the additive
// dimension nudges attributed to picking this choice.
type Choice struct {
	ID          string             `json:"id"`
	Label       string             `json:"label"`
	Next        string             `json:"next"`
	ValueShifts map[string]float64 `json:"value_shifts,omitempty"`
}

// Node is a single prompt in the script graph. IsEnding marks scripted
// terminal nodes; only ending nodes may have zero choices.
type Node struct {
	ID       string   `json:"id"`
	Prompt   string   `json:"prompt"`
	IsEnding bool     `json:"is_ending"`
	Choices  []Choice `json:"choices,omitempty"`
}

// Script is the immutable narrative graph, indexed by node ID.
type Script struct {
	ID        string
	RootID    string
	Threshold *float64 // optional per-script threshold override; nil = global default

	nodes map[string]Node
}

// scriptDoc is the on-disk JSON shape.
type scriptDoc struct {
	ID        string   `json:"id"`
	Root      string   `json:"root"`
	Threshold *float64 `json:"threshold,omitempty"`
	Nodes     []Node   `json:"nodes"`
}

// Load parses and validates a script from raw JSON.
func Load(raw []byte) (*Script, error) {
	var doc scriptDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrMalformedScript, err)
	}

	s := &Script{
		ID:        doc.ID,
		RootID:    doc.Root,
		Threshold: doc.Threshold,
		nodes:     make(map[string]Node, len(doc.Nodes)),
	}
	for _, n := range doc.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: node with empty id", ErrMalformedScript)
		}
		if _, dup := s.nodes[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node %q", ErrMalformedScript, n.ID)
		}
		s.nodes[n.ID] = n
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadFile loads a script from path, or the embedded default when path is empty.
func LoadFile(path string) (*Script, error) {
	var (
		raw []byte
		err error
	)
	if path == "" {
		raw, err = embeddedFS.ReadFile(defaultScriptFile)
	} else {
		raw, err = os.ReadFile(path) //nolint:gosec // path comes from validated config, not user input
	}
	if err != nil {
		return nil, fmt.Errorf("narrative: read script: %w", err)
	}
	return Load(raw)
}

func (s *Script) validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: script id is required", ErrMalformedScript)
	}
	if _, ok := s.nodes[s.RootID]; !ok {
		return fmt.Errorf("%w: root node %q not found", ErrMalformedScript, s.RootID)
	}
	if s.Threshold != nil && (*s.Threshold < 0 || *s.Threshold > 1) {
		return fmt.Errorf("%w: threshold %v outside [0, 1]", ErrMalformedScript, *s.Threshold)
	}

	endings := 0
	for id, n := range s.nodes {
		if n.IsEnding {
			endings++
			continue
		}
		// A non-ending node with no way out would deadlock a session.
		if len(n.Choices) == 0 {
			return fmt.Errorf("%w: node %q has no choices and is not an ending", ErrMalformedScript, id)
		}
		seen := make(map[string]bool, len(n.Choices))
		for _, c := range n.Choices {
			if c.ID == "" {
				return fmt.Errorf("%w: node %q has a choice with empty id", ErrMalformedScript, id)
			}
			if seen[c.ID] {
				return fmt.Errorf("%w: node %q has duplicate choice %q", ErrMalformedScript, id, c.ID)
			}
			seen[c.ID] = true
			if _, ok := s.nodes[c.Next]; !ok {
				return fmt.Errorf("%w: node %q choice %q points to unknown node %q", ErrMalformedScript, id, c.ID, c.Next)
			}
			for dim, shift := range c.ValueShifts {
				if shift < -2.0 || shift > 2.0 {
					return fmt.Errorf("%w: node %q choice %q shift for %q is %v, outside [-2, 2]",
						ErrMalformedScript, id, c.ID, dim, shift)
				}
			}
		}
	}
	if endings == 0 {
		return fmt.Errorf("%w: script has no ending nodes", ErrMalformedScript)
	}
	return nil
}

// Node returns the node with the given ID.
func (s *Script) Node(id string) (Node, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

// Choice resolves a choice on a node. When duplicate edges point at the same
// next node, the first matching choice ID wins.
func (s *Script) Choice(nodeID, choiceID string) (Choice, bool) {
	n, ok := s.nodes[nodeID]
	if !ok {
		return Choice{}, false
	}
	for _, c := range n.Choices {
		if c.ID == choiceID {
			return c, true
		}
	}
	return Choice{}, false
}

// Len returns the number of nodes in the script.
func (s *Script) Len() int {
	return len(s.nodes)
}

// Prompt builds the client-facing view of a node: prompt text and choice
// labels only. Value shifts stay server-side.
func (s *Script) Prompt(nodeID string) (model.GatePrompt, bool) {
	n, ok := s.nodes[nodeID]
	if !ok {
		return model.GatePrompt{}, false
	}
	p := model.GatePrompt{NodeID: n.ID, Prompt: n.Prompt, Choices: make([]model.GateChoice, 0, len(n.Choices))}
	for _, c := range n.Choices {
		p.Choices = append(p.Choices, model.GateChoice{ChoiceID: c.ID, Label: c.Label})
	}
	return p, true
}
