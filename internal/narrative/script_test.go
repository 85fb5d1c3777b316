package narrative

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmbeddedDefault(t *testing.T) {
	s, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, "whispering-woods-v1", s.ID)
	assert.Equal(t, "clearing", s.RootID)
	assert.Nil(t, s.Threshold)

	root, ok := s.Node(s.RootID)
	require.True(t, ok)
	assert.False(t, root.IsEnding)
	assert.NotEmpty(t, root.Choices)
}

func TestLoadRejectsDeadEndNode(t *testing.T) {
	raw := []byte(`{
		"id": "t",
		"root": "a",
		"nodes": [{"id": "a", "prompt": "stuck", "choices": []}]
	}`)
	_, err := Load(raw)
	require.ErrorIs(t, err, ErrMalformedScript)
	assert.Contains(t, err.Error(), "no choices")
}

func TestLoadRejectsDanglingEdge(t *testing.T) {
	raw := []byte(`{
		"id": "t",
		"root": "a",
		"nodes": [
			{"id": "a", "prompt": "p", "choices": [{"id": "c", "label": "l", "next": "missing"}]},
			{"id": "b", "prompt": "fin", "is_ending": true}
		]
	}`)
	_, err := Load(raw)
	require.ErrorIs(t, err, ErrMalformedScript)
	assert.Contains(t, err.Error(), "unknown node")
}

func TestLoadRejectsMissingRoot(t *testing.T) {
	raw := []byte(`{
		"id": "t",
		"root": "nope",
		"nodes": [{"id": "a", "prompt": "fin", "is_ending": true}]
	}`)
	_, err := Load(raw)
	require.ErrorIs(t, err, ErrMalformedScript)
}

func TestLoadRejectsNoEndings(t *testing.T) {
	raw := []byte(`{
		"id": "t",
		"root": "a",
		"nodes": [
			{"id": "a", "prompt": "p", "choices": [{"id": "c", "label": "l", "next": "b"}]},
			{"id": "b", "prompt": "p", "choices": [{"id": "c", "label": "l", "next": "a"}]}
		]
	}`)
	_, err := Load(raw)
	require.ErrorIs(t, err, ErrMalformedScript)
	assert.Contains(t, err.Error(), "no ending")
}

func TestLoadRejectsOutOfRangeShift(t *testing.T) {
	raw := []byte(`{
		"id": "t",
		"root": "a",
		"nodes": [
			{"id": "a", "prompt": "p", "choices": [
				{"id": "c", "label": "l", "next": "b", "value_shifts": {"care": 3.5}}
			]},
			{"id": "b", "prompt": "fin", "is_ending": true}
		]
	}`)
	_, err := Load(raw)
	require.ErrorIs(t, err, ErrMalformedScript)
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	raw := []byte(`{
		"id": "t",
		"root": "a",
		"threshold": 1.5,
		"nodes": [{"id": "a", "prompt": "fin", "is_ending": true}]
	}`)
	_, err := Load(raw)
	require.ErrorIs(t, err, ErrMalformedScript)
}

func TestChoiceLookup(t *testing.T) {
	s, err := LoadFile("")
	require.NoError(t, err)

	c, ok := s.Choice("clearing", "wait")
	require.True(t, ok)
	assert.Equal(t, "dusk", c.Next)
	assert.InDelta(t, 0.2, c.ValueShifts["care"], 1e-9)

	_, ok = s.Choice("clearing", "nonexistent")
	assert.False(t, ok)

	_, ok = s.Choice("nonexistent", "wait")
	assert.False(t, ok)
}

func TestPromptHidesValueShifts(t *testing.T) {
	s, err := LoadFile("")
	require.NoError(t, err)

	p, ok := s.Prompt("clearing")
	require.True(t, ok)
	assert.Equal(t, "clearing", p.NodeID)
	require.Len(t, p.Choices, 3)
	for _, c := range p.Choices {
		assert.NotEmpty(t, c.ChoiceID)
		assert.NotEmpty(t, c.Label)
	}
}
