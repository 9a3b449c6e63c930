package fault

import (
	"testing"

	"github.com/arbitergames/arbiter-server-go/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRoundTripThroughState verifies a GameError written into the tree reads
// back with kind, message and context intact.
func TestRoundTripThroughState(t *testing.T) {
	ge := New(KindDeadlock, "no transition fires", map[string]any{"phase": "scoring"})

	tree := state.New()
	require.NoError(t, tree.Set(state.PathGameError, ge.ToTree()))

	back, stuck := FromState(tree)
	require.True(t, stuck)
	assert.Equal(t, KindDeadlock, back.Kind)
	assert.Equal(t, "no transition fires", back.Message)
	assert.Equal(t, "scoring", back.Context["phase"])
	assert.False(t, back.Timestamp.IsZero())
}

// TestAbsentError verifies a clean tree reports not stuck.
func TestAbsentError(t *testing.T) {
	_, stuck := FromState(state.New())
	assert.False(t, stuck)
}

// TestMalformedErrorStillSticks verifies that a bare truthy value at
// game.gameError cannot un-stick a session.
func TestMalformedErrorStillSticks(t *testing.T) {
	tree := state.New()
	require.NoError(t, tree.Set(state.PathGameError, "oops"))

	ge, stuck := FromState(tree)
	require.True(t, stuck)
	assert.Equal(t, KindInvalidState, ge.Kind)
}

// TestErrorString verifies the error formatting.
func TestErrorString(t *testing.T) {
	ge := New(KindTransitionFailed, "ops rejected", nil)
	assert.Equal(t, "transition_failed: ops rejected", ge.Error())
}
