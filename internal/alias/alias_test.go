package alias

import (
	"encoding/json"
	"testing"

	"github.com/arbitergames/arbiter-server-go/internal/ops"
	"github.com/arbitergames/arbiter-server-go/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMappingDeterministic verifies that alias assignment depends only on the
// identifier set, never on call-time ordering.
func TestMappingDeterministic(t *testing.T) {
	m1, err := NewMapping([]string{"uuid-charlie", "uuid-alice", "uuid-bob"})
	require.NoError(t, err)
	m2, err := NewMapping([]string{"uuid-bob", "uuid-charlie", "uuid-alice"})
	require.NoError(t, err)

	assert.Equal(t, m1.IDs(), m2.IDs())
	assert.Equal(t, []string{"uuid-alice", "uuid-bob", "uuid-charlie"}, m1.IDs())
	assert.Equal(t, []string{"player1", "player2", "player3"}, m1.Aliases())
}

// TestMappingBijection verifies the round-trip in both directions for every
// player.
func TestMappingBijection(t *testing.T) {
	ids := []string{"z-9", "a-1", "m-5"}
	m, err := NewMapping(ids)
	require.NoError(t, err)
	require.Equal(t, 3, m.Len())

	for _, id := range ids {
		a, ok := m.Alias(id)
		require.True(t, ok)
		back, ok := m.CanonicalID(a)
		require.True(t, ok)
		assert.Equal(t, id, back)
	}

	_, ok := m.Alias("stranger")
	assert.False(t, ok)
	_, ok = m.CanonicalID("player99")
	assert.False(t, ok)
}

// TestMappingRejectsBadInput verifies empty and duplicate identifier sets are
// refused.
func TestMappingRejectsBadInput(t *testing.T) {
	_, err := NewMapping(nil)
	assert.Error(t, err)
	_, err = NewMapping([]string{"a", "a"})
	assert.Error(t, err)
	_, err = NewMapping([]string{"a", ""})
	assert.Error(t, err)
}

// TestAliasedView verifies that the view re-keys player records by alias and
// leaves the canonical tree untouched.
func TestAliasedView(t *testing.T) {
	m, err := NewMapping([]string{"uuid-b", "uuid-a"})
	require.NoError(t, err)

	tree := state.NewWithPlayers([]string{"uuid-a", "uuid-b"})
	require.NoError(t, tree.Set("players.uuid-a.score", 3))
	require.NoError(t, tree.Set("game.currentPhase", "rolling"))

	view := m.AliasedView(tree)

	n, err := view.GetNumber("players.player1.score")
	require.NoError(t, err)
	assert.Equal(t, float64(3), n)
	_, ok := view.Get("players.uuid-a")
	assert.False(t, ok, "canonical ids must not appear in the view")
	assert.Equal(t, "rolling", view.GetString("game.currentPhase"))

	// Mutating the view never reaches the canonical tree.
	require.NoError(t, view.Set("players.player1.score", 99))
	n, err = tree.GetNumber("players.uuid-a.score")
	require.NoError(t, err)
	assert.Equal(t, float64(3), n)
}

// TestExpandOperations verifies alias-to-canonical rewriting across operation
// shapes.
func TestExpandOperations(t *testing.T) {
	m, err := NewMapping([]string{"uuid-a", "uuid-b"})
	require.NoError(t, err)

	expanded, err := m.ExpandOperations([]ops.Operation{
		ops.Set("players.player1.score", 1),
		ops.Increment("players.player2.score", 2),
		ops.Transfer("players.player1.gold", "players.player2.gold", 5),
		ops.Set("game.round", 2),
		ops.SetForAllPlayers("ready", true),
	})
	require.NoError(t, err)

	assert.Equal(t, "players.uuid-a.score", expanded[0].Path)
	assert.Equal(t, "players.uuid-b.score", expanded[1].Path)
	assert.Equal(t, "players.uuid-a.gold", expanded[2].FromPath)
	assert.Equal(t, "players.uuid-b.gold", expanded[2].ToPath)
	assert.Equal(t, "game.round", expanded[3].Path)
	assert.Equal(t, ops.KindSetForAllPlayers, expanded[4].Kind)
}

// TestExpandUnknownAlias verifies that a path naming neither an alias nor a
// canonical id fails the batch.
func TestExpandUnknownAlias(t *testing.T) {
	m, err := NewMapping([]string{"uuid-a"})
	require.NoError(t, err)

	_, err = m.ExpandOperations([]ops.Operation{ops.Set("players.player7.score", 1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "player7")
}

// TestExpandCanonicalPassthrough verifies that already-canonical paths pass
// unchanged.
func TestExpandCanonicalPassthrough(t *testing.T) {
	m, err := NewMapping([]string{"uuid-a"})
	require.NoError(t, err)

	out, err := m.ExpandOperation(ops.Set("players.uuid-a.score", 1))
	require.NoError(t, err)
	assert.Equal(t, "players.uuid-a.score", out.Path)
}

// TestMappingJSONRoundTrip verifies that the persisted form rebuilds an
// identical bijection.
func TestMappingJSONRoundTrip(t *testing.T) {
	m, err := NewMapping([]string{"uuid-b", "uuid-a"})
	require.NoError(t, err)

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var back Mapping
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Equal(t, m.IDs(), back.IDs())
	assert.Equal(t, m.Aliases(), back.Aliases())
}
