package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSetCreatesIntermediateNodes verifies that Set builds missing map nodes
// along the path.
func TestSetCreatesIntermediateNodes(t *testing.T) {
	tree := New()
	require.NoError(t, tree.Set("game.round.current", 3))

	v, ok := tree.Get("game.round.current")
	require.True(t, ok)
	assert.Equal(t, float64(3), v)
}

// TestSetBlockedByScalar verifies that writing through an existing scalar is
// an error instead of a silent replace.
func TestSetBlockedByScalar(t *testing.T) {
	tree := New()
	require.NoError(t, tree.Set("game.round", 1))

	err := tree.Set("game.round.current", 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
}

// TestGetMissingPath verifies that absent paths report not-found rather than
// a zero value.
func TestGetMissingPath(t *testing.T) {
	tree := New()
	_, ok := tree.Get("game.nothing.here")
	assert.False(t, ok)

	_, err := tree.GetNumber("game.nothing")
	assert.Error(t, err)
}

// TestMalformedPaths verifies that empty and doubled-dot paths are rejected.
func TestMalformedPaths(t *testing.T) {
	for _, path := range []string{"", ".", "game.", ".game", "game..round"} {
		_, err := SplitPath(path)
		assert.Error(t, err, "path %q should be invalid", path)
	}
}

// TestCloneIndependence verifies that mutating a clone never reaches the
// original tree.
func TestCloneIndependence(t *testing.T) {
	tree := NewWithPlayers([]string{"a", "b"})
	require.NoError(t, tree.Set("players.a.score", 1))

	clone := tree.Clone()
	require.NoError(t, clone.Set("players.a.score", 99))
	require.NoError(t, clone.Set("game.extra", "x"))

	n, err := tree.GetNumber("players.a.score")
	require.NoError(t, err)
	assert.Equal(t, float64(1), n)
	_, ok := tree.Get("game.extra")
	assert.False(t, ok)
}

// TestNumberNormalization verifies that integer writes and JSON-decoded
// numbers land in the same canonical form.
func TestNumberNormalization(t *testing.T) {
	built := New()
	require.NoError(t, built.Set("game.score", 42))

	var decoded Tree
	require.NoError(t, json.Unmarshal([]byte(`{"game":{"score":42},"players":{}}`), &decoded))

	assert.True(t, Equal(built, decoded))
}

// TestJSONRoundTrip verifies that a populated tree survives a serialization
// cycle unchanged: numbers, booleans, nested objects and player-keyed maps.
func TestJSONRoundTrip(t *testing.T) {
	tree := NewWithPlayers([]string{"p-1", "p-2"})
	require.NoError(t, tree.Set("game.currentPhase", "rolling"))
	require.NoError(t, tree.Set("game.gameEnded", false))
	require.NoError(t, tree.Set("game.config.rounds", []any{1, 2, 3}))
	require.NoError(t, tree.Set("players.p-1.score", 7))
	require.NoError(t, tree.Set("players.p-2.ready", true))

	data, err := json.Marshal(tree)
	require.NoError(t, err)
	var back Tree
	require.NoError(t, json.Unmarshal(data, &back))

	assert.True(t, Equal(tree, back))
	assert.Equal(t, []string{"p-1", "p-2"}, back.PlayerIDs())
}

// TestPlayerIDsSorted verifies that player ids come back in lexicographic
// order regardless of insertion order.
func TestPlayerIDsSorted(t *testing.T) {
	tree := NewWithPlayers([]string{"zeta", "alpha", "mid"})
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, tree.PlayerIDs())
	assert.True(t, tree.HasPlayer("mid"))
	assert.False(t, tree.HasPlayer("nobody"))
}

// TestLeaves verifies leaf enumeration over a nested tree.
func TestLeaves(t *testing.T) {
	tree := New()
	require.NoError(t, tree.Set("game.round", 1))
	require.NoError(t, tree.Set("players.a.score", 2))
	require.NoError(t, tree.Set("players.a.name", "A"))

	assert.Equal(t, []string{"game.round", "players.a.name", "players.a.score"}, tree.Leaves())
}

// TestGetBoolAndString verifies the lenient typed accessors.
func TestGetBoolAndString(t *testing.T) {
	tree := New()
	require.NoError(t, tree.Set(PathGameEnded, true))
	require.NoError(t, tree.Set(PathCurrentPhase, "lobby"))

	assert.True(t, tree.GetBool(PathGameEnded))
	assert.Equal(t, "lobby", tree.GetString(PathCurrentPhase))
	assert.False(t, tree.GetBool("game.missing"))
	assert.Equal(t, "", tree.GetString("game.missing"))
}
