package engine

import (
	"testing"

	"github.com/arbitergames/arbiter-server-go/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewSessionSeedsState verifies the initial canonical tree: one empty
// record per player, the entry phase, and the ended flag cleared.
func TestNewSessionSeedsState(t *testing.T) {
	sess, err := NewSession("s-1", duelRules(t), []string{"p-b", "p-a"})
	require.NoError(t, err)

	assert.Equal(t, "lobby", sess.State.GetString(state.PathCurrentPhase))
	assert.False(t, sess.State.GetBool(state.PathGameEnded))
	assert.Equal(t, []string{"p-a", "p-b"}, sess.State.PlayerIDs())
	assert.False(t, sess.Initialized)

	a, ok := sess.Mapping.Alias("p-a")
	require.True(t, ok)
	assert.Equal(t, "player1", a)
}

// TestNewSessionRejectsBadInput verifies the creation contract.
func TestNewSessionRejectsBadInput(t *testing.T) {
	rs := duelRules(t)
	_, err := NewSession("", rs, []string{"p-a"})
	assert.Error(t, err)
	_, err = NewSession("s", nil, []string{"p-a"})
	assert.Error(t, err)
	_, err = NewSession("s", rs, nil)
	assert.Error(t, err)

	broken := duelRules(t)
	broken.InitTransitionID = ""
	_, err = NewSession("s", broken, []string{"p-a"})
	assert.Error(t, err)
}

// TestSnapshotRoundTrip verifies that a mid-game session survives the encode/
// decode cycle losslessly: state, rule set, alias mapping and the
// initialized flag.
func TestSnapshotRoundTrip(t *testing.T) {
	sess, err := NewSession("s-2", duelRules(t), []string{"p-a", "p-b"})
	require.NoError(t, err)
	sess.Initialized = true
	require.NoError(t, sess.State.Set("game.round", 2))
	require.NoError(t, sess.State.Set("players.p-a.score", 3))
	require.NoError(t, sess.State.Set("players.p-a.ready", true))

	data, err := EncodeSnapshot(sess.Snapshot())
	require.NoError(t, err)

	snap, err := DecodeSnapshot(data)
	require.NoError(t, err)
	restored, err := FromSnapshot(snap)
	require.NoError(t, err)

	assert.Equal(t, sess.ID, restored.ID)
	assert.True(t, restored.Initialized)
	assert.True(t, state.Equal(sess.State, restored.State))
	assert.Equal(t, sess.Mapping.IDs(), restored.Mapping.IDs())
	assert.Equal(t, sess.Mapping.Aliases(), restored.Mapping.Aliases())

	tr, ok := restored.Rules.TransitionByID("resolve")
	require.True(t, ok)
	assert.Equal(t, "scoring", tr.ToPhase)
}

// TestSnapshotChecksumDeterministic verifies identical states produce
// identical checksums and a state change produces a different one.
func TestSnapshotChecksumDeterministic(t *testing.T) {
	sess, err := NewSession("s-3", duelRules(t), []string{"p-a", "p-b"})
	require.NoError(t, err)

	first, err := SnapshotChecksum(sess.Snapshot())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := SnapshotChecksum(sess.Snapshot())
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	require.NoError(t, sess.State.Set("game.round", 9))
	changed, err := SnapshotChecksum(sess.Snapshot())
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)
}

// TestFromSnapshotRejectsIncomplete verifies decoding contract violations.
func TestFromSnapshotRejectsIncomplete(t *testing.T) {
	_, err := FromSnapshot(nil)
	assert.Error(t, err)

	sess, err := NewSession("s-4", duelRules(t), []string{"p-a"})
	require.NoError(t, err)

	snap := sess.Snapshot()
	snap.Rules = nil
	_, err = FromSnapshot(snap)
	assert.Error(t, err)

	snap = sess.Snapshot()
	snap.Mapping = nil
	_, err = FromSnapshot(snap)
	assert.Error(t, err)
}
