package router

import (
	"testing"

	"github.com/arbitergames/arbiter-server-go/internal/fault"
	"github.com/arbitergames/arbiter-server-go/internal/ops"
	"github.com/arbitergames/arbiter-server-go/internal/ruleset"
	"github.com/arbitergames/arbiter-server-go/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// duelDoc is a two-player choice game: lobby -> choice (input) -> scoring,
// then either done (round limit reached) or back to choice. Transition order
// out of scoring is significant: "end" is declared before "next-round".
const duelDoc = `{
	"name": "duel",
	"phases": [
		{"name": "lobby"},
		{"name": "choice", "requiresPlayerInput": true, "inputInstructionsId": "record"},
		{"name": "scoring"},
		{"name": "done", "terminal": true}
	],
	"transitions": [
		{"id": "start", "fromPhase": "lobby", "toPhase": "choice", "instructionsId": "setup"},
		{
			"id": "resolve", "fromPhase": "choice", "toPhase": "scoring",
			"preconditions": [{
				"rule": {"op": "eq", "left": {"op": "var", "var": "allPlayersActed"}, "right": {"op": "value", "value": true}},
				"deterministic": true,
				"description": "all players have chosen"
			}],
			"instructionsId": "resolve"
		},
		{
			"id": "end", "fromPhase": "scoring", "toPhase": "done",
			"preconditions": [{
				"rule": {"op": "gte", "left": {"op": "var", "var": "game.round"}, "right": {"op": "value", "value": 2}},
				"deterministic": true,
				"description": "round limit reached"
			}],
			"instructionsId": "end"
		},
		{"id": "next-round", "fromPhase": "scoring", "toPhase": "choice", "instructionsId": "new-round"}
	],
	"instructions": {
		"setup": {
			"operations": [
				{"op": "set", "path": "game.round", "value": 1},
				{"op": "setForAllPlayers", "field": "actionRequired", "value": true},
				{"op": "setForAllPlayers", "field": "actionsAllowed", "value": true},
				{"op": "randomInt", "path": "game.luck", "min": 1, "max": 6}
			]
		},
		"record": {
			"operations": [
				{"op": "set", "path": "players.$actor.choice", "value": "$action"},
				{"op": "set", "path": "players.$actor.actionRequired", "value": false},
				{"op": "set", "path": "players.$actor.actionsAllowed", "value": false}
			]
		},
		"resolve": {"judgeDirective": "score the round", "publicMessage": "Round resolved."},
		"new-round": {
			"operations": [
				{"op": "increment", "path": "game.round", "delta": 1},
				{"op": "setForAllPlayers", "field": "actionRequired", "value": true},
				{"op": "setForAllPlayers", "field": "actionsAllowed", "value": true}
			]
		},
		"end": {"operations": [{"op": "set", "path": "game.winnerDeclared", "value": true}]}
	},
	"initTransitionId": "start"
}`

func duelRules(t *testing.T) *ruleset.RuleSet {
	t.Helper()
	rs, err := ruleset.Parse([]byte(duelDoc))
	require.NoError(t, err)
	return rs
}

// choicePhaseTree builds an initialized state sitting in the choice phase.
func choicePhaseTree(t *testing.T, acted ...string) state.Tree {
	t.Helper()
	tree := state.NewWithPlayers([]string{"p-a", "p-b"})
	require.NoError(t, tree.Set(state.PathCurrentPhase, "choice"))
	require.NoError(t, tree.Set(state.PathGameEnded, false))
	require.NoError(t, tree.Set("game.round", 1))
	actedSet := make(map[string]bool, len(acted))
	for _, id := range acted {
		actedSet[id] = true
	}
	for _, id := range []string{"p-a", "p-b"} {
		require.NoError(t, tree.Set(state.PlayerPath(id, state.FieldActionRequired), !actedSet[id]))
		require.NoError(t, tree.Set(state.PlayerPath(id, state.FieldActionsAllowed), !actedSet[id]))
	}
	return tree
}

// TestStickyErrorHalts verifies priority 1: a recorded gameError short-
// circuits everything, including initialization.
func TestStickyErrorHalts(t *testing.T) {
	tree := choicePhaseTree(t)
	ge := fault.New(fault.KindDeadlock, "stuck", nil)
	require.NoError(t, tree.Set(state.PathGameError, ge.ToTree()))

	d := Decide(Request{State: tree, Rules: duelRules(t), Initialized: false, Seed: 1})
	assert.Equal(t, DecisionHalt, d.Kind)
	assert.Contains(t, d.Reason, "sticky error")
}

// TestGameEndedHalts verifies priority 1 for the ended flag.
func TestGameEndedHalts(t *testing.T) {
	tree := choicePhaseTree(t)
	require.NoError(t, tree.Set(state.PathGameEnded, true))

	d := Decide(Request{State: tree, Rules: duelRules(t), Initialized: true, Seed: 1})
	assert.Equal(t, DecisionHalt, d.Kind)
}

// TestInitializationFiresUnconditionally verifies priority 2: the init
// transition is selected with no precondition evaluation and randomness
// already resolved.
func TestInitializationFiresUnconditionally(t *testing.T) {
	tree := state.NewWithPlayers([]string{"p-a", "p-b"})
	require.NoError(t, tree.Set(state.PathCurrentPhase, "lobby"))

	d := Decide(Request{State: tree, Rules: duelRules(t), Initialized: false, Seed: 7})
	require.Equal(t, DecisionExecute, d.Kind)
	assert.Equal(t, "start", d.TransitionID)
	assert.Equal(t, "choice", d.NextPhase)
	assert.True(t, d.Initialize)

	// The randomInt placeholder must arrive resolved.
	for _, op := range d.Instructions.Operations {
		assert.NotEqual(t, ops.KindRandomInt, op.Kind)
	}
	luck := d.Instructions.Operations[3]
	assert.Equal(t, ops.KindSet, luck.Kind)
	v, ok := luck.Value.(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, v, float64(1))
	assert.LessOrEqual(t, v, float64(6))
}

// TestMissingInitTransitionIsFatal verifies the invalid_state kind.
func TestMissingInitTransitionIsFatal(t *testing.T) {
	rs := duelRules(t)
	rs.InitTransitionID = "ghost"

	d := Decide(Request{State: state.New(), Rules: rs, Initialized: false, Seed: 1})
	require.Equal(t, DecisionFatal, d.Kind)
	assert.Equal(t, fault.KindInvalidState, d.Fatal.Kind)
}

// TestWaitingWithoutInput verifies priority 4: input outstanding, none
// submitted.
func TestWaitingWithoutInput(t *testing.T) {
	d := Decide(Request{State: choicePhaseTree(t), Rules: duelRules(t), Initialized: true, Seed: 1})
	assert.Equal(t, DecisionWaiting, d.Kind)
}

// TestInvalidInputTreatedAsAbsent verifies that bad submissions degrade to
// waiting instead of failing the game: arbitration of bad input belongs to
// the external driver.
func TestInvalidInputTreatedAsAbsent(t *testing.T) {
	rs := duelRules(t)
	inputs := []*PlayerInput{
		nil,
		{PlayerID: "", Action: "rock"},
		{PlayerID: "p-a", Action: nil},
		{PlayerID: "p-a", Action: "   "},
		{PlayerID: "stranger", Action: "rock"},
	}
	for _, in := range inputs {
		d := Decide(Request{State: choicePhaseTree(t), Rules: rs, Initialized: true, Input: in, Seed: 1})
		assert.Equal(t, DecisionWaiting, d.Kind, "input %+v", in)
	}
}

// TestDisallowedActorTreatedAsAbsent verifies the actionsAllowed gate: a
// player who already acted cannot act again this round.
func TestDisallowedActorTreatedAsAbsent(t *testing.T) {
	tree := choicePhaseTree(t, "p-a")

	d := Decide(Request{
		State: tree, Rules: duelRules(t), Initialized: true,
		Input: &PlayerInput{PlayerID: "p-a", Action: "rock"},
		Seed:  1,
	})
	assert.Equal(t, DecisionWaiting, d.Kind)
}

// TestInputHandling verifies priority 3: a valid input selects the phase's
// input instructions with actor and action substituted.
func TestInputHandling(t *testing.T) {
	d := Decide(Request{
		State: choicePhaseTree(t), Rules: duelRules(t), Initialized: true,
		Input: &PlayerInput{PlayerID: "p-b", Action: "scissors"},
		Seed:  1,
	})
	require.Equal(t, DecisionExecute, d.Kind)
	assert.Equal(t, "input:choice", d.TransitionID)
	assert.Equal(t, "choice", d.NextPhase)
	assert.Equal(t, "p-b", d.ActorID)

	opsList := d.Instructions.Operations
	require.Len(t, opsList, 3)
	assert.Equal(t, "players.p-b.choice", opsList[0].Path)
	assert.Equal(t, "scissors", opsList[0].Value)
	assert.Equal(t, "players.p-b.actionRequired", opsList[1].Path)
	assert.Equal(t, false, opsList[1].Value)
}

// TestInputSubstitutionLeavesTemplatePristine verifies the stored rule set is
// never mutated by substitution.
func TestInputSubstitutionLeavesTemplatePristine(t *testing.T) {
	rs := duelRules(t)
	_ = Decide(Request{
		State: choicePhaseTree(t), Rules: rs, Initialized: true,
		Input: &PlayerInput{PlayerID: "p-a", Action: "rock"},
		Seed:  1,
	})

	ins, ok := rs.InstructionsByID("record")
	require.True(t, ok)
	assert.Equal(t, "players.$actor.choice", ins.Operations[0].Path)
	assert.Equal(t, "$action", ins.Operations[0].Value)
}

// TestInputPhaseFallsThroughWhenAllActed verifies that once no player has
// actionRequired set, the automatic scan runs even in an input phase.
func TestInputPhaseFallsThroughWhenAllActed(t *testing.T) {
	tree := choicePhaseTree(t, "p-a", "p-b")

	d := Decide(Request{State: tree, Rules: duelRules(t), Initialized: true, Seed: 1})
	require.Equal(t, DecisionExecute, d.Kind)
	assert.Equal(t, "resolve", d.TransitionID)
	assert.Equal(t, "scoring", d.NextPhase)
	assert.Equal(t, "score the round", d.Instructions.JudgeDirective)
}

// TestAutomaticFirstMatchWins verifies declared-order selection: from scoring
// with the round limit reached, "end" wins even though "next-round" would
// also fire.
func TestAutomaticFirstMatchWins(t *testing.T) {
	tree := choicePhaseTree(t, "p-a", "p-b")
	require.NoError(t, tree.Set(state.PathCurrentPhase, "scoring"))
	require.NoError(t, tree.Set("game.round", 2))

	d := Decide(Request{State: tree, Rules: duelRules(t), Initialized: true, Seed: 1})
	require.Equal(t, DecisionExecute, d.Kind)
	assert.Equal(t, "end", d.TransitionID)
	assert.Equal(t, "done", d.NextPhase)
}

// TestAutomaticFallthroughOrder verifies that a failing earlier transition
// falls through to the next declared one.
func TestAutomaticFallthroughOrder(t *testing.T) {
	tree := choicePhaseTree(t, "p-a", "p-b")
	require.NoError(t, tree.Set(state.PathCurrentPhase, "scoring"))
	require.NoError(t, tree.Set("game.round", 1))

	d := Decide(Request{State: tree, Rules: duelRules(t), Initialized: true, Seed: 1})
	require.Equal(t, DecisionExecute, d.Kind)
	assert.Equal(t, "next-round", d.TransitionID)
	assert.Equal(t, "choice", d.NextPhase)
}

// TestDeadlockDetection verifies priority 6: no input required, nothing
// fires. The failed candidates are carried in the error context.
func TestDeadlockDetection(t *testing.T) {
	rs := duelRules(t)
	// Remove the unconditional fallback so nothing can fire from scoring.
	rs.Transitions = rs.Transitions[:3]

	tree := choicePhaseTree(t, "p-a", "p-b")
	require.NoError(t, tree.Set(state.PathCurrentPhase, "scoring"))
	require.NoError(t, tree.Set("game.round", 1))

	d := Decide(Request{State: tree, Rules: rs, Initialized: true, Seed: 1})
	require.Equal(t, DecisionFatal, d.Kind)
	assert.Equal(t, fault.KindDeadlock, d.Fatal.Kind)
	assert.Equal(t, []any{"end"}, d.Fatal.Context["candidates"])
}

// TestUndeclaredPhaseIsFatal verifies invalid_state on a phase the rule set
// does not know.
func TestUndeclaredPhaseIsFatal(t *testing.T) {
	tree := choicePhaseTree(t)
	require.NoError(t, tree.Set(state.PathCurrentPhase, "limbo"))

	d := Decide(Request{State: tree, Rules: duelRules(t), Initialized: true, Seed: 1})
	require.Equal(t, DecisionFatal, d.Kind)
	assert.Equal(t, fault.KindInvalidState, d.Fatal.Kind)
}

// TestEvaluationFailureIsFatal verifies evaluation_failed when a precondition
// cannot be evaluated against the current state.
func TestEvaluationFailureIsFatal(t *testing.T) {
	tree := choicePhaseTree(t, "p-a", "p-b")
	require.NoError(t, tree.Set(state.PathCurrentPhase, "scoring"))
	require.NoError(t, tree.Set("game.round", "not-a-number"))

	d := Decide(Request{State: tree, Rules: duelRules(t), Initialized: true, Seed: 1})
	require.Equal(t, DecisionFatal, d.Kind)
	assert.Equal(t, fault.KindEvaluationFailed, d.Fatal.Kind)
}

// TestDecideIsDeterministic verifies that identical requests produce
// identical decisions, including resolved randomness.
func TestDecideIsDeterministic(t *testing.T) {
	tree := state.NewWithPlayers([]string{"p-a", "p-b"})
	require.NoError(t, tree.Set(state.PathCurrentPhase, "lobby"))
	rs := duelRules(t)

	first := Decide(Request{State: tree, Rules: rs, Initialized: false, Seed: 123})
	second := Decide(Request{State: tree, Rules: rs, Initialized: false, Seed: 123})
	assert.Equal(t, first, second)
}

// TestDecideNeverMutatesState verifies router purity across decision kinds.
func TestDecideNeverMutatesState(t *testing.T) {
	rs := duelRules(t)
	trees := []state.Tree{
		choicePhaseTree(t),
		choicePhaseTree(t, "p-a", "p-b"),
	}
	for _, tree := range trees {
		before := tree.Clone()
		_ = Decide(Request{State: tree, Rules: rs, Initialized: true, Seed: 5})
		assert.True(t, state.Equal(before, tree))
	}
}
