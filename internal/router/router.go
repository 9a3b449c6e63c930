// Package router implements the phase-transition state machine. One call
// performs at most one decision: it consumes the current canonical state, the
// transition rule set and optional player input, and either signals that a
// step is ready to execute, that the session is waiting for input, that the
// session is halted, or that a fatal condition was detected.
//
// Decide is a pure function: given identical state, rule set, input and seed
// it always returns the identical decision.
package router

import (
	"fmt"
	"strings"

	"github.com/arbitergames/arbiter-server-go/internal/fault"
	"github.com/arbitergames/arbiter-server-go/internal/random"
	"github.com/arbitergames/arbiter-server-go/internal/rules"
	"github.com/arbitergames/arbiter-server-go/internal/ruleset"
	"github.com/arbitergames/arbiter-server-go/internal/state"
)

// Template tokens admitted in input-handling instructions. $actor in a path
// segment is replaced by the canonical actor id; a value equal to $action is
// replaced by the submitted payload.
const (
	TokenActor  = "$actor"
	TokenAction = "$action"
)

// PlayerInput is one submitted player action. PlayerID must already be
// canonical; alias resolution happens at the presentation boundary.
type PlayerInput struct {
	PlayerID string `json:"playerId"`
	Action   any    `json:"action"`
}

// valid reports whether the input is syntactically usable: a non-empty actor
// id and a non-empty payload.
func (in *PlayerInput) valid() bool {
	if in == nil || in.PlayerID == "" || in.Action == nil {
		return false
	}
	if s, ok := in.Action.(string); ok && strings.TrimSpace(s) == "" {
		return false
	}
	return true
}

// DecisionKind discriminates router outcomes.
type DecisionKind string

const (
	// DecisionWaiting: the current phase requires player input that has not
	// arrived yet; no state change.
	DecisionWaiting DecisionKind = "waiting"
	// DecisionExecute: a step was chosen and its resolved instructions are
	// ready for the operation engine and, if directed, the external judge.
	DecisionExecute DecisionKind = "execute"
	// DecisionHalt: the game has ended or a sticky error is set; no further
	// action will ever be taken by the router.
	DecisionHalt DecisionKind = "halt"
	// DecisionFatal: a terminal condition was detected on this call. The
	// caller must write Fatal into game.gameError to make it sticky.
	DecisionFatal DecisionKind = "fatal"
)

// Decision is the record of one router invocation.
type Decision struct {
	Kind DecisionKind `json:"kind"`

	// Execute fields.
	TransitionID string                `json:"transitionId,omitempty"`
	NextPhase    string                `json:"nextPhase,omitempty"`
	Instructions *ruleset.Instructions `json:"instructions,omitempty"`
	Initialize   bool                  `json:"initialize,omitempty"`
	ActorID      string                `json:"actorId,omitempty"`

	// Fatal field.
	Fatal *fault.GameError `json:"fatal,omitempty"`

	// Halt / waiting diagnostics.
	Reason string `json:"reason,omitempty"`
}

// Request carries everything one decision depends on.
type Request struct {
	State       state.Tree
	Rules       *ruleset.RuleSet
	Initialized bool
	Input       *PlayerInput

	// Seed drives resolution of randomness placeholders in the selected
	// instructions. Identical seeds yield identical decisions.
	Seed int64
}

// Decide performs one routing decision, in strict priority order: sticky
// error / game-over short-circuit, unconditional initialization, player input
// handling, waiting, automatic transition scan, deadlock.
func Decide(req Request) Decision {
	tree := req.State
	rs := req.Rules

	// 1. Fatal short-circuit. Once game.gameError is set the engine never
	// attempts recovery on its own.
	if ge, stuck := fault.FromState(tree); stuck {
		return Decision{Kind: DecisionHalt, Reason: fmt.Sprintf("sticky error: %s", ge.Error())}
	}
	if tree.GetBool(state.PathGameEnded) {
		return Decision{Kind: DecisionHalt, Reason: "game has ended"}
	}

	// 2. Initialization fires unconditionally, bypassing preconditions.
	if !req.Initialized {
		return decideInit(rs, req.Seed)
	}

	currentPhase := tree.GetString(state.PathCurrentPhase)
	phase, ok := rs.PhaseByName(currentPhase)
	if !ok {
		return fatal(fault.KindInvalidState,
			fmt.Sprintf("current phase %q is not declared in the rule set", currentPhase),
			map[string]any{"phase": currentPhase})
	}

	// 3/4. Player-input phase. Input remains required while any player still
	// has actionRequired set; once every player has acted the phase falls
	// through to the automatic transition scan.
	if phase.RequiresPlayerInput {
		if d, handled := decideInput(tree, rs, phase, req.Input, req.Seed); handled {
			return d
		}
		if inputOutstanding(tree) {
			return Decision{Kind: DecisionWaiting, Reason: fmt.Sprintf("phase %q awaits player input", phase.Name)}
		}
	}

	// 5. Automatic transition search, declared order, first match wins.
	return decideAutomatic(tree, rs, phase, req.Seed)
}

func decideInit(rs *ruleset.RuleSet, seed int64) Decision {
	tr, ok := rs.TransitionByID(rs.InitTransitionID)
	if !ok {
		return fatal(fault.KindInvalidState,
			fmt.Sprintf("initialization transition %q is missing", rs.InitTransitionID),
			map[string]any{"transitionId": rs.InitTransitionID})
	}
	ins, ok := rs.InstructionsByID(tr.InstructionsID)
	if !ok {
		return fatal(fault.KindInvalidState,
			fmt.Sprintf("instructions %q for initialization transition %q are missing", tr.InstructionsID, tr.ID),
			map[string]any{"transitionId": tr.ID, "instructionsId": tr.InstructionsID})
	}
	resolved, err := resolveRandomness(ins, seed)
	if err != nil {
		return fatal(fault.KindInvalidState, err.Error(), map[string]any{"transitionId": tr.ID})
	}
	return Decision{
		Kind:         DecisionExecute,
		TransitionID: tr.ID,
		NextPhase:    tr.ToPhase,
		Instructions: resolved,
		Initialize:   true,
	}
}

// inputOutstanding reports whether any player still has actionRequired set.
func inputOutstanding(tree state.Tree) bool {
	for _, rec := range tree.Players() {
		if m, ok := rec.(map[string]any); ok {
			if required, _ := m[state.FieldActionRequired].(bool); required {
				return true
			}
		}
	}
	return false
}

// decideInput handles step 3. It reports handled=false when no syntactically
// valid, permitted input is present, in which case the caller signals
// waiting. An input naming a nonexistent actor or an actor whose
// actionsAllowed flag is not true is treated the same as absent input: the
// arbitration of bad submissions belongs to the external driver.
func decideInput(tree state.Tree, rs *ruleset.RuleSet, phase ruleset.Phase, in *PlayerInput, seed int64) (Decision, bool) {
	if !in.valid() {
		return Decision{}, false
	}
	if !tree.HasPlayer(in.PlayerID) {
		return Decision{}, false
	}
	if allowed := tree.GetBool(state.PlayerPath(in.PlayerID, state.FieldActionsAllowed)); !allowed {
		return Decision{}, false
	}

	ins, ok := rs.InstructionsByID(phase.InputInstructionsID)
	if !ok {
		return fatal(fault.KindInvalidState,
			fmt.Sprintf("input instructions %q for phase %q are missing", phase.InputInstructionsID, phase.Name),
			map[string]any{"phase": phase.Name, "instructionsId": phase.InputInstructionsID}), true
	}

	substituted := substituteActor(ins, in)
	resolved, err := resolveRandomness(substituted, seed)
	if err != nil {
		return fatal(fault.KindInvalidState, err.Error(), map[string]any{"phase": phase.Name}), true
	}

	return Decision{
		Kind:         DecisionExecute,
		TransitionID: "input:" + phase.Name,
		NextPhase:    phase.Name,
		Instructions: resolved,
		ActorID:      in.PlayerID,
	}, true
}

func decideAutomatic(tree state.Tree, rs *ruleset.RuleSet, phase ruleset.Phase, seed int64) Decision {
	ctx := rules.NewContext(tree)
	var evaluated []any

	for _, tr := range rs.TransitionsFrom(phase.Name) {
		fired, err := deterministicConjunction(tr, ctx)
		if err != nil {
			return fatal(fault.KindEvaluationFailed,
				fmt.Sprintf("transition %q precondition evaluation failed: %v", tr.ID, err),
				map[string]any{"phase": phase.Name, "transitionId": tr.ID})
		}
		if !fired {
			evaluated = append(evaluated, tr.ID)
			continue
		}

		ins, ok := rs.InstructionsByID(tr.InstructionsID)
		if !ok {
			return fatal(fault.KindInvalidState,
				fmt.Sprintf("instructions %q for transition %q are missing", tr.InstructionsID, tr.ID),
				map[string]any{"transitionId": tr.ID, "instructionsId": tr.InstructionsID})
		}
		resolved, err := resolveRandomness(ins, seed)
		if err != nil {
			return fatal(fault.KindInvalidState, err.Error(), map[string]any{"transitionId": tr.ID})
		}
		return Decision{
			Kind:         DecisionExecute,
			TransitionID: tr.ID,
			NextPhase:    tr.ToPhase,
			Instructions: resolved,
		}
	}

	// 6. Deadlock: nothing to wait for and nothing fired.
	return fatal(fault.KindDeadlock,
		fmt.Sprintf("no transition fires from phase %q and no player input is required", phase.Name),
		map[string]any{"phase": phase.Name, "candidates": evaluated})
}

// deterministicConjunction evaluates the conjunction of the transition's
// deterministic preconditions. Non-deterministic preconditions never gate
// automatic firing. An empty deterministic set is a true conjunction.
func deterministicConjunction(tr ruleset.Transition, ctx *rules.Context) (bool, error) {
	for i, pre := range tr.Preconditions {
		if !pre.Deterministic {
			continue
		}
		ok, err := pre.Rule.EvalBool(ctx)
		if err != nil {
			return false, fmt.Errorf("precondition %d (%s): %w", i, pre.Description, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// substituteActor replaces the actor and action template tokens in a copy of
// the instructions.
func substituteActor(ins *ruleset.Instructions, in *PlayerInput) *ruleset.Instructions {
	out := ins.Clone()
	for i, op := range out.Operations {
		op.Path = replaceActorSegment(op.Path, in.PlayerID)
		op.FromPath = replaceActorSegment(op.FromPath, in.PlayerID)
		op.ToPath = replaceActorSegment(op.ToPath, in.PlayerID)
		if s, ok := op.Value.(string); ok && s == TokenAction {
			op.Value = in.Action
		}
		out.Operations[i] = op
	}
	return out
}

func replaceActorSegment(path, actorID string) string {
	if path == "" || !strings.Contains(path, TokenActor) {
		return path
	}
	segs := strings.Split(path, ".")
	for i, s := range segs {
		if s == TokenActor {
			segs[i] = actorID
		}
	}
	return strings.Join(segs, ".")
}

// resolveRandomness resolves randomInt placeholders in a copy of the
// instructions. Resolution happens before rule evaluation of the next step,
// never inside the current one.
func resolveRandomness(ins *ruleset.Instructions, seed int64) (*ruleset.Instructions, error) {
	out := ins.Clone()
	resolved, err := random.ResolveOperations(out.Operations, seed)
	if err != nil {
		return nil, fmt.Errorf("resolve randomness: %w", err)
	}
	out.Operations = resolved
	return out, nil
}

func fatal(kind fault.Kind, message string, context map[string]any) Decision {
	return Decision{Kind: DecisionFatal, Fatal: fault.New(kind, message, context)}
}
