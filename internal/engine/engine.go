// Package engine orchestrates one step of a game session: routing, applying
// the deterministic operations, invoking the external judge when directed,
// and merging both results into the authoritative next state. Router, the
// operation engine and the merge are pure; the only suspension point is the
// judge call.
package engine

import (
	"context"
	"fmt"

	"github.com/arbitergames/arbiter-server-go/internal/fault"
	"github.com/arbitergames/arbiter-server-go/internal/merge"
	"github.com/arbitergames/arbiter-server-go/internal/ops"
	"github.com/arbitergames/arbiter-server-go/internal/random"
	"github.com/arbitergames/arbiter-server-go/internal/router"
	"github.com/arbitergames/arbiter-server-go/internal/state"
	"go.uber.org/zap"
)

// DefaultMaxAutoSteps bounds one Advance loop. A correct rule set reaches a
// waiting or terminal decision long before this; the bound turns a
// miscompiled always-firing transition cycle into a diagnosable error
// instead of a spin.
const DefaultMaxAutoSteps = 64

// SeedFunc supplies the randomness seed for one step. Production uses
// crypto-derived seeds; tests inject a fixed function to make whole runs
// reproducible.
type SeedFunc func() (int64, error)

// Engine executes steps against sessions. Safe for use across sessions;
// within one session the driver must not overlap Step calls.
type Engine struct {
	judge        Judge
	seedFn       SeedFunc
	maxAutoSteps int
	logger       *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithSeedFunc overrides the per-step seed source.
func WithSeedFunc(fn SeedFunc) Option {
	return func(e *Engine) { e.seedFn = fn }
}

// WithMaxAutoSteps overrides the Advance loop bound.
func WithMaxAutoSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAutoSteps = n
		}
	}
}

// New creates an engine. A nil judge falls back to the null judge.
func New(judge Judge, logger *zap.Logger, opts ...Option) *Engine {
	if judge == nil {
		judge = NewNullJudge(logger)
	}
	e := &Engine{
		judge:        judge,
		seedFn:       random.NewSeed,
		maxAutoSteps: DefaultMaxAutoSteps,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StepResult is the decision record of one step plus its observable output.
type StepResult struct {
	Decision        router.Decision   `json:"decision"`
	State           state.Tree        `json:"state"`
	PublicMessage   string            `json:"publicMessage,omitempty"`
	PrivateMessages map[string]string `json:"privateMessages,omitempty"`
	Changed         bool              `json:"changed"`
}

// Step performs exactly one routing decision against the session and, if a
// step was chosen, executes it. The session is advanced in place; the caller
// persists the snapshot afterwards.
func (e *Engine) Step(ctx context.Context, sess *Session, input *router.PlayerInput) (*StepResult, error) {
	seed, err := e.seedFn()
	if err != nil {
		return nil, fmt.Errorf("derive step seed: %w", err)
	}

	decision := router.Decide(router.Request{
		State:       sess.State,
		Rules:       sess.Rules,
		Initialized: sess.Initialized,
		Input:       input,
		Seed:        seed,
	})

	switch decision.Kind {
	case router.DecisionWaiting, router.DecisionHalt:
		return &StepResult{Decision: decision, State: sess.State}, nil

	case router.DecisionFatal:
		return e.recordFatal(sess, decision, decision.Fatal)

	case router.DecisionExecute:
		return e.execute(ctx, sess, decision)

	default:
		return nil, fmt.Errorf("unknown decision kind %q", decision.Kind)
	}
}

// execute applies the chosen step: deterministic operations directly,
// externally resolved operations on a separate copy of the same snapshot,
// then the leaf-by-leaf merge.
func (e *Engine) execute(ctx context.Context, sess *Session, decision router.Decision) (*StepResult, error) {
	instructions := decision.Instructions

	detOps := make([]ops.Operation, 0, len(instructions.Operations)+2)
	detOps = append(detOps, ops.Set(state.PathCurrentPhase, decision.NextPhase))
	if phase, ok := sess.Rules.PhaseByName(decision.NextPhase); ok && phase.Terminal {
		detOps = append(detOps, ops.Set(state.PathGameEnded, true))
	}

	expanded, err := sess.Mapping.ExpandOperations(instructions.Operations)
	if err != nil {
		return e.recordFatal(sess, decision, fault.New(fault.KindTransitionFailed,
			fmt.Sprintf("expand operations for %s: %v", decision.TransitionID, err),
			map[string]any{"transitionId": decision.TransitionID}))
	}
	detOps = append(detOps, expanded...)

	detResult := ops.Apply(sess.State, detOps)
	if !detResult.Success {
		return e.recordFatal(sess, decision, fault.New(fault.KindTransitionFailed,
			fmt.Sprintf("deterministic operations for %s failed", decision.TransitionID),
			map[string]any{"transitionId": decision.TransitionID, "errors": opErrStrings(detResult.Errors)}))
	}

	next := detResult.NewState
	result := &StepResult{
		Decision:      decision,
		PublicMessage: instructions.PublicMessageTemplate,
		Changed:       true,
	}

	if instructions.JudgeDirective != "" {
		judged, ferr := e.resolveExternally(ctx, sess, decision, detResult, result)
		if ferr != nil {
			return e.recordFatal(sess, decision, ferr)
		}
		next = judged
	}

	sess.State = next
	if decision.Initialize {
		sess.Initialized = true
	}
	sess.UpdatedAt = nowUTC()
	result.State = sess.State

	if e.logger != nil {
		e.logger.Info("step executed",
			zap.String("session_id", sess.ID),
			zap.String("transition_id", decision.TransitionID),
			zap.String("next_phase", decision.NextPhase),
			zap.Bool("judged", instructions.JudgeDirective != ""),
		)
	}
	return result, nil
}

// resolveExternally runs the judge against the pre-step snapshot, applies its
// alias-expanded delta to a separate copy, and merges. Deterministic writes
// win everywhere except the exact leaves the judge touched.
func (e *Engine) resolveExternally(ctx context.Context, sess *Session, decision router.Decision, detResult ops.Result, out *StepResult) (state.Tree, *fault.GameError) {
	judgeResult, err := e.judge.Resolve(ctx, JudgeRequest{
		SessionID:    sess.ID,
		Instructions: decision.Instructions,
		AliasedState: sess.Mapping.AliasedView(sess.State),
		Aliases:      sess.Mapping.Aliases(),
	})
	if err != nil {
		return nil, fault.New(fault.KindTransitionFailed,
			fmt.Sprintf("external resolution for %s failed: %v", decision.TransitionID, err),
			map[string]any{"transitionId": decision.TransitionID})
	}

	extOps, err := sess.Mapping.ExpandOperations(judgeResult.StateDelta)
	if err != nil {
		return nil, fault.New(fault.KindTransitionFailed,
			fmt.Sprintf("expand judge delta for %s: %v", decision.TransitionID, err),
			map[string]any{"transitionId": decision.TransitionID})
	}

	extResult := ops.Apply(sess.State, extOps)
	if !extResult.Success {
		return nil, fault.New(fault.KindTransitionFailed,
			fmt.Sprintf("judge operations for %s failed", decision.TransitionID),
			map[string]any{"transitionId": decision.TransitionID, "errors": opErrStrings(extResult.Errors)})
	}

	if judgeResult.PublicMessage != "" {
		out.PublicMessage = judgeResult.PublicMessage
	}
	if len(judgeResult.PrivateMessages) > 0 {
		out.PrivateMessages = make(map[string]string, len(judgeResult.PrivateMessages))
		for a, msg := range judgeResult.PrivateMessages {
			if id, ok := sess.Mapping.CanonicalID(a); ok {
				out.PrivateMessages[id] = msg
			}
		}
	}

	return merge.Trees(detResult.NewState, detResult.Touched, extResult.NewState, extResult.Touched), nil
}

// recordFatal writes the error into game.gameError, making it sticky, and
// reports the fatal decision. Router short-circuits on every later call.
func (e *Engine) recordFatal(sess *Session, decision router.Decision, ge *fault.GameError) (*StepResult, error) {
	res := ops.Apply(sess.State, []ops.Operation{ops.Set(state.PathGameError, ge.ToTree())})
	if !res.Success {
		// The error subtree is built by this package, so a failure here is a
		// programming defect, not game data.
		return nil, fmt.Errorf("record fatal %s: %v", ge.Kind, res.Errors)
	}
	sess.State = res.NewState
	sess.UpdatedAt = nowUTC()

	if e.logger != nil {
		e.logger.Error("session entered fatal state",
			zap.String("session_id", sess.ID),
			zap.String("kind", string(ge.Kind)),
			zap.String("message", ge.Message),
		)
	}

	decision.Kind = router.DecisionFatal
	decision.Fatal = ge
	return &StepResult{
		Decision:      decision,
		State:         sess.State,
		PublicMessage: ge.Message,
		Changed:       true,
	}, nil
}

// Advance drives the session until it waits for input, halts, or fails:
// the input (if any) is offered to the first step only, then automatic
// transitions are followed. The loop is bounded by the configured maximum.
func (e *Engine) Advance(ctx context.Context, sess *Session, input *router.PlayerInput) ([]*StepResult, error) {
	var results []*StepResult
	for i := 0; i < e.maxAutoSteps; i++ {
		res, err := e.Step(ctx, sess, input)
		if err != nil {
			return results, err
		}
		input = nil
		results = append(results, res)
		if res.Decision.Kind != router.DecisionExecute {
			return results, nil
		}
	}
	return results, fmt.Errorf("session %s exceeded %d automatic steps; rule set likely cycles", sess.ID, e.maxAutoSteps)
}

func opErrStrings(errs []ops.OpError) []any {
	out := make([]any, len(errs))
	for i, e := range errs {
		out[i] = e.Error()
	}
	return out
}
