// Package fault defines the terminal error taxonomy of the runtime engine.
// A GameError written to game.gameError is sticky: the router only ever
// short-circuits afterwards, and recovery requires an external action that
// clears the field.
package fault

import (
	"fmt"
	"time"

	"github.com/arbitergames/arbiter-server-go/internal/state"
)

// Kind classifies a terminal failure.
type Kind string

const (
	// KindDeadlock: no player input is required and no transition fires.
	KindDeadlock Kind = "deadlock"
	// KindInvalidState: a referenced transition or its instructions are
	// missing; a compilation-time contract violation surfacing at runtime.
	KindInvalidState Kind = "invalid_state"
	// KindRuleViolation is reserved for future use.
	KindRuleViolation Kind = "rule_violation"
	// KindTransitionFailed: a downstream execution stage reported a problem
	// back into the engine.
	KindTransitionFailed Kind = "transition_failed"
	// KindEvaluationFailed: a precondition rule could not be evaluated.
	KindEvaluationFailed Kind = "evaluation_failed"
)

// GameError is the single reporting shape shared by all failure kinds.
type GameError struct {
	Kind      Kind           `json:"kind"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New builds a GameError stamped with the current time.
func New(kind Kind, message string, context map[string]any) *GameError {
	return &GameError{
		Kind:      kind,
		Message:   message,
		Context:   context,
		Timestamp: time.Now().UTC(),
	}
}

func (e *GameError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ToTree renders the error as the subtree stored at game.gameError.
func (e *GameError) ToTree() map[string]any {
	out := map[string]any{
		"kind":      string(e.Kind),
		"message":   e.Message,
		"timestamp": e.Timestamp.Format(time.RFC3339Nano),
	}
	if len(e.Context) > 0 {
		out["context"] = e.Context
	}
	return out
}

// FromState reads the sticky error out of a state tree, if present. A bare
// non-map truthy value at game.gameError still counts as an error so that a
// malformed write cannot un-stick the session.
func FromState(tree state.Tree) (*GameError, bool) {
	v, ok := tree.Get(state.PathGameError)
	if !ok || v == nil {
		return nil, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return &GameError{Kind: KindInvalidState, Message: fmt.Sprintf("malformed gameError value %v", v)}, true
	}
	ge := &GameError{
		Kind:    Kind(asString(m["kind"])),
		Message: asString(m["message"]),
	}
	if ctx, ok := m["context"].(map[string]any); ok {
		ge.Context = ctx
	}
	if ts, err := time.Parse(time.RFC3339Nano, asString(m["timestamp"])); err == nil {
		ge.Timestamp = ts
	}
	return ge, true
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
