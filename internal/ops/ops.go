// Package ops implements the operation engine: a typed set of state
// mutations applied as an all-or-nothing batch against an immutable state
// tree. Every application reports the exact set of leaf paths it wrote, which
// the merge stage uses to reconcile deterministic and externally computed
// results.
package ops

import (
	"fmt"

	"github.com/arbitergames/arbiter-server-go/internal/state"
)

// Kind discriminates the operation variants.
type Kind string

const (
	KindSet              Kind = "set"
	KindIncrement        Kind = "increment"
	KindTransfer         Kind = "transfer"
	KindSetForAllPlayers Kind = "setForAllPlayers"

	// KindRandomInt is a randomness placeholder. It is resolved into a
	// concrete KindSet before any batch reaches Apply; encountering one
	// inside Apply is a caller defect and fails the batch.
	KindRandomInt Kind = "randomInt"
)

// Operation is one tagged state mutation.
type Operation struct {
	Kind Kind `json:"op"`

	// set / increment / randomInt target.
	Path string `json:"path,omitempty"`

	// set / setForAllPlayers payload.
	Value any `json:"value,omitempty"`

	// increment payload.
	Delta float64 `json:"delta,omitempty"`

	// transfer endpoints and payload.
	FromPath string  `json:"from,omitempty"`
	ToPath   string  `json:"to,omitempty"`
	Amount   float64 `json:"amount,omitempty"`

	// setForAllPlayers target field.
	Field string `json:"field,omitempty"`

	// randomInt inclusive bounds.
	Min int `json:"min,omitempty"`
	Max int `json:"max,omitempty"`
}

// Set builds a set operation.
func Set(path string, value any) Operation {
	return Operation{Kind: KindSet, Path: path, Value: value}
}

// Increment builds an increment operation.
func Increment(path string, delta float64) Operation {
	return Operation{Kind: KindIncrement, Path: path, Delta: delta}
}

// Transfer builds a transfer operation.
func Transfer(from, to string, amount float64) Operation {
	return Operation{Kind: KindTransfer, FromPath: from, ToPath: to, Amount: amount}
}

// SetForAllPlayers builds a fan-out operation writing field on every player.
func SetForAllPlayers(field string, value any) Operation {
	return Operation{Kind: KindSetForAllPlayers, Field: field, Value: value}
}

// RandomInt builds a randomness placeholder for path in [min, max].
func RandomInt(path string, min, max int) Operation {
	return Operation{Kind: KindRandomInt, Path: path, Min: min, Max: max}
}

// OpError describes the failure of a single operation within a batch.
type OpError struct {
	Index  int    `json:"index"`
	Kind   Kind   `json:"op"`
	Path   string `json:"path,omitempty"`
	Reason string `json:"reason"`
}

func (e OpError) Error() string {
	return fmt.Sprintf("op %d (%s %s): %s", e.Index, e.Kind, e.Path, e.Reason)
}

// PathSet is a set of exact leaf paths written by one application. It lives
// from one Apply call to the following merge and is then discarded.
type PathSet map[string]struct{}

// NewPathSet builds a set from the given paths.
func NewPathSet(paths ...string) PathSet {
	s := make(PathSet, len(paths))
	for _, p := range paths {
		s.Add(p)
	}
	return s
}

// Add inserts a path.
func (s PathSet) Add(path string) { s[path] = struct{}{} }

// Has reports membership.
func (s PathSet) Has(path string) bool {
	_, ok := s[path]
	return ok
}

// Result is the outcome of applying a batch. On failure NewState is nil and
// Errors lists every operation that failed.
type Result struct {
	Success  bool
	NewState state.Tree
	Touched  PathSet
	Errors   []OpError
}

// Apply applies a batch of operations to tree. The input tree is never
// mutated; on success the returned tree is structurally independent. The
// batch is all-or-nothing: if any operation fails the whole batch is
// rejected, with one error per failing operation.
func Apply(tree state.Tree, operations []Operation) Result {
	scratch := tree.Clone()
	touched := make(PathSet)
	var errs []OpError

	fail := func(i int, op Operation, reason string) {
		path := op.Path
		if op.Kind == KindTransfer {
			path = op.FromPath
		}
		errs = append(errs, OpError{Index: i, Kind: op.Kind, Path: path, Reason: reason})
	}

	for i, op := range operations {
		switch op.Kind {
		case KindSet:
			if err := scratch.Set(op.Path, op.Value); err != nil {
				fail(i, op, err.Error())
				continue
			}
			touched.Add(op.Path)

		case KindIncrement:
			if err := increment(scratch, op.Path, op.Delta); err != nil {
				fail(i, op, err.Error())
				continue
			}
			touched.Add(op.Path)

		case KindTransfer:
			if err := increment(scratch, op.FromPath, -op.Amount); err != nil {
				fail(i, op, err.Error())
				continue
			}
			if err := increment(scratch, op.ToPath, op.Amount); err != nil {
				fail(i, op, err.Error())
				continue
			}
			touched.Add(op.FromPath)
			touched.Add(op.ToPath)

		case KindSetForAllPlayers:
			if op.Field == "" {
				fail(i, op, "setForAllPlayers requires a field")
				continue
			}
			for _, id := range scratch.PlayerIDs() {
				path := state.PlayerPath(id, op.Field)
				if err := scratch.Set(path, op.Value); err != nil {
					fail(i, op, err.Error())
					continue
				}
				touched.Add(path)
			}

		case KindRandomInt:
			fail(i, op, "unresolved randomness placeholder reached the operation engine")

		default:
			fail(i, op, fmt.Sprintf("unknown operation kind %q", op.Kind))
		}
	}

	if len(errs) > 0 {
		return Result{Success: false, Errors: errs, Touched: touched}
	}
	return Result{Success: true, NewState: scratch, Touched: touched}
}

// increment adds delta to the numeric leaf at path, treating an absent leaf
// as zero and rejecting non-numeric existing values.
func increment(tree state.Tree, path string, delta float64) error {
	cur := 0.0
	if v, ok := tree.Get(path); ok {
		n, numeric := state.Number(v)
		if !numeric {
			return fmt.Errorf("path %q holds non-numeric value %T", path, v)
		}
		cur = n
	}
	return tree.Set(path, cur+delta)
}
