// Package merge reconciles the two what-if computations of a step: the state
// produced by the deterministic operations and the state produced by the
// externally resolved (judge) operations, both applied to the same starting
// snapshot. The merge is leaf-by-leaf, never operation-by-operation, because
// fan-out operations expand into many leaves that must be compared
// individually.
package merge

import (
	"github.com/arbitergames/arbiter-server-go/internal/ops"
	"github.com/arbitergames/arbiter-server-go/internal/state"
)

// Trees combines the externally computed state with the deterministically
// computed one. Starting from the external state, every leaf path the
// deterministic application wrote is overwritten with the deterministic
// value — unless the external judge wrote to that exact leaf, in which case
// the judge's value stands. Deterministic operations are therefore
// authoritative everywhere except where the judge made an intentional, more
// specific override.
//
// The function is pure and total: inputs are never mutated and every input
// combination produces a tree.
func Trees(det state.Tree, detTouched ops.PathSet, ext state.Tree, extTouched ops.PathSet) state.Tree {
	out := ext.Clone()
	for path := range detTouched {
		if extTouched.Has(path) {
			continue
		}
		v, ok := det.Get(path)
		if !ok {
			continue
		}
		// Set only fails on a path blocked by a scalar intermediate; the
		// deterministic application already wrote this exact path, so a
		// conflict means the judge replaced a subtree with a scalar it
		// explicitly touched. The judge's structure wins there.
		_ = out.Set(path, v)
	}
	return out
}
