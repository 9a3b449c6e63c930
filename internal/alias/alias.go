// Package alias maps opaque player identifiers to short stable aliases
// (player1, player2, ...) for presentation to the external judge, and expands
// alias-addressed operations back into canonical form. The canonical tree is
// the only persisted form; aliased views are transient.
package alias

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/arbitergames/arbiter-server-go/internal/ops"
	"github.com/arbitergames/arbiter-server-go/internal/state"
)

// Mapping is an immutable bijection between canonical player identifiers and
// aliases, created once at game initialization.
type Mapping struct {
	order   []string          // canonical ids, lexicographic
	toAlias map[string]string // id -> alias
	toID    map[string]string // alias -> id
}

// NewMapping builds a mapping from the given identifier set. Ids are sorted
// lexicographically and assigned player1..playerN in that order, so the
// result is deterministic regardless of call-time ordering.
func NewMapping(ids []string) (*Mapping, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one player id required")
	}
	order := append([]string(nil), ids...)
	sort.Strings(order)

	m := &Mapping{
		order:   order,
		toAlias: make(map[string]string, len(order)),
		toID:    make(map[string]string, len(order)),
	}
	for i, id := range order {
		if id == "" {
			return nil, fmt.Errorf("empty player id at position %d", i)
		}
		if _, dup := m.toAlias[id]; dup {
			return nil, fmt.Errorf("duplicate player id %q", id)
		}
		a := fmt.Sprintf("player%d", i+1)
		m.toAlias[id] = a
		m.toID[a] = id
	}
	return m, nil
}

// Alias returns the alias of a canonical id.
func (m *Mapping) Alias(id string) (string, bool) {
	a, ok := m.toAlias[id]
	return a, ok
}

// CanonicalID returns the canonical id behind an alias.
func (m *Mapping) CanonicalID(alias string) (string, bool) {
	id, ok := m.toID[alias]
	return id, ok
}

// IDs returns the canonical ids in assignment order.
func (m *Mapping) IDs() []string {
	return append([]string(nil), m.order...)
}

// Aliases returns the aliases in assignment order (player1..playerN).
func (m *Mapping) Aliases() []string {
	out := make([]string, len(m.order))
	for i, id := range m.order {
		out[i] = m.toAlias[id]
	}
	return out
}

// Len returns the number of mapped players.
func (m *Mapping) Len() int { return len(m.order) }

// AliasedView returns a deep copy of tree with the players node re-keyed by
// alias. The view is for presentation only and is never persisted. Player
// records without a mapping entry are dropped from the view.
func (m *Mapping) AliasedView(tree state.Tree) state.Tree {
	view := tree.Clone()
	players := view.Players()
	realiased := make(map[string]any, len(players))
	for id, rec := range players {
		if a, ok := m.toAlias[id]; ok {
			realiased[a] = rec
		}
	}
	view["players"] = realiased
	return view
}

// ExpandOperation rewrites an alias-addressed operation into canonical form.
// Paths of the shape players.<alias>.<rest> are re-keyed to the canonical
// id; an unknown alias that is also not a canonical id is an error.
// setForAllPlayers passes through untouched: the operation engine fans it out
// over the canonical identifier set at apply time.
func (m *Mapping) ExpandOperation(op ops.Operation) (ops.Operation, error) {
	switch op.Kind {
	case ops.KindSetForAllPlayers:
		return op, nil
	case ops.KindTransfer:
		from, err := m.expandPath(op.FromPath)
		if err != nil {
			return op, err
		}
		to, err := m.expandPath(op.ToPath)
		if err != nil {
			return op, err
		}
		op.FromPath, op.ToPath = from, to
		return op, nil
	default:
		path, err := m.expandPath(op.Path)
		if err != nil {
			return op, err
		}
		op.Path = path
		return op, nil
	}
}

// ExpandOperations expands a whole batch, failing on the first bad alias.
func (m *Mapping) ExpandOperations(batch []ops.Operation) ([]ops.Operation, error) {
	out := make([]ops.Operation, 0, len(batch))
	for i, op := range batch {
		expanded, err := m.ExpandOperation(op)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		out = append(out, expanded)
	}
	return out, nil
}

func (m *Mapping) expandPath(path string) (string, error) {
	segs, err := state.SplitPath(path)
	if err != nil {
		return "", err
	}
	if len(segs) < 2 || segs[0] != "players" {
		return path, nil
	}
	key := segs[1]
	if id, ok := m.toID[key]; ok {
		segs[1] = id
		return strings.Join(segs, "."), nil
	}
	if _, ok := m.toAlias[key]; ok {
		// Already canonical.
		return path, nil
	}
	return "", fmt.Errorf("unknown player alias %q in path %q", key, path)
}

// mappingJSON is the persisted wire form: the ordered canonical id list is
// sufficient to rebuild the bijection.
type mappingJSON struct {
	IDs []string `json:"ids"`
}

// MarshalJSON encodes the mapping for persistence.
func (m *Mapping) MarshalJSON() ([]byte, error) {
	return json.Marshal(mappingJSON{IDs: m.order})
}

// UnmarshalJSON rebuilds the mapping from its persisted form.
func (m *Mapping) UnmarshalJSON(data []byte) error {
	var wire mappingJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	rebuilt, err := NewMapping(wire.IDs)
	if err != nil {
		return err
	}
	*m = *rebuilt
	return nil
}
