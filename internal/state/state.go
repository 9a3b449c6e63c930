// Package state implements the canonical game state tree: a dynamically
// typed, JSON-compatible tree addressed by dot-separated paths. The tree is
// the single persisted source of truth for a game session; every mutation
// goes through the operation engine, never through direct map writes.
package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Well-known paths inside the canonical tree.
const (
	PathCurrentPhase = "game.currentPhase"
	PathGameEnded    = "game.gameEnded"
	PathGameError    = "game.gameError"

	// Per-player control fields, addressed as players.<id>.<field>.
	FieldActionRequired = "actionRequired"
	FieldActionsAllowed = "actionsAllowed"
)

// Node names of the two top-level subtrees.
const (
	nodeGame    = "game"
	nodePlayers = "players"
)

// Tree is a canonical state tree. Keys of the players node are opaque,
// stable player identifiers; they are never reused or reordered and the map
// is not positionally addressable.
type Tree map[string]any

// New returns an empty tree with the game and players nodes present.
func New() Tree {
	return Tree{
		nodeGame:    map[string]any{},
		nodePlayers: map[string]any{},
	}
}

// NewWithPlayers returns a tree seeded with one empty record per player id.
func NewWithPlayers(ids []string) Tree {
	players := make(map[string]any, len(ids))
	for _, id := range ids {
		players[id] = map[string]any{}
	}
	return Tree{
		nodeGame:    map[string]any{},
		nodePlayers: players,
	}
}

// SplitPath splits a dot-separated path into its segments. Empty segments
// (leading, trailing or doubled dots) make the path invalid.
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	segs := strings.Split(path, ".")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("malformed path %q", path)
		}
	}
	return segs, nil
}

// JoinPath assembles path segments into a dot-separated path.
func JoinPath(segs ...string) string {
	return strings.Join(segs, ".")
}

// PlayerPath returns the path of a per-player field.
func PlayerPath(id, field string) string {
	return JoinPath(nodePlayers, id, field)
}

// Get resolves a dot-path and reports whether a value exists there.
func (t Tree) Get(path string) (any, bool) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, false
	}
	var cur any = map[string]any(t)
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// GetNumber reads a numeric leaf. A missing leaf is an error; use Number on
// the raw value when absence should default to zero.
func (t Tree) GetNumber(path string) (float64, error) {
	v, ok := t.Get(path)
	if !ok {
		return 0, fmt.Errorf("path %q not found", path)
	}
	n, ok := Number(v)
	if !ok {
		return 0, fmt.Errorf("path %q holds non-numeric value %T", path, v)
	}
	return n, nil
}

// GetBool reads a boolean leaf; a missing leaf reads as false.
func (t Tree) GetBool(path string) bool {
	v, ok := t.Get(path)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// GetString reads a string leaf; a missing leaf reads as "".
func (t Tree) GetString(path string) string {
	v, ok := t.Get(path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Set writes value at path, creating intermediate map nodes as needed.
// Writing through an existing scalar is a type error, not a silent replace.
func (t Tree) Set(path string, value any) error {
	segs, err := SplitPath(path)
	if err != nil {
		return err
	}
	cur := map[string]any(t)
	for i, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg]
		if !ok {
			child := map[string]any{}
			cur[seg] = child
			cur = child
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("path %q blocked by non-map value at %q", path, JoinPath(segs[:i+1]...))
		}
		cur = m
	}
	cur[segs[len(segs)-1]] = Normalize(value)
	return nil
}

// Players returns the players node, or an empty map if absent.
func (t Tree) Players() map[string]any {
	if m, ok := t[nodePlayers].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// PlayerIDs returns the canonical player identifiers in sorted order.
func (t Tree) PlayerIDs() []string {
	players := t.Players()
	ids := make([]string, 0, len(players))
	for id := range players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasPlayer reports whether id is a key of the players node.
func (t Tree) HasPlayer(id string) bool {
	_, ok := t.Players()[id]
	return ok
}

// PlayerRecord returns the record of one player, or nil if absent.
func (t Tree) PlayerRecord(id string) map[string]any {
	rec, _ := t.Players()[id].(map[string]any)
	return rec
}

// Clone returns a structurally independent deep copy of the tree.
func (t Tree) Clone() Tree {
	return Tree(cloneMap(t))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cloneMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return Normalize(tv)
	}
}

// Number coerces any numeric scalar to float64, the tree's canonical numeric
// form. JSON decoding already produces float64; integer literals supplied by
// in-process callers are folded into the same representation.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Normalize folds scalar values into their canonical tree form so that a
// freshly built tree and a JSON round-tripped tree compare deeply equal.
func Normalize(v any) any {
	if n, ok := Number(v); ok {
		return n
	}
	return v
}

// Equal reports deep equality of two trees in canonical form.
func Equal(a, b Tree) bool {
	ab, err := json.Marshal(canonical(map[string]any(a)))
	if err != nil {
		return false
	}
	bb, err := json.Marshal(canonical(map[string]any(b)))
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}

// canonical rebuilds a value with normalized scalars. encoding/json sorts
// map keys on marshal, so the output is order independent.
func canonical(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, e := range tv {
			out[k] = canonical(e)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = canonical(e)
		}
		return out
	default:
		return Normalize(tv)
	}
}

// Leaves returns every leaf path of the tree in sorted order. A leaf is any
// value that is not a non-empty map node.
func (t Tree) Leaves() []string {
	var out []string
	collectLeaves("", map[string]any(t), &out)
	sort.Strings(out)
	return out
}

func collectLeaves(prefix string, m map[string]any, out *[]string) {
	for k, v := range m {
		p := k
		if prefix != "" {
			p = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok && len(child) > 0 {
			collectLeaves(p, child, out)
			continue
		}
		*out = append(*out, p)
	}
}
