// Package rules implements the side-effect-free boolean expression language
// that guards phase transitions. Rules are compiled offline into a JSON AST
// and evaluated here against the canonical state tree, extended with two
// quantifiers over the player collection and one dynamic accessor.
//
// Direct addressing of a specific player (players.<id>.field or
// players.player1.field) is forbidden inside a rule and rejected by Validate
// before an expression ever reaches the evaluator: canonical identifiers are
// opaque and non-enumerable at rule-compilation time, so a literal address is
// always wrong at evaluation time.
package rules

import (
	"fmt"
	"strings"

	"github.com/arbitergames/arbiter-server-go/internal/state"
)

// Expression operators.
const (
	OpValue = "value"
	OpVar   = "var"

	OpAnd = "and"
	OpOr  = "or"
	OpNot = "not"

	OpEq  = "eq"
	OpNeq = "neq"
	OpGt  = "gt"
	OpGte = "gte"
	OpLt  = "lt"
	OpLte = "lte"

	OpAnyPlayer  = "anyPlayer"
	OpAllPlayers = "allPlayers"
	OpLookup     = "lookup"
)

var comparisonOps = map[string]struct{}{
	OpEq: {}, OpNeq: {}, OpGt: {}, OpGte: {}, OpLt: {}, OpLte: {},
}

// Expr is one node of a compiled rule expression.
type Expr struct {
	Op string `json:"op"`

	// value
	Value any `json:"value,omitempty"`

	// var: dot-path into the evaluation context.
	Var string `json:"var,omitempty"`

	// and / or / not operands.
	Args []*Expr `json:"args,omitempty"`

	// Comparison operands.
	Left  *Expr `json:"left,omitempty"`
	Right *Expr `json:"right,omitempty"`

	// Quantifier parameters: record[Field] Cmp Value.
	Field string `json:"field,omitempty"`
	Cmp   string `json:"cmp,omitempty"`

	// lookup operands.
	Collection *Expr `json:"collection,omitempty"`
	Index      *Expr `json:"index,omitempty"`
}

// Context is the evaluation context: the full canonical state plus
// precomputed convenience fields resolved before any tree path.
type Context struct {
	State  state.Tree
	Extras map[string]any
}

// NewContext builds a context over tree with the standard convenience
// fields: allPlayersActed (no player has actionRequired set) and playerCount.
func NewContext(tree state.Tree) *Context {
	players := tree.Players()
	allActed := true
	for _, rec := range players {
		if m, ok := rec.(map[string]any); ok {
			if required, _ := m[state.FieldActionRequired].(bool); required {
				allActed = false
				break
			}
		}
	}
	return &Context{
		State: tree,
		Extras: map[string]any{
			"allPlayersActed": allActed,
			"playerCount":     float64(len(players)),
		},
	}
}

func (c *Context) resolve(path string) (any, bool) {
	if v, ok := c.Extras[path]; ok {
		return v, true
	}
	return c.State.Get(path)
}

// EvalBool evaluates the expression and coerces the result to a boolean.
// A non-boolean result is an evaluation error, never a silent truthiness
// conversion.
func (e *Expr) EvalBool(ctx *Context) (bool, error) {
	v, err := e.Eval(ctx)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("rule %s produced non-boolean %T", e.Op, v)
	}
	return b, nil
}

// Eval evaluates the expression against ctx. Evaluation is pure: it never
// writes to the context and never consumes randomness.
func (e *Expr) Eval(ctx *Context) (any, error) {
	if e == nil {
		return nil, fmt.Errorf("nil expression")
	}
	switch e.Op {
	case OpValue:
		return state.Normalize(e.Value), nil

	case OpVar:
		v, ok := ctx.resolve(e.Var)
		if !ok {
			return nil, nil
		}
		return state.Normalize(v), nil

	case OpAnd:
		for _, arg := range e.Args {
			b, err := arg.EvalBool(ctx)
			if err != nil {
				return nil, err
			}
			if !b {
				return false, nil
			}
		}
		return true, nil

	case OpOr:
		for _, arg := range e.Args {
			b, err := arg.EvalBool(ctx)
			if err != nil {
				return nil, err
			}
			if b {
				return true, nil
			}
		}
		return false, nil

	case OpNot:
		b, err := e.Args[0].EvalBool(ctx)
		if err != nil {
			return nil, err
		}
		return !b, nil

	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte:
		left, err := e.Left.Eval(ctx)
		if err != nil {
			return nil, err
		}
		right, err := e.Right.Eval(ctx)
		if err != nil {
			return nil, err
		}
		return Compare(left, e.Op, right)

	case OpAnyPlayer:
		return e.quantify(ctx, false)

	case OpAllPlayers:
		// Vacuously true over an empty roster; rules that can run before
		// player assignment must guard with playerCount.
		return e.quantify(ctx, true)

	case OpLookup:
		return e.lookup(ctx)

	default:
		return nil, fmt.Errorf("unknown rule operator %q", e.Op)
	}
}

// quantify folds the quantifier condition over the player map's values.
// Iteration order is irrelevant: the fold is a pure any/all reduction.
func (e *Expr) quantify(ctx *Context, universal bool) (bool, error) {
	want := state.Normalize(e.Value)
	for _, rec := range ctx.State.Players() {
		record, _ := rec.(map[string]any)
		var got any
		if record != nil {
			got = record[e.Field]
		}
		match, err := Compare(state.Normalize(got), e.Cmp, want)
		if err != nil {
			return false, fmt.Errorf("%s(%s): %w", e.Op, e.Field, err)
		}
		if universal && !match {
			return false, nil
		}
		if !universal && match {
			return true, nil
		}
	}
	return universal, nil
}

// lookup performs a dynamic indexed read: collection[index]. It exists for
// state-dependent indices (the configured value for the current round); it is
// never a substitute for per-player addressing.
func (e *Expr) lookup(ctx *Context) (any, error) {
	coll, err := e.Collection.Eval(ctx)
	if err != nil {
		return nil, err
	}
	idx, err := e.Index.Eval(ctx)
	if err != nil {
		return nil, err
	}
	switch c := coll.(type) {
	case []any:
		n, ok := state.Number(idx)
		if !ok {
			return nil, fmt.Errorf("lookup: array index must be numeric, got %T", idx)
		}
		i := int(n)
		if i < 0 || i >= len(c) {
			return nil, fmt.Errorf("lookup: index %d out of range (len %d)", i, len(c))
		}
		return state.Normalize(c[i]), nil
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			if n, numeric := state.Number(idx); numeric {
				key = fmt.Sprintf("%v", int(n))
				ok = true
			}
		}
		if !ok {
			return nil, fmt.Errorf("lookup: map key must be a string, got %T", idx)
		}
		return state.Normalize(c[key]), nil
	case nil:
		return nil, fmt.Errorf("lookup: collection is absent")
	default:
		return nil, fmt.Errorf("lookup: value of type %T is not indexable", coll)
	}
}

// Compare applies a comparison operator to two canonical-form values.
// Numbers compare numerically, strings lexicographically; eq/neq additionally
// cover booleans and nil. Mixed or unsupported pairs are errors.
func Compare(left any, op string, right any) (bool, error) {
	return compare(left, op, right)
}

func compare(left any, op string, right any) (bool, error) {
	if op == OpEq || op == OpNeq {
		eq := looseEqual(left, right)
		if op == OpNeq {
			return !eq, nil
		}
		return eq, nil
	}

	if ln, ok := state.Number(left); ok {
		rn, ok := state.Number(right)
		if !ok {
			return false, fmt.Errorf("cannot compare number with %T", right)
		}
		return ordered(ln, op, rn)
	}
	if ls, ok := left.(string); ok {
		rs, ok := right.(string)
		if !ok {
			return false, fmt.Errorf("cannot compare string with %T", right)
		}
		return orderedStrings(ls, op, rs)
	}
	return false, fmt.Errorf("operator %q unsupported for %T", op, left)
}

func looseEqual(a, b any) bool {
	if an, ok := state.Number(a); ok {
		bn, ok := state.Number(b)
		return ok && an == bn
	}
	return a == b
}

func ordered(a float64, op string, b float64) (bool, error) {
	switch op {
	case OpGt:
		return a > b, nil
	case OpGte:
		return a >= b, nil
	case OpLt:
		return a < b, nil
	case OpLte:
		return a <= b, nil
	default:
		return false, fmt.Errorf("unknown comparison operator %q", op)
	}
}

func orderedStrings(a, op, b string) (bool, error) {
	switch op {
	case OpGt:
		return a > b, nil
	case OpGte:
		return a >= b, nil
	case OpLt:
		return a < b, nil
	case OpLte:
		return a <= b, nil
	default:
		return false, fmt.Errorf("unknown comparison operator %q", op)
	}
}

// Validate checks a compiled expression before it is admitted into a rule
// set: operator arity, known operators and comparison names, and the hard
// rule that no var path addresses a specific player. Quantifiers are the only
// admitted way to reference player fields.
func Validate(e *Expr) error {
	if e == nil {
		return fmt.Errorf("nil expression")
	}
	switch e.Op {
	case OpValue:
		return nil

	case OpVar:
		if e.Var == "" {
			return fmt.Errorf("var requires a path")
		}
		if strings.HasPrefix(e.Var, "players.") || e.Var == "players" {
			return fmt.Errorf("rule addresses player collection directly (%q); use anyPlayer/allPlayers", e.Var)
		}
		if _, err := state.SplitPath(e.Var); err != nil {
			return err
		}
		return nil

	case OpAnd, OpOr:
		if len(e.Args) == 0 {
			return fmt.Errorf("%s requires at least one argument", e.Op)
		}
		for _, arg := range e.Args {
			if err := Validate(arg); err != nil {
				return err
			}
		}
		return nil

	case OpNot:
		if len(e.Args) != 1 {
			return fmt.Errorf("not requires exactly one argument")
		}
		return Validate(e.Args[0])

	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte:
		if e.Left == nil || e.Right == nil {
			return fmt.Errorf("%s requires left and right operands", e.Op)
		}
		if err := Validate(e.Left); err != nil {
			return err
		}
		return Validate(e.Right)

	case OpAnyPlayer, OpAllPlayers:
		if e.Field == "" {
			return fmt.Errorf("%s requires a field", e.Op)
		}
		if strings.Contains(e.Field, ".") {
			return fmt.Errorf("%s field %q must be a flat record field", e.Op, e.Field)
		}
		if _, ok := comparisonOps[e.Cmp]; !ok {
			return fmt.Errorf("%s has unknown comparison %q", e.Op, e.Cmp)
		}
		return nil

	case OpLookup:
		if e.Collection == nil || e.Index == nil {
			return fmt.Errorf("lookup requires collection and index")
		}
		if err := Validate(e.Collection); err != nil {
			return err
		}
		return Validate(e.Index)

	default:
		return fmt.Errorf("unknown rule operator %q", e.Op)
	}
}
