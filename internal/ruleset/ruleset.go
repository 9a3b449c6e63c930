// Package ruleset defines the transition rule set document: the declared
// phase list, the ordered transitions with their preconditions, and the
// instruction payloads they reference. Rule sets are produced by an offline
// compilation step from a natural-language game description; this package
// only validates and serves them.
package ruleset

import (
	"encoding/json"
	"fmt"

	"github.com/arbitergames/arbiter-server-go/internal/ops"
	"github.com/arbitergames/arbiter-server-go/internal/rules"
)

// Phase is one declared phase. The first phase in the array is the entry
// phase; exactly one phase is terminal.
type Phase struct {
	Name                string `json:"name"`
	RequiresPlayerInput bool   `json:"requiresPlayerInput"`
	Terminal            bool   `json:"terminal,omitempty"`

	// InputInstructionsID names the Instructions entry executed when a valid
	// player action arrives in this phase. Required when RequiresPlayerInput.
	InputInstructionsID string `json:"inputInstructionsId,omitempty"`
}

// Precondition guards whether a transition may fire. Only deterministic
// preconditions gate automatic firing; non-deterministic ones document
// judgment calls the external judge applies downstream.
type Precondition struct {
	Rule          *rules.Expr `json:"rule"`
	Deterministic bool        `json:"deterministic"`
	Description   string      `json:"description,omitempty"`
}

// Transition is one declared phase transition. Declared array order is
// evaluation order: the first transition whose full conjunction of
// deterministic preconditions holds is selected.
type Transition struct {
	ID             string         `json:"id"`
	FromPhase      string         `json:"fromPhase"`
	ToPhase        string         `json:"toPhase"`
	CheckedFields  []string       `json:"checkedFields,omitempty"`
	Preconditions  []Precondition `json:"preconditions,omitempty"`
	InstructionsID string         `json:"instructionsId"`
}

// Instructions is the payload executed when a transition fires or a phase
// consumes player input. A non-empty JudgeDirective marks the step as
// needing external resolution by the judge.
type Instructions struct {
	Operations              []ops.Operation   `json:"operations,omitempty"`
	JudgeDirective          string            `json:"judgeDirective,omitempty"`
	PublicMessageTemplate   string            `json:"publicMessage,omitempty"`
	PrivateMessageTemplates map[string]string `json:"privateMessages,omitempty"`
}

// Clone returns an independent copy; the router resolves randomness in place
// on the copy so the stored rule set stays pristine.
func (ins *Instructions) Clone() *Instructions {
	if ins == nil {
		return nil
	}
	out := &Instructions{
		Operations:            append([]ops.Operation(nil), ins.Operations...),
		JudgeDirective:        ins.JudgeDirective,
		PublicMessageTemplate: ins.PublicMessageTemplate,
	}
	if ins.PrivateMessageTemplates != nil {
		out.PrivateMessageTemplates = make(map[string]string, len(ins.PrivateMessageTemplates))
		for k, v := range ins.PrivateMessageTemplates {
			out.PrivateMessageTemplates[k] = v
		}
	}
	return out
}

// RuleSet is the complete transition rule set for one game.
type RuleSet struct {
	Name        string       `json:"name,omitempty"`
	Phases      []Phase      `json:"phases"`
	Transitions []Transition `json:"transitions"`

	// Instructions payloads keyed by the ids that transitions and phases
	// reference. A dangling reference surfaces at runtime as invalid_state.
	Instructions map[string]*Instructions `json:"instructions"`

	// InitTransitionID names the designated initialization transition from
	// the entry phase; it fires unconditionally on the first router call.
	InitTransitionID string `json:"initTransitionId"`
}

// Parse decodes and validates a rule set document.
func Parse(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("decode rule set: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// EntryPhase returns the declared entry phase name.
func (rs *RuleSet) EntryPhase() string {
	if len(rs.Phases) == 0 {
		return ""
	}
	return rs.Phases[0].Name
}

// PhaseByName returns the declared phase, if any.
func (rs *RuleSet) PhaseByName(name string) (Phase, bool) {
	for _, p := range rs.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return Phase{}, false
}

// TransitionsFrom returns the transitions leaving phase, in declared order.
func (rs *RuleSet) TransitionsFrom(phase string) []Transition {
	var out []Transition
	for _, tr := range rs.Transitions {
		if tr.FromPhase == phase {
			out = append(out, tr)
		}
	}
	return out
}

// TransitionByID returns the declared transition, if any.
func (rs *RuleSet) TransitionByID(id string) (Transition, bool) {
	for _, tr := range rs.Transitions {
		if tr.ID == id {
			return tr, true
		}
	}
	return Transition{}, false
}

// InstructionsByID returns the referenced instructions payload, if present.
func (rs *RuleSet) InstructionsByID(id string) (*Instructions, bool) {
	ins, ok := rs.Instructions[id]
	return ins, ok && ins != nil
}

// Validate checks the structural contract of the document: a non-empty phase
// list, exactly one terminal phase, transitions between declared phases with
// resolvable instructions, valid precondition rules, and a declared
// initialization transition leaving the entry phase.
func (rs *RuleSet) Validate() error {
	if len(rs.Phases) == 0 {
		return fmt.Errorf("rule set declares no phases")
	}

	terminal := 0
	seen := make(map[string]struct{}, len(rs.Phases))
	for _, p := range rs.Phases {
		if p.Name == "" {
			return fmt.Errorf("phase with empty name")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate phase %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.Terminal {
			terminal++
		}
		if p.RequiresPlayerInput {
			if p.InputInstructionsID == "" {
				return fmt.Errorf("phase %q requires player input but names no input instructions", p.Name)
			}
			if _, ok := rs.InstructionsByID(p.InputInstructionsID); !ok {
				return fmt.Errorf("phase %q references missing instructions %q", p.Name, p.InputInstructionsID)
			}
		}
	}
	if terminal != 1 {
		return fmt.Errorf("rule set must declare exactly one terminal phase, got %d", terminal)
	}

	ids := make(map[string]struct{}, len(rs.Transitions))
	for _, tr := range rs.Transitions {
		if tr.ID == "" {
			return fmt.Errorf("transition with empty id")
		}
		if _, dup := ids[tr.ID]; dup {
			return fmt.Errorf("duplicate transition id %q", tr.ID)
		}
		ids[tr.ID] = struct{}{}
		if _, ok := seen[tr.FromPhase]; !ok {
			return fmt.Errorf("transition %q leaves undeclared phase %q", tr.ID, tr.FromPhase)
		}
		if _, ok := seen[tr.ToPhase]; !ok {
			return fmt.Errorf("transition %q enters undeclared phase %q", tr.ID, tr.ToPhase)
		}
		if tr.InstructionsID == "" {
			return fmt.Errorf("transition %q names no instructions", tr.ID)
		}
		if _, ok := rs.InstructionsByID(tr.InstructionsID); !ok {
			return fmt.Errorf("transition %q references missing instructions %q", tr.ID, tr.InstructionsID)
		}
		for i, pre := range tr.Preconditions {
			if pre.Rule == nil {
				return fmt.Errorf("transition %q precondition %d has no rule", tr.ID, i)
			}
			if err := rules.Validate(pre.Rule); err != nil {
				return fmt.Errorf("transition %q precondition %d: %w", tr.ID, i, err)
			}
		}
	}

	if rs.InitTransitionID == "" {
		return fmt.Errorf("rule set names no initialization transition")
	}
	init, ok := rs.TransitionByID(rs.InitTransitionID)
	if !ok {
		return fmt.Errorf("initialization transition %q is not declared", rs.InitTransitionID)
	}
	if init.FromPhase != rs.EntryPhase() {
		return fmt.Errorf("initialization transition %q must leave the entry phase %q", init.ID, rs.EntryPhase())
	}

	return nil
}
