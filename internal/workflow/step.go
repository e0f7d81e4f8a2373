// SPDX-License-Identifier: AGPL-3.0-or-later

package workflow

import (
	"fmt"
	"time"
)

// StepType tags the variant of a Step.
type StepType string

const (
	StepToolCall     StepType = "tool_call"
	StepUserInput    StepType = "user_input"
	StepCondition    StepType = "condition"
	StepLoop         StepType = "loop"
	StepValidation   StepType = "validation"
	StepConfirmation StepType = "confirmation"
	StepSubskill     StepType = "subskill"
	StepAction       StepType = "action"
	StepAIDecision   StepType = "ai_decision"
)

// StepTypes lists every step variant.
var StepTypes = []StepType{
	StepToolCall,
	StepUserInput,
	StepCondition,
	StepLoop,
	StepValidation,
	StepConfirmation,
	StepSubskill,
	StepAction,
	StepAIDecision,
}

func (t StepType) Valid() bool {
	for _, known := range StepTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Effectful reports whether the step counts against max_operations.
func (t StepType) Effectful() bool {
	return t == StepToolCall || t == StepAction
}

// Step is one typed unit of work. Exactly one of the config pointers is set,
// and it must match Type (user_input and confirmation share Input).
type Step struct {
	ID             string        `yaml:"id" json:"id"`
	Sequence       int           `yaml:"sequence" json:"sequence"`
	Name           string        `yaml:"name,omitempty" json:"name,omitempty"`
	Type           StepType      `yaml:"type" json:"type"`
	OutputVariable string        `yaml:"output_variable,omitempty" json:"output_variable,omitempty"`
	RetryCount     int           `yaml:"retry_count,omitempty" json:"retry_count,omitempty"`
	RetryDelay     time.Duration `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
	Critical       bool          `yaml:"is_critical,omitempty" json:"is_critical,omitempty"`

	ToolCall   *ToolCallConfig   `yaml:"tool_call,omitempty" json:"tool_call,omitempty"`
	Input      *InputConfig      `yaml:"input,omitempty" json:"input,omitempty"`
	Condition  *ConditionConfig  `yaml:"condition,omitempty" json:"condition,omitempty"`
	Loop       *LoopConfig       `yaml:"loop,omitempty" json:"loop,omitempty"`
	Validation *ValidationConfig `yaml:"validation,omitempty" json:"validation,omitempty"`
	Subskill   *SubskillConfig   `yaml:"subskill,omitempty" json:"subskill,omitempty"`
	Action     *ActionConfig     `yaml:"action,omitempty" json:"action,omitempty"`
	Decision   *DecisionConfig   `yaml:"ai_decision,omitempty" json:"ai_decision,omitempty"`
}

type ToolCallConfig struct {
	Tool   string           `yaml:"tool" json:"tool"`
	Params map[string]Value `yaml:"params,omitempty" json:"params,omitempty"`
}

// InputConfig configures user_input and confirmation steps.
type InputConfig struct {
	Prompt    string   `yaml:"prompt" json:"prompt"`
	InputType string   `yaml:"input_type,omitempty" json:"input_type,omitempty"`
	Options   []string `yaml:"options,omitempty" json:"options,omitempty"`
	Default   *Value   `yaml:"default,omitempty" json:"default,omitempty"`
	Variable  string   `yaml:"variable,omitempty" json:"variable,omitempty"`
}

// Predicate is a structured alternative to a condition expression.
type Predicate struct {
	Variable string `yaml:"variable" json:"variable"`
	Operator string `yaml:"operator" json:"operator"`
	Value    Value  `yaml:"value,omitempty" json:"value,omitempty"`
}

type ConditionConfig struct {
	Expression string     `yaml:"expression,omitempty" json:"expression,omitempty"`
	Predicate  *Predicate `yaml:"predicate,omitempty" json:"predicate,omitempty"`
	OnTrue     string     `yaml:"on_true,omitempty" json:"on_true,omitempty"`
	OnFalse    string     `yaml:"on_false,omitempty" json:"on_false,omitempty"`
}

type LoopConfig struct {
	Collection   string   `yaml:"collection" json:"collection"`
	ItemVariable string   `yaml:"item_variable" json:"item_variable"`
	Body         []string `yaml:"body" json:"body"`
}

// ValidationRule kinds.
const (
	RuleRequired   = "required"
	RuleMinLength  = "min_length"
	RuleMaxLength  = "max_length"
	RulePattern    = "pattern"
	RuleExpression = "expression"
)

type ValidationRule struct {
	Kind       string `yaml:"type" json:"type"`
	Field      string `yaml:"field,omitempty" json:"field,omitempty"`
	Value      Value  `yaml:"value,omitempty" json:"value,omitempty"`
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`
	Message    string `yaml:"message,omitempty" json:"message,omitempty"`
}

type ValidationConfig struct {
	Rules      []ValidationRule `yaml:"rules,omitempty" json:"rules,omitempty"`
	Expression string           `yaml:"expression,omitempty" json:"expression,omitempty"`
	Message    string           `yaml:"message,omitempty" json:"message,omitempty"`
}

type SubskillConfig struct {
	Skill      string            `yaml:"skill" json:"skill"`
	ContextMap map[string]string `yaml:"context_map,omitempty" json:"context_map,omitempty"`
}

type ActionConfig struct {
	Action string           `yaml:"action" json:"action"`
	Params map[string]Value `yaml:"params,omitempty" json:"params,omitempty"`
}

type DecisionConfig struct {
	Instructions string   `yaml:"instructions" json:"instructions"`
	Variable     string   `yaml:"variable,omitempty" json:"variable,omitempty"`
	Tools        []string `yaml:"tools,omitempty" json:"tools,omitempty"`
}

// InputVariable is the context key a suspending step writes the resumed
// value into.
func (s *Step) InputVariable() string {
	switch {
	case s.Input != nil && s.Input.Variable != "":
		return s.Input.Variable
	case s.Decision != nil && s.Decision.Variable != "":
		return s.Decision.Variable
	case s.OutputVariable != "":
		return s.OutputVariable
	default:
		return s.ID
	}
}

// Label returns the step name, falling back to the id.
func (s *Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Validate checks that the step carries exactly the config its type needs.
func (s *Step) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: step missing id", ErrInvalidSkill)
	}
	if !s.Type.Valid() {
		return fmt.Errorf("%w: step %s has unknown type %q", ErrInvalidSkill, s.ID, s.Type)
	}
	if s.RetryCount < 0 || s.RetryDelay < 0 {
		return fmt.Errorf("%w: step %s has negative retry settings", ErrInvalidSkill, s.ID)
	}

	present := map[StepType]bool{}
	if s.ToolCall != nil {
		present[StepToolCall] = true
	}
	if s.Input != nil {
		present[StepUserInput] = true
	}
	if s.Condition != nil {
		present[StepCondition] = true
	}
	if s.Loop != nil {
		present[StepLoop] = true
	}
	if s.Validation != nil {
		present[StepValidation] = true
	}
	if s.Subskill != nil {
		present[StepSubskill] = true
	}
	if s.Action != nil {
		present[StepAction] = true
	}
	if s.Decision != nil {
		present[StepAIDecision] = true
	}

	want := s.Type
	if want == StepConfirmation {
		want = StepUserInput
	}
	if len(present) != 1 || !present[want] {
		return fmt.Errorf("%w: step %s of type %s must carry exactly its own config block", ErrInvalidSkill, s.ID, s.Type)
	}

	switch s.Type {
	case StepToolCall:
		if s.ToolCall.Tool == "" {
			return fmt.Errorf("%w: step %s missing tool name", ErrInvalidSkill, s.ID)
		}
	case StepUserInput, StepConfirmation:
		if s.Input.Prompt == "" {
			return fmt.Errorf("%w: step %s missing prompt", ErrInvalidSkill, s.ID)
		}
	case StepCondition:
		if s.Condition.Expression == "" && s.Condition.Predicate == nil {
			return fmt.Errorf("%w: step %s needs an expression or predicate", ErrInvalidSkill, s.ID)
		}
	case StepLoop:
		if s.Loop.Collection == "" || s.Loop.ItemVariable == "" || len(s.Loop.Body) == 0 {
			return fmt.Errorf("%w: step %s needs collection, item_variable and body", ErrInvalidSkill, s.ID)
		}
	case StepValidation:
		if len(s.Validation.Rules) == 0 && s.Validation.Expression == "" {
			return fmt.Errorf("%w: step %s needs rules or an expression", ErrInvalidSkill, s.ID)
		}
	case StepSubskill:
		if s.Subskill.Skill == "" {
			return fmt.Errorf("%w: step %s missing subskill id", ErrInvalidSkill, s.ID)
		}
	case StepAction:
		if s.Action.Action == "" {
			return fmt.Errorf("%w: step %s missing action name", ErrInvalidSkill, s.ID)
		}
	case StepAIDecision:
		if s.Decision.Instructions == "" {
			return fmt.Errorf("%w: step %s missing instructions", ErrInvalidSkill, s.ID)
		}
	}
	return nil
}
