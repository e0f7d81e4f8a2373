// SPDX-License-Identifier: AGPL-3.0-or-later

package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrSkillNotFound     = errors.New("skill not found")
	ErrSkillNotActive    = errors.New("skill not active")
	ErrInvalidSkill      = errors.New("invalid skill definition")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrInvalidTransition = errors.New("invalid execution state transition")
	ErrNotWaitingInput   = errors.New("execution is not waiting for input")
	ErrOperationsLimit   = errors.New("operations limit exceeded")
	ErrUnknownTool       = errors.New("unknown tool")
	ErrSubskillSuspended = errors.New("subskill requires input")
	ErrSubskillDepth     = errors.New("subskill nesting too deep")
)

// ValidationError reports bad input or state that retrying cannot fix:
// an inactive skill, a failed validation rule, a malformed step.
type ValidationError struct {
	Rule    string
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Field != "" {
		return fmt.Sprintf("validation failed (%s on %s): %s", e.Rule, e.Field, msg)
	}
	if e.Rule != "" {
		return fmt.Sprintf("validation failed (%s): %s", e.Rule, msg)
	}
	return "validation failed: " + msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError builds a ValidationError for the named rule.
func NewValidationError(rule, message string) *ValidationError {
	return &ValidationError{Rule: rule, Message: message}
}

// ExecutionError is a fatal execution failure annotated with the skill and,
// when known, the step that caused it.
type ExecutionError struct {
	Skill string
	Step  string
	Err   error
}

func (e *ExecutionError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("skill %s: step %s: %v", e.Skill, e.Step, e.Err)
	}
	return fmt.Sprintf("skill %s: %v", e.Skill, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
