// SPDX-License-Identifier: AGPL-3.0-or-later

package clierr

import (
	"errors"
	"fmt"

	"github.com/bartekus/skillflow/internal/workflow"
)

// Process exit codes.
const (
	CodeGeneric    = 1
	CodeUsage      = 2
	CodeValidation = 3
	CodeExecution  = 4
	CodeNotFound   = 5
)

type ExitCoder interface {
	error
	ExitCode() int
}

// ExitError is an error that carries an explicit process exit code.
type ExitError struct {
	code  int
	msg   string
	cause error
}

func (e *ExitError) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return fmt.Sprintf("%s: %v", e.msg, e.cause)
}

func (e *ExitError) ExitCode() int { return e.code }

func (e *ExitError) Unwrap() error { return e.cause }

// New creates an ExitError with a message.
func New(code int, msg string) error {
	return &ExitError{code: normalize(code), msg: msg}
}

// Wrap creates an ExitError that wraps an underlying cause.
func Wrap(code int, msg string, cause error) error {
	if cause == nil {
		return New(code, msg)
	}
	return &ExitError{code: normalize(code), msg: msg, cause: cause}
}

// Usagef reports a bad invocation.
func Usagef(format string, args ...any) error {
	return &ExitError{code: CodeUsage, msg: fmt.Sprintf(format, args...)}
}

// Classify wraps err with the exit code its kind maps to. Errors that already
// carry a code are returned unchanged.
func Classify(msg string, err error) error {
	if err == nil {
		return nil
	}
	var ec ExitCoder
	if errors.As(err, &ec) {
		return err
	}
	return Wrap(CodeOf(err), msg, err)
}

// CodeOf maps workflow errors onto exit codes. A failed execution reports
// CodeExecution even when a validation rule caused it.
func CodeOf(err error) int {
	var ve *workflow.ValidationError
	var ee *workflow.ExecutionError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, workflow.ErrSkillNotFound), errors.Is(err, workflow.ErrExecutionNotFound):
		return CodeNotFound
	case errors.As(err, &ee), errors.Is(err, workflow.ErrOperationsLimit):
		return CodeExecution
	case errors.As(err, &ve), errors.Is(err, workflow.ErrInvalidSkill), errors.Is(err, workflow.ErrSkillNotActive),
		errors.Is(err, workflow.ErrNotWaitingInput), errors.Is(err, workflow.ErrInvalidTransition):
		return CodeValidation
	}
	return CodeGeneric
}

// ExitCodeOf extracts an exit code from any error, defaulting to 1.
func ExitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var ec ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return CodeGeneric
}

func normalize(code int) int {
	if code <= 0 {
		return CodeGeneric
	}
	return code
}
