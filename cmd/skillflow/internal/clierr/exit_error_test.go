// SPDX-License-Identifier: AGPL-3.0-or-later

package clierr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bartekus/skillflow/internal/workflow"
)

func TestExitCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain", errors.New("boom"), CodeGeneric},
		{"usage", Usagef("bad flag %q", "x"), CodeUsage},
		{"zero code normalised", New(0, "x"), CodeGeneric},
		{"wrapped exit error", fmt.Errorf("outer: %w", New(CodeNotFound, "gone")), CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCodeOf(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"skill not found", fmt.Errorf("%w: x", workflow.ErrSkillNotFound), CodeNotFound},
		{"execution not found", fmt.Errorf("%w: x", workflow.ErrExecutionNotFound), CodeNotFound},
		{"validation", workflow.NewValidationError("required", "missing"), CodeValidation},
		{"not waiting", workflow.ErrNotWaitingInput, CodeValidation},
		{"execution", &workflow.ExecutionError{Skill: "s", Step: "a", Err: errors.New("tool down")}, CodeExecution},
		{"ops limit", fmt.Errorf("%w: 3 > 2", workflow.ErrOperationsLimit), CodeExecution},
		{"failed on validation", &workflow.ExecutionError{Skill: "s", Err: workflow.NewValidationError("critical_step", "x")}, CodeExecution},
		{"other", errors.New("disk full"), CodeGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("run", tt.err)
			assert.Equal(t, tt.want, ExitCodeOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.NoError(t, Classify("run", nil))
	already := New(CodeUsage, "usage")
	assert.Same(t, already, Classify("run", already))
}
