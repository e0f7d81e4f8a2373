// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"github.com/bartekus/skillflow/internal/workflow"
)

// Result is what execute, resume and cancel hand back to the caller.
type Result struct {
	ExecutionID string                  `json:"execution_id"`
	SkillID     string                  `json:"skill_id"`
	State       workflow.ExecutionState `json:"state"`
	Summary     string                  `json:"summary,omitempty"`
	Input       *workflow.InputRequest  `json:"input,omitempty"`
	Error       string                  `json:"error,omitempty"`
	Operations  int                     `json:"operations"`
	Context     workflow.Context        `json:"context,omitempty"`
}

// Completed reports whether the execution finished successfully.
func (r *Result) Completed() bool { return r != nil && r.State == workflow.StateCompleted }

// Waiting reports whether the execution is suspended for input.
func (r *Result) Waiting() bool { return r != nil && r.State == workflow.StateWaitingInput }

func resultOf(e *workflow.Execution) *Result {
	return &Result{
		ExecutionID: e.ID,
		SkillID:     e.SkillID,
		State:       e.State,
		Summary:     e.Summary,
		Input:       e.Pending,
		Error:       e.Error,
		Operations:  e.Operations,
		Context:     e.Context.Clone(),
	}
}

// LastRun points at the most recent execution started from this workspace.
// Matches the .skillflow/run/last-run.json schema.
type LastRun struct {
	ExecutionID string                  `json:"execution_id"`
	SkillID     string                  `json:"skill_id"`
	State       workflow.ExecutionState `json:"state"`
}
