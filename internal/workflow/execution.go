// SPDX-License-Identifier: AGPL-3.0-or-later

package workflow

import (
	"fmt"
	"time"
)

// ExecutionState is a node in the execution state machine.
type ExecutionState string

const (
	StatePending      ExecutionState = "pending"
	StateRunning      ExecutionState = "running"
	StateWaitingInput ExecutionState = "waiting_input"
	StateCompleted    ExecutionState = "completed"
	StateFailed       ExecutionState = "failed"
	StateCancelled    ExecutionState = "cancelled"
)

var transitions = map[ExecutionState][]ExecutionState{
	StatePending:      {StateRunning, StateWaitingInput, StateFailed, StateCancelled},
	StateRunning:      {StateWaitingInput, StateCompleted, StateFailed},
	StateWaitingInput: {StateRunning, StateCancelled, StateFailed},
}

// Terminal reports whether no transition leaves the state.
func (s ExecutionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to ExecutionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InputKind says why an execution is waiting.
type InputKind string

const (
	InputContext      InputKind = "context"
	InputUser         InputKind = "user_input"
	InputConfirmation InputKind = "confirmation"
	InputDecision     InputKind = "ai_decision"
)

// InputRequest describes the value an execution is waiting for.
type InputRequest struct {
	Kind         InputKind `json:"kind"`
	StepID       string    `json:"step_id,omitempty"`
	Variable     string    `json:"variable"`
	Prompt       string    `json:"prompt,omitempty"`
	InputType    string    `json:"input_type,omitempty"`
	Options      []string  `json:"options,omitempty"`
	Default      *Value    `json:"default,omitempty"`
	Instructions string    `json:"instructions,omitempty"`
	Snapshot     Context   `json:"snapshot,omitempty"`
	Tools        []string  `json:"tools,omitempty"`
}

// LoopFrame is the persisted position inside a loop, so an execution can
// suspend in the middle of an iteration.
type LoopFrame struct {
	StepIndex    int      `json:"step_index"`
	ItemVariable string   `json:"item_variable"`
	Items        []Value  `json:"items"`
	Body         []string `json:"body"`
	Index        int      `json:"index"`
	BodyPos      int      `json:"body_pos"`
	Iteration    Context  `json:"iteration,omitempty"`
	Last         *Value   `json:"last,omitempty"`
	Results      []Value  `json:"results,omitempty"`
}

// RollbackRef is the persisted reference to a rollback point.
type RollbackRef struct {
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// Execution is one run of a skill for one caller.
type Execution struct {
	ID          string         `json:"id"`
	SkillID     string         `json:"skill_id"`
	SkillName   string         `json:"skill_name"`
	CallerID    string         `json:"caller_id,omitempty"`
	State       ExecutionState `json:"state"`
	CurrentStep int            `json:"current_step"`
	Context     Context        `json:"context"`
	Pending     *InputRequest  `json:"pending,omitempty"`
	Loop        *LoopFrame     `json:"loop,omitempty"`
	Rollback    *RollbackRef   `json:"rollback,omitempty"`
	Operations  int            `json:"operations"`
	Depth       int            `json:"depth,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Transition moves the execution along the state graph.
func (e *Execution) Transition(to ExecutionState, at time.Time) error {
	if !CanTransition(e.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.State, to)
	}
	e.State = to
	e.UpdatedAt = at
	if to.Terminal() {
		done := at
		e.CompletedAt = &done
	}
	return nil
}

// Duration is the elapsed time between creation and completion (or at).
func (e *Execution) Duration(at time.Time) time.Duration {
	end := at
	if e.CompletedAt != nil {
		end = *e.CompletedAt
	}
	return end.Sub(e.CreatedAt)
}

// Clone returns a copy that shares no mutable maps with e.
func (e *Execution) Clone() *Execution {
	out := *e
	out.Context = e.Context.Clone()
	if e.Pending != nil {
		p := *e.Pending
		if p.Snapshot != nil {
			p.Snapshot = p.Snapshot.Clone()
		}
		out.Pending = &p
	}
	if e.Loop != nil {
		l := *e.Loop
		l.Items = append([]Value(nil), e.Loop.Items...)
		l.Body = append([]string(nil), e.Loop.Body...)
		l.Results = append([]Value(nil), e.Loop.Results...)
		if e.Loop.Iteration != nil {
			l.Iteration = e.Loop.Iteration.Clone()
		}
		out.Loop = &l
	}
	if e.Rollback != nil {
		r := *e.Rollback
		out.Rollback = &r
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
