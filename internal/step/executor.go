// SPDX-License-Identifier: AGPL-3.0-or-later

// Package step executes single workflow steps and normalises their outcome.
package step

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bartekus/skillflow/internal/audit"
	"github.com/bartekus/skillflow/internal/expr"
	"github.com/bartekus/skillflow/internal/workflow"
)

// Invoker is the tool-execution collaborator.
type Invoker interface {
	Invoke(ctx context.Context, name string, params workflow.Context) (workflow.Value, error)
}

// Evaluator evaluates condition and validation expressions.
type Evaluator interface {
	Bool(ctx context.Context, expr string, vars workflow.Context) (bool, error)
}

// SubskillRunner runs another skill to completion and returns its output.
type SubskillRunner interface {
	RunSubskill(ctx context.Context, skillID string, input workflow.Context) (workflow.Value, error)
}

// LoopDirective asks the orchestrator to run Body once per item.
type LoopDirective struct {
	Items        []workflow.Value
	ItemVariable string
	Body         []string
}

// Result is the normalised outcome of one step.
type Result struct {
	Success    bool
	Data       workflow.Value
	HasData    bool
	Input      *workflow.InputRequest
	NextStepID string
	Loop       *LoopDirective
	Err        error
	Critical   bool
	Attempts   int
}

// Suspended reports whether the step is waiting for input.
func (r Result) Suspended() bool { return r.Input != nil }

// Failed reports whether the step failed.
func (r Result) Failed() bool { return !r.Success && r.Input == nil }

type handler func(ctx context.Context, skill *workflow.Skill, st *workflow.Step, vars workflow.Context) (Result, error)

type Option func(*Executor)

func WithAudit(l audit.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.audit = l
		}
	}
}

func WithSubskills(r SubskillRunner) Option {
	return func(e *Executor) { e.subskills = r }
}

func WithEvaluator(ev Evaluator) Option {
	return func(e *Executor) {
		if ev != nil {
			e.eval = ev
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithSleep replaces the retry delay function.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// Executor runs one step at a time. It holds no execution state.
type Executor struct {
	tools     Invoker
	audit     audit.Logger
	subskills SubskillRunner
	eval      Evaluator
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	dispatch  map[workflow.StepType]handler
}

func New(tools Invoker, opts ...Option) *Executor {
	e := &Executor{
		tools:  tools,
		audit:  audit.Nop{},
		eval:   expr.New(),
		logger: slog.Default(),
		sleep:  sleepContext,
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	e.dispatch = map[workflow.StepType]handler{
		workflow.StepToolCall:     e.toolCall,
		workflow.StepUserInput:    e.userInput,
		workflow.StepConfirmation: e.confirmation,
		workflow.StepCondition:    e.condition,
		workflow.StepLoop:         e.loop,
		workflow.StepValidation:   e.validation,
		workflow.StepSubskill:     e.subskill,
		workflow.StepAction:       e.action,
		workflow.StepAIDecision:   e.decision,
	}
	return e
}

// SetSubskills wires the subskill runner after construction, for runners
// that need the executor themselves.
func (e *Executor) SetSubskills(r SubskillRunner) { e.subskills = r }

// handles reports whether the executor has a handler for t.
func (e *Executor) handles(t workflow.StepType) bool {
	_, ok := e.dispatch[t]
	return ok
}

// Execute runs st against vars, retrying per the step's retry policy.
//
// A non-nil error is fatal for the execution: a validation failure, a
// critical step that exhausted its retries, or cancellation. A failed Result
// with a nil error is a non-critical failure the caller may skip.
func (e *Executor) Execute(ctx context.Context, skill *workflow.Skill, st *workflow.Step, vars workflow.Context) (Result, error) {
	h, ok := e.dispatch[st.Type]
	if !ok {
		err := &workflow.ValidationError{Rule: "step_type", Field: st.ID, Message: fmt.Sprintf("unsupported step type %q", st.Type)}
		return Result{Err: err, Critical: true}, err
	}

	attempts := st.RetryCount + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := h(ctx, skill, st, vars)
		if err == nil {
			res.Attempts = attempt
			return res, nil
		}
		lastErr = err
		e.auditStepError(ctx, st, err, attempt)

		if workflow.IsValidation(err) || ctx.Err() != nil || attempt == attempts {
			break
		}
		e.logger.WarnContext(ctx, "step failed, retrying",
			"step", st.ID, "step_type", string(st.Type), "attempt", attempt, "delay", st.RetryDelay, "err", err)
		if serr := e.sleep(ctx, st.RetryDelay); serr != nil {
			lastErr = serr
			break
		}
	}

	switch {
	case workflow.IsValidation(lastErr):
		return Result{Err: lastErr, Critical: true, Attempts: attempts}, lastErr
	case ctx.Err() != nil:
		err := fmt.Errorf("step %s interrupted: %w", st.ID, ctx.Err())
		return Result{Err: err, Critical: true}, err
	case st.Critical:
		err := &workflow.ValidationError{
			Rule:    "critical_step",
			Field:   st.ID,
			Message: fmt.Sprintf("critical step failed after %d attempt(s): %v", attempts, lastErr),
			Err:     lastErr,
		}
		return Result{Err: err, Critical: true, Attempts: attempts}, err
	default:
		return Result{Err: lastErr, Attempts: attempts}, nil
	}
}

func (e *Executor) auditStepError(ctx context.Context, st *workflow.Step, err error, attempt int) {
	scope := audit.ScopeFrom(ctx)
	entry := audit.Entry{
		ExecutionID: scope.ExecutionID,
		Skill:       scope.Skill,
		Step:        st.ID,
		OpType:      audit.OpStepError,
		Error:       err.Error(),
		Attempt:     attempt,
		At:          e.now(),
	}
	if st.ToolCall != nil {
		entry.Tool = st.ToolCall.Tool
	}
	e.audit.Log(ctx, entry)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var errNoSubskills = errors.New("subskill runner not configured")
