// SPDX-License-Identifier: AGPL-3.0-or-later

// Package runner drives skill executions through their state machine:
// pending, running, waiting_input and the terminal completed, failed and
// cancelled states.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bartekus/skillflow/internal/audit"
	"github.com/bartekus/skillflow/internal/expr"
	"github.com/bartekus/skillflow/internal/rollback"
	"github.com/bartekus/skillflow/internal/step"
	"github.com/bartekus/skillflow/internal/workflow"
)

const (
	// DefaultMaxDepth bounds subskill nesting.
	DefaultMaxDepth = 8

	maxStepVisits = 10000
)

type Option func(*Runner)

// WithRollback enables auto_snapshot and rollback_on_failure handling.
func WithRollback(rb Rollback) Option {
	return func(r *Runner) { r.rollback = rb }
}

// WithAuditJournal replays audit entries after a rollback to a point
// created in this process.
func WithAuditJournal(j AuditJournal) Option {
	return func(r *Runner) { r.journal = j }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

func WithMaxDepth(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxDepth = n
		}
	}
}

// WithIDs replaces the execution id generator.
func WithIDs(fn func() string) Option {
	return func(r *Runner) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// Runner owns executions. It is safe for concurrent use across executions
// as long as the Repository and Rollback are.
type Runner struct {
	catalog  Catalog
	store    Repository
	steps    StepExecutor
	rollback Rollback
	journal  AuditJournal
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	maxDepth int

	mu    sync.Mutex
	marks map[string]int
}

// NewRunner wires a runner. When steps accepts a subskill runner the runner
// registers itself, so subskill steps recurse through it.
func NewRunner(c Catalog, store Repository, steps StepExecutor, opts ...Option) *Runner {
	r := &Runner{
		catalog:  c,
		store:    store,
		steps:    steps,
		logger:   slog.Default(),
		now:      time.Now,
		newID:    newExecutionID,
		maxDepth: DefaultMaxDepth,
		marks:    map[string]int{},
	}
	for _, o := range opts {
		o(r)
	}
	if s, ok := steps.(interface{ SetSubskills(step.SubskillRunner) }); ok {
		s.SetSubskills(r)
	}
	return r
}

func newExecutionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

type callerKey struct{}

type depthKey struct{}

// WithCaller tags executions started with ctx with a caller id.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

func callerFrom(ctx context.Context) string {
	s, _ := ctx.Value(callerKey{}).(string)
	return s
}

func withDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

func depthFrom(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

// Execute starts a new execution of skill with input as its initial context.
// Inactive skills are refused before anything is persisted.
func (r *Runner) Execute(ctx context.Context, skill *workflow.Skill, input workflow.Context) (*Result, error) {
	return r.start(ctx, skill, input, depthFrom(ctx))
}

// ExecuteByID resolves the skill through the catalog and executes it.
func (r *Runner) ExecuteByID(ctx context.Context, skillID string, input workflow.Context) (*Result, error) {
	skill, err := r.catalog.Skill(ctx, skillID)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx, skill, input)
}

func (r *Runner) start(ctx context.Context, skill *workflow.Skill, input workflow.Context, depth int) (*Result, error) {
	if !skill.Executable() {
		return nil, &workflow.ValidationError{
			Rule:    "skill_state",
			Field:   skill.ID,
			Message: fmt.Sprintf("skill %s is %s, only active skills can run", skill.ID, skill.State),
			Err:     workflow.ErrSkillNotActive,
		}
	}

	now := r.now()
	e := &workflow.Execution{
		ID:        r.newID(),
		SkillID:   skill.ID,
		SkillName: skill.Label(),
		CallerID:  callerFrom(ctx),
		State:     workflow.StatePending,
		Context:   input.Clone(),
		Depth:     depth,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateExecution(ctx, e); err != nil {
		return nil, fmt.Errorf("creating execution for %s: %w", skill.ID, err)
	}
	ctx = audit.WithScope(withDepth(ctx, depth), audit.Scope{ExecutionID: e.ID, Skill: skill.ID})
	r.logger.InfoContext(ctx, "execution created", "execution_id", e.ID, "skill", skill.ID, "depth", depth)

	if skill.AutoSnapshot {
		r.createPoint(ctx, skill, e)
	}

	if name, ok := missingContext(skill, e.Context); ok {
		return r.suspend(ctx, skill, e, contextRequest(skill, name))
	}
	if err := e.Transition(workflow.StateRunning, r.now()); err != nil {
		return nil, err
	}
	return r.run(ctx, skill, e)
}

// Resume injects value under the variable the execution asked for and
// continues from the persisted step pointer. A declined confirmation
// cancels the execution instead.
func (r *Runner) Resume(ctx context.Context, id string, value workflow.Value) (*Result, error) {
	e, err := r.store.LoadExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.State != workflow.StateWaitingInput || e.Pending == nil {
		return resultOf(e), fmt.Errorf("%w: %s is %s", workflow.ErrNotWaitingInput, id, e.State)
	}
	skill, err := r.catalog.Skill(ctx, e.SkillID)
	if err != nil {
		return nil, fmt.Errorf("resuming %s: %w", id, err)
	}
	ctx = audit.WithScope(withDepth(ctx, e.Depth), audit.Scope{ExecutionID: e.ID, Skill: skill.ID})

	req := e.Pending
	vars := e.Context
	if req.Kind != workflow.InputContext && e.Loop != nil && e.Loop.Iteration != nil {
		vars = e.Loop.Iteration
	}
	vars[req.Variable] = value
	e.Pending = nil

	if req.Kind == workflow.InputConfirmation && declined(value) {
		e.Summary = fmt.Sprintf("Cancelled: %s was declined", req.Variable)
		if err := e.Transition(workflow.StateCancelled, r.now()); err != nil {
			return nil, err
		}
		if err := r.store.SaveExecution(ctx, e); err != nil {
			return nil, fmt.Errorf("saving execution %s: %w", e.ID, err)
		}
		r.logger.InfoContext(ctx, "confirmation declined", "execution_id", e.ID, "step", req.StepID)
		return resultOf(e), nil
	}

	if err := e.Transition(workflow.StateRunning, r.now()); err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "execution resumed", "execution_id", e.ID, "variable", req.Variable)
	return r.run(ctx, skill, e)
}

// Cancel stops a pending or waiting execution. It runs no steps and does
// not roll back.
func (r *Runner) Cancel(ctx context.Context, id string) (*Result, error) {
	e, err := r.store.LoadExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.Transition(workflow.StateCancelled, r.now()); err != nil {
		return resultOf(e), fmt.Errorf("cancelling %s: %w", id, err)
	}
	e.Pending = nil
	e.Summary = "Cancelled by caller"
	if err := r.store.SaveExecution(ctx, e); err != nil {
		return nil, fmt.Errorf("saving execution %s: %w", e.ID, err)
	}
	r.logger.InfoContext(ctx, "execution cancelled", "execution_id", e.ID)
	return resultOf(e), nil
}

// Status returns the stored execution.
func (r *Runner) Status(ctx context.Context, id string) (*workflow.Execution, error) {
	return r.store.LoadExecution(ctx, id)
}

// Stats returns the recorded statistics of a skill.
func (r *Runner) Stats(ctx context.Context, skillID string) (*workflow.SkillStats, error) {
	return r.store.SkillStats(ctx, skillID)
}

// RunSubskill runs skillID to completion one level deeper than ctx. A
// subskill that would need input fails instead of suspending.
func (r *Runner) RunSubskill(ctx context.Context, skillID string, input workflow.Context) (workflow.Value, error) {
	depth := depthFrom(ctx) + 1
	if depth > r.maxDepth {
		return workflow.Null, &workflow.ValidationError{
			Rule:    "subskill_depth",
			Field:   skillID,
			Message: fmt.Sprintf("depth %d exceeds %d", depth, r.maxDepth),
			Err:     workflow.ErrSubskillDepth,
		}
	}
	skill, err := r.catalog.Skill(ctx, skillID)
	if err != nil {
		return workflow.Null, err
	}
	res, err := r.start(ctx, skill, input, depth)
	if err != nil {
		return workflow.Null, err
	}
	return workflow.Map(map[string]workflow.Value{
		"execution_id": workflow.String(res.ExecutionID),
		"state":        workflow.String(string(res.State)),
		"summary":      workflow.String(res.Summary),
		"context":      workflow.Map(res.Context),
	}), nil
}

func (r *Runner) run(ctx context.Context, skill *workflow.Skill, e *workflow.Execution) (*Result, error) {
	if name, ok := missingContext(skill, e.Context); ok {
		return r.suspend(ctx, skill, e, contextRequest(skill, name))
	}

	bodies := skill.LoopBodies()
	visits := 0
	for {
		if e.Loop != nil {
			req, stepID, err := r.iterate(ctx, skill, e, &visits)
			if err != nil {
				return r.fail(ctx, skill, e, stepID, err)
			}
			if req != nil {
				return r.suspend(ctx, skill, e, req)
			}
		}
		if e.CurrentStep >= len(skill.Steps) {
			break
		}

		idx := e.CurrentStep
		st := &skill.Steps[idx]
		if bodies[st.ID] {
			e.CurrentStep++
			continue
		}
		if err := guard(ctx, &visits); err != nil {
			return r.fail(ctx, skill, e, st.ID, err)
		}

		res, err := r.step(ctx, skill, e, st, e.Context)
		if err != nil {
			return r.fail(ctx, skill, e, st.ID, err)
		}
		switch {
		case res.Suspended():
			e.CurrentStep = idx + 1
			return r.suspend(ctx, skill, e, res.Input)
		case res.Loop != nil:
			e.CurrentStep = idx + 1
			e.Loop = &workflow.LoopFrame{
				StepIndex:    idx,
				ItemVariable: res.Loop.ItemVariable,
				Items:        res.Loop.Items,
				Body:         res.Loop.Body,
			}
		case res.NextStepID != "":
			next := skill.StepIndex(res.NextStepID)
			if next < 0 {
				return r.fail(ctx, skill, e, st.ID, fmt.Errorf("step %s branches to unknown step %q", st.ID, res.NextStepID))
			}
			e.CurrentStep = next
		default:
			e.CurrentStep = idx + 1
		}
	}
	return r.complete(ctx, skill, e)
}

// iterate drives the active loop frame until every item is done or a body
// step suspends.
func (r *Runner) iterate(ctx context.Context, skill *workflow.Skill, e *workflow.Execution, visits *int) (*workflow.InputRequest, string, error) {
	f := e.Loop
	if f.StepIndex < 0 || f.StepIndex >= len(skill.Steps) {
		return nil, "", fmt.Errorf("loop frame points at step %d of %d", f.StepIndex, len(skill.Steps))
	}
	owner := &skill.Steps[f.StepIndex]

	for f.Index < len(f.Items) {
		if f.Iteration == nil {
			f.Iteration = e.Context.Clone()
			f.Iteration[f.ItemVariable] = f.Items[f.Index]
			f.Iteration[f.ItemVariable+"_index"] = workflow.Int(f.Index)
			f.BodyPos, f.Last = 0, nil
		}
		for f.BodyPos < len(f.Body) {
			id := f.Body[f.BodyPos]
			i := skill.StepIndex(id)
			if i < 0 {
				return nil, owner.ID, fmt.Errorf("loop %s: unknown body step %q", owner.ID, id)
			}
			st := &skill.Steps[i]
			if err := guard(ctx, visits); err != nil {
				return nil, st.ID, err
			}
			res, err := r.step(ctx, skill, e, st, f.Iteration)
			if err != nil {
				return nil, st.ID, fmt.Errorf("loop %s item %d: %w", owner.ID, f.Index, err)
			}
			if res.Success && res.HasData && st.Type != workflow.StepCondition && st.Type != workflow.StepValidation {
				d := res.Data
				f.Last = &d
			}
			switch {
			case res.Suspended():
				f.BodyPos++
				return res.Input, "", nil
			case res.Loop != nil:
				return nil, st.ID, &workflow.ValidationError{Rule: "loop", Field: st.ID, Message: "nested loops are not supported"}
			case res.NextStepID != "":
				pos := indexOf(f.Body, res.NextStepID)
				if pos < 0 {
					return nil, st.ID, fmt.Errorf("step %s branches out of loop %s to %q", st.ID, owner.ID, res.NextStepID)
				}
				f.BodyPos = pos
			default:
				f.BodyPos++
			}
		}
		last := workflow.Null
		if f.Last != nil {
			last = *f.Last
		}
		f.Results = append(f.Results, last)
		f.Index++
		f.Iteration = nil
	}

	if owner.OutputVariable != "" {
		e.Context[owner.OutputVariable] = workflow.List(f.Results...)
	}
	e.Loop = nil
	return nil, "", nil
}

// step runs one step against vars, enforcing the operations budget before
// effectful steps and storing output_variable.
func (r *Runner) step(ctx context.Context, skill *workflow.Skill, e *workflow.Execution, st *workflow.Step, vars workflow.Context) (step.Result, error) {
	if st.Type.Effectful() {
		limit := skill.MaxOperations
		if e.Operations >= limit {
			return step.Result{}, fmt.Errorf("%w: %d of %d used before step %s", workflow.ErrOperationsLimit, e.Operations, limit, st.ID)
		}
		e.Operations++
	}

	res, err := r.steps.Execute(ctx, skill, st, vars)
	if err != nil {
		return res, err
	}
	if res.Failed() {
		r.logger.WarnContext(ctx, "step failed, skipping",
			"execution_id", e.ID, "step", st.ID, "attempts", res.Attempts, "err", res.Err)
		return res, nil
	}
	if res.HasData && res.Loop == nil && st.OutputVariable != "" {
		vars[st.OutputVariable] = res.Data
	}
	return res, nil
}

func (r *Runner) suspend(ctx context.Context, skill *workflow.Skill, e *workflow.Execution, req *workflow.InputRequest) (*Result, error) {
	if e.Depth > 0 {
		return r.fail(ctx, skill, e, req.StepID, &workflow.ValidationError{
			Rule:    "subskill_input",
			Field:   req.Variable,
			Message: fmt.Sprintf("subskill %s needs %s", skill.ID, req.Variable),
			Err:     workflow.ErrSubskillSuspended,
		})
	}
	e.Pending = req
	if err := e.Transition(workflow.StateWaitingInput, r.now()); err != nil {
		return nil, err
	}
	if err := r.store.SaveExecution(ctx, e); err != nil {
		return nil, fmt.Errorf("saving execution %s: %w", e.ID, err)
	}
	r.logger.InfoContext(ctx, "execution waiting for input",
		"execution_id", e.ID, "kind", string(req.Kind), "variable", req.Variable, "step", req.StepID)
	return resultOf(e), nil
}

func (r *Runner) complete(ctx context.Context, skill *workflow.Skill, e *workflow.Execution) (*Result, error) {
	if e.Rollback != nil && r.rollback != nil {
		if err := r.rollback.Release(ctx, pointOf(e.Rollback)); err != nil {
			r.logger.WarnContext(ctx, "releasing rollback point", "execution_id", e.ID, "point", e.Rollback.ID, "err", err)
		}
	}
	r.forgetMark(e.ID)
	e.Summary = Summarize(skill, e.Context)
	if err := e.Transition(workflow.StateCompleted, r.now()); err != nil {
		return nil, err
	}
	if err := r.store.SaveExecution(ctx, e); err != nil {
		return nil, fmt.Errorf("saving execution %s: %w", e.ID, err)
	}
	r.record(ctx, skill, e, true)
	r.logger.InfoContext(ctx, "execution completed",
		"execution_id", e.ID, "skill", skill.ID, "operations", e.Operations, "summary", e.Summary)
	return resultOf(e), nil
}

// fail terminates the execution, rolling back when the skill asks for it.
// The returned error wraps cause with the skill name.
func (r *Runner) fail(ctx context.Context, skill *workflow.Skill, e *workflow.Execution, stepID string, cause error) (*Result, error) {
	cleanup := context.WithoutCancel(ctx)
	err := &workflow.ExecutionError{Skill: skill.Label(), Step: stepID, Err: cause}

	if skill.RollbackOnFailure && e.Rollback != nil && r.rollback != nil {
		if rerr := r.rollback.RollbackTo(cleanup, pointOf(e.Rollback)); rerr != nil {
			r.logger.WarnContext(cleanup, "rollback failed", "execution_id", e.ID, "point", e.Rollback.ID, "err", rerr)
		} else {
			r.logger.InfoContext(cleanup, "rolled back", "execution_id", e.ID, "point", e.Rollback.ID, "kind", e.Rollback.Kind)
			r.replayAudit(cleanup, e)
		}
	}
	r.forgetMark(e.ID)

	e.Pending = nil
	e.Error = err.Error()
	if terr := e.Transition(workflow.StateFailed, r.now()); terr != nil {
		return resultOf(e), errors.Join(err, terr)
	}
	if serr := r.store.SaveExecution(cleanup, e); serr != nil {
		r.logger.ErrorContext(cleanup, "saving failed execution", "execution_id", e.ID, "err", serr)
	}
	r.record(cleanup, skill, e, false)
	r.logger.WarnContext(cleanup, "execution failed", "execution_id", e.ID, "skill", skill.ID, "step", stepID, "err", cause)
	return resultOf(e), err
}

func (r *Runner) createPoint(ctx context.Context, skill *workflow.Skill, e *workflow.Execution) {
	if r.rollback == nil {
		r.logger.WarnContext(ctx, "auto_snapshot set but no rollback manager configured", "skill", skill.ID)
		return
	}
	p, err := r.rollback.CreateRollbackPoint(ctx, skill.ID)
	if err != nil {
		r.logger.WarnContext(ctx, "creating rollback point", "execution_id", e.ID, "err", err)
		return
	}
	e.Rollback = &workflow.RollbackRef{Kind: string(p.Kind), ID: p.ID, Label: p.Label}
	if r.journal != nil {
		r.mu.Lock()
		r.marks[e.ID] = r.journal.Mark()
		r.mu.Unlock()
	}
}

// replayAudit rewrites the operation log erased by rolling back e's point.
// Points created by an earlier process have no mark and are skipped.
func (r *Runner) replayAudit(ctx context.Context, e *workflow.Execution) {
	if r.journal == nil {
		return
	}
	r.mu.Lock()
	mark, ok := r.marks[e.ID]
	r.mu.Unlock()
	if !ok {
		return
	}
	n := r.journal.ReplaySince(ctx, mark)
	r.logger.DebugContext(ctx, "operation log replayed", "execution_id", e.ID, "entries", n)
}

func (r *Runner) forgetMark(id string) {
	r.mu.Lock()
	delete(r.marks, id)
	r.mu.Unlock()
}

func (r *Runner) record(ctx context.Context, skill *workflow.Skill, e *workflow.Execution, success bool) {
	at := r.now()
	if err := r.store.RecordRun(ctx, skill.ID, success, e.Duration(at), at); err != nil {
		r.logger.WarnContext(ctx, "recording skill stats", "skill", skill.ID, "err", err)
	}
}

func guard(ctx context.Context, visits *int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("execution interrupted: %w", err)
	}
	*visits++
	if *visits > maxStepVisits {
		return fmt.Errorf("more than %d step visits in one run", maxStepVisits)
	}
	return nil
}

func pointOf(ref *workflow.RollbackRef) rollback.Point {
	return rollback.Point{Kind: rollback.Kind(ref.Kind), ID: ref.ID, Label: ref.Label}
}

func missingContext(skill *workflow.Skill, vars workflow.Context) (string, bool) {
	for _, name := range skill.RequiredContext {
		if v, ok := vars[name]; !ok || expr.IsEmpty(v) {
			return name, true
		}
	}
	return "", false
}

func contextRequest(skill *workflow.Skill, name string) *workflow.InputRequest {
	req := &workflow.InputRequest{
		Kind:     workflow.InputContext,
		Variable: name,
		Prompt:   fmt.Sprintf("Please provide %s", name),
	}
	if spec, ok := skill.ContextSchema[name]; ok {
		req.InputType = string(spec.Type)
		if spec.Description != "" {
			req.Prompt = fmt.Sprintf("Please provide %s: %s", name, spec.Description)
		}
	}
	return req
}

func declined(v workflow.Value) bool {
	if b, ok := v.AsBool(); ok {
		return !b
	}
	if s, ok := v.AsString(); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "false", "no", "n", "0", "cancel":
			return true
		}
	}
	if n, ok := v.AsNumber(); ok {
		return n == 0
	}
	return false
}

func indexOf(list []string, s string) int {
	for i, item := range list {
		if item == s {
			return i
		}
	}
	return -1
}
