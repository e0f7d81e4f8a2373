// SPDX-License-Identifier: AGPL-3.0-or-later

package step

import (
	"context"
	"fmt"
	"regexp"

	"github.com/bartekus/skillflow/internal/audit"
	"github.com/bartekus/skillflow/internal/expr"
	"github.com/bartekus/skillflow/internal/workflow"
)

func (e *Executor) toolCall(ctx context.Context, skill *workflow.Skill, st *workflow.Step, vars workflow.Context) (Result, error) {
	cfg := st.ToolCall
	if len(skill.AllowedTools) > 0 && !contains(skill.AllowedTools, cfg.Tool) {
		return Result{}, &workflow.ValidationError{
			Rule:    "allowed_tools",
			Field:   st.ID,
			Message: fmt.Sprintf("tool %s is not allowed for skill %s", cfg.Tool, skill.ID),
			Err:     workflow.ErrUnknownTool,
		}
	}

	params := ResolveParams(cfg.Params, vars)
	data, err := e.tools.Invoke(ctx, cfg.Tool, params)

	scope := audit.ScopeFrom(ctx)
	entry := audit.Entry{
		ExecutionID: scope.ExecutionID,
		Skill:       scope.Skill,
		Step:        st.ID,
		Tool:        cfg.Tool,
		OpType:      audit.OpToolCall,
		Params:      params.Any(),
		At:          e.now(),
	}
	if err != nil {
		entry.Error = err.Error()
	} else {
		entry.Result = data.Any()
	}
	e.audit.Log(ctx, entry)

	if err != nil {
		return Result{}, fmt.Errorf("tool %s: %w", cfg.Tool, err)
	}
	return Result{Success: true, Data: data, HasData: true}, nil
}

// userInput always suspends, so a branch back to the step asks again even
// when the variable already holds an answer.
func (e *Executor) userInput(_ context.Context, _ *workflow.Skill, st *workflow.Step, vars workflow.Context) (Result, error) {
	return Result{Success: true, Input: e.inputRequest(workflow.InputUser, st, vars)}, nil
}

func (e *Executor) confirmation(_ context.Context, _ *workflow.Skill, st *workflow.Step, vars workflow.Context) (Result, error) {
	req := e.inputRequest(workflow.InputConfirmation, st, vars)
	if req.InputType == "" {
		req.InputType = "boolean"
	}
	return Result{Success: true, Input: req}, nil
}

func (e *Executor) inputRequest(kind workflow.InputKind, st *workflow.Step, vars workflow.Context) *workflow.InputRequest {
	cfg := st.Input
	req := &workflow.InputRequest{
		Kind:      kind,
		StepID:    st.ID,
		Variable:  st.InputVariable(),
		Prompt:    Interpolate(cfg.Prompt, vars),
		InputType: cfg.InputType,
		Options:   append([]string(nil), cfg.Options...),
	}
	if cfg.Default != nil {
		d := Resolve(*cfg.Default, vars)
		req.Default = &d
	}
	return req
}

func (e *Executor) condition(ctx context.Context, _ *workflow.Skill, st *workflow.Step, vars workflow.Context) (Result, error) {
	cfg := st.Condition
	var (
		ok  bool
		err error
	)
	if cfg.Predicate != nil {
		ok, err = evalPredicate(cfg.Predicate, vars)
	} else {
		ok, err = e.eval.Bool(ctx, cfg.Expression, vars)
	}
	if err != nil {
		return Result{}, fmt.Errorf("condition %s: %w", st.ID, err)
	}
	next := cfg.OnFalse
	if ok {
		next = cfg.OnTrue
	}
	return Result{Success: true, Data: workflow.Bool(ok), HasData: true, NextStepID: next}, nil
}

func (e *Executor) loop(_ context.Context, _ *workflow.Skill, st *workflow.Step, vars workflow.Context) (Result, error) {
	cfg := st.Loop
	coll, found := vars.Lookup(cfg.Collection)
	if !found {
		return Result{}, fmt.Errorf("loop %s: collection %q not in context", st.ID, cfg.Collection)
	}
	var items []workflow.Value
	switch coll.Kind() {
	case workflow.KindNull:
	case workflow.KindList:
		items, _ = coll.AsList()
	default:
		items = []workflow.Value{coll}
	}
	return Result{
		Success: true,
		Loop: &LoopDirective{
			Items:        items,
			ItemVariable: cfg.ItemVariable,
			Body:         append([]string(nil), cfg.Body...),
		},
	}, nil
}

func (e *Executor) validation(ctx context.Context, _ *workflow.Skill, st *workflow.Step, vars workflow.Context) (Result, error) {
	cfg := st.Validation
	if len(cfg.Rules) == 0 {
		ok, err := e.eval.Bool(ctx, cfg.Expression, vars)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{}, &workflow.ValidationError{Rule: workflow.RuleExpression, Message: messageOr(cfg.Message, "validation expression is false")}
		}
		return Result{Success: true, Data: workflow.Bool(true), HasData: true}, nil
	}

	for _, rule := range cfg.Rules {
		if err := e.checkRule(ctx, rule, vars); err != nil {
			return Result{}, err
		}
	}
	return Result{Success: true, Data: workflow.Bool(true), HasData: true}, nil
}

func (e *Executor) checkRule(ctx context.Context, rule workflow.ValidationRule, vars workflow.Context) error {
	field, _ := vars.Lookup(rule.Field)
	fail := func(def string) error {
		return &workflow.ValidationError{Rule: rule.Kind, Field: rule.Field, Message: messageOr(rule.Message, def)}
	}
	switch rule.Kind {
	case workflow.RuleRequired:
		if expr.IsEmpty(field) {
			return fail("value is required")
		}
	case workflow.RuleMinLength, workflow.RuleMaxLength:
		limit, ok := rule.Value.AsNumber()
		if !ok {
			return &workflow.ValidationError{Rule: rule.Kind, Field: rule.Field, Message: "rule value must be a number"}
		}
		n := field.Len()
		if field.Kind() == workflow.KindNumber || field.Kind() == workflow.KindBool {
			n = len(field.Text())
		}
		if rule.Kind == workflow.RuleMinLength && float64(n) < limit {
			return fail(fmt.Sprintf("length must be at least %v", limit))
		}
		if rule.Kind == workflow.RuleMaxLength && float64(n) > limit {
			return fail(fmt.Sprintf("length must be at most %v", limit))
		}
	case workflow.RulePattern:
		pattern, _ := rule.Value.AsString()
		re, err := regexp.Compile(pattern)
		if err != nil {
			return &workflow.ValidationError{Rule: rule.Kind, Field: rule.Field, Message: fmt.Sprintf("bad pattern %q", pattern), Err: err}
		}
		if !re.MatchString(field.Text()) {
			return fail(fmt.Sprintf("value does not match %s", pattern))
		}
	case workflow.RuleExpression:
		ok, err := e.eval.Bool(ctx, rule.Expression, vars)
		if err != nil {
			return &workflow.ValidationError{Rule: rule.Kind, Field: rule.Field, Message: err.Error(), Err: err}
		}
		if !ok {
			return fail("expression is false")
		}
	default:
		return &workflow.ValidationError{Rule: rule.Kind, Field: rule.Field, Message: "unknown rule type"}
	}
	return nil
}

func (e *Executor) subskill(ctx context.Context, _ *workflow.Skill, st *workflow.Step, vars workflow.Context) (Result, error) {
	if e.subskills == nil {
		return Result{}, errNoSubskills
	}
	cfg := st.Subskill
	input := vars.Clone()
	for child, parent := range cfg.ContextMap {
		if v, ok := vars.Lookup(parent); ok {
			input[child] = v
		}
	}
	data, err := e.subskills.RunSubskill(ctx, cfg.Skill, input)
	if err != nil {
		return Result{}, fmt.Errorf("subskill %s: %w", cfg.Skill, err)
	}
	return Result{Success: true, Data: data, HasData: true}, nil
}

func (e *Executor) action(_ context.Context, _ *workflow.Skill, st *workflow.Step, vars workflow.Context) (Result, error) {
	cfg := st.Action
	out := map[string]workflow.Value{}
	for k, v := range ResolveParams(cfg.Params, vars) {
		out[k] = v
	}
	out["action"] = workflow.String(cfg.Action)
	return Result{Success: true, Data: workflow.Map(out), HasData: true}, nil
}

func (e *Executor) decision(_ context.Context, skill *workflow.Skill, st *workflow.Step, vars workflow.Context) (Result, error) {
	cfg := st.Decision
	tools := cfg.Tools
	if len(tools) == 0 {
		tools = skill.ToolNames()
	}
	return Result{Success: true, Input: &workflow.InputRequest{
		Kind:         workflow.InputDecision,
		StepID:       st.ID,
		Variable:     st.InputVariable(),
		Instructions: Interpolate(cfg.Instructions, vars),
		Snapshot:     vars.Clone(),
		Tools:        append([]string(nil), tools...),
	}}, nil
}

// evalPredicate applies a structured comparison to a context variable.
func evalPredicate(p *workflow.Predicate, vars workflow.Context) (bool, error) {
	v, found := vars.Lookup(p.Variable)
	want := Resolve(p.Value, vars)
	switch p.Operator {
	case "eq", "==":
		return equalish(v, want), nil
	case "ne", "!=":
		return !equalish(v, want), nil
	case "gt", "gte", "lt", "lte", ">", ">=", "<", "<=":
		c, ok := v.Compare(want)
		if !ok {
			return false, fmt.Errorf("cannot compare %s with %s", v.Kind(), want.Kind())
		}
		switch p.Operator {
		case "gt", ">":
			return c > 0, nil
		case "gte", ">=":
			return c >= 0, nil
		case "lt", "<":
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case "contains":
		return expr.Contains(v, want), nil
	case "in":
		return expr.Contains(want, v), nil
	case "exists":
		return found && !v.IsNull(), nil
	case "empty":
		return expr.IsEmpty(v), nil
	default:
		return false, fmt.Errorf("unknown predicate operator %q", p.Operator)
	}
}

func equalish(a, b workflow.Value) bool {
	if a.Equal(b) {
		return true
	}
	c, ok := a.Compare(b)
	return ok && c == 0
}

func messageOr(msg, def string) string {
	if msg != "" {
		return msg
	}
	return def
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
