// SPDX-License-Identifier: AGPL-3.0-or-later

package step

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartekus/skillflow/internal/audit"
	"github.com/bartekus/skillflow/internal/workflow"
)

type fakeTools struct {
	calls []string
	got   []workflow.Context
	fn    func(name string, params workflow.Context) (workflow.Value, error)
}

func (f *fakeTools) Invoke(_ context.Context, name string, params workflow.Context) (workflow.Value, error) {
	f.calls = append(f.calls, name)
	f.got = append(f.got, params)
	if f.fn != nil {
		return f.fn(name, params)
	}
	return workflow.Map(map[string]workflow.Value{"ok": workflow.Bool(true)}), nil
}

type auditRecorder struct {
	entries []audit.Entry
}

func (r *auditRecorder) Log(_ context.Context, e audit.Entry) { r.entries = append(r.entries, e) }

type fakeSubskills struct {
	id    string
	input workflow.Context
}

func (f *fakeSubskills) RunSubskill(_ context.Context, id string, input workflow.Context) (workflow.Value, error) {
	f.id, f.input = id, input
	return workflow.String("child done"), nil
}

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func newExecutor(tools Invoker, opts ...Option) (*Executor, *auditRecorder, *sleepRecorder) {
	rec := &auditRecorder{}
	sl := &sleepRecorder{}
	opts = append([]Option{WithAudit(rec), WithSleep(sl.sleep)}, opts...)
	return New(tools, opts...), rec, sl
}

var testSkill = &workflow.Skill{
	ID: "billing",
	Steps: []workflow.Step{
		{ID: "a", Type: workflow.StepToolCall, ToolCall: &workflow.ToolCallConfig{Tool: "records.create"}},
		{ID: "b", Type: workflow.StepToolCall, ToolCall: &workflow.ToolCallConfig{Tool: "notify"}},
	},
}

func toolStep(tool string, params map[string]workflow.Value) *workflow.Step {
	return &workflow.Step{ID: "call", Type: workflow.StepToolCall, ToolCall: &workflow.ToolCallConfig{Tool: tool, Params: params}}
}

func TestExecutor_HandlesEveryStepType(t *testing.T) {
	e := New(&fakeTools{})
	for _, st := range workflow.StepTypes {
		assert.True(t, e.handles(st), "no handler for %s", st)
	}
	assert.False(t, e.handles("teleport"))

	res, err := e.Execute(context.Background(), testSkill, &workflow.Step{ID: "x", Type: "teleport"}, workflow.Context{})
	assert.True(t, workflow.IsValidation(err))
	assert.True(t, res.Critical)
}

func TestToolCall_ResolvesParamsAndAudits(t *testing.T) {
	tools := &fakeTools{}
	e, rec, _ := newExecutor(tools)
	ctx := audit.WithScope(context.Background(), audit.Scope{ExecutionID: "exec-1", Skill: "billing"})

	st := toolStep("records.create", map[string]workflow.Value{
		"kind":   workflow.String("invoice"),
		"amount": workflow.String("{{amount}}"),
		"data":   workflow.MustFromAny(map[string]any{"label": "for {{customer}}"}),
	})
	vars := workflow.Context{"customer": workflow.String("acme"), "amount": workflow.Number(12.5)}

	res, err := e.Execute(ctx, testSkill, st, vars)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.HasData)

	require.Len(t, tools.got, 1)
	amount, ok := tools.got[0]["amount"].AsNumber()
	require.True(t, ok)
	assert.Equal(t, 12.5, amount)
	data, _ := tools.got[0]["data"].AsMap()
	assert.Equal(t, "for acme", data["label"].Text())

	require.Len(t, rec.entries, 1)
	entry := rec.entries[0]
	assert.Equal(t, audit.OpToolCall, entry.OpType)
	assert.Equal(t, "exec-1", entry.ExecutionID)
	assert.Equal(t, "records.create", entry.Tool)
	assert.Equal(t, "invoice", entry.Params["kind"])
	assert.False(t, entry.Failed())
}

func TestToolCall_UnknownToolNonCritical(t *testing.T) {
	tools := &fakeTools{fn: func(name string, _ workflow.Context) (workflow.Value, error) {
		return workflow.Null, workflow.ErrUnknownTool
	}}
	e, rec, sl := newExecutor(tools)

	res, err := e.Execute(context.Background(), testSkill, toolStep("nope", nil), workflow.Context{})
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.False(t, res.Critical)
	assert.ErrorIs(t, res.Err, workflow.ErrUnknownTool)
	assert.Empty(t, sl.delays)

	require.Len(t, rec.entries, 2)
	assert.Equal(t, audit.OpToolCall, rec.entries[0].OpType)
	assert.True(t, rec.entries[0].Failed())
	assert.Equal(t, audit.OpStepError, rec.entries[1].OpType)
}

func TestExecute_RetriesWithFixedDelay(t *testing.T) {
	failures := 2
	tools := &fakeTools{fn: func(string, workflow.Context) (workflow.Value, error) {
		if failures > 0 {
			failures--
			return workflow.Null, errors.New("flaky")
		}
		return workflow.String("ok"), nil
	}}
	e, _, sl := newExecutor(tools)
	st := toolStep("records.create", nil)
	st.RetryCount = 2
	st.RetryDelay = 5 * time.Second

	res, err := e.Execute(context.Background(), testSkill, st, workflow.Context{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, sl.delays)
	assert.Len(t, tools.calls, 3)
}

func TestExecute_CriticalExhaustionIsFatal(t *testing.T) {
	boom := errors.New("db down")
	tools := &fakeTools{fn: func(string, workflow.Context) (workflow.Value, error) { return workflow.Null, boom }}
	e, _, sl := newExecutor(tools)
	st := toolStep("records.create", nil)
	st.RetryCount = 1
	st.Critical = true

	res, err := e.Execute(context.Background(), testSkill, st, workflow.Context{})
	require.Error(t, err)
	assert.True(t, workflow.IsValidation(err))
	assert.ErrorIs(t, err, boom)
	assert.True(t, res.Critical)
	assert.Len(t, tools.calls, 2)
	assert.Len(t, sl.delays, 1)
}

func TestExecute_CancelledContextIsFatal(t *testing.T) {
	tools := &fakeTools{fn: func(string, workflow.Context) (workflow.Value, error) {
		return workflow.Null, errors.New("fail")
	}}
	e, _, _ := newExecutor(tools)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := toolStep("records.create", nil)
	st.RetryCount = 3
	_, err := e.Execute(ctx, testSkill, st, workflow.Context{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, tools.calls, 1)
}

func TestToolCall_AllowedTools(t *testing.T) {
	tools := &fakeTools{}
	e, _, _ := newExecutor(tools)
	skill := &workflow.Skill{ID: "restricted", AllowedTools: []string{"notify"}}

	_, err := e.Execute(context.Background(), skill, toolStep("records.delete", nil), workflow.Context{})
	assert.True(t, workflow.IsValidation(err))
	assert.ErrorIs(t, err, workflow.ErrUnknownTool)
	assert.Empty(t, tools.calls)
}

func TestUserInput(t *testing.T) {
	e, _, _ := newExecutor(&fakeTools{})
	def := workflow.String("{{customer}}")
	st := &workflow.Step{ID: "ask", Type: workflow.StepUserInput, Input: &workflow.InputConfig{
		Prompt: "Amount for {{customer}}?", InputType: "number", Variable: "amount", Default: &def,
	}}
	vars := workflow.Context{"customer": workflow.String("acme")}

	res, err := e.Execute(context.Background(), testSkill, st, vars)
	require.NoError(t, err)
	require.True(t, res.Suspended())
	assert.Equal(t, workflow.InputUser, res.Input.Kind)
	assert.Equal(t, "amount", res.Input.Variable)
	assert.Equal(t, "Amount for acme?", res.Input.Prompt)
	assert.Equal(t, "acme", res.Input.Default.Text())

	vars.Set("amount", workflow.Number(40))
	res, err = e.Execute(context.Background(), testSkill, st, vars)
	require.NoError(t, err)
	require.True(t, res.Suspended())
	assert.Equal(t, "amount", res.Input.Variable)
	assert.False(t, res.HasData)
}

func TestConfirmationAlwaysAsks(t *testing.T) {
	e, _, _ := newExecutor(&fakeTools{})
	st := &workflow.Step{ID: "ok", Type: workflow.StepConfirmation, Input: &workflow.InputConfig{Prompt: "Sure?", Variable: "confirmed"}}

	res, err := e.Execute(context.Background(), testSkill, st, workflow.Context{"confirmed": workflow.Bool(true)})
	require.NoError(t, err)
	require.True(t, res.Suspended())
	assert.Equal(t, workflow.InputConfirmation, res.Input.Kind)
	assert.Equal(t, "boolean", res.Input.InputType)
}

func TestCondition(t *testing.T) {
	e, _, _ := newExecutor(&fakeTools{})
	vars := workflow.Context{"amount": workflow.Number(150), "tags": workflow.List(workflow.String("vip"))}

	tests := []struct {
		name string
		cfg  workflow.ConditionConfig
		next string
	}{
		{"expression true", workflow.ConditionConfig{Expression: "amount > 100", OnTrue: "big", OnFalse: "small"}, "big"},
		{"expression false", workflow.ConditionConfig{Expression: "amount > 1000", OnTrue: "big", OnFalse: "small"}, "small"},
		{"predicate gte", workflow.ConditionConfig{Predicate: &workflow.Predicate{Variable: "amount", Operator: "gte", Value: workflow.Number(150)}, OnTrue: "big"}, "big"},
		{"predicate numeric string", workflow.ConditionConfig{Predicate: &workflow.Predicate{Variable: "amount", Operator: "eq", Value: workflow.String("150")}, OnTrue: "big"}, "big"},
		{"predicate contains", workflow.ConditionConfig{Predicate: &workflow.Predicate{Variable: "tags", Operator: "contains", Value: workflow.String("vip")}, OnTrue: "vip"}, "vip"},
		{"predicate exists false advances", workflow.ConditionConfig{Predicate: &workflow.Predicate{Variable: "missing", Operator: "exists"}, OnTrue: "x"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			st := &workflow.Step{ID: "c", Type: workflow.StepCondition, Condition: &cfg}
			res, err := e.Execute(context.Background(), testSkill, st, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.next, res.NextStepID)
		})
	}
}

func TestLoop(t *testing.T) {
	e, _, _ := newExecutor(&fakeTools{})
	st := &workflow.Step{ID: "each", Type: workflow.StepLoop, Loop: &workflow.LoopConfig{Collection: "ids", ItemVariable: "id", Body: []string{"b"}}}

	res, err := e.Execute(context.Background(), testSkill, st, workflow.Context{
		"ids": workflow.List(workflow.String("r1"), workflow.String("r2")),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Loop)
	assert.Len(t, res.Loop.Items, 2)
	assert.Equal(t, "id", res.Loop.ItemVariable)
	assert.Equal(t, []string{"b"}, res.Loop.Body)

	res, err = e.Execute(context.Background(), testSkill, st, workflow.Context{})
	require.NoError(t, err)
	assert.True(t, res.Failed())
}

func TestValidation_FirstFailureWinsAndIsNotRetried(t *testing.T) {
	e, _, sl := newExecutor(&fakeTools{})
	st := &workflow.Step{ID: "check", Type: workflow.StepValidation, RetryCount: 3, Validation: &workflow.ValidationConfig{
		Rules: []workflow.ValidationRule{
			{Kind: workflow.RuleRequired, Field: "customer", Message: "customer is required"},
			{Kind: workflow.RuleMinLength, Field: "code", Value: workflow.Number(3), Message: "code too short"},
			{Kind: workflow.RulePattern, Field: "code", Value: workflow.String(`^[A-Z]+$`), Message: "code must be upper case"},
		},
	}}

	_, err := e.Execute(context.Background(), testSkill, st, workflow.Context{"customer": workflow.String("acme"), "code": workflow.String("ab")})
	var ve *workflow.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, workflow.RuleMinLength, ve.Rule)
	assert.Equal(t, "code too short", ve.Message)
	assert.Empty(t, sl.delays)

	_, err = e.Execute(context.Background(), testSkill, st, workflow.Context{"code": workflow.String("abc")})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, workflow.RuleRequired, ve.Rule)

	res, err := e.Execute(context.Background(), testSkill, st, workflow.Context{"customer": workflow.String("acme"), "code": workflow.String("ABC")})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestValidation_ExpressionOnly(t *testing.T) {
	e, _, _ := newExecutor(&fakeTools{})
	st := &workflow.Step{ID: "check", Type: workflow.StepValidation, Validation: &workflow.ValidationConfig{
		Expression: "amount <= 1000", Message: "amount over limit",
	}}
	_, err := e.Execute(context.Background(), testSkill, st, workflow.Context{"amount": workflow.Number(5000)})
	assert.ErrorContains(t, err, "amount over limit")
	assert.True(t, workflow.IsValidation(err))
}

func TestSubskill_MapsContext(t *testing.T) {
	subs := &fakeSubskills{}
	e, _, _ := newExecutor(&fakeTools{}, WithSubskills(subs))
	st := &workflow.Step{ID: "sub", Type: workflow.StepSubskill, Subskill: &workflow.SubskillConfig{
		Skill: "child", ContextMap: map[string]string{"customer": "invoice.customer"},
	}}
	vars := workflow.Context{"invoice": workflow.MustFromAny(map[string]any{"customer": "acme"})}

	res, err := e.Execute(context.Background(), testSkill, st, vars)
	require.NoError(t, err)
	assert.Equal(t, "child", subs.id)
	assert.Equal(t, "acme", subs.input["customer"].Text())
	assert.Equal(t, "child done", res.Data.Text())

	bare, _, _ := newExecutor(&fakeTools{})
	res, err = bare.Execute(context.Background(), testSkill, st, vars)
	require.NoError(t, err)
	assert.True(t, res.Failed())
}

func TestAction(t *testing.T) {
	e, _, _ := newExecutor(&fakeTools{})
	st := &workflow.Step{ID: "act", Type: workflow.StepAction, Action: &workflow.ActionConfig{
		Action: "notify", Params: map[string]workflow.Value{"message": workflow.String("hi {{name}}")},
	}}
	res, err := e.Execute(context.Background(), testSkill, st, workflow.Context{"name": workflow.String("ana")})
	require.NoError(t, err)
	m, _ := res.Data.AsMap()
	assert.Equal(t, "notify", m["action"].Text())
	assert.Equal(t, "hi ana", m["message"].Text())
	assert.Empty(t, res.NextStepID)
}

func TestDecision(t *testing.T) {
	e, _, _ := newExecutor(&fakeTools{})
	st := &workflow.Step{ID: "pick", Type: workflow.StepAIDecision, Decision: &workflow.DecisionConfig{
		Instructions: "Choose a plan for {{customer}}", Variable: "plan",
	}}
	vars := workflow.Context{"customer": workflow.String("acme")}

	res, err := e.Execute(context.Background(), testSkill, st, vars)
	require.NoError(t, err)
	require.True(t, res.Suspended())
	assert.Equal(t, workflow.InputDecision, res.Input.Kind)
	assert.Equal(t, "plan", res.Input.Variable)
	assert.Equal(t, "Choose a plan for acme", res.Input.Instructions)
	assert.Equal(t, []string{"notify", "records.create"}, res.Input.Tools)

	vars.Set("customer", workflow.String("changed"))
	assert.Equal(t, "acme", res.Input.Snapshot["customer"].Text())
}

func TestResolve(t *testing.T) {
	vars := workflow.Context{
		"n":        workflow.Number(3),
		"customer": workflow.MustFromAny(map[string]any{"name": "acme"}),
	}
	assert.True(t, Resolve(workflow.String("{{ n }}"), vars).Equal(workflow.Number(3)))
	assert.Equal(t, "3 for acme", Resolve(workflow.String("{{n}} for {{customer.name}}"), vars).Text())
	assert.True(t, Resolve(workflow.String("{{missing}}"), vars).IsNull())
	assert.Equal(t, "x=", Interpolate("x={{missing}}", vars))

	list := Resolve(workflow.List(workflow.String("{{n}}"), workflow.String("lit")), vars)
	items, _ := list.AsList()
	assert.True(t, items[0].Equal(workflow.Number(3)))
	assert.Equal(t, "lit", items[1].Text())
}
