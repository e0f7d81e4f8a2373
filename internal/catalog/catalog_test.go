// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartekus/skillflow/internal/workflow"
)

const invoiceYAML = `
id: create_invoice
name: Create invoice
category: billing
state: active
trigger_phrases:
  - "create {customer} invoice"
context_schema:
  amount:
    type: number
    extraction_hints: [amount, for]
required_context: [customer]
auto_snapshot: true
steps:
  - id: create
    sequence: 20
    type: tool_call
    output_variable: invoice
    tool_call:
      tool: records.create
      params:
        kind: invoice
        data:
          customer: "{{customer}}"
  - id: confirm
    sequence: 10
    type: confirmation
    input:
      prompt: "Create invoice for {{customer}}?"
      variable: confirmed
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParse_AppliesDefaultsAndSortsSteps(t *testing.T) {
	skills, err := Parse([]byte(invoiceYAML))
	require.NoError(t, err)
	require.Len(t, skills, 1)

	s := skills[0]
	assert.Equal(t, DefaultThreshold, s.Threshold)
	assert.Equal(t, DefaultMaxOperations, s.MaxOperations)
	assert.Equal(t, workflow.SkillActive, s.State)
	assert.Equal(t, []string{"confirm", "create"}, []string{s.Steps[0].ID, s.Steps[1].ID})

	kind := s.Steps[1].ToolCall.Params["kind"]
	assert.Equal(t, "invoice", kind.Text())
	assert.Equal(t, workflow.ParamNumber, s.ContextSchema["amount"].Type)
	require.NoError(t, ValidateAll(skills))
}

func TestParse_SkillListAndMultiDoc(t *testing.T) {
	data := `
skills:
  - id: a
    steps:
      - {id: s1, type: action, action: {action: notify}}
  - id: b
    steps:
      - {id: s1, type: action, action: {action: notify}}
---
id: c
steps:
  - {id: s1, type: action, action: {action: notify}}
`
	skills, err := Parse([]byte(data))
	require.NoError(t, err)
	require.Len(t, skills, 3)
	assert.Equal(t, "c", skills[2].ID)
	assert.Equal(t, workflow.SkillDraft, skills[0].State)
	assert.Equal(t, 10, skills[0].Steps[0].Sequence)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "billing/invoice.yaml", invoiceYAML)
	writeFile(t, dir, "notes.txt", "ignored")

	skills, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, skills, 1)
	assert.Equal(t, "create_invoice", skills[0].ID)

	writeFile(t, dir, "broken.yml", "id: [unterminated")
	_, err = LoadDir(dir)
	assert.ErrorContains(t, err, "broken.yml")
}

func skill(id string, steps ...workflow.Step) workflow.Skill {
	return workflow.Skill{ID: id, State: workflow.SkillActive, Steps: steps}
}

func action(id string) workflow.Step {
	return workflow.Step{ID: id, Type: workflow.StepAction, Action: &workflow.ActionConfig{Action: "notify"}}
}

func sub(id, target string) workflow.Step {
	return workflow.Step{ID: id, Type: workflow.StepSubskill, Subskill: &workflow.SubskillConfig{Skill: target}}
}

func TestValidateAll(t *testing.T) {
	tests := []struct {
		name    string
		skills  []workflow.Skill
		wantErr string
	}{
		{
			name:   "valid",
			skills: []workflow.Skill{skill("a", action("s1")), skill("b", sub("s1", "a"))},
		},
		{
			name:    "duplicate skill",
			skills:  []workflow.Skill{skill("a", action("s1")), skill("a", action("s1"))},
			wantErr: "duplicate skill ID",
		},
		{
			name:    "duplicate step",
			skills:  []workflow.Skill{skill("a", action("s1"), action("s1"))},
			wantErr: "duplicate step id",
		},
		{
			name:    "unknown subskill",
			skills:  []workflow.Skill{skill("a", sub("s1", "ghost"))},
			wantErr: "unknown subskill",
		},
		{
			name:    "subskill cycle",
			skills:  []workflow.Skill{skill("a", sub("s1", "b")), skill("b", sub("s1", "a"))},
			wantErr: "cycle detected",
		},
		{
			name: "branch to unknown step",
			skills: []workflow.Skill{skill("a", workflow.Step{
				ID: "c", Type: workflow.StepCondition,
				Condition: &workflow.ConditionConfig{Expression: "true", OnTrue: "nowhere"},
			})},
			wantErr: "unknown step",
		},
		{
			name: "nested loop",
			skills: []workflow.Skill{skill("a",
				workflow.Step{ID: "outer", Type: workflow.StepLoop, Loop: &workflow.LoopConfig{Collection: "xs", ItemVariable: "x", Body: []string{"inner"}}},
				workflow.Step{ID: "inner", Type: workflow.StepLoop, Loop: &workflow.LoopConfig{Collection: "ys", ItemVariable: "y", Body: []string{"s1"}}},
				action("s1"),
			)},
			wantErr: "nested",
		},
		{
			name:    "bad threshold",
			skills:  []workflow.Skill{{ID: "a", State: workflow.SkillActive, Threshold: 1.5, Steps: []workflow.Step{action("s1")}}},
			wantErr: "threshold",
		},
		{
			name:    "bad state",
			skills:  []workflow.Skill{{ID: "a", State: "retired", Steps: []workflow.Step{action("s1")}}},
			wantErr: "invalid state",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAll(tt.skills)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, workflow.ErrInvalidSkill)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParse_KeepsExplicitZeros(t *testing.T) {
	skills, err := Parse([]byte(`
skills:
  - id: strict
    state: active
    confidence_threshold: 0
    max_operations: 0
    steps:
      - {id: s1, type: action, action: {action: notify}}
  - id: loose
    state: active
    steps:
      - {id: s1, type: action, action: {action: notify}}
`))
	require.NoError(t, err)
	require.Len(t, skills, 2)

	assert.Zero(t, skills[0].Threshold)
	assert.Zero(t, skills[0].MaxOperations)
	assert.Equal(t, DefaultThreshold, skills[1].Threshold)
	assert.Equal(t, DefaultMaxOperations, skills[1].MaxOperations)

	c, err := New(skills...)
	require.NoError(t, err)
	strict, err := c.Skill(context.Background(), "strict")
	require.NoError(t, err)
	assert.Zero(t, strict.Threshold)
	assert.Zero(t, strict.MaxOperations)
}

func TestCatalog_ListActiveSkills(t *testing.T) {
	a := skill("billing.invoice", action("s1"))
	a.Category = "billing"
	b := skill("crm.contact", action("s1"))
	b.Category = "crm"
	b.Builtin = true
	draft := skill("crm.draft", action("s1"))
	draft.State = workflow.SkillDraft

	c, err := New(b, a, draft)
	require.NoError(t, err)
	ctx := context.Background()

	all, err := c.ListActiveSkills(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "billing.invoice", all[0].ID)
	assert.Zero(t, all[0].Threshold)

	crm, err := c.ListActiveSkills(ctx, Filter{Categories: []string{"CRM"}})
	require.NoError(t, err)
	require.Len(t, crm, 1)
	assert.Equal(t, "crm.contact", crm[0].ID)

	builtin, err := c.ListActiveSkills(ctx, Filter{BuiltinOnly: true})
	require.NoError(t, err)
	assert.Len(t, builtin, 1)

	prefixed, err := c.ListActiveSkills(ctx, Filter{IDPrefix: "billing."})
	require.NoError(t, err)
	assert.Len(t, prefixed, 1)

	assert.Len(t, c.All(), 3)
}

func TestCatalog_SetStateAndRegister(t *testing.T) {
	c, err := New(skill("a", action("s1")))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.SetState("a", workflow.SkillDeprecated))
	got, err := c.Skill(ctx, "a")
	require.NoError(t, err)
	assert.False(t, got.Executable())

	assert.ErrorIs(t, c.SetState("missing", workflow.SkillActive), workflow.ErrSkillNotFound)
	assert.ErrorIs(t, c.SetState("a", "bogus"), workflow.ErrInvalidSkill)

	_, err = c.Skill(ctx, "missing")
	assert.ErrorIs(t, err, workflow.ErrSkillNotFound)

	require.NoError(t, c.Register(skill("b", sub("s1", "a"))))
	assert.Equal(t, 2, c.Len())

	err = c.Register(skill("a", sub("s1", "b")))
	assert.ErrorContains(t, err, "cycle")
	got, err = c.Skill(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, workflow.StepAction, got.Steps[0].Type)
}
