// SPDX-License-Identifier: AGPL-3.0-or-later

// Package catalogdoc projects the skill catalog and its run statistics into
// Markdown reference pages.
package catalogdoc

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bartekus/skillflow/internal/projection"
	"github.com/bartekus/skillflow/internal/workflow"
)

// Generator renders index.md, skills.md and one page per skill under OutDir.
type Generator struct {
	Skills []workflow.Skill
	Stats  map[string]*workflow.SkillStats
	OutDir string
}

// Generate renders all catalog pages. Output is byte-identical for the same
// input.
func (g *Generator) Generate() error {
	if err := g.renderIndex(); err != nil {
		return fmt.Errorf("rendering index.md: %w", err)
	}
	if err := g.renderSkills(); err != nil {
		return fmt.Errorf("rendering skills.md: %w", err)
	}
	for i := range g.Skills {
		if err := g.renderSkill(&g.Skills[i]); err != nil {
			return fmt.Errorf("rendering %s: %w", g.Skills[i].ID, err)
		}
	}
	return nil
}

func (g *Generator) renderIndex() error {
	var b strings.Builder
	b.WriteString(projection.RenderHeader(1, "Skill Catalog"))

	states := map[string]int{}
	categories := map[string]int{}
	runs := 0
	for _, s := range g.Skills {
		states[string(s.State)]++
		category := s.Category
		if category == "" {
			category = "(none)"
		}
		categories[category]++
		if st := g.Stats[s.ID]; st != nil {
			runs += st.Executions
		}
	}

	b.WriteString(projection.RenderHeader(2, "Summary"))
	fmt.Fprintf(&b, "- **Skills**: %d\n", len(g.Skills))
	fmt.Fprintf(&b, "- **Recorded runs**: %d\n\n", runs)

	b.WriteString(projection.RenderHeader(2, "States"))
	b.WriteString(projection.RenderTable([]string{"State", "Skills"}, countRows(states)))
	b.WriteString("\n")

	b.WriteString(projection.RenderHeader(2, "Categories"))
	b.WriteString(projection.RenderTable([]string{"Category", "Skills"}, countRows(categories)))

	return projection.AtomicWrite(filepath.Join(g.OutDir, "index.md"), []byte(b.String()))
}

func (g *Generator) renderSkills() error {
	var b strings.Builder
	b.WriteString(projection.RenderHeader(1, "Skills"))

	rows := make([][]string, 0, len(g.Skills))
	for _, s := range g.Skills {
		runs, rate := "0", "-"
		if st := g.Stats[s.ID]; st != nil && st.Executions > 0 {
			runs = strconv.Itoa(st.Executions)
			rate = fmt.Sprintf("%.0f%%", st.SuccessRate()*100)
		}
		rows = append(rows, []string{
			fmt.Sprintf("[%s](skills/%s.md)", s.ID, s.ID),
			s.Label(),
			string(s.State),
			s.Category,
			strconv.Itoa(len(s.Steps)),
			runs,
			rate,
		})
	}
	b.WriteString(projection.RenderTable([]string{"ID", "Name", "State", "Category", "Steps", "Runs", "Success"}, rows))

	return projection.AtomicWrite(filepath.Join(g.OutDir, "skills.md"), []byte(b.String()))
}

func (g *Generator) renderSkill(s *workflow.Skill) error {
	var b strings.Builder
	b.WriteString(projection.RenderHeader(1, s.Label()))
	if s.Description != "" {
		b.WriteString(s.Description + "\n\n")
	}

	fmt.Fprintf(&b, "- **ID**: %s\n", projection.Code(s.ID))
	fmt.Fprintf(&b, "- **State**: %s\n", s.State)
	fmt.Fprintf(&b, "- **Confidence threshold**: %.2f\n", s.Threshold)
	fmt.Fprintf(&b, "- **Max operations**: %d\n", s.MaxOperations)
	fmt.Fprintf(&b, "- **Rollback**: auto_snapshot=%t, rollback_on_failure=%t\n\n", s.AutoSnapshot, s.RollbackOnFailure)

	b.WriteString(projection.RenderHeader(2, "Trigger Phrases"))
	phrases := make([]string, len(s.TriggerPhrases))
	for i, p := range s.TriggerPhrases {
		phrases[i] = projection.Code(p)
	}
	b.WriteString(projection.RenderList(phrases))
	b.WriteString("\n")

	if len(s.ContextSchema) > 0 {
		required := make(map[string]bool, len(s.RequiredContext))
		for _, r := range s.RequiredContext {
			required[r] = true
		}
		b.WriteString(projection.RenderHeader(2, "Context"))
		rows := [][]string{}
		for _, name := range projection.SortedKeys(s.ContextSchema) {
			spec := s.ContextSchema[name]
			rows = append(rows, []string{projection.Code(name), string(spec.Type), yesNo(required[name]), spec.Description})
		}
		b.WriteString(projection.RenderTable([]string{"Name", "Type", "Required", "Description"}, rows))
		b.WriteString("\n")
	}

	b.WriteString(projection.RenderHeader(2, "Steps"))
	rows := make([][]string, 0, len(s.Steps))
	for _, st := range s.Steps {
		rows = append(rows, []string{
			strconv.Itoa(st.Sequence),
			projection.Code(st.ID),
			string(st.Type),
			target(&st),
			yesNo(st.Critical),
			projection.Code(st.OutputVariable),
		})
	}
	b.WriteString(projection.RenderTable([]string{"Seq", "Step", "Type", "Target", "Critical", "Output"}, rows))

	return projection.AtomicWrite(filepath.Join(g.OutDir, "skills", s.ID+".md"), []byte(b.String()))
}

// target names what a step acts on: a tool, a variable or another skill.
func target(st *workflow.Step) string {
	switch {
	case st.ToolCall != nil:
		return st.ToolCall.Tool
	case st.Action != nil:
		return st.Action.Action
	case st.Subskill != nil:
		return st.Subskill.Skill
	case st.Input != nil:
		return st.Input.Variable
	case st.Loop != nil:
		return st.Loop.Collection
	}
	return ""
}

func countRows(m map[string]int) [][]string {
	rows := make([][]string, 0, len(m))
	for _, k := range projection.SortedKeys(m) {
		rows = append(rows, []string{k, strconv.Itoa(m[k])})
	}
	return rows
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
