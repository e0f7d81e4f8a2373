// SPDX-License-Identifier: AGPL-3.0-or-later

package workflow

import (
	"sort"
	"time"
)

// SkillState is the lifecycle state of a skill definition.
type SkillState string

const (
	SkillDraft      SkillState = "draft"
	SkillTesting    SkillState = "testing"
	SkillActive     SkillState = "active"
	SkillDeprecated SkillState = "deprecated"
)

func (s SkillState) Valid() bool {
	switch s {
	case SkillDraft, SkillTesting, SkillActive, SkillDeprecated:
		return true
	}
	return false
}

// ParamType is the declared type of a context schema parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamDate    ParamType = "date"
	ParamEmail   ParamType = "email"
	ParamArray   ParamType = "array"
)

// ParamSpec describes one named context parameter and how to find it in
// free text.
type ParamSpec struct {
	Type               ParamType `yaml:"type" json:"type"`
	Description        string    `yaml:"description,omitempty" json:"description,omitempty"`
	ExtractionHints    []string  `yaml:"extraction_hints,omitempty" json:"extraction_hints,omitempty"`
	ExtractionPatterns []string  `yaml:"extraction_patterns,omitempty" json:"extraction_patterns,omitempty"`
}

// Skill is a declarative workflow definition triggered by natural language.
type Skill struct {
	ID                string               `yaml:"id" json:"id"`
	Name              string               `yaml:"name" json:"name"`
	Category          string               `yaml:"category,omitempty" json:"category,omitempty"`
	Description       string               `yaml:"description,omitempty" json:"description,omitempty"`
	Version           string               `yaml:"version,omitempty" json:"version,omitempty"`
	TriggerPhrases    []string             `yaml:"trigger_phrases" json:"trigger_phrases"`
	Threshold         float64              `yaml:"confidence_threshold" json:"confidence_threshold"`
	ContextSchema     map[string]ParamSpec `yaml:"context_schema,omitempty" json:"context_schema,omitempty"`
	RequiredContext   []string             `yaml:"required_context,omitempty" json:"required_context,omitempty"`
	Steps             []Step               `yaml:"steps" json:"steps"`
	MaxOperations     int                  `yaml:"max_operations" json:"max_operations"`
	TimeoutSeconds    int                  `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	AutoSnapshot      bool                 `yaml:"auto_snapshot" json:"auto_snapshot"`
	RollbackOnFailure bool                 `yaml:"rollback_on_failure" json:"rollback_on_failure"`
	State             SkillState           `yaml:"state" json:"state"`
	AllowedTools      []string             `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`
	Builtin           bool                 `yaml:"builtin,omitempty" json:"builtin,omitempty"`
}

// Executable reports whether the skill may be executed. Only active skills are.
func (s *Skill) Executable() bool {
	return s.State == SkillActive
}

// Label returns the technical name, falling back to the id.
func (s *Skill) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// StepIndex returns the position of the step with the given id, or -1.
func (s *Skill) StepIndex(id string) int {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// SortSteps orders steps by sequence, keeping declaration order for ties.
func (s *Skill) SortSteps() {
	sort.SliceStable(s.Steps, func(i, j int) bool {
		return s.Steps[i].Sequence < s.Steps[j].Sequence
	})
}

// LoopBodies returns the ids of all steps that only run as loop bodies.
func (s *Skill) LoopBodies() map[string]bool {
	out := map[string]bool{}
	for i := range s.Steps {
		if s.Steps[i].Loop == nil {
			continue
		}
		for _, id := range s.Steps[i].Loop.Body {
			out[id] = true
		}
	}
	return out
}

// ToolNames lists the tools the skill may invoke: AllowedTools when set,
// otherwise every tool referenced by its tool_call steps.
func (s *Skill) ToolNames() []string {
	seen := map[string]bool{}
	var names []string
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	}
	if len(s.AllowedTools) > 0 {
		for _, name := range s.AllowedTools {
			add(name)
		}
	} else {
		for i := range s.Steps {
			if s.Steps[i].ToolCall != nil {
				add(s.Steps[i].ToolCall.Tool)
			}
		}
	}
	sort.Strings(names)
	return names
}

// Timeout returns the declared wall-clock budget, or zero when undeclared.
func (s *Skill) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// SkillStats accumulates execution statistics for a skill.
type SkillStats struct {
	SkillID       string        `json:"skill_id"`
	Executions    int           `json:"executions"`
	Successes     int           `json:"successes"`
	Failures      int           `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
	LastDuration  time.Duration `json:"last_duration"`
	LastRunAt     time.Time     `json:"last_run_at"`
}

// Record adds one finished run.
func (st *SkillStats) Record(success bool, d time.Duration, at time.Time) {
	st.Executions++
	if success {
		st.Successes++
	} else {
		st.Failures++
	}
	st.TotalDuration += d
	st.LastDuration = d
	st.LastRunAt = at
}

// AverageDuration is the mean run duration, zero before the first run.
func (st SkillStats) AverageDuration() time.Duration {
	if st.Executions == 0 {
		return 0
	}
	return st.TotalDuration / time.Duration(st.Executions)
}

// SuccessRate is the fraction of successful runs.
func (st SkillStats) SuccessRate() float64 {
	if st.Executions == 0 {
		return 0
	}
	return float64(st.Successes) / float64(st.Executions)
}
