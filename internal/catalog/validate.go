// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"fmt"
	"regexp"

	"github.com/bartekus/skillflow/internal/workflow"
)

// ValidateSkill checks one skill definition in isolation.
func ValidateSkill(s *workflow.Skill) error {
	if s.ID == "" {
		return fmt.Errorf("%w: skill missing id", workflow.ErrInvalidSkill)
	}
	if !s.State.Valid() {
		return fmt.Errorf("%w: skill %s has invalid state: %s", workflow.ErrInvalidSkill, s.ID, s.State)
	}
	if s.Threshold < 0 || s.Threshold > 1 {
		return fmt.Errorf("%w: skill %s threshold %.2f outside [0,1]", workflow.ErrInvalidSkill, s.ID, s.Threshold)
	}
	if s.MaxOperations < 0 {
		return fmt.Errorf("%w: skill %s has negative max_operations", workflow.ErrInvalidSkill, s.ID)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("%w: skill %s has no steps", workflow.ErrInvalidSkill, s.ID)
	}

	for name, spec := range s.ContextSchema {
		for _, p := range spec.ExtractionPatterns {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("%w: skill %s param %s has bad pattern %q: %v", workflow.ErrInvalidSkill, s.ID, name, p, err)
			}
		}
	}

	seen := make(map[string]bool, len(s.Steps))
	for i := range s.Steps {
		step := &s.Steps[i]
		if err := step.Validate(); err != nil {
			return fmt.Errorf("skill %s: %w", s.ID, err)
		}
		if seen[step.ID] {
			return fmt.Errorf("%w: skill %s has duplicate step id: %s", workflow.ErrInvalidSkill, s.ID, step.ID)
		}
		seen[step.ID] = true
	}

	bodies := s.LoopBodies()
	for i := range s.Steps {
		step := &s.Steps[i]
		switch step.Type {
		case workflow.StepCondition:
			for _, target := range []string{step.Condition.OnTrue, step.Condition.OnFalse} {
				if target != "" && !seen[target] {
					return fmt.Errorf("%w: skill %s step %s branches to unknown step %s", workflow.ErrInvalidSkill, s.ID, step.ID, target)
				}
				if target != "" && bodies[target] != bodies[step.ID] {
					return fmt.Errorf("%w: skill %s step %s branches across a loop boundary to %s", workflow.ErrInvalidSkill, s.ID, step.ID, target)
				}
			}
		case workflow.StepLoop:
			if bodies[step.ID] {
				return fmt.Errorf("%w: skill %s loop %s is nested in another loop", workflow.ErrInvalidSkill, s.ID, step.ID)
			}
			for _, id := range step.Loop.Body {
				idx := s.StepIndex(id)
				if idx < 0 {
					return fmt.Errorf("%w: skill %s loop %s references unknown step %s", workflow.ErrInvalidSkill, s.ID, step.ID, id)
				}
				if s.Steps[idx].Type == workflow.StepLoop {
					return fmt.Errorf("%w: skill %s loop %s has a nested loop in its body", workflow.ErrInvalidSkill, s.ID, step.ID)
				}
			}
		case workflow.StepSubskill:
			if step.Subskill.Skill == s.ID {
				return fmt.Errorf("%w: skill %s step %s invokes itself", workflow.ErrInvalidSkill, s.ID, step.ID)
			}
		}
	}
	return nil
}

// ValidateAll checks every skill plus cross-skill rules: unique ids, known
// subskill targets and no subskill cycles.
func ValidateAll(skills []workflow.Skill) error {
	byID := make(map[string]*workflow.Skill, len(skills))
	for i := range skills {
		s := &skills[i]
		if err := ValidateSkill(s); err != nil {
			return err
		}
		if byID[s.ID] != nil {
			return fmt.Errorf("%w: duplicate skill ID: %s", workflow.ErrInvalidSkill, s.ID)
		}
		byID[s.ID] = s
	}

	for _, s := range skills {
		for _, dep := range subskillRefs(&s) {
			if byID[dep] == nil {
				return fmt.Errorf("%w: skill %s invokes unknown subskill: %s", workflow.ErrInvalidSkill, s.ID, dep)
			}
		}
	}

	visited := make(map[string]bool)
	recursionStack := make(map[string]bool)

	var detectCycle func(currentID string) error
	detectCycle = func(currentID string) error {
		visited[currentID] = true
		recursionStack[currentID] = true

		if current := byID[currentID]; current != nil {
			for _, depID := range subskillRefs(current) {
				if !visited[depID] {
					if err := detectCycle(depID); err != nil {
						return err
					}
				} else if recursionStack[depID] {
					return fmt.Errorf("%w: subskill cycle detected involving: %s -> %s", workflow.ErrInvalidSkill, currentID, depID)
				}
			}
		}

		recursionStack[currentID] = false
		return nil
	}

	for _, s := range skills {
		if !visited[s.ID] {
			if err := detectCycle(s.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func subskillRefs(s *workflow.Skill) []string {
	var refs []string
	for i := range s.Steps {
		if s.Steps[i].Subskill != nil {
			refs = append(refs, s.Steps[i].Subskill.Skill)
		}
	}
	return refs
}
