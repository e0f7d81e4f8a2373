// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bartekus/skillflow/internal/workflow"
)

// Filter narrows ListActiveSkills. Zero value matches everything.
type Filter struct {
	Categories  []string
	IDPrefix    string
	BuiltinOnly bool
}

func (f Filter) matches(s *workflow.Skill) bool {
	if f.BuiltinOnly && !s.Builtin {
		return false
	}
	if f.IDPrefix != "" && !strings.HasPrefix(s.ID, f.IDPrefix) {
		return false
	}
	if len(f.Categories) > 0 {
		for _, c := range f.Categories {
			if strings.EqualFold(c, s.Category) {
				return true
			}
		}
		return false
	}
	return true
}

// Catalog is an in-memory, concurrency-safe set of skill definitions.
type Catalog struct {
	mu     sync.RWMutex
	skills map[string]*workflow.Skill
}

// New builds a catalog from skills, applying defaults and validating the set.
func New(skills ...workflow.Skill) (*Catalog, error) {
	c := &Catalog{skills: make(map[string]*workflow.Skill)}
	for i := range skills {
		applyDefaults(&skills[i])
	}
	if err := ValidateAll(skills); err != nil {
		return nil, err
	}
	for i := range skills {
		s := skills[i]
		c.skills[s.ID] = &s
	}
	return c, nil
}

// Register adds or replaces a skill. The catalog as a whole must remain valid.
func (c *Catalog) Register(s workflow.Skill) error {
	applyDefaults(&s)

	c.mu.Lock()
	defer c.mu.Unlock()

	all := make([]workflow.Skill, 0, len(c.skills)+1)
	for id, existing := range c.skills {
		if id != s.ID {
			all = append(all, *existing)
		}
	}
	all = append(all, s)
	if err := ValidateAll(all); err != nil {
		return err
	}
	c.skills[s.ID] = &s
	return nil
}

// Skill returns a copy of the skill with the given id, in any state.
func (c *Catalog) Skill(_ context.Context, id string) (*workflow.Skill, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.skills[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", workflow.ErrSkillNotFound, id)
	}
	out := *s
	return &out, nil
}

// ListActiveSkills returns active skills passing filter, sorted by id.
func (c *Catalog) ListActiveSkills(_ context.Context, filter Filter) ([]workflow.Skill, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []workflow.Skill
	for _, s := range c.skills {
		if s.Executable() && filter.matches(s) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// All returns every skill regardless of state, sorted by id.
func (c *Catalog) All() []workflow.Skill {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]workflow.Skill, 0, len(c.skills))
	for _, s := range c.skills {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetState moves a skill to a new lifecycle state.
func (c *Catalog) SetState(id string, state workflow.SkillState) error {
	if !state.Valid() {
		return fmt.Errorf("%w: invalid state %q", workflow.ErrInvalidSkill, state)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.skills[id]
	if !ok {
		return fmt.Errorf("%w: %s", workflow.ErrSkillNotFound, id)
	}
	next := *s
	next.State = state
	if state == workflow.SkillActive {
		if err := ValidateSkill(&next); err != nil {
			return err
		}
	}
	c.skills[id] = &next
	return nil
}

// Len reports the number of skills.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.skills)
}
