// SPDX-License-Identifier: AGPL-3.0-or-later

// Package intent maps free-text requests to skills and extracts their
// parameters.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bartekus/skillflow/internal/catalog"
	"github.com/bartekus/skillflow/internal/workflow"
)

const (
	minPhraseScore     = 0.1
	suggestBelow       = 0.5
	maxSuggestions     = 5
	phraseWeight       = 0.6
	coverageWeight     = 0.3
	builtinBonusWeight = 0.1
)

// Catalog is the read side of the skill catalog the matcher needs.
type Catalog interface {
	ListActiveSkills(ctx context.Context, filter catalog.Filter) ([]workflow.Skill, error)
}

// Suggestion is a skill the caller may have meant.
type Suggestion struct {
	SkillID   string  `json:"skill_id"`
	Name      string  `json:"name"`
	Relevance float64 `json:"relevance"`
}

// Candidate is the score breakdown for one skill.
type Candidate struct {
	SkillID     string  `json:"skill_id"`
	PhraseScore float64 `json:"phrase_score"`
	Coverage    float64 `json:"coverage"`
	Combined    float64 `json:"combined"`
	Qualified   bool    `json:"qualified"`
}

// Result is the outcome of one Match call.
type Result struct {
	Skill       *workflow.Skill  `json:"-"`
	SkillID     string           `json:"skill_id,omitempty"`
	Confidence  float64          `json:"confidence"`
	Params      workflow.Context `json:"params"`
	Suggestions []Suggestion     `json:"suggestions,omitempty"`
	Candidates  []Candidate      `json:"candidates,omitempty"`
}

// Matched reports whether a skill won.
func (r *Result) Matched() bool { return r.Skill != nil }

type Option func(*Matcher)

// WithClock sets the clock used to resolve relative dates.
func WithClock(now func() time.Time) Option {
	return func(m *Matcher) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Matcher) {
		if l != nil {
			m.logger = l
		}
	}
}

// Matcher scores input text against the trigger phrases of active skills.
// It holds no per-call state, so one Matcher may serve concurrent callers.
type Matcher struct {
	catalog Catalog
	now     func() time.Time
	logger  *slog.Logger
	cache   *patternCache
}

func New(c Catalog, opts ...Option) *Matcher {
	m := &Matcher{
		catalog: c,
		now:     time.Now,
		logger:  slog.Default(),
		cache:   &patternCache{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match picks the best qualifying skill for input. A result without a skill
// is not an error; it carries suggestions instead.
func (m *Matcher) Match(ctx context.Context, input string, filter catalog.Filter) (*Result, error) {
	skills, err := m.catalog.ListActiveSkills(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list active skills: %w", err)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].ID < skills[j].ID })

	res := &Result{Params: workflow.Context{}}
	text := strings.TrimSpace(input)
	if text == "" {
		return res, nil
	}

	x := &extractor{now: m.now, cache: m.cache}
	var (
		best       *workflow.Skill
		bestScore  float64
		bestParams workflow.Context
	)
	for i := range skills {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := &skills[i]
		phraseScore, captures := m.scorePhrases(text, s.TriggerPhrases)
		if phraseScore < minPhraseScore {
			continue
		}

		params := x.params(text, s, captures)
		coverage := paramCoverage(params, s.RequiredContext)
		bonus := 0.0
		if s.Builtin {
			bonus = 1
		}
		combined := phraseWeight*phraseScore + coverageWeight*coverage + builtinBonusWeight*bonus
		qualified := combined >= s.Threshold

		res.Candidates = append(res.Candidates, Candidate{
			SkillID:     s.ID,
			PhraseScore: phraseScore,
			Coverage:    coverage,
			Combined:    combined,
			Qualified:   qualified,
		})
		m.logger.DebugContext(ctx, "intent candidate",
			"skill", s.ID, "phrase_score", phraseScore, "coverage", coverage, "combined", combined, "qualified", qualified)

		if qualified && (best == nil || combined > bestScore) {
			best, bestScore, bestParams = s, combined, params
		}
	}

	if best != nil {
		res.Skill = best
		res.SkillID = best.ID
		res.Confidence = bestScore
		res.Params = bestParams
	}
	if best == nil || bestScore < suggestBelow {
		res.Suggestions = suggest(text, skills)
	}
	return res, nil
}

// Extract pulls parameters for skill out of input without scoring it against
// the rest of the catalog.
func (m *Matcher) Extract(skill *workflow.Skill, input string) workflow.Context {
	text := strings.TrimSpace(input)
	if skill == nil || text == "" {
		return workflow.Context{}
	}
	x := &extractor{now: m.now, cache: m.cache}
	_, captures := m.scorePhrases(text, skill.TriggerPhrases)
	return x.params(text, skill, captures)
}

// params merges schema extraction with placeholder captures. Captures win.
func (x *extractor) params(text string, s *workflow.Skill, captures map[string]string) workflow.Context {
	params := x.extract(text, s.ContextSchema)
	for name, raw := range captures {
		spec, ok := s.ContextSchema[name]
		if !ok {
			params[name] = workflow.String(raw)
			continue
		}
		if v, ok := x.cast(raw, spec.Type); ok {
			params[name] = v
		} else {
			params[name] = workflow.String(raw)
		}
	}
	return params
}

// scorePhrases returns the best phrase score across phrases and, when a
// placeholder phrase matched structurally, its captures.
func (m *Matcher) scorePhrases(input string, phrases []string) (float64, map[string]string) {
	lowered := strings.ToLower(input)
	var (
		best     float64
		captures map[string]string
	)
	for _, phrase := range phrases {
		p := strings.ToLower(strings.TrimSpace(phrase))
		if p == "" {
			continue
		}
		if placeholderRe.MatchString(p) {
			if got, ok := m.matchPlaceholders(input, strings.TrimSpace(phrase)); ok {
				if captures == nil {
					best, captures = 1, got
				}
				continue
			}
			p = stripPlaceholders(p)
		}
		if score := fuzzyScore(lowered, p); score > best {
			best = score
		}
	}
	return best, captures
}

func (m *Matcher) matchPlaceholders(input, phrase string) (map[string]string, bool) {
	re, err := m.cache.get(placeholderPattern(phrase))
	if err != nil {
		m.logger.Warn("bad trigger phrase", "phrase", phrase, "err", err)
		return nil, false
	}
	match := re.FindStringSubmatch(input)
	if match == nil {
		return nil, false
	}
	out := map[string]string{}
	for i, name := range re.SubexpNames() {
		if name == "" {
			continue
		}
		if v := strings.TrimSpace(match[i]); v != "" {
			out[name] = v
		}
	}
	return out, true
}

func paramCoverage(params workflow.Context, required []string) float64 {
	if len(required) == 0 {
		return 1
	}
	hit := 0
	for _, name := range required {
		if params.Has(name) {
			hit++
		}
	}
	return float64(hit) / float64(len(required))
}

// suggest ranks skills by the share of their phrase tokens found in input.
func suggest(input string, skills []workflow.Skill) []Suggestion {
	var out []Suggestion
	for i := range skills {
		s := &skills[i]
		best := 0.0
		for _, phrase := range s.TriggerPhrases {
			if r := overlap(input, stripPlaceholders(phrase)); r > best {
				best = r
			}
		}
		if best > 0 {
			out = append(out, Suggestion{SkillID: s.ID, Name: s.Label(), Relevance: best})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Relevance != out[j].Relevance {
			return out[i].Relevance > out[j].Relevance
		}
		return out[i].SkillID < out[j].SkillID
	})
	if len(out) > maxSuggestions {
		out = out[:maxSuggestions]
	}
	return out
}
