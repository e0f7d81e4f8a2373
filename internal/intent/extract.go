// SPDX-License-Identifier: AGPL-3.0-or-later

package intent

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/bartekus/skillflow/internal/workflow"
)

var (
	numberRe  = regexp.MustCompile(`-?\$?\d[\d,]*(?:\.\d+)?`)
	emailRe   = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	isoDateRe = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	usDateRe  = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
	natDateRe = regexp.MustCompile(`(?i)\b(today|tomorrow|yesterday|next week)\b`)
)

// patternCache memoises compiled trigger and extraction patterns.
type patternCache struct {
	mu sync.Mutex
	m  map[string]*regexp.Regexp
}

func (c *patternCache) get(expr string) (*regexp.Regexp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if re, ok := c.m[expr]; ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	if c.m == nil {
		c.m = map[string]*regexp.Regexp{}
	}
	c.m[expr] = re
	return re, nil
}

// placeholderPattern turns "create {customer} invoice" into a case-insensitive
// regexp with one named group per placeholder. Whitespace in the phrase
// matches any whitespace run; a trailing placeholder is greedy, others lazy.
func placeholderPattern(phrase string) string {
	locs := placeholderRe.FindAllStringSubmatchIndex(phrase, -1)
	var b strings.Builder
	b.WriteString(`(?i)`)
	if r := firstRune(phrase); isWord(r) {
		b.WriteString(`\b`)
	}
	seen := map[string]bool{}
	last := 0
	for n, loc := range locs {
		b.WriteString(literalPattern(phrase[last:loc[0]]))
		name := phrase[loc[2]:loc[3]]
		lazy := "?"
		if n == len(locs)-1 && strings.TrimSpace(phrase[loc[1]:]) == "" {
			lazy = ""
		}
		if seen[name] {
			b.WriteString(`(.+` + lazy + `)`)
		} else {
			seen[name] = true
			b.WriteString(`(?P<` + name + `>.+` + lazy + `)`)
		}
		last = loc[1]
	}
	tail := phrase[last:]
	b.WriteString(literalPattern(tail))
	if r := lastRune(tail); tail != "" && isWord(r) {
		b.WriteString(`\b`)
	}
	return b.String()
}

func literalPattern(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	if unicode.IsSpace(firstRune(s)) {
		b.WriteString(`\s+`)
	}
	for i, f := range strings.Fields(s) {
		if i > 0 {
			b.WriteString(`\s+`)
		}
		b.WriteString(regexp.QuoteMeta(f))
	}
	if strings.TrimSpace(s) != "" && unicode.IsSpace(lastRune(s)) {
		b.WriteString(`\s+`)
	}
	return b.String()
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}

func lastRune(s string) rune {
	r := []rune(s)
	if len(r) == 0 {
		return 0
	}
	return r[len(r)-1]
}

func isWord(r rune) bool {
	return r == '_' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)))
}

// extractor pulls typed parameters out of free text.
type extractor struct {
	now   func() time.Time
	cache *patternCache
}

// extract returns every schema parameter it could find and cast, keyed by
// parameter name.
func (x *extractor) extract(input string, schema map[string]workflow.ParamSpec) workflow.Context {
	out := workflow.Context{}
	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := schema[name]
		for _, raw := range x.candidates(input, spec) {
			if v, ok := x.cast(raw, spec.Type); ok {
				out[name] = v
				break
			}
		}
	}
	return out
}

// candidates lists raw values in priority order: explicit patterns, hint
// words, then type heuristics.
func (x *extractor) candidates(input string, spec workflow.ParamSpec) []string {
	var out []string
	for _, p := range spec.ExtractionPatterns {
		re, err := x.cache.get(p)
		if err != nil {
			continue
		}
		m := re.FindStringSubmatch(input)
		if m == nil {
			continue
		}
		if len(m) > 1 {
			out = append(out, strings.TrimSpace(m[1]))
		} else {
			out = append(out, strings.TrimSpace(m[0]))
		}
	}

	for _, hint := range spec.ExtractionHints {
		re, err := x.cache.get(`(?i)\b` + regexp.QuoteMeta(hint) + `\b\s*[:=]?\s*(?:"([^"]*)"|'([^']*)'|(\S+))`)
		if err != nil {
			continue
		}
		for _, m := range re.FindAllStringSubmatch(input, -1) {
			for _, g := range m[1:] {
				if g != "" {
					out = append(out, strings.TrimRight(g, ".,;!?"))
					break
				}
			}
		}
	}

	switch spec.Type {
	case workflow.ParamNumber:
		out = append(out, numberRe.FindAllString(input, -1)...)
	case workflow.ParamEmail:
		out = append(out, emailRe.FindAllString(input, -1)...)
	case workflow.ParamDate:
		out = append(out, isoDateRe.FindAllString(input, -1)...)
		out = append(out, usDateRe.FindAllString(input, -1)...)
		out = append(out, natDateRe.FindAllString(input, -1)...)
	}
	return out
}

// cast converts a raw string to the declared parameter type.
func (x *extractor) cast(raw string, typ workflow.ParamType) (workflow.Value, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return workflow.Null, false
	}
	switch typ {
	case workflow.ParamNumber:
		clean := strings.NewReplacer(",", "", "$", "").Replace(raw)
		n, err := strconv.ParseFloat(clean, 64)
		if err != nil {
			return workflow.Null, false
		}
		return workflow.Number(n), true
	case workflow.ParamBoolean:
		switch strings.ToLower(raw) {
		case "true", "yes", "y", "1", "on":
			return workflow.Bool(true), true
		case "false", "no", "n", "0", "off":
			return workflow.Bool(false), true
		}
		return workflow.Null, false
	case workflow.ParamArray:
		var items []workflow.Value
		for _, part := range strings.Split(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				items = append(items, workflow.String(p))
			}
		}
		if len(items) == 0 {
			return workflow.Null, false
		}
		return workflow.List(items...), true
	case workflow.ParamEmail:
		if !emailRe.MatchString(raw) {
			return workflow.Null, false
		}
		return workflow.String(emailRe.FindString(raw)), true
	case workflow.ParamDate:
		d, ok := x.normaliseDate(raw)
		if !ok {
			return workflow.Null, false
		}
		return workflow.String(d), true
	default:
		return workflow.String(raw), true
	}
}

// normaliseDate returns an ISO date for ISO, US and natural-language input.
func (x *extractor) normaliseDate(raw string) (string, bool) {
	if d := isoDateRe.FindString(raw); d != "" {
		if _, err := time.Parse("2006-01-02", d); err == nil {
			return d, true
		}
	}
	if m := usDateRe.FindStringSubmatch(raw); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		iso := fmt.Sprintf("%s-%02d-%02d", m[3], month, day)
		if _, err := time.Parse("2006-01-02", iso); err == nil {
			return iso, true
		}
	}
	if m := natDateRe.FindString(raw); m != "" {
		today := x.now()
		var d time.Time
		switch strings.ToLower(m) {
		case "today":
			d = today
		case "tomorrow":
			d = today.AddDate(0, 0, 1)
		case "yesterday":
			d = today.AddDate(0, 0, -1)
		case "next week":
			d = today.AddDate(0, 0, 7)
		}
		return d.Format("2006-01-02"), true
	}
	return "", false
}
