// SPDX-License-Identifier: AGPL-3.0-or-later

package step

import (
	"regexp"
	"strings"

	"github.com/bartekus/skillflow/internal/workflow"
)

var (
	wholeRefRe = regexp.MustCompile(`^\{\{\s*([^{}]+?)\s*\}\}$`)
	refRe      = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
)

// Resolve substitutes {{path}} references in v. A string that is exactly one
// reference takes the referenced value with its type; references embedded in
// longer strings are interpolated as text. Lists and maps resolve recursively.
func Resolve(v workflow.Value, vars workflow.Context) workflow.Value {
	switch v.Kind() {
	case workflow.KindString:
		s, _ := v.AsString()
		if m := wholeRefRe.FindStringSubmatch(s); m != nil {
			ref, _ := vars.Lookup(m[1])
			return ref
		}
		if !strings.Contains(s, "{{") {
			return v
		}
		return workflow.String(Interpolate(s, vars))
	case workflow.KindList:
		items, _ := v.AsList()
		for i := range items {
			items[i] = Resolve(items[i], vars)
		}
		return workflow.List(items...)
	case workflow.KindMap:
		m, _ := v.AsMap()
		for k := range m {
			m[k] = Resolve(m[k], vars)
		}
		return workflow.Map(m)
	default:
		return v
	}
}

// Interpolate replaces every {{path}} in s with the text of the referenced
// value. Unknown references render as empty strings.
func Interpolate(s string, vars workflow.Context) string {
	return refRe.ReplaceAllStringFunc(s, func(tok string) string {
		m := refRe.FindStringSubmatch(tok)
		v, _ := vars.Lookup(m[1])
		return v.Text()
	})
}

// ResolveParams resolves every parameter of a step config into a Context.
func ResolveParams(params map[string]workflow.Value, vars workflow.Context) workflow.Context {
	out := make(workflow.Context, len(params))
	for k, v := range params {
		out[k] = Resolve(v, vars)
	}
	return out
}
