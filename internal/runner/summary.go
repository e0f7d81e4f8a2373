// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"fmt"
	"sort"

	"github.com/bartekus/skillflow/internal/expr"
	"github.com/bartekus/skillflow/internal/workflow"
)

var summaryKeys = []struct {
	keys   []string
	format string
}{
	{[]string{"created_id", "record_id"}, "Created %s"},
	{[]string{"updated_count"}, "Updated %s record(s)"},
	{[]string{"deleted_count"}, "Deleted %s record(s)"},
	{[]string{"summary", "message"}, "%s"},
}

// Summarize derives a one-line summary from a finished execution context.
// Well-known keys are looked up at the top level first, then one level down
// inside map values, in key order.
func Summarize(skill *workflow.Skill, vars workflow.Context) string {
	var nested []map[string]workflow.Value
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if m, ok := vars[k].AsMap(); ok {
			nested = append(nested, m)
		}
	}

	for _, group := range summaryKeys {
		for _, key := range group.keys {
			if v, ok := vars[key]; ok && !expr.IsEmpty(v) {
				return fmt.Sprintf(group.format, v.Text())
			}
		}
		for _, m := range nested {
			for _, key := range group.keys {
				if v, ok := m[key]; ok && !expr.IsEmpty(v) {
					return fmt.Sprintf(group.format, v.Text())
				}
			}
		}
	}
	return fmt.Sprintf("Skill %s completed successfully", skill.Label())
}
