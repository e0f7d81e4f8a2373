// SPDX-License-Identifier: AGPL-3.0-or-later

// Package skills ships the built-in skill definitions embedded in the binary.
package skills

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/bartekus/skillflow/internal/catalog"
	"github.com/bartekus/skillflow/internal/workflow"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Builtin parses the embedded skills, in file name order. Every returned
// skill is marked Builtin.
func Builtin() ([]workflow.Skill, error) {
	names, err := fs.Glob(builtinFS, "builtin/*.yaml")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	var out []workflow.Skill
	for _, name := range names {
		data, err := builtinFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read built-in skill %s: %w", name, err)
		}
		parsed, err := catalog.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("built-in skill %s: %w", name, err)
		}
		for i := range parsed {
			parsed[i].Builtin = true
		}
		out = append(out, parsed...)
	}
	return out, nil
}

// IDs lists the ids of the built-in skills.
func IDs() []string {
	skills, err := Builtin()
	if err != nil {
		return nil
	}
	ids := make([]string, len(skills))
	for i, s := range skills {
		ids[i] = s.ID
	}
	return ids
}
