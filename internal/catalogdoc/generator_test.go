// SPDX-License-Identifier: AGPL-3.0-or-later

package catalogdoc_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartekus/skillflow/internal/catalogdoc"
	"github.com/bartekus/skillflow/internal/skills"
	"github.com/bartekus/skillflow/internal/workflow"
)

func generate(t *testing.T) string {
	t.Helper()
	builtin, err := skills.Builtin()
	require.NoError(t, err)

	stats := &workflow.SkillStats{SkillID: "create_record"}
	at := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	stats.Record(true, time.Second, at)
	stats.Record(true, time.Second, at)
	stats.Record(false, time.Second, at)
	stats.Record(true, time.Second, at)

	out := t.TempDir()
	gen := &catalogdoc.Generator{
		Skills: builtin,
		Stats:  map[string]*workflow.SkillStats{"create_record": stats},
		OutDir: out,
	}
	require.NoError(t, gen.Generate())
	return out
}

func read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestGenerate(t *testing.T) {
	out := generate(t)

	index := read(t, filepath.Join(out, "index.md"))
	assert.Contains(t, index, "# Skill Catalog\n")
	assert.Contains(t, index, "- **Recorded runs**: 4\n")
	assert.Contains(t, index, "| active | 4 |\n")
	assert.Contains(t, index, "| records | 4 |\n")

	list := read(t, filepath.Join(out, "skills.md"))
	assert.Contains(t, list, "| [create_record](skills/create_record.md) | Create record | active | records | 1 | 4 | 75% |\n")
	assert.Contains(t, list, "| [bulk_tag](skills/bulk_tag.md) |")

	page := read(t, filepath.Join(out, "skills", "create_record.md"))
	assert.Contains(t, page, "- `create {kind} record`\n")
	assert.Contains(t, page, "| `kind` | string | yes |")
	assert.Contains(t, page, "| 10 | `create` | tool_call | records.create | yes | `record` |\n")
}

func TestGenerate_Deterministic(t *testing.T) {
	a, b := generate(t), generate(t)
	for _, name := range []string{"index.md", "skills.md", filepath.Join("skills", "count_records.md")} {
		assert.Equal(t, read(t, filepath.Join(a, name)), read(t, filepath.Join(b, name)), name)
	}
}
