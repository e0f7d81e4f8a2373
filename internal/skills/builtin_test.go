// SPDX-License-Identifier: AGPL-3.0-or-later

package skills

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartekus/skillflow/internal/catalog"
	"github.com/bartekus/skillflow/internal/workflow"
)

func TestBuiltin_LoadsAndValidates(t *testing.T) {
	skills, err := Builtin()
	require.NoError(t, err)
	require.NoError(t, catalog.ValidateAll(skills))

	assert.Equal(t, []string{"bulk_tag", "count_records", "create_record", "update_record"}, IDs())
	for _, s := range skills {
		assert.True(t, s.Builtin, s.ID)
		assert.True(t, s.Executable(), s.ID)
		assert.NotEmpty(t, s.TriggerPhrases, s.ID)
	}
}

func TestBuiltin_BulkTagLoopShape(t *testing.T) {
	skills, err := Builtin()
	require.NoError(t, err)

	var bulk workflow.Skill
	for _, s := range skills {
		if s.ID == "bulk_tag" {
			bulk = s
		}
	}
	require.Equal(t, "bulk_tag", bulk.ID)
	assert.Equal(t, map[string]bool{"tag_one": true}, bulk.LoopBodies())
	assert.Equal(t, []string{"records.update"}, bulk.ToolNames())
	assert.Equal(t, workflow.ParamArray, bulk.ContextSchema["ids"].Type)
}
