// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartekus/skillflow/cmd/skillflow/internal/clierr"
	"github.com/bartekus/skillflow/internal/rollback"
	"github.com/bartekus/skillflow/internal/runner"
	"github.com/bartekus/skillflow/internal/testutil/golden"
	"github.com/bartekus/skillflow/internal/workflow"
)

// workspace creates a project root with a quiet config and a sqlite database
// under .skillflow/.
func workspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".skillflow.yaml"), []byte("audit:\n  sink: db\nlog:\n  level: error\n"), 0o644))
	return dir
}

func execute(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(&app{workdir: dir})
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func runJSON(t *testing.T, dir string, args ...string) *runner.Result {
	t.Helper()
	out, err := execute(t, dir, append(args, "--json")...)
	require.NoError(t, err, out)
	var res runner.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	return &res
}

func TestVersion(t *testing.T) {
	t.Setenv("SKILLFLOW_VERSION", "")
	out, err := execute(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Equal(t, "skillflow version 0.0.0-dev\n", out)
}

func TestSkillsList_Golden(t *testing.T) {
	out, err := execute(t, workspace(t), "skills", "list")
	require.NoError(t, err)

	golden.Assert(t, "skills_list", out)
}

func TestMatch(t *testing.T) {
	out, err := execute(t, workspace(t), "match", "create", "invoice", "record", "--json")
	require.NoError(t, err)

	var res struct {
		SkillID string            `json:"skill_id"`
		Params  map[string]string `json:"params"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	assert.Equal(t, "create_record", res.SkillID)
	assert.Equal(t, "invoice", res.Params["kind"])
}

func TestRun_CompletesAndStatusShowsLastRun(t *testing.T) {
	dir := workspace(t)
	res := runJSON(t, dir, "run", "create_record", "--set", "kind=invoice", "--set", "title=March")
	assert.Equal(t, workflow.StateCompleted, res.State)
	assert.True(t, strings.HasPrefix(res.Summary, "Created "), res.Summary)

	out, err := execute(t, dir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "execution: "+res.ExecutionID)
	assert.Contains(t, out, "state:     completed")

	out, err = execute(t, dir, "status", res.ExecutionID, "--ops")
	require.NoError(t, err)
	assert.Contains(t, out, "records.create")
}

func TestRun_TextExtractsParams(t *testing.T) {
	dir := workspace(t)
	res := runJSON(t, dir, "run", "create_record", "--text", "create contact record", "--set", "title=Ada")
	assert.Equal(t, workflow.StateCompleted, res.State)
	assert.Equal(t, "contact", res.Context["kind"].Text())
}

func TestRun_SuspendsAndResumes(t *testing.T) {
	dir := workspace(t)
	res := runJSON(t, dir, "run", "create_record", "--set", "kind=invoice")
	require.Equal(t, workflow.StateWaitingInput, res.State)
	require.NotNil(t, res.Input)
	assert.Equal(t, "title", res.Input.Variable)

	out, err := execute(t, dir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "waiting for input:")
	assert.Contains(t, out, res.ExecutionID)

	resumed := runJSON(t, dir, "resume", res.ExecutionID, "Q3 report")
	assert.Equal(t, workflow.StateCompleted, resumed.State)
	assert.Equal(t, "Q3 report", resumed.Context["title"].Text())

	_, err = execute(t, dir, "resume", res.ExecutionID, "again")
	require.Error(t, err)
	assert.Equal(t, clierr.CodeValidation, clierr.ExitCodeOf(err))
}

func TestCancel(t *testing.T) {
	dir := workspace(t)
	res := runJSON(t, dir, "run", "create_record", "--set", "kind=invoice")
	require.Equal(t, workflow.StateWaitingInput, res.State)

	out, err := execute(t, dir, "cancel", res.ExecutionID)
	require.NoError(t, err)
	assert.Contains(t, out, "state:     cancelled")

	_, err = execute(t, dir, "cancel", res.ExecutionID)
	require.Error(t, err)
	assert.Equal(t, clierr.CodeValidation, clierr.ExitCodeOf(err))
}

func TestAsk(t *testing.T) {
	dir := workspace(t)
	res := runJSON(t, dir, "ask", "how", "many", "invoice", "records")
	assert.Equal(t, "count_records", res.SkillID)
	assert.Equal(t, workflow.StateCompleted, res.State)
	assert.Equal(t, "There are 0 invoice records.", res.Summary)

	_, err := execute(t, dir, "ask", "launch", "the", "rocket")
	require.Error(t, err)
	assert.Equal(t, clierr.CodeNotFound, clierr.ExitCodeOf(err))
}

func TestRun_ExitCodes(t *testing.T) {
	dir := workspace(t)

	_, err := execute(t, dir, "run", "no_such_skill")
	require.Error(t, err)
	assert.Equal(t, clierr.CodeNotFound, clierr.ExitCodeOf(err))

	_, err = execute(t, dir, "run", "create_record", "--set", "broken")
	require.Error(t, err)
	assert.Equal(t, clierr.CodeUsage, clierr.ExitCodeOf(err))

	_, err = execute(t, dir, "status", "ghost")
	require.Error(t, err)
	assert.Equal(t, clierr.CodeNotFound, clierr.ExitCodeOf(err))
}

func TestSkillsState_PersistsAcrossInvocations(t *testing.T) {
	dir := workspace(t)

	out, err := execute(t, dir, "skills", "state", "count_records", "deprecated")
	require.NoError(t, err)
	assert.Equal(t, "count_records is now deprecated\n", out)

	out, err = execute(t, dir, "skills", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "count_records")

	out, err = execute(t, dir, "skills", "list", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "deprecated")

	_, err = execute(t, dir, "run", "count_records", "--set", "kind=invoice")
	require.Error(t, err)
	assert.Equal(t, clierr.CodeValidation, clierr.ExitCodeOf(err))

	_, err = execute(t, dir, "skills", "state", "count_records", "retired")
	require.Error(t, err)
	assert.Equal(t, clierr.CodeValidation, clierr.ExitCodeOf(err))
}

func TestSkillsValidate(t *testing.T) {
	dir := t.TempDir()
	skill := `id: ping
name: Ping
state: active
trigger_phrases: ["ping"]
steps:
  - id: say
    sequence: 10
    type: action
    action:
      action: notify
      params:
        message: pong
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ping.yaml"), []byte(skill), 0o644))

	out, err := execute(t, dir, "skills", "validate", dir)
	require.NoError(t, err)
	assert.Equal(t, "1 skill(s) valid\n", out)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("id: broken\nsteps: []\n"), 0o644))
	_, err = execute(t, dir, "skills", "validate", dir)
	require.Error(t, err)
}

func TestSkillsStatsAndDocs(t *testing.T) {
	dir := workspace(t)
	res := runJSON(t, dir, "run", "create_record", "--set", "kind=invoice", "--set", "title=March")
	require.Equal(t, workflow.StateCompleted, res.State)

	out, err := execute(t, dir, "skills", "stats", "create_record")
	require.NoError(t, err)
	assert.Contains(t, out, "runs:       1 (1 ok, 0 failed)")
	assert.Contains(t, out, "success:    100%")

	_, err = execute(t, dir, "skills", "stats", "nope")
	assert.Equal(t, clierr.CodeNotFound, clierr.ExitCodeOf(err))

	out, err = execute(t, dir, "skills", "docs", "--out", "catalog")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 4 skill page(s)")
	page, err := os.ReadFile(filepath.Join(dir, "catalog", "skills.md"))
	require.NoError(t, err)
	assert.Contains(t, string(page), "| [create_record](skills/create_record.md) | Create record | active | records | 1 | 1 | 100% |")
}

func TestRollbackCapability(t *testing.T) {
	out, err := execute(t, workspace(t), "rollback", "capability")
	require.NoError(t, err)
	assert.Equal(t, "snapshots: unavailable\nwarning:   "+rollback.DegradedWarning+"\n", out)
}

func TestInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".skillflow.yaml"), []byte("audit:\n  sink: kafka\n"), 0o644))
	_, err := execute(t, dir, "skills", "list")
	require.Error(t, err)
	assert.Equal(t, clierr.CodeUsage, clierr.ExitCodeOf(err))
}
