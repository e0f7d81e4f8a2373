// SPDX-License-Identifier: AGPL-3.0-or-later

package sqlstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartekus/skillflow/internal/audit"
	"github.com/bartekus/skillflow/internal/workflow"
)

func openTest(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(context.Background(), db, DriverSQLite))
	return db
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("oracle", "x")
	require.Error(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	require.NoError(t, Migrate(ctx, db, DriverSQLite))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 1, n)

	_, err := db.Exec(`UPDATE schema_migrations SET checksum = 'tampered'`)
	require.NoError(t, err)
	err = Migrate(ctx, db, DriverSQLite)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestRebind(t *testing.T) {
	pg := Rebind(DriverPostgres)
	assert.Equal(t, `SELECT * FROM t WHERE a = $1 AND b = '?' AND c = $2`, pg(`SELECT * FROM t WHERE a = ? AND b = '?' AND c = ?`))
	assert.Equal(t, `a = $1`, Rebind("postgresql")(`a = ?`))
	assert.Equal(t, `a = ?`, Rebind(DriverSQLite)(`a = ?`))
}

func TestStore_Executions(t *testing.T) {
	db := openTest(t)
	s := New(db, DriverSQLite)
	ctx := context.Background()
	at := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	e := &workflow.Execution{
		ID:        "exec-1",
		SkillID:   "create_record",
		SkillName: "Create record",
		State:     workflow.StatePending,
		Context:   workflow.Context{"kind": workflow.String("invoice")},
		CreatedAt: at,
		UpdatedAt: at,
	}
	require.NoError(t, s.CreateExecution(ctx, e))
	require.Error(t, s.CreateExecution(ctx, e))

	require.NoError(t, e.Transition(workflow.StateWaitingInput, at.Add(time.Second)))
	e.Pending = &workflow.InputRequest{Kind: workflow.InputContext, Variable: "title"}
	require.NoError(t, s.SaveExecution(ctx, e))

	got, err := s.LoadExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateWaitingInput, got.State)
	assert.Equal(t, "title", got.Pending.Variable)
	assert.Equal(t, workflow.String("invoice"), got.Context["kind"])

	waiting, err := s.ListExecutions(ctx, workflow.StateWaitingInput, 10)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "exec-1", waiting[0].ID)

	require.NoError(t, e.Transition(workflow.StateCancelled, at.Add(2*time.Second)))
	require.NoError(t, s.SaveExecution(ctx, e))
	err = s.SaveExecution(ctx, e)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)

	_, err = s.LoadExecution(ctx, "nope")
	assert.ErrorIs(t, err, workflow.ErrExecutionNotFound)
	err = s.SaveExecution(ctx, &workflow.Execution{ID: "nope"})
	assert.ErrorIs(t, err, workflow.ErrExecutionNotFound)
}

func TestStore_Stats(t *testing.T) {
	s := New(openTest(t), DriverSQLite)
	ctx := context.Background()
	at := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	stats, err := s.SkillStats(ctx, "bulk_tag")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Executions)

	require.NoError(t, s.RecordRun(ctx, "bulk_tag", true, 1500*time.Millisecond, at))
	require.NoError(t, s.RecordRun(ctx, "bulk_tag", false, 500*time.Millisecond, at.Add(time.Hour)))

	stats, err = s.SkillStats(ctx, "bulk_tag")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Executions)
	assert.Equal(t, 1, stats.Successes)
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 2*time.Second, stats.TotalDuration)
	assert.Equal(t, 500*time.Millisecond, stats.LastDuration)
	assert.True(t, stats.LastRunAt.Equal(at.Add(time.Hour)))
}

func TestStore_OperationLog(t *testing.T) {
	s := New(openTest(t), DriverSQLite)
	ctx := context.Background()
	at := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	s.Log(ctx, audit.Entry{
		ExecutionID: "exec-1", Skill: "create_record", Step: "create", Tool: "records.create",
		OpType: audit.OpToolCall, Params: map[string]any{"kind": "invoice"},
		Result: map[string]any{"created_id": "r1"}, At: at,
	})
	s.Log(ctx, audit.Entry{ExecutionID: "exec-1", Step: "create", OpType: audit.OpStepError, Error: "boom", Attempt: 2, At: at})
	s.Log(ctx, audit.Entry{ExecutionID: "exec-2", OpType: audit.OpToolCall, At: at})

	ops, err := s.Operations(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, audit.OpToolCall, ops[0].OpType)
	assert.Equal(t, "records.create", ops[0].Tool)
	assert.Equal(t, map[string]any{"kind": "invoice"}, ops[0].Params)
	assert.Equal(t, map[string]any{"created_id": "r1"}, ops[0].Result)
	assert.True(t, ops[0].At.Equal(at))
	assert.True(t, ops[1].Failed())
	assert.Equal(t, 2, ops[1].Attempt)
}

func TestStore_SkillStates(t *testing.T) {
	s := New(openTest(t), DriverSQLite)
	ctx := context.Background()
	at := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	states, err := s.SkillStates(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)

	require.NoError(t, s.SetSkillState(ctx, "bulk_tag", workflow.SkillDeprecated, at))
	require.NoError(t, s.SetSkillState(ctx, "bulk_tag", workflow.SkillActive, at.Add(time.Minute)))
	require.NoError(t, s.SetSkillState(ctx, "create_record", workflow.SkillDeprecated, at))

	states, err = s.SkillStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]workflow.SkillState{
		"bulk_tag":      workflow.SkillActive,
		"create_record": workflow.SkillDeprecated,
	}, states)
}

func TestStore_InsideTransaction(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	s := New(tx, DriverSQLite)
	require.NoError(t, s.CreateExecution(ctx, &workflow.Execution{ID: "e", SkillID: "s", State: workflow.StatePending}))
	require.NoError(t, tx.Rollback())

	_, err = New(db, DriverSQLite).LoadExecution(ctx, "e")
	assert.ErrorIs(t, err, workflow.ErrExecutionNotFound)
}
