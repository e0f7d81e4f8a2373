// SPDX-License-Identifier: AGPL-3.0-or-later

package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bartekus/skillflow/internal/audit"
	"github.com/bartekus/skillflow/internal/workflow"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store keeps executions as JSON documents next to a few indexed columns.
// It also serves as the audit sink writing the operation_log table.
type Store struct {
	db     DBTX
	rebind func(string) string
	logger *slog.Logger
}

func New(db DBTX, driver string, opts ...Option) *Store {
	s := &Store{
		db:     db,
		rebind: Rebind(driver),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *Store) CreateExecution(ctx context.Context, e *workflow.Execution) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode execution %s: %w", e.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO executions (id, skill_id, state, caller_id, document, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.SkillID, string(e.State), e.CallerID, string(doc), stamp(e.CreatedAt), stamp(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) SaveExecution(ctx context.Context, e *workflow.Execution) error {
	var state string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT state FROM executions WHERE id = ?`), e.ID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", workflow.ErrExecutionNotFound, e.ID)
	}
	if err != nil {
		return fmt.Errorf("load execution %s: %w", e.ID, err)
	}
	if workflow.ExecutionState(state).Terminal() {
		return fmt.Errorf("%w: execution %s is already %s", workflow.ErrInvalidTransition, e.ID, state)
	}

	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode execution %s: %w", e.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		s.rebind(`UPDATE executions SET state = ?, document = ?, updated_at = ? WHERE id = ?`),
		string(e.State), string(doc), stamp(e.UpdatedAt), e.ID)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) LoadExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT document FROM executions WHERE id = ?`), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", workflow.ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", id, err)
	}
	var e workflow.Execution
	if err := json.Unmarshal([]byte(doc), &e); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", id, err)
	}
	if e.Context == nil {
		e.Context = workflow.Context{}
	}
	return &e, nil
}

// ListExecutions returns the newest executions first, optionally limited to
// one state.
func (s *Store) ListExecutions(ctx context.Context, state workflow.ExecutionState, limit int) ([]*workflow.Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT document FROM executions`
	args := []any{}
	if state != "" {
		q += ` WHERE state = ?`
		args = append(args, string(state))
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*workflow.Execution
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var e workflow.Execution
		if err := json.Unmarshal([]byte(doc), &e); err != nil {
			return nil, fmt.Errorf("decode execution: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) RecordRun(ctx context.Context, skillID string, success bool, d time.Duration, at time.Time) error {
	stats, err := s.SkillStats(ctx, skillID)
	if err != nil {
		return err
	}
	stats.Record(success, d, at)
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO skill_stats (skill_id, executions, successes, failures, total_duration_ms, last_duration_ms, last_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (skill_id) DO UPDATE SET
			executions = excluded.executions,
			successes = excluded.successes,
			failures = excluded.failures,
			total_duration_ms = excluded.total_duration_ms,
			last_duration_ms = excluded.last_duration_ms,
			last_run_at = excluded.last_run_at`),
		skillID, stats.Executions, stats.Successes, stats.Failures,
		stats.TotalDuration.Milliseconds(), stats.LastDuration.Milliseconds(), stamp(stats.LastRunAt))
	if err != nil {
		return fmt.Errorf("record stats for %s: %w", skillID, err)
	}
	return nil
}

func (s *Store) SkillStats(ctx context.Context, skillID string) (*workflow.SkillStats, error) {
	stats := &workflow.SkillStats{SkillID: skillID}
	var total, last int64
	var lastRun string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT executions, successes, failures, total_duration_ms, last_duration_ms, last_run_at FROM skill_stats WHERE skill_id = ?`),
		skillID).Scan(&stats.Executions, &stats.Successes, &stats.Failures, &total, &last, &lastRun)
	if errors.Is(err, sql.ErrNoRows) {
		return stats, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load stats for %s: %w", skillID, err)
	}
	stats.TotalDuration = time.Duration(total) * time.Millisecond
	stats.LastDuration = time.Duration(last) * time.Millisecond
	if lastRun != "" {
		if t, err := time.Parse(time.RFC3339Nano, lastRun); err == nil {
			stats.LastRunAt = t
		}
	}
	return stats, nil
}

// SetSkillState persists a lifecycle override for one skill.
func (s *Store) SetSkillState(ctx context.Context, skillID string, state workflow.SkillState, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO skill_states (skill_id, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (skill_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`),
		skillID, string(state), stamp(at))
	if err != nil {
		return fmt.Errorf("set state of %s: %w", skillID, err)
	}
	return nil
}

// SkillStates returns every persisted lifecycle override keyed by skill id.
func (s *Store) SkillStates(ctx context.Context) (map[string]workflow.SkillState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT skill_id, state FROM skill_states`)
	if err != nil {
		return nil, fmt.Errorf("list skill states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]workflow.SkillState{}
	for rows.Next() {
		var id, state string
		if err := rows.Scan(&id, &state); err != nil {
			return nil, err
		}
		out[id] = workflow.SkillState(state)
	}
	return out, rows.Err()
}

// Log writes an operation-log row. Failures are logged and swallowed.
func (s *Store) Log(ctx context.Context, e audit.Entry) {
	params := encodeJSON(e.Params)
	result := encodeJSON(e.Result)
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO operation_log (execution_id, skill_id, step_id, tool, op_type, params, result, error, attempt, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ExecutionID, e.Skill, e.Step, e.Tool, string(e.OpType), params, result, e.Error, e.Attempt, stamp(at))
	if err != nil {
		s.logger.WarnContext(ctx, "writing operation log", "op_type", string(e.OpType), "tool", e.Tool, "err", err)
	}
}

// Operations returns the operation log of one execution in insertion order.
func (s *Store) Operations(ctx context.Context, executionID string) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT skill_id, step_id, tool, op_type, params, result, error, attempt, created_at FROM operation_log WHERE execution_id = ? ORDER BY id`),
		executionID)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []audit.Entry
	for rows.Next() {
		var (
			e              audit.Entry
			op, at         string
			params, result string
		)
		if err := rows.Scan(&e.Skill, &e.Step, &e.Tool, &op, &params, &result, &e.Error, &e.Attempt, &at); err != nil {
			return nil, err
		}
		e.ExecutionID = executionID
		e.OpType = audit.OpType(op)
		if params != "" {
			_ = json.Unmarshal([]byte(params), &e.Params)
		}
		if result != "" {
			_ = json.Unmarshal([]byte(result), &e.Result)
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func encodeJSON(v any) string {
	if v == nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
