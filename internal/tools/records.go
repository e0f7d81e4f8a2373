// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bartekus/skillflow/internal/workflow"
)

// ErrRecordNotFound is returned by records.get for unknown ids.
var ErrRecordNotFound = errors.New("record not found")

// DB is the subset of *sql.DB / *sql.Tx the record tools use.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// RecordOption configures Records.
type RecordOption func(*Records)

// WithRebind sets the placeholder rewriter for drivers that do not accept "?".
func WithRebind(fn func(string) string) RecordOption {
	return func(r *Records) {
		if fn != nil {
			r.rebind = fn
		}
	}
}

func WithRecordClock(now func() time.Time) RecordOption {
	return func(r *Records) {
		if now != nil {
			r.now = now
		}
	}
}

func WithRecordLogger(l *slog.Logger) RecordOption {
	return func(r *Records) {
		if l != nil {
			r.logger = l
		}
	}
}

// Records implements the built-in generic record tools over the records table.
type Records struct {
	db     DB
	rebind func(string) string
	now    func() time.Time
	logger *slog.Logger
}

func NewRecords(db DB, opts ...RecordOption) *Records {
	r := &Records{
		db:     db,
		rebind: func(q string) string { return q },
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Tools returns the record tools plus notify.
func (r *Records) Tools() []Tool {
	return []Tool{
		NewFunc("records.create", r.create),
		NewFunc("records.update", r.update),
		NewFunc("records.delete", r.delete),
		NewFunc("records.get", r.get),
		NewFunc("records.count", r.count),
		NewFunc("notify", r.notify),
	}
}

func (r *Records) create(ctx context.Context, params workflow.Context) (workflow.Value, error) {
	kind, err := requireString(params, "kind")
	if err != nil {
		return workflow.Null, err
	}
	data, err := encodeData(params["data"])
	if err != nil {
		return workflow.Null, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return workflow.Null, err
	}
	now := r.now().UTC().Format(time.RFC3339Nano)
	_, err = r.db.ExecContext(ctx,
		r.rebind(`INSERT INTO records (id, kind, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
		id.String(), kind, data, now, now)
	if err != nil {
		return workflow.Null, fmt.Errorf("create record: %w", err)
	}
	return workflow.Map(map[string]workflow.Value{
		"created_id": workflow.String(id.String()),
		"kind":       workflow.String(kind),
	}), nil
}

func (r *Records) update(ctx context.Context, params workflow.Context) (workflow.Value, error) {
	id, err := requireString(params, "id")
	if err != nil {
		return workflow.Null, err
	}
	_, current, err := r.load(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		return workflow.Map(map[string]workflow.Value{"updated_count": workflow.Int(0)}), nil
	}
	if err != nil {
		return workflow.Null, err
	}
	patch, _ := params["data"].AsMap()
	for k, v := range patch {
		current[k] = v
	}
	data, err := encodeData(workflow.Map(current))
	if err != nil {
		return workflow.Null, err
	}
	res, err := r.db.ExecContext(ctx,
		r.rebind(`UPDATE records SET data = ?, updated_at = ? WHERE id = ?`),
		data, r.now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return workflow.Null, fmt.Errorf("update record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return workflow.Null, err
	}
	return workflow.Map(map[string]workflow.Value{"updated_count": workflow.Int(int(n))}), nil
}

func (r *Records) delete(ctx context.Context, params workflow.Context) (workflow.Value, error) {
	id, err := requireString(params, "id")
	if err != nil {
		return workflow.Null, err
	}
	res, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM records WHERE id = ?`), id)
	if err != nil {
		return workflow.Null, fmt.Errorf("delete record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return workflow.Null, err
	}
	return workflow.Map(map[string]workflow.Value{"deleted_count": workflow.Int(int(n))}), nil
}

func (r *Records) get(ctx context.Context, params workflow.Context) (workflow.Value, error) {
	id, err := requireString(params, "id")
	if err != nil {
		return workflow.Null, err
	}
	kind, data, err := r.load(ctx, id)
	if err != nil {
		return workflow.Null, err
	}
	return workflow.Map(map[string]workflow.Value{
		"id":   workflow.String(id),
		"kind": workflow.String(kind),
		"data": workflow.Map(data),
	}), nil
}

func (r *Records) count(ctx context.Context, params workflow.Context) (workflow.Value, error) {
	kind, err := requireString(params, "kind")
	if err != nil {
		return workflow.Null, err
	}
	var n int
	if err := r.db.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM records WHERE kind = ?`), kind).Scan(&n); err != nil {
		return workflow.Null, fmt.Errorf("count records: %w", err)
	}
	return workflow.Map(map[string]workflow.Value{"count": workflow.Int(n), "kind": workflow.String(kind)}), nil
}

func (r *Records) notify(ctx context.Context, params workflow.Context) (workflow.Value, error) {
	msg, err := requireString(params, "message")
	if err != nil {
		return workflow.Null, err
	}
	r.logger.InfoContext(ctx, "notify", "message", msg)
	return workflow.Map(map[string]workflow.Value{"message": workflow.String(msg), "notified": workflow.Bool(true)}), nil
}

func (r *Records) load(ctx context.Context, id string) (string, map[string]workflow.Value, error) {
	var kind, raw string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT kind, data FROM records WHERE id = ?`), id).Scan(&kind, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return "", nil, fmt.Errorf("load record %s: %w", id, err)
	}
	var v workflow.Value
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	m, ok := v.AsMap()
	if !ok {
		m = map[string]workflow.Value{}
	}
	return kind, m, nil
}

func requireString(params workflow.Context, key string) (string, error) {
	v, ok := params[key]
	if !ok || v.IsNull() || v.Text() == "" {
		return "", fmt.Errorf("missing parameter %q", key)
	}
	return v.Text(), nil
}

func encodeData(v workflow.Value) (string, error) {
	if v.IsNull() {
		return "{}", nil
	}
	if v.Kind() != workflow.KindMap {
		return "", fmt.Errorf("parameter \"data\" must be a map, got %s", v.Kind())
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
