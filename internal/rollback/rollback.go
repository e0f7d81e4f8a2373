// SPDX-License-Identifier: AGPL-3.0-or-later

// Package rollback creates and resolves rollback points. It prefers an
// external point-in-time-recovery snapshot service and degrades to native
// transaction savepoints when snapshots are unavailable.
package rollback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Kind tags the two rollback point variants.
type Kind string

const (
	KindSnapshot  Kind = "snapshot"
	KindSavepoint Kind = "savepoint"
)

// DegradedWarning is reported while snapshots are unavailable.
const DegradedWarning = "rollback limited to the current transaction; no post-commit undo"

var (
	ErrUnknownPoint = errors.New("unknown rollback point")
	ErrNoSnapshots  = errors.New("snapshot service not configured")
	ErrNoTx         = errors.New("no transaction for savepoints")
)

// Point is a rollback point handle.
type Point struct {
	Kind      Kind      `json:"kind"`
	ID        string    `json:"id"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RestoreResult is the final state of an asynchronous snapshot restore.
type RestoreResult struct {
	SnapshotID string
	JobID      string
	Status     string
	Err        error
}

// SnapshotService is an external point-in-time-recovery backend.
type SnapshotService interface {
	CreateSnapshot(ctx context.Context, label string) (string, error)
	// Restore starts a restore. The channel yields one result and closes.
	Restore(ctx context.Context, snapshotID string) (<-chan RestoreResult, error)
}

// Prober is implemented by snapshot services that can report their health.
type Prober interface {
	Ping(ctx context.Context) error
}

// Execer is the transaction savepoints are issued on.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Capability describes the rollback guarantees currently on offer.
type Capability struct {
	Snapshots bool   `json:"snapshots"`
	Warning   string `json:"warning,omitempty"`
}

type Option func(*Manager)

func WithSnapshotService(s SnapshotService) Option {
	return func(m *Manager) { m.snapshots = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRestoreObserver receives every finished snapshot restore.
func WithRestoreObserver(fn func(RestoreResult)) Option {
	return func(m *Manager) { m.observer = fn }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager tracks the savepoint stack of one transaction. Calls are
// serialised; two executions sharing a transaction take turns.
type Manager struct {
	mu        sync.Mutex
	tx        Execer
	snapshots SnapshotService
	logger    *slog.Logger
	observer  func(RestoreResult)
	now       func() time.Time
	stack     []Point
	restores  sync.WaitGroup

	capOnce sync.Once
	cap     Capability
}

// NewManager binds a manager to tx. tx may be nil when only snapshots are used.
func NewManager(tx Execer, opts ...Option) *Manager {
	m := &Manager{
		tx:     tx,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// CreateRollbackPoint returns a snapshot when the service accepts one and a
// savepoint otherwise.
func (m *Manager) CreateRollbackPoint(ctx context.Context, label string) (Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snapshots != nil {
		id, err := m.snapshots.CreateSnapshot(ctx, label)
		if err == nil {
			m.logger.InfoContext(ctx, "snapshot created", "snapshot", id, "label", label)
			return Point{Kind: KindSnapshot, ID: id, Label: label, CreatedAt: m.now()}, nil
		}
		m.logger.WarnContext(ctx, "snapshot unavailable, falling back to savepoint", "label", label, "err", err)
	}
	return m.savepoint(ctx, label)
}

func (m *Manager) savepoint(ctx context.Context, label string) (Point, error) {
	if m.tx == nil {
		return Point{}, ErrNoTx
	}
	id := "sp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := m.tx.ExecContext(ctx, "SAVEPOINT "+pq.QuoteIdentifier(id)); err != nil {
		return Point{}, fmt.Errorf("creating savepoint: %w", err)
	}
	p := Point{Kind: KindSavepoint, ID: id, Label: label, CreatedAt: m.now()}
	m.stack = append(m.stack, p)
	m.logger.DebugContext(ctx, "savepoint created", "savepoint", id, "label", label, "depth", len(m.stack))
	return p, nil
}

// RollbackTo undoes everything since p. Snapshot restores run in the
// background; their outcome goes to the restore observer.
func (m *Manager) RollbackTo(ctx context.Context, p Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch p.Kind {
	case KindSnapshot:
		if m.snapshots == nil {
			return ErrNoSnapshots
		}
		results, err := m.snapshots.Restore(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("restoring snapshot %s: %w", p.ID, err)
		}
		m.restores.Add(1)
		go m.drain(results)
		return nil
	case KindSavepoint:
		i := m.index(p.ID)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrUnknownPoint, p.ID)
		}
		if _, err := m.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+pq.QuoteIdentifier(p.ID)); err != nil {
			return fmt.Errorf("rolling back to %s: %w", p.ID, err)
		}
		m.stack = m.stack[:i+1]
		return nil
	default:
		return fmt.Errorf("%w: kind %q", ErrUnknownPoint, p.Kind)
	}
}

// Release drops a savepoint and every savepoint above it. Snapshots are
// kept for disaster recovery.
func (m *Manager) Release(ctx context.Context, p Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch p.Kind {
	case KindSnapshot:
		m.logger.DebugContext(ctx, "snapshot retained", "snapshot", p.ID)
		return nil
	case KindSavepoint:
		i := m.index(p.ID)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrUnknownPoint, p.ID)
		}
		if _, err := m.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+pq.QuoteIdentifier(p.ID)); err != nil {
			return fmt.Errorf("releasing %s: %w", p.ID, err)
		}
		m.stack = m.stack[:i]
		return nil
	default:
		return fmt.Errorf("%w: kind %q", ErrUnknownPoint, p.Kind)
	}
}

// CommitAll releases every stacked savepoint, newest first. Failures are
// logged and the stack is emptied regardless.
func (m *Manager) CommitAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.stack) - 1; i >= 0; i-- {
		id := m.stack[i].ID
		if _, err := m.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+pq.QuoteIdentifier(id)); err != nil {
			m.logger.WarnContext(ctx, "releasing savepoint", "savepoint", id, "err", err)
		}
	}
	m.stack = nil
}

// points returns the savepoint stack, oldest first.
func (m *Manager) points() []Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Point(nil), m.stack...)
}

// Capability reports whether snapshots are available. It is computed once.
func (m *Manager) Capability(ctx context.Context) Capability {
	m.capOnce.Do(func() {
		m.cap = Capability{Snapshots: m.snapshots != nil}
		if p, ok := m.snapshots.(Prober); ok {
			if err := p.Ping(ctx); err != nil {
				m.logger.WarnContext(ctx, "snapshot service unhealthy", "err", err)
				m.cap.Snapshots = false
			}
		}
		if !m.cap.Snapshots {
			m.cap.Warning = DegradedWarning
		}
	})
	return m.cap
}

// Wait blocks until every background restore has reported.
func (m *Manager) Wait() {
	m.restores.Wait()
}

func (m *Manager) drain(results <-chan RestoreResult) {
	defer m.restores.Done()
	for res := range results {
		if m.observer != nil {
			m.observer(res)
			continue
		}
		if res.Err != nil {
			m.logger.Error("snapshot restore failed", "snapshot", res.SnapshotID, "job", res.JobID, "err", res.Err)
		} else {
			m.logger.Info("snapshot restore finished", "snapshot", res.SnapshotID, "job", res.JobID, "status", res.Status)
		}
	}
}

func (m *Manager) index(id string) int {
	for i := range m.stack {
		if m.stack[i].ID == id {
			return i
		}
	}
	return -1
}
