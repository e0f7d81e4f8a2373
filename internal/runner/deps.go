// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"
	"time"

	"github.com/bartekus/skillflow/internal/rollback"
	"github.com/bartekus/skillflow/internal/step"
	"github.com/bartekus/skillflow/internal/workflow"
)

// Catalog resolves skills by id.
type Catalog interface {
	Skill(ctx context.Context, id string) (*workflow.Skill, error)
}

// Repository persists executions and per-skill statistics.
type Repository interface {
	// CreateExecution stores a new execution.
	CreateExecution(ctx context.Context, e *workflow.Execution) error
	// SaveExecution replaces a stored execution. It fails when the stored
	// copy is already terminal.
	SaveExecution(ctx context.Context, e *workflow.Execution) error
	// LoadExecution returns workflow.ErrExecutionNotFound for unknown ids.
	LoadExecution(ctx context.Context, id string) (*workflow.Execution, error)
	RecordRun(ctx context.Context, skillID string, success bool, d time.Duration, at time.Time) error
	SkillStats(ctx context.Context, skillID string) (*workflow.SkillStats, error)
}

// StepExecutor runs a single step.
type StepExecutor interface {
	Execute(ctx context.Context, skill *workflow.Skill, st *workflow.Step, vars workflow.Context) (step.Result, error)
}

// Rollback creates and resolves rollback points around an execution.
type Rollback interface {
	CreateRollbackPoint(ctx context.Context, label string) (rollback.Point, error)
	RollbackTo(ctx context.Context, p rollback.Point) error
	Release(ctx context.Context, p rollback.Point) error
}

// AuditJournal rewrites operation-log entries that a savepoint rollback
// erased from a transactional sink.
type AuditJournal interface {
	Mark() int
	ReplaySince(ctx context.Context, mark int) int
}
