// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"

	"github.com/bartekus/skillflow/internal/audit"
	"github.com/bartekus/skillflow/internal/catalog"
	"github.com/bartekus/skillflow/internal/intent"
	"github.com/bartekus/skillflow/internal/rollback"
	"github.com/bartekus/skillflow/internal/rollback/pitr"
	"github.com/bartekus/skillflow/internal/runner"
	"github.com/bartekus/skillflow/internal/skills"
	"github.com/bartekus/skillflow/internal/step"
	"github.com/bartekus/skillflow/internal/store/sqlstore"
	"github.com/bartekus/skillflow/internal/tools"
	"github.com/bartekus/skillflow/internal/workflow"
)

// session is one invocation's wiring: a single transaction that every
// component writes through, committed once the command is done.
type session struct {
	app *app

	db      *sql.DB
	tx      *sql.Tx
	store   *sqlstore.Store
	catalog *catalog.Catalog
	matcher *intent.Matcher
	runner  *runner.Runner
	manager *rollback.Manager
	state   *runner.StateStore

	closers []func() error
	done    bool
}

func (a *app) open(ctx context.Context) (*session, error) {
	cfg := a.cfg
	driver := sqlstore.Canonical(cfg.Database.Driver)
	dsn := cfg.Database.DSN
	if driver == sqlstore.DriverSQLite && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		dsn = a.path(dsn)
	}

	db, err := sqlstore.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	s := &session{app: a, db: db, state: runner.NewStateStore(a.path(cfg.StateDir))}
	s.closers = append(s.closers, db.Close)

	if err := sqlstore.Migrate(ctx, db, driver); err != nil {
		s.close()
		return nil, err
	}
	if s.tx, err = db.BeginTx(ctx, nil); err != nil {
		s.close()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	s.store = sqlstore.New(s.tx, driver, sqlstore.WithLogger(a.logger))

	if s.catalog, err = s.loadCatalog(ctx); err != nil {
		s.close()
		return nil, err
	}
	s.matcher = intent.New(s.catalog, intent.WithLogger(a.logger))

	sink, journal, err := s.auditSink(ctx)
	if err != nil {
		s.close()
		return nil, err
	}

	registry := tools.NewRegistry()
	records := tools.NewRecords(s.tx, tools.WithRebind(sqlstore.Rebind(driver)), tools.WithRecordLogger(a.logger))
	if err := registry.Register(records.Tools()...); err != nil {
		s.close()
		return nil, err
	}

	rbOpts := []rollback.Option{rollback.WithLogger(a.logger)}
	if cfg.Snapshot.Endpoint != "" {
		client, err := pitr.New(cfg.Snapshot.Endpoint,
			pitr.WithHTTPClient(&http.Client{Timeout: cfg.SnapshotTimeout()}),
			pitr.WithToken(cfg.Snapshot.Token),
			pitr.WithPollInterval(cfg.PollInterval()),
			pitr.WithRestoreTimeout(cfg.RestoreTimeout()),
			pitr.WithLogger(a.logger),
		)
		if err != nil {
			s.close()
			return nil, err
		}
		rbOpts = append(rbOpts, rollback.WithSnapshotService(client))
	}
	s.manager = rollback.NewManager(s.tx, rbOpts...)

	steps := step.New(registry, step.WithAudit(sink), step.WithLogger(a.logger))
	runOpts := []runner.Option{runner.WithRollback(s.manager), runner.WithLogger(a.logger)}
	if journal != nil {
		runOpts = append(runOpts, runner.WithAuditJournal(journal))
	}
	s.runner = runner.NewRunner(s.catalog, s.store, steps, runOpts...)
	return s, nil
}

func (s *session) loadCatalog(ctx context.Context) (*catalog.Catalog, error) {
	var all []workflow.Skill
	if s.app.cfg.Catalog.IncludeBuiltin {
		builtin, err := skills.Builtin()
		if err != nil {
			return nil, err
		}
		all = append(all, builtin...)
	}
	for _, dir := range s.app.cfg.Catalog.Dirs {
		loaded, err := catalog.LoadDir(s.app.path(dir))
		if err != nil {
			return nil, err
		}
		all = append(all, loaded...)
	}

	c, err := catalog.New(all...)
	if err != nil {
		return nil, err
	}
	overrides, err := s.store.SkillStates(ctx)
	if err != nil {
		return nil, err
	}
	for id, state := range overrides {
		if err := c.SetState(id, state); err != nil {
			s.app.logger.WarnContext(ctx, "ignoring skill state override", "skill", id, "state", string(state), "err", err)
		}
	}
	return c, nil
}

// auditSink builds the configured sink. The returned journal wraps the
// transactional store sink and is nil when the store is not written to.
func (s *session) auditSink(ctx context.Context) (audit.Logger, *audit.Journal, error) {
	cfg := s.app.cfg.Audit
	switch cfg.Sink {
	case "none":
		return audit.Nop{}, nil, nil
	case "log":
		return audit.NewSlogSink(s.app.logger), nil, nil
	case "cloud":
		sink, closeFn, err := audit.OpenCloudSink(ctx, cfg.CloudProject, cfg.LogID, map[string]string{"service": "skillflow"})
		if err != nil {
			return nil, nil, err
		}
		s.closers = append(s.closers, closeFn)
		journal := audit.NewJournal(s.store)
		return audit.Multi{sink, journal}, journal, nil
	default:
		journal := audit.NewJournal(s.store)
		return journal, journal, nil
	}
}

// commit releases savepoints, commits, and waits for snapshot restores
// started by a rollback to report.
func (s *session) commit(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	s.manager.CommitAll(ctx)
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.manager.Wait()
	return nil
}

// close rolls back an uncommitted transaction and releases resources.
func (s *session) close() {
	if s.tx != nil && !s.done {
		_ = s.tx.Rollback()
		s.done = true
	}
	if s.manager != nil {
		s.manager.Wait()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && s.app.logger != nil {
			s.app.logger.Warn("closing session resource", "err", err)
		}
	}
	s.closers = nil
}

// remember points the workspace's last-run marker at res.
func (s *session) remember(res *runner.Result) {
	if res == nil {
		return
	}
	if err := s.state.WriteLastRun(runner.LastRun{ExecutionID: res.ExecutionID, SkillID: res.SkillID, State: res.State}); err != nil {
		s.app.logger.Warn("writing last run", "err", err)
	}
}
