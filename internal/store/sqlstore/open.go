// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sqlstore persists executions, skill statistics, the operation log
// and generic records in SQLite or PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"

	schemaVersion  = 1
	schemaChecksum = "sf-v1-2026-10-19-executions-records-states"
)

// Open connects to the database. SQLite files get their directory created
// and a single connection, so savepoints and transactions share it.
func Open(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverSQLite, "sqlite":
		return openSQLite(dsn)
	case DriverPostgres, "postgresql":
		db, err := sql.Open(DriverPostgres, dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		path = filepath.Join(".skillflow", "skillflow.db")
	}
	name := path
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	if name != ":memory:" && !strings.HasPrefix(name, "file:") {
		if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// Canonical maps driver aliases onto the registered driver names.
func Canonical(driver string) string {
	switch driver {
	case "sqlite":
		return DriverSQLite
	case "postgresql":
		return DriverPostgres
	}
	return driver
}

// Rebind returns the placeholder rewriter for driver. PostgreSQL wants $n.
func Rebind(driver string) func(string) string {
	if Canonical(driver) != DriverPostgres {
		return func(q string) string { return q }
	}
	return func(q string) string {
		var b strings.Builder
		b.Grow(len(q) + 8)
		n := 0
		inQuote := false
		for i := 0; i < len(q); i++ {
			c := q[i]
			switch {
			case c == '\'':
				inQuote = !inQuote
				b.WriteByte(c)
			case c == '?' && !inQuote:
				n++
				b.WriteByte('$')
				b.WriteString(strconv.Itoa(n))
			default:
				b.WriteByte(c)
			}
		}
		return b.String()
	}
}

func schema(driver string) []string {
	logID := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if Canonical(driver) == DriverPostgres {
		logID = "id BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			skill_id TEXT NOT NULL,
			state TEXT NOT NULL,
			caller_id TEXT NOT NULL DEFAULT '',
			document TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS executions_skill_state_idx ON executions (skill_id, state)`,
		`CREATE TABLE IF NOT EXISTS skill_stats (
			skill_id TEXT PRIMARY KEY,
			executions INTEGER NOT NULL DEFAULT 0,
			successes INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			total_duration_ms BIGINT NOT NULL DEFAULT 0,
			last_duration_ms BIGINT NOT NULL DEFAULT 0,
			last_run_at TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS operation_log (
			` + logID + `,
			execution_id TEXT NOT NULL DEFAULT '',
			skill_id TEXT NOT NULL DEFAULT '',
			step_id TEXT NOT NULL DEFAULT '',
			tool TEXT NOT NULL DEFAULT '',
			op_type TEXT NOT NULL,
			params TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS operation_log_execution_idx ON operation_log (execution_id)`,
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS records_kind_idx ON records (kind)`,
		`CREATE TABLE IF NOT EXISTS skill_states (
			skill_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
}

// Migrate brings the schema to the current version inside one transaction.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	rebind := Rebind(driver)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		checksum TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", current, schemaVersion)
	}
	if current == schemaVersion {
		var checksum string
		if err := tx.QueryRowContext(ctx, rebind(`SELECT checksum FROM schema_migrations WHERE version = ?`), schemaVersion).Scan(&checksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if checksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, checksum, schemaChecksum)
		}
		return tx.Commit()
	}

	for _, stmt := range schema(driver) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, rebind(`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)`), schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}
