package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const SchemaVersion = 2

// Migrate creates (or upgrades) the schema in-place.
//
// v1: runners and jobs.
// v2: jobs.attempt and jobs.artifact_handle for claim-expiry requeue and
// uploaded artifact tracking.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS runners (
			tenant_id TEXT NOT NULL,
			runner_id TEXT NOT NULL,
			name TEXT,
			-- languages and tags are JSON arrays of lower-cased, sorted values.
			languages TEXT NOT NULL,
			tags TEXT NOT NULL,
			project_id INTEGER,
			public_base_url TEXT,
			registered_at TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			PRIMARY KEY(tenant_id, runner_id)
		);`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guid TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			test_run_id INTEGER,
			test_project_id INTEGER,
			language TEXT,
			script TEXT,
			-- environment is a JSON object of string values.
			environment TEXT,
			status TEXT NOT NULL,
			std_out TEXT,
			std_err TEXT,
			result TEXT,
			format TEXT,
			artifact_content BLOB,
			artifact_patterns TEXT,
			error_message TEXT,
			claimed_by TEXT,
			claimed_at TEXT,
			created_at TEXT NOT NULL,
			modified_at TEXT NOT NULL,
			created_by TEXT NOT NULL,
			modified_by TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, tenant_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claimed_at ON jobs(status, claimed_at);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	if current < 2 {
		alters := []string{
			`ALTER TABLE jobs ADD COLUMN attempt INTEGER NOT NULL DEFAULT 1;`,
			`ALTER TABLE jobs ADD COLUMN artifact_handle TEXT;`,
		}
		for _, stmt := range alters {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				msg := err.Error()
				// SQLite/libsql report duplicate columns as an error; treat as idempotent.
				if strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists") {
					continue
				}
				return fmt.Errorf("exec migration statement: %w", err)
			}
		}
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
