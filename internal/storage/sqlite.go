package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing. The layout is one row
// per device/workspace/attempt plus append-only sample and event tables;
// orchestrator crash recovery works by full re-read of these tables.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
  id              TEXT PRIMARY KEY,
  name            TEXT NOT NULL DEFAULT '',
  max_workspaces  INTEGER NOT NULL,
  max_disk_mb     INTEGER NOT NULL,
  workspace_count INTEGER NOT NULL DEFAULT 0,
  disk_usage_mb   INTEGER NOT NULL DEFAULT 0,
  online          INTEGER NOT NULL DEFAULT 1,
  last_seen_at    TEXT
);`,
		`CREATE TABLE IF NOT EXISTS ledger_reservations (
  workspace_id TEXT PRIMARY KEY,
  device_id    TEXT NOT NULL REFERENCES devices(id),
  disk_mb      INTEGER NOT NULL,
  released     INTEGER NOT NULL DEFAULT 0,
  granted_at   TEXT NOT NULL,
  released_at  TEXT
);`,
		`CREATE TABLE IF NOT EXISTS workspaces (
  id               TEXT PRIMARY KEY,
  device_id        TEXT NOT NULL REFERENCES devices(id),
  task_id          TEXT NOT NULL,
  status           TEXT NOT NULL,
  phase            TEXT NOT NULL DEFAULT '',
  progress         INTEGER NOT NULL DEFAULT 0,
  dir              TEXT NOT NULL,
  disk_usage_bytes INTEGER NOT NULL DEFAULT 0,
  file_count       INTEGER NOT NULL DEFAULT 0,
  fail_reason      TEXT,
  created_at       TEXT NOT NULL,
  ready_at         TEXT,
  assigned_at      TEXT,
  running_at       TEXT,
  completed_at     TEXT,
  archived_at      TEXT
);`,
		`CREATE TABLE IF NOT EXISTS workspace_tasks (
  id           TEXT PRIMARY KEY,
  workspace_id TEXT NOT NULL REFERENCES workspaces(id),
  task_id      TEXT NOT NULL,
  status       TEXT NOT NULL,
  retry_count  INTEGER NOT NULL DEFAULT 0,
  max_retries  INTEGER NOT NULL DEFAULT 2,
  exit_code    INTEGER,
  error        TEXT,
  halt_reason  TEXT,
  output       TEXT,
  cost_usd     REAL NOT NULL DEFAULT 0,
  duration_ms  INTEGER,
  created_at   TEXT NOT NULL,
  started_at   TEXT,
  completed_at TEXT
);`,
		`CREATE TABLE IF NOT EXISTS ai_tasks (
  id                     TEXT PRIMARY KEY,
  objective              TEXT NOT NULL DEFAULT '',
  command                TEXT NOT NULL DEFAULT '',
  mode                   TEXT NOT NULL DEFAULT 'execute',
  guardrails             TEXT NOT NULL DEFAULT '{}',
  status                 TEXT NOT NULL DEFAULT 'pending',
  max_retries            INTEGER NOT NULL DEFAULT 2,
  estimated_cost_usd     REAL NOT NULL DEFAULT 0,
  estimated_duration_min INTEGER NOT NULL DEFAULT 0,
  estimated_disk_mb      INTEGER NOT NULL DEFAULT 0,
  updated_at             TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS approvals (
  task_id     TEXT PRIMARY KEY,
  approved_by TEXT NOT NULL,
  approved_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS metric_samples (
  id            TEXT PRIMARY KEY,
  workspace_id  TEXT NOT NULL,
  attempt_id    TEXT,
  cpu_percent   REAL NOT NULL DEFAULT 0,
  memory_bytes  INTEGER NOT NULL DEFAULT 0,
  disk_bytes    INTEGER NOT NULL DEFAULT 0,
  net_in_bytes  INTEGER NOT NULL DEFAULT 0,
  net_out_bytes INTEGER NOT NULL DEFAULT 0,
  exec_count    INTEGER NOT NULL DEFAULT 0,
  exec_failures INTEGER NOT NULL DEFAULT 0,
  cost_usd      REAL NOT NULL DEFAULT 0,
  sampled_at    TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS workspace_events (
  id           TEXT PRIMARY KEY,
  workspace_id TEXT NOT NULL,
  category     TEXT NOT NULL,
  level        TEXT NOT NULL,
  message      TEXT NOT NULL,
  details      TEXT,
  created_at   TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS workspaces_status_idx ON workspaces(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS workspaces_task_idx ON workspaces(task_id);`,
		`CREATE INDEX IF NOT EXISTS workspace_tasks_workspace_idx ON workspace_tasks(workspace_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS workspace_tasks_status_idx ON workspace_tasks(status);`,
		`CREATE INDEX IF NOT EXISTS metric_samples_workspace_idx ON metric_samples(workspace_id, sampled_at);`,
		`CREATE INDEX IF NOT EXISTS workspace_events_workspace_idx ON workspace_events(workspace_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
