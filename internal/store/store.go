// Package store owns the durable SQLite workspace: the append-only
// version sequence, branch pointers, job records, checkpoint records, and
// the lock audit trail.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const dbName = "storyloom.db"

// EnsureWorkspace creates the workspace directory if missing and returns
// its path.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, ".storyloom")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	return path, nil
}

// BackupConfig copies the config file into the workspace so every run
// is reproducible even after the original file changes.
func BackupConfig(workspace, configPath string) error {
	source, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	backupPath := filepath.Join(workspace, "config_backup.toml")
	if err := os.WriteFile(backupPath, source, 0o644); err != nil {
		return fmt.Errorf("failed to write config backup: %w", err)
	}
	return nil
}

// Path returns the database path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".storyloom", dbName)
}

// Open opens the workspace database with WAL and foreign keys enabled and
// runs migrations.
func Open(workspace string) (*sql.DB, error) {
	if _, err := EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", Path(workspace))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates the schema. Statements are idempotent.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			branch TEXT NOT NULL DEFAULT 'main',
			parent_id TEXT REFERENCES projects(id),
			fork_version INTEGER NOT NULL DEFAULT 0,
			head INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_name_branch ON projects(name, branch)`,
		`CREATE TABLE IF NOT EXISTS versions (
			project_id TEXT NOT NULL REFERENCES projects(id),
			version INTEGER NOT NULL,
			stage TEXT NOT NULL,
			artifact TEXT NOT NULL,
			state TEXT NOT NULL,
			job_id TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (project_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			status TEXT NOT NULL,
			progress REAL NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_project_stage ON jobs(project_id, stage)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			job_id TEXT PRIMARY KEY REFERENCES jobs(id),
			payload TEXT NOT NULL,
			saved_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS lock_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			action TEXT NOT NULL,
			at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
