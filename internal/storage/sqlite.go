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

// OpenSQLite opens (and creates if needed) the journal database at path and
// ensures the session, artifact and action tables exist.
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
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(pctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	db.SetMaxOpenConns(1)

	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			status     TEXT NOT NULL DEFAULT 'active',
			updated_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			session_id  TEXT NOT NULL REFERENCES sessions(id),
			id          TEXT NOT NULL,
			name        TEXT,
			message_id  TEXT,
			part_key    TEXT,
			title       TEXT,
			closed      INTEGER NOT NULL DEFAULT 0,
			failed      INTEGER NOT NULL DEFAULT 0,
			updated_at  TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			PRIMARY KEY (session_id, id)
		);`,
		`CREATE TABLE IF NOT EXISTS actions (
			session_id  TEXT NOT NULL REFERENCES sessions(id),
			id          TEXT NOT NULL,
			artifact_id TEXT NOT NULL,
			message_id  TEXT,
			kind        TEXT NOT NULL,
			file_path   TEXT,
			tool_name   TEXT,
			content     TEXT,
			status      TEXT NOT NULL,
			output      TEXT,
			error       TEXT,
			updated_at  TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			PRIMARY KEY (session_id, id)
		);`,
		`CREATE INDEX IF NOT EXISTS actions_status_idx ON actions(status);`,
		`CREATE INDEX IF NOT EXISTS actions_artifact_idx ON actions(session_id, artifact_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return ensureColumn(ctx, db, "artifacts", "name", "TEXT")
}

// ensureColumn adds a column missing from a table created by an older
// version. The pool holds a single connection, so the rows are closed
// before the ALTER runs.
func ensureColumn(ctx context.Context, db *sql.DB, table, column, decl string) error {
	found, err := hasColumn(ctx, db, table, column)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

func hasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, fmt.Errorf("inspect %s: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
