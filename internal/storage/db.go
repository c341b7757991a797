// Package storage records what the queue did: landed commits,
// discarded attempts and good-revision runs. SQLite is the system of
// record; a PostgreSQL mirror can be layered on for shared dashboards.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/commitq-dev/commitq/internal/config"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS landed (
  id INTEGER PRIMARY KEY,
  issue INTEGER NOT NULL,
  patchset INTEGER NOT NULL,
  owner TEXT NOT NULL,
  revision TEXT NOT NULL,
  landed_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS discards (
  id INTEGER PRIMARY KEY,
  issue INTEGER NOT NULL,
  patchset INTEGER NOT NULL,
  owner TEXT NOT NULL,
  reason TEXT NOT NULL,
  discarded_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS lkgr_runs (
  id INTEGER PRIMARY KEY,
  revision TEXT NOT NULL,
  posted INTEGER NOT NULL DEFAULT 0,
  found_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_landed_issue ON landed(issue);
CREATE INDEX IF NOT EXISTS idx_discards_issue ON discards(issue);
`

type DB struct {
	*sql.DB
}

// DefaultDBPath returns the default database path
func DefaultDBPath() string {
	return filepath.Join(config.DataDir(), "history.db")
}

// Open opens or creates the database at the given path
func Open(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode and busy timeout
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	wrapped := &DB{db}

	// Initialize schema (CREATE IF NOT EXISTS is idempotent)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	if err := wrapped.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return wrapped, nil
}

// migrate runs any needed migrations for existing databases
func (db *DB) migrate() error {
	// Migration: add posted column to lkgr_runs if missing
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('lkgr_runs') WHERE name = 'posted'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check posted column: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE lkgr_runs ADD COLUMN posted INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("add posted column: %w", err)
		}
	}
	return nil
}
