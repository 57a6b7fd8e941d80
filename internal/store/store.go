// Package store manages the SQLite database (WAL mode) for desklink.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DB wraps *sql.DB with domain helpers.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// One writer; WAL keeps readers unblocked.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// OpenMigrated opens path and applies the schema.
func OpenMigrated(path string) (*DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies the DDL schema. It is idempotent.
func Migrate(db *DB) error {
	for _, stmt := range []string{ddlNotifications, ddlSettings} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// ── DDL statements ────────────────────────────────────────────────────────

const ddlNotifications = `
CREATE TABLE IF NOT EXISTS notifications (
    key        TEXT    PRIMARY KEY,       -- notification key from the listener
    app        TEXT    NOT NULL,
    title      TEXT    NOT NULL DEFAULT '',
    body       TEXT    NOT NULL DEFAULT '',
    posted_at  INTEGER NOT NULL,          -- Unix milliseconds
    sent       INTEGER NOT NULL DEFAULT 0 -- bool: 0 = pending, 1 = handed to the transport
);
CREATE INDEX IF NOT EXISTS idx_notifications_posted_at ON notifications (posted_at);
`

const ddlSettings = `
CREATE TABLE IF NOT EXISTS settings (
    name       TEXT    PRIMARY KEY,
    value      TEXT    NOT NULL,
    updated_at INTEGER NOT NULL           -- Unix seconds
);
`
