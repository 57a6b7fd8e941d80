package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetSetting returns the stored value and whether it exists.
func (db *DB) GetSetting(name string) (string, bool, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM settings WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get setting %s: %w", name, err)
	}
	return v, true, nil
}

// PutSetting stores value under name.
func (db *DB) PutSetting(name, value string) error {
	_, err := db.Exec(`
		INSERT INTO settings (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE
		  SET value      = excluded.value,
		      updated_at = excluded.updated_at`,
		name, value, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: put setting %s: %w", name, err)
	}
	return nil
}

// DeleteSetting removes name; missing names are not an error.
func (db *DB) DeleteSetting(name string) error {
	if _, err := db.Exec(`DELETE FROM settings WHERE name = ?`, name); err != nil {
		return fmt.Errorf("store: delete setting %s: %w", name, err)
	}
	return nil
}
