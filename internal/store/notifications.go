package store

import (
	"fmt"
)

// Notification is one row of the notifications table.
type Notification struct {
	Key      string
	App      string
	Title    string
	Text     string
	PostedAt int64 // Unix milliseconds
	Sent     bool
}

// UpsertNotification inserts n or replaces the row with the same key,
// including its sent flag.
func (db *DB) UpsertNotification(n Notification) error {
	_, err := db.Exec(`
		INSERT INTO notifications (key, app, title, body, posted_at, sent)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE
		  SET app       = excluded.app,
		      title     = excluded.title,
		      body      = excluded.body,
		      posted_at = excluded.posted_at,
		      sent      = excluded.sent`,
		n.Key, n.App, n.Title, n.Text, n.PostedAt, boolInt(n.Sent),
	)
	if err != nil {
		return fmt.Errorf("store: upsert notification %s: %w", n.Key, err)
	}
	return nil
}

// MarkNotificationSent flips the sent flag. Unknown keys are ignored.
func (db *DB) MarkNotificationSent(key string) error {
	if _, err := db.Exec(`UPDATE notifications SET sent = 1 WHERE key = ?`, key); err != nil {
		return fmt.Errorf("store: mark sent %s: %w", key, err)
	}
	return nil
}

// DeleteNotification removes key and reports whether a row existed.
func (db *DB) DeleteNotification(key string) (bool, error) {
	res, err := db.Exec(`DELETE FROM notifications WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("store: delete notification %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearNotifications deletes every row.
func (db *DB) ClearNotifications() error {
	if _, err := db.Exec(`DELETE FROM notifications`); err != nil {
		return fmt.Errorf("store: clear notifications: %w", err)
	}
	return nil
}

// ListNotifications returns all rows oldest first.
func (db *DB) ListNotifications() ([]Notification, error) {
	rows, err := db.Query(`
		SELECT key, app, title, body, posted_at, sent
		FROM notifications
		ORDER BY posted_at ASC, key ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var (
			n    Notification
			sent int
		)
		if err := rows.Scan(&n.Key, &n.App, &n.Title, &n.Text, &n.PostedAt, &sent); err != nil {
			return nil, err
		}
		n.Sent = sent != 0
		out = append(out, n)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
