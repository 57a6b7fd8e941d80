// Package notifications keeps the pending-notification records relayed to
// the desktop. Records live in a hot in-memory index and persist through the
// store package.
package notifications

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gg-glitch-88/desklink/internal/protocol"
	"github.com/gg-glitch-88/desklink/internal/store"
)

var ErrEmptyKey = errors.New("notifications: key must not be empty")

// Record is a notification plus its relay flag.
type Record struct {
	protocol.Notification
	Sent bool `json:"sent"`
}

// Repository is the storage contract the relay and the connection manager
// share. All methods are safe for concurrent use.
type Repository interface {
	Add(n protocol.Notification) error
	Remove(key string) (bool, error)
	MarkSent(key string) error
	Unsent() ([]Record, error)
	All() ([]Record, error)
	Clear() error
}

// SQLRepository caches every record in memory and writes through to SQLite.
type SQLRepository struct {
	db      *store.DB
	mu      sync.RWMutex
	records map[string]*Record
}

// NewSQLRepository hydrates the cache from db.
func NewSQLRepository(db *store.DB) (*SQLRepository, error) {
	r := &SQLRepository{db: db, records: make(map[string]*Record)}
	rows, err := db.ListNotifications()
	if err != nil {
		return nil, fmt.Errorf("notifications: load: %w", err)
	}
	for _, row := range rows {
		r.records[row.Key] = &Record{
			Notification: protocol.Notification{
				Key: row.Key, App: row.App, Title: row.Title, Text: row.Text, Timestamp: row.PostedAt,
			},
			Sent: row.Sent,
		}
	}
	return r, nil
}

// Add stores n as unsent, replacing any record with the same key.
func (r *SQLRepository) Add(n protocol.Notification) error {
	if n.Key == "" {
		return ErrEmptyKey
	}
	if err := r.db.UpsertNotification(store.Notification{
		Key: n.Key, App: n.App, Title: n.Title, Text: n.Text, PostedAt: n.Timestamp,
	}); err != nil {
		return err
	}
	r.mu.Lock()
	r.records[n.Key] = &Record{Notification: n}
	r.mu.Unlock()
	return nil
}

func (r *SQLRepository) Remove(key string) (bool, error) {
	if _, err := r.db.DeleteNotification(key); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[key]
	delete(r.records, key)
	return ok, nil
}

func (r *SQLRepository) MarkSent(key string) error {
	r.mu.RLock()
	_, ok := r.records[key]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := r.db.MarkNotificationSent(key); err != nil {
		return err
	}
	r.mu.Lock()
	if rec, ok := r.records[key]; ok {
		rec.Sent = true
	}
	r.mu.Unlock()
	return nil
}

func (r *SQLRepository) Unsent() ([]Record, error) {
	return r.snapshot(func(rec *Record) bool { return !rec.Sent }), nil
}

func (r *SQLRepository) All() ([]Record, error) {
	return r.snapshot(func(*Record) bool { return true }), nil
}

func (r *SQLRepository) Clear() error {
	if err := r.db.ClearNotifications(); err != nil {
		return err
	}
	r.mu.Lock()
	r.records = make(map[string]*Record)
	r.mu.Unlock()
	return nil
}

// Len returns the number of cached records.
func (r *SQLRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (r *SQLRepository) snapshot(keep func(*Record) bool) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.records, keep)
}

// collect copies matching records ordered by timestamp, then key.
func collect(records map[string]*Record, keep func(*Record) bool) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if keep(rec) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].Key < out[j].Key
	})
	return out
}
