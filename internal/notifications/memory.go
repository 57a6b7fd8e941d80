package notifications

import (
	"sync"

	"github.com/gg-glitch-88/desklink/internal/protocol"
)

// MemoryRepository is a Repository without persistence. Used when no store
// path is configured and in tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*Record)}
}

func (r *MemoryRepository) Add(n protocol.Notification) error {
	if n.Key == "" {
		return ErrEmptyKey
	}
	r.mu.Lock()
	r.records[n.Key] = &Record{Notification: n}
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) Remove(key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[key]
	delete(r.records, key)
	return ok, nil
}

func (r *MemoryRepository) MarkSent(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key]; ok {
		rec.Sent = true
	}
	return nil
}

func (r *MemoryRepository) Unsent() ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.records, func(rec *Record) bool { return !rec.Sent }), nil
}

func (r *MemoryRepository) All() ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.records, func(*Record) bool { return true }), nil
}

func (r *MemoryRepository) Clear() error {
	r.mu.Lock()
	r.records = make(map[string]*Record)
	r.mu.Unlock()
	return nil
}
