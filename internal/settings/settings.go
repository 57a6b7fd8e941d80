// Package settings holds the user preferences the connection manager and the
// relays consult.
package settings

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/gg-glitch-88/desklink/internal/transport"
)

const (
	keyNotificationsEnabled = "notifications_enabled"
	keyAutoConnectEnabled   = "auto_connect_enabled"
	keyLastTransportType    = "last_transport_type"
	keyDeviceID             = "device_id"
)

// Backend persists raw string values. *store.DB implements it.
type Backend interface {
	GetSetting(name string) (string, bool, error)
	PutSetting(name, value string) error
	DeleteSetting(name string) error
}

// Snapshot is the user-editable view, used by the control API.
type Snapshot struct {
	NotificationsEnabled bool           `json:"notifications_enabled"`
	AutoConnectEnabled   bool           `json:"auto_connect_enabled"`
	LastTransportType    transport.Type `json:"last_transport_type"`
	DeviceID             string         `json:"device_id"`
}

// Store caches every preference in memory and writes through to the
// backend. Defaults: notifications on, auto-connect off, no last transport.
type Store struct {
	backend Backend

	mu   sync.RWMutex
	snap Snapshot
}

// Open loads preferences from b, generating and persisting a device id on
// first run. A nil backend keeps everything in memory.
func Open(b Backend) (*Store, error) {
	if b == nil {
		b = newMemBackend()
	}
	s := &Store{backend: b, snap: Snapshot{NotificationsEnabled: true}}

	var err error
	if s.snap.NotificationsEnabled, err = s.loadBool(keyNotificationsEnabled, true); err != nil {
		return nil, err
	}
	if s.snap.AutoConnectEnabled, err = s.loadBool(keyAutoConnectEnabled, false); err != nil {
		return nil, err
	}

	raw, ok, err := b.GetSetting(keyLastTransportType)
	if err != nil {
		return nil, err
	}
	if ok {
		t, perr := transport.ParseType(raw)
		if perr == nil {
			s.snap.LastTransportType = t
		}
	}

	id, ok, err := b.GetSetting(keyDeviceID)
	if err != nil {
		return nil, err
	}
	if !ok || id == "" {
		id = uuid.NewString()
		if err := b.PutSetting(keyDeviceID, id); err != nil {
			return nil, err
		}
	}
	s.snap.DeviceID = id
	return s, nil
}

func (s *Store) loadBool(name string, def bool) (bool, error) {
	raw, ok, err := s.backend.GetSetting(name)
	if err != nil || !ok {
		return def, err
	}
	v, perr := strconv.ParseBool(raw)
	if perr != nil {
		return def, nil
	}
	return v, nil
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Store) NotificationsEnabled() bool { return s.Snapshot().NotificationsEnabled }
func (s *Store) AutoConnectEnabled() bool   { return s.Snapshot().AutoConnectEnabled }
func (s *Store) DeviceID() string           { return s.Snapshot().DeviceID }

// LastTransportType returns TypeNone when nothing was ever selected.
func (s *Store) LastTransportType() transport.Type { return s.Snapshot().LastTransportType }

func (s *Store) SetNotificationsEnabled(on bool) error {
	return s.put(keyNotificationsEnabled, strconv.FormatBool(on), func(sn *Snapshot) { sn.NotificationsEnabled = on })
}

func (s *Store) SetAutoConnectEnabled(on bool) error {
	return s.put(keyAutoConnectEnabled, strconv.FormatBool(on), func(sn *Snapshot) { sn.AutoConnectEnabled = on })
}

// SetLastTransportType records t; TypeNone clears the preference.
func (s *Store) SetLastTransportType(t transport.Type) error {
	if t == transport.TypeNone {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.backend.DeleteSetting(keyLastTransportType); err != nil {
			return err
		}
		s.snap.LastTransportType = transport.TypeNone
		return nil
	}
	if t != transport.TypeNetwork && t != transport.TypeRadio {
		return fmt.Errorf("settings: unknown transport type %q", t)
	}
	return s.put(keyLastTransportType, string(t), func(sn *Snapshot) { sn.LastTransportType = t })
}

func (s *Store) put(name, value string, apply func(*Snapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.PutSetting(name, value); err != nil {
		return err
	}
	apply(&s.snap)
	return nil
}

type memBackend struct {
	mu   sync.Mutex
	vals map[string]string
}

func newMemBackend() *memBackend { return &memBackend{vals: make(map[string]string)} }

func (m *memBackend) GetSetting(name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[name]
	return v, ok, nil
}

func (m *memBackend) PutSetting(name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[name] = value
	return nil
}

func (m *memBackend) DeleteSetting(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vals, name)
	return nil
}
