package api

import (
	"sync"
	"time"

	"github.com/gg-glitch-88/desklink/internal/connection"
	"github.com/gg-glitch-88/desklink/internal/transport"
)

// EventType classifies an event for WebSocket clients.
type EventType string

const (
	EventConnected        EventType = "connected"
	EventDisconnected     EventType = "disconnected"
	EventMessage          EventType = "message"
	EventError            EventType = "error"
	EventConnectionFailed EventType = "connection_failed"
	EventDiscoveryStarted EventType = "discovery_started"
	EventCallControl      EventType = "call_control"
	EventDeviceControl    EventType = "device_control"
)

// Event is the JSON envelope broadcast to WebSocket clients.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

type subscriber struct {
	ch chan Event
}

// Hub fans events out to every WebSocket client. It is also the manager's
// Listener and, since the telephony shim lives on the other side of the
// event stream, its call and device controller.
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
	now  func() time.Time
}

var (
	_ connection.Listener         = (*Hub)(nil)
	_ connection.CallController   = (*Hub)(nil)
	_ connection.DeviceController = (*Hub)(nil)
)

func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{}), now: time.Now}
}

// Subscribe registers a client. The returned func unsubscribes and closes
// the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 64)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, s)
			h.mu.Unlock()
			close(s.ch)
		})
	}
}

// Publish stamps e and offers it to every subscriber. A client whose buffer
// is full misses the event.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = h.now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Len returns the subscriber count.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) OnConnected(t transport.Type) {
	h.Publish(Event{Type: EventConnected, Data: map[string]string{"transport": t.String()}})
}

func (h *Hub) OnDisconnected() { h.Publish(Event{Type: EventDisconnected}) }

func (h *Hub) OnMessageReceived(text string) {
	h.Publish(Event{Type: EventMessage, Data: map[string]string{"text": text}})
}

func (h *Hub) OnError(message string) {
	h.Publish(Event{Type: EventError, Data: map[string]string{"message": message}})
}

func (h *Hub) OnConnectionFailed(message string) {
	h.Publish(Event{Type: EventConnectionFailed, Data: map[string]string{"message": message}})
}

func (h *Hub) OnDiscoveryStarted() { h.Publish(Event{Type: EventDiscoveryStarted}) }

func (h *Hub) AnswerCall() error  { return h.control(EventCallControl, "answer") }
func (h *Hub) DeclineCall() error { return h.control(EventCallControl, "decline") }
func (h *Hub) Unlock() error      { return h.control(EventDeviceControl, "unlock") }

// control publishes a controller action. Nobody listening means the shim is
// not attached, which is reported so the manager logs it.
func (h *Hub) control(t EventType, action string) error {
	if h.Len() == 0 {
		return ErrNoController
	}
	h.Publish(Event{Type: t, Data: map[string]string{"action": action}})
	return nil
}
