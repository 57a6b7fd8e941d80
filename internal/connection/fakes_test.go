package connection

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gg-glitch-88/desklink/internal/notifications"
	"github.com/gg-glitch-88/desklink/internal/protocol"
	"github.com/gg-glitch-88/desklink/internal/transport"
)

// linkMeter counts how many fake transports are connected at once.
type linkMeter struct {
	mu      sync.Mutex
	current int
	max     int
}

func (l *linkMeter) up() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current++
	if l.current > l.max {
		l.max = l.current
	}
}

func (l *linkMeter) down() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current--
}

func (l *linkMeter) peak() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max
}

// fakeTransport connects synchronously unless fail is set.
type fakeTransport struct {
	typ    transport.Type
	states *transport.StateStream
	frames chan transport.Frame
	meter  *linkMeter

	mu          sync.Mutex
	up          bool
	fail        string
	sendErr     error
	sent        []string
	binary      [][]byte
	connects    atomic.Int32
	disconnects atomic.Int32
}

func newFakeTransport(typ transport.Type, meter *linkMeter) *fakeTransport {
	if meter == nil {
		meter = &linkMeter{}
	}
	return &fakeTransport{
		typ:    typ,
		states: transport.NewStateStream(transport.Disconnected()),
		frames: make(chan transport.Frame, 16),
		meter:  meter,
	}
}

func (f *fakeTransport) Type() transport.Type { return f.typ }

func (f *fakeTransport) Connect() {
	f.connects.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.up {
		return
	}
	f.states.Publish(transport.Discovering())
	f.states.Publish(transport.Connecting())
	if f.fail != "" {
		f.states.Publish(transport.Failed(f.fail))
		return
	}
	f.up = true
	f.meter.up()
	f.states.Publish(transport.Connected(f.typ, "desk"))
}

func (f *fakeTransport) Disconnect() {
	f.disconnects.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.up {
		f.up = false
		f.meter.down()
	}
	f.states.Publish(transport.Disconnected())
}

// drop simulates the peer going away with the given terminal state.
func (f *fakeTransport) drop(final transport.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.up {
		f.up = false
		f.meter.down()
	}
	f.states.Publish(final)
}

func (f *fakeTransport) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up {
		return transport.ErrNotConnected
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTransport) SendBinary(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up {
		return transport.ErrNotConnected
	}
	f.binary = append(f.binary, data)
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up
}

func (f *fakeTransport) State() transport.State                      { return f.states.Current() }
func (f *fakeTransport) Subscribe() (<-chan transport.State, func()) { return f.states.Subscribe() }
func (f *fakeTransport) Receive() <-chan transport.Frame             { return f.frames }

func (f *fakeTransport) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeSettings struct {
	mu            sync.Mutex
	notifications bool
	autoConnect   bool
	last          transport.Type
}

func (s *fakeSettings) NotificationsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifications
}

func (s *fakeSettings) AutoConnectEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoConnect
}

func (s *fakeSettings) LastTransportType() transport.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *fakeSettings) SetLastTransportType(t transport.Type) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = t
	return nil
}

type fakeCalls struct {
	answers  atomic.Int32
	declines atomic.Int32
	unlocks  atomic.Int32
}

func (c *fakeCalls) AnswerCall() error  { c.answers.Add(1); return nil }
func (c *fakeCalls) DeclineCall() error { c.declines.Add(1); return nil }
func (c *fakeCalls) Unlock() error      { c.unlocks.Add(1); return nil }

type fakeBridge struct {
	starts  atomic.Int32
	stops   atomic.Int32
	running atomic.Bool
	played  chan []byte
}

func (b *fakeBridge) Start() error {
	b.starts.Add(1)
	b.running.Store(true)
	return nil
}

func (b *fakeBridge) Stop() {
	b.stops.Add(1)
	b.running.Store(false)
}

func (b *fakeBridge) Running() bool { return b.running.Load() }

func (b *fakeBridge) Play(data []byte) {
	if b.played != nil {
		b.played <- data
	}
}

// recorder is a Listener that logs callbacks as strings.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) OnConnected(t transport.Type)      { r.add("connected:" + string(t)) }
func (r *recorder) OnDisconnected()                   { r.add("disconnected") }
func (r *recorder) OnMessageReceived(text string)     { r.add("message:" + text) }
func (r *recorder) OnError(message string)            { r.add("error:" + message) }
func (r *recorder) OnConnectionFailed(message string) { r.add("failed:" + message) }
func (r *recorder) OnDiscoveryStarted()               { r.add("discovering") }

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) waitFor(t *testing.T, event string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, e := range r.snapshot() {
			if e == event {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "event %q never seen in %v", event, r.snapshot())
}

type harness struct {
	m        *Manager
	network  *fakeTransport
	radio    *fakeTransport
	meter    *linkMeter
	settings *fakeSettings
	notes    *notifications.MemoryRepository
	calls    *fakeCalls
	bridge   *fakeBridge
	events   *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		meter:    &linkMeter{},
		settings: &fakeSettings{notifications: true},
		notes:    notifications.NewMemoryRepository(),
		calls:    &fakeCalls{},
		bridge:   &fakeBridge{played: make(chan []byte, 4)},
		events:   &recorder{},
	}
	h.network = newFakeTransport(transport.TypeNetwork, h.meter)
	h.radio = newFakeTransport(transport.TypeRadio, h.meter)
	h.m = New(Options{
		Transports:    []transport.Transport{h.network, h.radio},
		Settings:      h.settings,
		Notifications: h.notes,
		Calls:         h.calls,
		Device:        h.calls,
		Listener:      h.events,
	}, nil)
	h.m.AttachAudio(h.bridge)
	t.Cleanup(h.m.Disconnect)
	return h
}

func (h *harness) queue(t *testing.T, key string, ts int64) {
	t.Helper()
	require.NoError(t, h.notes.Add(protocol.Notification{Key: key, App: "org.chat", Title: key, Text: "hi", Timestamp: ts}))
}
