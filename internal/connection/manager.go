// Package connection implements the coordinator that owns the single active
// transport, projects its state into one stream, dispatches inbound
// commands, flushes queued notifications on connect and drives the call
// audio bridge.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/gg-glitch-88/desklink/internal/protocol"
	"github.com/gg-glitch-88/desklink/internal/transport"
)

var (
	ErrUnknownTransport  = errors.New("connection: transport not configured")
	ErrNoActiveTransport = errors.New("connection: no active transport")
)

// Options wires a Manager to its transports and collaborators. Listener,
// Calls and Device may be nil.
type Options struct {
	Transports    []transport.Transport
	Settings      Settings
	Notifications NotificationStore
	Calls         CallController
	Device        DeviceController
	Listener      Listener
}

// Manager is the coordinator. Enable, Connect and Disconnect are serialized
// so two concurrent switches can never leave two transports active.
type Manager struct {
	log        *zap.Logger
	transports map[transport.Type]transport.Transport
	settings   Settings
	notes      NotificationStore
	calls      CallController
	device     DeviceController
	listener   Listener

	opMu sync.Mutex // serializes Enable/Connect/Disconnect and audio start

	mu          sync.RWMutex
	active      transport.Type
	gen         uint64 // bumped on every switch; stale observers compare against it
	stopObserve func()
	bridge      AudioBridge

	states  *transport.StateStream
	flushMu sync.Mutex
}

// New constructs an idle Manager.
func New(opts Options, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		log:        log.Named("connection"),
		transports: make(map[transport.Type]transport.Transport, len(opts.Transports)),
		settings:   opts.Settings,
		notes:      opts.Notifications,
		calls:      opts.Calls,
		device:     opts.Device,
		listener:   opts.Listener,
		states:     transport.NewStateStream(transport.Disconnected()),
	}
	if m.listener == nil {
		m.listener = Listeners(nil)
	}
	for _, tr := range opts.Transports {
		m.transports[tr.Type()] = tr
	}
	return m
}

// AttachAudio installs the call audio bridge. The bridge usually sends
// through the manager itself, hence the separate step.
func (m *Manager) AttachAudio(b AudioBridge) {
	m.mu.Lock()
	m.bridge = b
	m.mu.Unlock()
}

// ── Mode switching ────────────────────────────────────────────────────────

// Enable makes t the active transport and starts connecting. Enabling the
// transport that is already active toggles it off instead.
func (m *Manager) Enable(t transport.Type) error {
	tr, ok := m.transports[t]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransport, t)
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.ActiveType() == t {
		m.log.Info("transport toggled off", zap.Stringer("type", t))
		m.disconnectLocked()
		return nil
	}
	m.switchLocked(t, tr)
	return nil
}

// Connect makes t active like Enable, but never toggles: when t is already
// active it only starts a new attempt if none is running.
func (m *Manager) Connect(t transport.Type) error {
	tr, ok := m.transports[t]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransport, t)
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.ActiveType() == t {
		tr.Connect()
		return nil
	}
	m.switchLocked(t, tr)
	return nil
}

// Disconnect stops the audio bridge, disconnects every transport and resets
// the unified state. It is safe to call at any time.
func (m *Manager) Disconnect() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.disconnectLocked()
}

// AutoConnect replays the last used transport once when auto-connect is on.
// It reports whether a connection was started.
func (m *Manager) AutoConnect() bool {
	if m.settings == nil || !m.settings.AutoConnectEnabled() {
		return false
	}
	last := m.settings.LastTransportType()
	if last == transport.TypeNone {
		return false
	}
	m.log.Info("auto-connect", zap.Stringer("type", last))
	if err := m.Connect(last); err != nil {
		m.log.Warn("auto-connect skipped", zap.Error(err))
		return false
	}
	return true
}

// Close tears everything down.
func (m *Manager) Close() error {
	m.Disconnect()
	return nil
}

func (m *Manager) switchLocked(t transport.Type, tr transport.Transport) {
	m.disconnectLocked()

	m.mu.Lock()
	m.active = t
	m.gen++
	m.stopObserve = m.observe(tr, m.gen)
	m.mu.Unlock()

	if m.settings != nil {
		if err := m.settings.SetLastTransportType(t); err != nil {
			m.log.Warn("last transport not saved", zap.Error(err))
		}
	}
	m.log.Info("transport enabled", zap.Stringer("type", t))
	tr.Connect()
}

func (m *Manager) disconnectLocked() {
	m.StopAudioBridge()

	m.mu.Lock()
	m.gen++
	m.active = transport.TypeNone
	stop := m.stopObserve
	m.stopObserve = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, tr := range m.transports {
		tr.Disconnect()
	}
	if m.states.Publish(transport.Disconnected()) {
		m.listener.OnDisconnected()
	}
}

// ── State projection ──────────────────────────────────────────────────────

// observe relays tr's transitions into the unified stream for as long as gen
// is current. The returned func unsubscribes and waits for the relay to end.
func (m *Manager) observe(tr transport.Transport, gen uint64) func() {
	ch, unsub := tr.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		connected := false
		for st := range ch {
			if !m.current(gen) {
				continue
			}
			m.states.Publish(st)
			connected = m.notify(tr, st, connected)
		}
	}()
	return func() {
		unsub()
		<-done
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gen == gen
}

// notify maps one transition onto the listener and reports whether the
// attempt has reached connected.
func (m *Manager) notify(tr transport.Transport, st transport.State, connected bool) bool {
	switch st.Phase {
	case transport.PhaseDiscovering:
		m.listener.OnDiscoveryStarted()
		return false
	case transport.PhaseConnecting:
		return false
	case transport.PhaseConnected:
		m.log.Info("connected", zap.Stringer("type", st.Type), zap.String("peer", st.PeerName))
		m.listener.OnConnected(st.Type)
		m.flushPending(tr)
		return true
	case transport.PhaseError:
		if connected {
			m.listener.OnError(st.Message)
		} else {
			m.listener.OnConnectionFailed(st.Message)
		}
		return false
	default:
		m.listener.OnDisconnected()
		return false
	}
}

// flushPending sends every unsent notification through tr, marking each one
// only after Send accepted it. A failed send stops the flush; the remaining
// records stay queued for the next connect.
func (m *Manager) flushPending(tr transport.Transport) {
	if m.notes == nil || m.settings == nil || !m.settings.NotificationsEnabled() {
		return
	}
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	pending, err := m.notes.Unsent()
	if err != nil {
		m.log.Warn("flush: list unsent", zap.Error(err))
		return
	}
	sent := 0
	for _, rec := range pending {
		msg, err := protocol.EncodeNotification(rec.Notification)
		if err != nil {
			m.log.Warn("flush: skip invalid notification", zap.String("key", rec.Key), zap.Error(err))
			continue
		}
		if err := tr.Send(msg); err != nil {
			m.log.Warn("flush: interrupted", zap.Int("sent", sent), zap.Int("pending", len(pending)), zap.Error(err))
			return
		}
		if err := m.notes.MarkSent(rec.Key); err != nil {
			m.log.Warn("flush: mark sent", zap.String("key", rec.Key), zap.Error(err))
		}
		sent++
	}
	if sent > 0 {
		m.log.Info("flushed pending notifications", zap.Int("count", sent))
	}
}

// Exclusive runs fn while no flush is in progress. A notification delivered
// inside fn and marked sent there is never resent by a flush.
func (m *Manager) Exclusive(fn func()) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	fn()
}

// State returns the unified connection state.
func (m *Manager) State() transport.State { return m.states.Current() }

func (m *Manager) IsConnected() bool { return m.states.Current().IsConnected() }

// SubscribeState delivers every later unified transition in order.
func (m *Manager) SubscribeState() (<-chan transport.State, func()) { return m.states.Subscribe() }

func (m *Manager) ActiveType() transport.Type {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

func (m *Manager) activeTransport() transport.Transport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == transport.TypeNone {
		return nil
	}
	return m.transports[m.active]
}

// ── Messaging ─────────────────────────────────────────────────────────────

// Send hands text to the active transport. It never blocks on a missing
// link; failures are logged and returned.
func (m *Manager) Send(text string) error {
	tr := m.activeTransport()
	if tr == nil {
		m.log.Warn("send failed: no active transport")
		return ErrNoActiveTransport
	}
	return tr.Send(text)
}

// SendBinary routes a raw audio frame to the network transport. Other links
// do not carry binary frames.
func (m *Manager) SendBinary(data []byte) error {
	tr := m.activeTransport()
	if tr == nil {
		return ErrNoActiveTransport
	}
	bs, ok := tr.(transport.BinarySender)
	if !ok || tr.Type() != transport.TypeNetwork {
		return transport.ErrUnsupported
	}
	return bs.SendBinary(data)
}

// HandleMessage parses one inbound text message and dispatches commands.
// Every message, parseable or not, is forwarded to the listener.
func (m *Manager) HandleMessage(raw string) {
	env, err := protocol.Parse(raw)
	switch {
	case err != nil:
		m.log.Warn("dropping unparseable message", zap.Error(err), zap.Int("bytes", len(raw)))
	case env.Type == protocol.TypeCommand:
		m.dispatch(env.CommandName())
	default:
		m.log.Debug("message received", zap.String("type", string(env.Type)))
	}
	m.listener.OnMessageReceived(raw)
}

func (m *Manager) dispatch(command string) {
	m.log.Info("command received", zap.String("command", command))
	var err error
	switch command {
	case protocol.CommandAnswerCall:
		if m.calls == nil {
			err = errors.New("no call controller")
		} else {
			err = m.calls.AnswerCall()
		}
	case protocol.CommandDeclineCall:
		if m.calls == nil {
			err = errors.New("no call controller")
		} else {
			err = m.calls.DeclineCall()
		}
	case protocol.CommandUnlock:
		if m.device == nil {
			err = errors.New("no device controller")
		} else {
			err = m.device.Unlock()
		}
	default:
		m.log.Warn("ignoring unknown command", zap.String("command", command))
		return
	}
	if err != nil {
		m.log.Warn("command failed", zap.String("command", command), zap.Error(err))
	}
}

// ── Audio ─────────────────────────────────────────────────────────────────

// StartAudioBridge starts call audio when the network transport is active.
// On any other transport it is a logged no-op. It is serialized with
// Disconnect, so audio never outlives the link.
func (m *Manager) StartAudioBridge() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	active, b := m.active, m.bridge
	m.mu.RUnlock()
	if active != transport.TypeNetwork {
		m.log.Warn("audio bridge requires the network transport", zap.Stringer("active", active))
		return nil
	}
	if b == nil {
		m.log.Warn("audio bridge not configured")
		return nil
	}
	return b.Start()
}

func (m *Manager) StopAudioBridge() {
	m.mu.RLock()
	b := m.bridge
	m.mu.RUnlock()
	if b != nil {
		b.Stop()
	}
}

// ── Ingest ────────────────────────────────────────────────────────────────

// Start runs one ingest loop per transport and blocks until ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, tr := range m.transports {
		wg.Add(1)
		go func(tr transport.Transport) {
			defer wg.Done()
			m.ingestLoop(ctx, tr)
		}(tr)
	}
	m.log.Info("connection manager started", zap.Int("transports", len(m.transports)))
	wg.Wait()
	m.log.Info("connection manager stopped")
	return nil
}

// ingestLoop routes inbound frames: text to HandleMessage, binary to the
// audio bridge. Frames from an inactive transport are dropped.
func (m *Manager) ingestLoop(ctx context.Context, tr transport.Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-tr.Receive():
			if m.ActiveType() != tr.Type() {
				m.log.Debug("ingest: frame from inactive transport", zap.Stringer("type", tr.Type()))
				continue
			}
			switch f.Kind {
			case transport.FrameText:
				m.HandleMessage(f.Text())
			case transport.FrameBinary:
				m.mu.RLock()
				b := m.bridge
				m.mu.RUnlock()
				if b != nil {
					b.Play(f.Data)
				}
			}
		}
	}
}
