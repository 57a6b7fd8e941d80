package connection

import (
	"github.com/gg-glitch-88/desklink/internal/notifications"
	"github.com/gg-glitch-88/desklink/internal/transport"
)

// Settings is the subset of user preferences the manager reads and writes.
type Settings interface {
	NotificationsEnabled() bool
	AutoConnectEnabled() bool
	LastTransportType() transport.Type
	SetLastTransportType(t transport.Type) error
}

// NotificationStore supplies the records flushed on connect.
type NotificationStore interface {
	Unsent() ([]notifications.Record, error)
	MarkSent(key string) error
}

// CallController acts on the phone's ringing or active call.
type CallController interface {
	AnswerCall() error
	DeclineCall() error
}

// DeviceController performs device-level actions requested by the desktop.
type DeviceController interface {
	Unlock() error
}

// AudioBridge is the call audio relay. *audio.Bridge implements it.
type AudioBridge interface {
	Start() error
	Stop()
	Running() bool
	Play(data []byte)
}

// Listener receives connection events. State callbacks arrive in order on
// the manager's observer goroutine and must not call back into Enable,
// Connect or Disconnect. OnMessageReceived runs on an ingest goroutine.
type Listener interface {
	OnConnected(t transport.Type)
	OnDisconnected()
	OnMessageReceived(text string)
	// OnError reports a fault on an established link.
	OnError(message string)
	// OnConnectionFailed reports an attempt that never reached connected.
	OnConnectionFailed(message string)
	OnDiscoveryStarted()
}

// Listeners fans every callback out to each member in order.
type Listeners []Listener

func (ls Listeners) OnConnected(t transport.Type) {
	for _, l := range ls {
		l.OnConnected(t)
	}
}

func (ls Listeners) OnDisconnected() {
	for _, l := range ls {
		l.OnDisconnected()
	}
}

func (ls Listeners) OnMessageReceived(text string) {
	for _, l := range ls {
		l.OnMessageReceived(text)
	}
}

func (ls Listeners) OnError(message string) {
	for _, l := range ls {
		l.OnError(message)
	}
}

func (ls Listeners) OnConnectionFailed(message string) {
	for _, l := range ls {
		l.OnConnectionFailed(message)
	}
}

func (ls Listeners) OnDiscoveryStarted() {
	for _, l := range ls {
		l.OnDiscoveryStarted()
	}
}
