// Package relay turns phone-side events (posted notifications, call state
// changes) into protocol messages on the active link.
package relay

import (
	"go.uber.org/zap"
)

// Link is the outbound side of the connection manager.
type Link interface {
	Send(text string) error
	IsConnected() bool
}

// NotificationLink is a Link that can hold off its own flush of queued
// notifications while fn runs.
type NotificationLink interface {
	Link
	Exclusive(fn func())
}

// AudioControl starts and stops call audio.
type AudioControl interface {
	StartAudioBridge() error
	StopAudioBridge()
}

// Toggles exposes the user switches a relay honors.
type Toggles interface {
	NotificationsEnabled() bool
}

func orNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
