package protocol

import (
	"fmt"
	"strings"
)

// Registration is the handshake sent as soon as the network link opens.
type Registration struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	AppVersion string `json:"app_version"`
}

func (r Registration) Validate() error {
	if strings.TrimSpace(r.DeviceID) == "" {
		return fmt.Errorf("%w: registration missing device_id", ErrInvalidPayload)
	}
	if strings.TrimSpace(r.DeviceName) == "" {
		return fmt.Errorf("%w: registration missing device_name", ErrInvalidPayload)
	}
	return nil
}

// Notification mirrors one phone notification.
type Notification struct {
	Key       string `json:"key"`
	App       string `json:"app"`
	Title     string `json:"title"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

// NotificationRemoved tells the peer a notification was dismissed.
type NotificationRemoved struct {
	Key string `json:"key"`
}

// CallStatus is the lifecycle stage of a phone call.
type CallStatus string

const (
	CallRinging CallStatus = "ringing"
	CallActive  CallStatus = "active"
	CallEnded   CallStatus = "ended"
)

func (s CallStatus) Valid() bool {
	switch s {
	case CallRinging, CallActive, CallEnded:
		return true
	}
	return false
}

// CallSource identifies which producer reported the call.
type CallSource string

const (
	SourceReceiver  CallSource = "receiver"
	SourceInCall    CallSource = "incall"
	SourceSimulator CallSource = "simulator"
)

func (s CallSource) Valid() bool {
	switch s {
	case SourceReceiver, SourceInCall, SourceSimulator:
		return true
	}
	return false
}

// IncomingCall reports a call state change to the peer.
type IncomingCall struct {
	Name   string     `json:"name"`
	Number string     `json:"number"`
	Status CallStatus `json:"status"`
	Source CallSource `json:"source"`
}

func (c IncomingCall) Validate() error {
	if !c.Status.Valid() {
		return fmt.Errorf("%w: unknown call status %q", ErrInvalidPayload, c.Status)
	}
	if !c.Source.Valid() {
		return fmt.Errorf("%w: unknown call source %q", ErrInvalidPayload, c.Source)
	}
	return nil
}

// Command is the payload of an inbound command envelope.
type Command struct {
	Command string `json:"command"`
}

func EncodeRegistration(r Registration) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	return Encode(TypeRegistration, r)
}

func EncodeHeartbeat() string {
	return `{"type":"heartbeat"}`
}

func EncodeNotification(n Notification) (string, error) {
	if strings.TrimSpace(n.Key) == "" {
		return "", fmt.Errorf("%w: notification missing key", ErrInvalidPayload)
	}
	return Encode(TypeNotification, n)
}

func EncodeNotificationRemoved(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("%w: notification_removed missing key", ErrInvalidPayload)
	}
	return Encode(TypeNotificationRemoved, NotificationRemoved{Key: key})
}

func EncodeIncomingCall(c IncomingCall) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	return Encode(TypeIncomingCall, c)
}

func EncodeCommand(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: command missing name", ErrInvalidPayload)
	}
	return Encode(TypeCommand, Command{Command: name})
}
