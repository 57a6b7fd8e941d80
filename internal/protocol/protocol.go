// Package protocol implements the JSON envelope shared by the network and
// radio links: every text message is {"type": ..., "payload": {...}}.
// Binary audio frames travel out-of-band and are not described here.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Type discriminates an envelope.
type Type string

const (
	TypeRegistration        Type = "registration"
	TypeHeartbeat           Type = "heartbeat"
	TypeNotification        Type = "notification"
	TypeNotificationRemoved Type = "notification_removed"
	TypeIncomingCall        Type = "incoming_call"
	TypeCommand             Type = "command"
)

// Commands the desktop controller may send inside a command envelope.
const (
	CommandAnswerCall  = "answer_call"
	CommandDeclineCall = "decline_call"
	CommandUnlock      = "unlock"
)

var (
	ErrInvalidEnvelope = errors.New("protocol: invalid envelope")
	ErrInvalidPayload  = errors.New("protocol: invalid payload")
)

// Envelope is the outer wrapper of every text message.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Command is set by older controllers that put the command name next to
	// the type instead of inside the payload.
	Command string `json:"command,omitempty"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidPayload, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, e.Type, err)
	}
	return nil
}

// CommandName returns the command carried by a command envelope, looking in
// the payload first and then at the top level. Empty for other types.
func (e Envelope) CommandName() string {
	if e.Type != TypeCommand {
		return ""
	}
	if len(e.Payload) > 0 {
		var c Command
		if err := json.Unmarshal(e.Payload, &c); err == nil && strings.TrimSpace(c.Command) != "" {
			return strings.TrimSpace(c.Command)
		}
	}
	return strings.TrimSpace(e.Command)
}

// Parse decodes a raw text frame into an Envelope.
func Parse(raw string) (Envelope, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Envelope{}, fmt.Errorf("%w: empty message", ErrInvalidEnvelope)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if strings.TrimSpace(string(env.Type)) == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}
	return env, nil
}

// Encode wraps payload in an envelope of type t. A nil payload is omitted.
func Encode(t Type, payload any) (string, error) {
	env := Envelope{Type: t}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("protocol: encode %s: %w", t, err)
		}
		env.Payload = data
	}
	out, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("protocol: encode %s: %w", t, err)
	}
	return string(out), nil
}
