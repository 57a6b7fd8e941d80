// Package transport provides the Transport contract and its two
// implementations: a network link (mDNS discovery + WebSocket) and a radio
// link (paired Bluetooth device + RFCOMM socket).
package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type selects which link is active. The zero value is TypeNone.
type Type string

const (
	TypeNone    Type = ""
	TypeNetwork Type = "network"
	TypeRadio   Type = "radio"
)

func (t Type) String() string {
	if t == TypeNone {
		return "none"
	}
	return string(t)
}

// ParseType accepts the canonical names plus the "wifi"/"bluetooth" aliases
// older settings files were written with.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TypeNone, nil
	case "network", "wifi":
		return TypeNetwork, nil
	case "radio", "bluetooth":
		return TypeRadio, nil
	}
	return TypeNone, fmt.Errorf("transport: unknown type %q", s)
}

// Phase is the lifecycle position of one connection attempt.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseDiscovering
	PhaseConnecting
	PhaseConnected
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseDiscovering:
		return "discovering"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseError:
		return "error"
	default:
		return "disconnected"
	}
}

// State is the tagged connection state. Type and PeerName are only set when
// connected; Message only on error.
type State struct {
	Phase    Phase  `json:"phase"`
	Type     Type   `json:"type,omitempty"`
	PeerName string `json:"peer_name,omitempty"`
	Message  string `json:"message,omitempty"`
}

func Disconnected() State { return State{Phase: PhaseDisconnected} }
func Discovering() State  { return State{Phase: PhaseDiscovering} }
func Connecting() State   { return State{Phase: PhaseConnecting} }

func Connected(t Type, peer string) State {
	return State{Phase: PhaseConnected, Type: t, PeerName: peer}
}

func Failed(msg string) State {
	return State{Phase: PhaseError, Message: msg}
}

func (s State) IsConnected() bool { return s.Phase == PhaseConnected }

func (s State) String() string {
	switch s.Phase {
	case PhaseConnected:
		return fmt.Sprintf("connected(%s, %s)", s.Type, s.PeerName)
	case PhaseError:
		return fmt.Sprintf("error(%s)", s.Message)
	default:
		return s.Phase.String()
	}
}

// FrameKind separates JSON text messages from raw audio.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
)

// Frame is one inbound message.
type Frame struct {
	Kind      FrameKind
	Data      []byte
	Timestamp time.Time
}

func (f Frame) Text() string { return string(f.Data) }

var (
	ErrNotConnected       = errors.New("transport: not connected")
	ErrUnsupported        = errors.New("transport: operation not supported")
	ErrNoPairedMatch      = errors.New("transport: no paired device matches")
	ErrAdapterUnavailable = errors.New("transport: radio adapter unavailable")
)

// Transport is the contract both links satisfy. Implementations are
// long-lived, reconnect in place and are safe for concurrent use.
type Transport interface {
	Type() Type
	// Connect starts a connection attempt in the background. No-op while an
	// attempt is in progress or the link is up.
	Connect()
	// Disconnect stops all link tasks and releases the socket. Idempotent.
	Disconnect()
	// Send hands one text message to the link. It never blocks while
	// disconnected; failures are logged and returned.
	Send(text string) error
	IsConnected() bool
	// State is a point-in-time snapshot.
	State() State
	// Subscribe delivers every later state transition in order. The returned
	// func unsubscribes and closes the channel.
	Subscribe() (<-chan State, func())
	// Receive returns the inbound frame channel. It is never closed.
	Receive() <-chan Frame
}

// BinarySender is implemented by links that carry raw audio frames.
type BinarySender interface {
	SendBinary(data []byte) error
}
