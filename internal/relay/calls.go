package relay

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/gg-glitch-88/desklink/internal/protocol"
)

// UnknownNumber replaces caller numbers the telephony layer could not
// resolve.
const UnknownNumber = "Unknown Number"

var placeholderNumbers = map[string]struct{}{
	"":            {},
	"null":        {},
	"Unknown":     {},
	UnknownNumber: {},
	"0000000000":  {},
}

// Calls forwards call state changes and drives the audio bridge: audio
// starts when a call goes active and stops when it ends.
type Calls struct {
	link  Link
	audio AudioControl
	log   *zap.Logger

	mu      sync.RWMutex
	current protocol.IncomingCall
}

func NewCalls(link Link, audio AudioControl, log *zap.Logger) *Calls {
	return &Calls{
		link:    link,
		audio:   audio,
		log:     orNop(log).Named("relay.calls"),
		current: protocol.IncomingCall{Status: protocol.CallEnded},
	}
}

// normalize fills a missing number and falls back to the number for the
// display name.
func normalize(c protocol.IncomingCall) protocol.IncomingCall {
	c.Number = strings.TrimSpace(c.Number)
	if _, ok := placeholderNumbers[c.Number]; ok {
		c.Number = UnknownNumber
	}
	if strings.TrimSpace(c.Name) == "" {
		c.Name = c.Number
	}
	return c
}

// Update reports one call state change. Invalid status or source values are
// rejected before anything is sent.
func (r *Calls) Update(c protocol.IncomingCall) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c = normalize(c)
	msg, err := protocol.EncodeIncomingCall(c)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.current = c
	r.mu.Unlock()
	r.log.Info("call state", zap.String("status", string(c.Status)), zap.String("source", string(c.Source)))

	// Audio is released before the ended message goes out.
	if c.Status == protocol.CallEnded {
		r.audio.StopAudioBridge()
	}
	if err := r.link.Send(msg); err != nil {
		r.log.Warn("call update not sent", zap.Error(err))
	}
	if c.Status == protocol.CallActive {
		if err := r.audio.StartAudioBridge(); err != nil {
			r.log.Warn("audio bridge failed", zap.Error(err))
		}
	}
	return nil
}

// Current returns the last reported call.
func (r *Calls) Current() protocol.IncomingCall {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}
