package connection

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/gg-glitch-88/desklink/internal/transport"
)

// ReconnectPolicy configures the Reconnector. MaxAttempts 0 retries forever.
type ReconnectPolicy struct {
	Enabled     bool
	Backoff     transport.ExponentialBackoff
	MaxAttempts int
}

// DefaultReconnectPolicy is disabled; when turned on it backs off from 2s to
// a one minute ceiling with jitter.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Backoff: transport.ExponentialBackoff{
			InitialDelay: 2 * time.Second,
			Multiplier:   2,
			MaxDelay:     time.Minute,
			Jitter:       true,
		},
	}
}

// Reconnector watches the unified state and re-invokes connect on the still
// active transport after a fault or an unexpected drop. A deliberate
// Disconnect clears the active transport first, so it is never retried.
type Reconnector struct {
	m      *Manager
	policy ReconnectPolicy
	log    *zap.Logger
	rng    *rand.Rand
}

func NewReconnector(m *Manager, policy ReconnectPolicy, log *zap.Logger) *Reconnector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconnector{
		m:      m,
		policy: policy,
		log:    log.Named("reconnect"),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start runs the supervisor until ctx is done. It returns immediately when
// the policy is disabled.
func (r *Reconnector) Start(ctx context.Context) error {
	if !r.policy.Enabled {
		r.log.Debug("reconnect disabled")
		return nil
	}
	states, unsub := r.m.SubscribeState()
	defer unsub()
	r.log.Info("reconnect supervisor starting", zap.Int("max_attempts", r.policy.MaxAttempts))

	var (
		attempt int
		timer   *time.Timer
		fire    <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, fire = nil, nil
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconnect supervisor stopped")
			return nil

		case st, ok := <-states:
			if !ok {
				return nil
			}
			switch st.Phase {
			case transport.PhaseConnected:
				attempt = 0
				stopTimer()
			case transport.PhaseError, transport.PhaseDisconnected:
				if r.m.ActiveType() == transport.TypeNone {
					attempt = 0
					stopTimer()
					continue
				}
				if timer != nil {
					continue
				}
				if r.policy.MaxAttempts > 0 && attempt >= r.policy.MaxAttempts {
					r.log.Warn("giving up", zap.Int("attempts", attempt))
					continue
				}
				attempt++
				delay := r.policy.Backoff.Delay(attempt, r.rng)
				r.log.Info("scheduling reconnect", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Stringer("state", st))
				timer = time.NewTimer(delay)
				fire = timer.C
			}

		case <-fire:
			timer, fire = nil, nil
			r.m.retry()
		}
	}
}

// retry starts a new attempt on the active transport if it is idle.
func (m *Manager) retry() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	tr := m.activeTransport()
	if tr == nil {
		return
	}
	switch tr.State().Phase {
	case transport.PhaseError, transport.PhaseDisconnected:
		m.log.Info("reconnecting", zap.Stringer("type", tr.Type()))
		tr.Connect()
	}
}
