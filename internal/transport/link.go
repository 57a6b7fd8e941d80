package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const frameChanSize = 256

// scope owns every goroutine of one connection attempt. Cancelling it
// stops the attempt, the read loop and any auxiliary loops together.
type scope struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newScope() *scope {
	ctx, cancel := context.WithCancel(context.Background())
	return &scope{ctx: ctx, cancel: cancel}
}

func (s *scope) Go(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// link holds the plumbing shared by both transports: the state stream, the
// inbound frame channel and the current attempt scope. mu guards scope and
// the owning transport's socket handle.
type link struct {
	typ    Type
	log    *zap.Logger
	states *StateStream
	frames chan Frame

	mu    sync.Mutex
	scope *scope // nil while idle
}

func newLink(typ Type, log *zap.Logger) link {
	if log == nil {
		log = zap.NewNop()
	}
	return link{
		typ:    typ,
		log:    log,
		states: NewStateStream(Disconnected()),
		frames: make(chan Frame, frameChanSize),
	}
}

func orNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}

func (l *link) Type() Type                        { return l.typ }
func (l *link) State() State                      { return l.states.Current() }
func (l *link) IsConnected() bool                 { return l.states.Current().IsConnected() }
func (l *link) Subscribe() (<-chan State, func()) { return l.states.Subscribe() }
func (l *link) Receive() <-chan Frame             { return l.frames }

// begin opens a new attempt scope and publishes first. It fails when an
// attempt is already running.
func (l *link) begin(first State) (*scope, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.scope != nil {
		return nil, false
	}
	l.scope = newScope()
	l.states.Publish(first)
	return l.scope, true
}

// publish emits st only while sc is still the current scope, so a cancelled
// attempt can never overwrite the state of a newer one.
func (l *link) publish(sc *scope, st State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.scope != sc {
		return false
	}
	l.states.Publish(st)
	return true
}

// publishIdle emits st only when no attempt is running.
func (l *link) publishIdle(st State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.scope == nil {
		l.states.Publish(st)
	}
}

// release detaches sc and cancels it without waiting; used by the attempt's
// own goroutines when they end the attempt. onDetach runs under mu so the
// caller can take its socket handle atomically with the detach.
func (l *link) release(sc *scope, final State, onDetach func()) bool {
	l.mu.Lock()
	if l.scope != sc {
		l.mu.Unlock()
		return false
	}
	l.scope = nil
	if onDetach != nil {
		onDetach()
	}
	l.states.Publish(final)
	l.mu.Unlock()
	sc.cancel()
	return true
}

// detach takes the current scope for a user-initiated disconnect.
func (l *link) detach(onDetach func()) *scope {
	l.mu.Lock()
	defer l.mu.Unlock()
	sc := l.scope
	l.scope = nil
	if onDetach != nil {
		onDetach()
	}
	return sc
}

// deliver hands an inbound frame to the consumer, dropping it when the
// channel is full rather than stalling the read loop.
func (l *link) deliver(ctx context.Context, kind FrameKind, data []byte) {
	f := Frame{Kind: kind, Data: data, Timestamp: time.Now().UTC()}
	select {
	case l.frames <- f:
	case <-ctx.Done():
	default:
		l.log.Warn("frame channel full, dropping frame", zap.Int("bytes", len(data)))
	}
}
