package transport

import "sync"

// StateStream fans state transitions out to subscribers. It never drops a
// transition: each subscriber owns an unbounded queue drained by its own
// pump goroutine and sees every state in production order.
type StateStream struct {
	mu      sync.Mutex
	current State
	subs    map[*stateSub]struct{}
}

type stateSub struct {
	mu     sync.Mutex
	queue  []State
	wake   chan struct{}
	out    chan State
	done   chan struct{}
	closer sync.Once
}

func NewStateStream(initial State) *StateStream {
	return &StateStream{current: initial, subs: make(map[*stateSub]struct{})}
}

// Current returns the latest published state.
func (s *StateStream) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Publish records st and queues it for every subscriber. Publishing the
// state that is already current is ignored; the return value reports
// whether a transition happened.
func (s *StateStream) Publish(st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st == s.current {
		return false
	}
	s.current = st
	for sub := range s.subs {
		sub.push(st)
	}
	return true
}

// Subscribe registers a subscriber. Only transitions published after the
// call are delivered. The returned func must be called when done.
func (s *StateStream) Subscribe() (<-chan State, func()) {
	sub := &stateSub{
		wake: make(chan struct{}, 1),
		out:  make(chan State),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.pump()

	unsub := func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		sub.closer.Do(func() { close(sub.done) })
	}
	return sub.out, unsub
}

// Len returns the subscriber count.
func (s *StateStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (sub *stateSub) push(st State) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, st)
	sub.mu.Unlock()
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *stateSub) pump() {
	defer close(sub.out)
	for {
		sub.mu.Lock()
		if len(sub.queue) == 0 {
			sub.mu.Unlock()
			select {
			case <-sub.wake:
				continue
			case <-sub.done:
				return
			}
		}
		next := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		select {
		case sub.out <- next:
		case <-sub.done:
			return
		}
	}
}
