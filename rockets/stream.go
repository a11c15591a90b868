package rockets

import "sync"

// A Stream delivers values to subscribers until it ends, either cleanly or with an error.
// Progress streams replay their most recent value to new subscribers; the notification feed
// does not.
//
// Callbacks run synchronously on the goroutine that publishes, which is the client's dispatch
// loop for inbound data.  A callback may unsubscribe itself, but must not Subscribe to the same
// stream.
type Stream[T any] struct {
	emit sync.Mutex // serializes delivery, including replay to new subscribers
	mu   sync.Mutex // guards the fields below

	replay  bool
	last    T
	hasLast bool
	ended   bool
	err     error
	subs    map[int]*subscriber[T]
	nextSub int
}

type subscriber[T any] struct {
	next func(T)
	done func(error)
}

func newStream[T any](replay bool) *Stream[T] {
	return &Stream[T]{replay: replay, subs: make(map[int]*subscriber[T])}
}

// emptyStream returns a stream that has already completed without a value.
func emptyStream[T any]() *Stream[T] {
	s := newStream[T](false)
	s.ended = true
	return s
}

// Subscribe registers callbacks for values and for the end of the stream; either may be nil.
// done receives nil when the stream completes and the error when it fails.  Subscribing to an
// ended stream replays the last value, if any, then calls done immediately.
func (s *Stream[T]) Subscribe(next func(T), done func(error)) (unsubscribe func()) {
	sub := &subscriber[T]{next: next, done: done}

	s.emit.Lock()
	defer s.emit.Unlock()

	s.mu.Lock()
	last, hasLast := s.last, s.replay && s.hasLast
	ended, err := s.ended, s.err
	id := s.nextSub
	if !ended {
		s.subs[id] = sub
		s.nextSub++
	}
	s.mu.Unlock()

	if hasLast && sub.next != nil {
		sub.next(last)
	}
	if ended {
		if sub.done != nil {
			sub.done(err)
		}
		return func() {}
	}
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Last returns the most recently published value.
func (s *Stream[T]) Last() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

// Ended reports whether the stream has completed or failed, and with which error.
func (s *Stream[T]) Ended() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended, s.err
}

func (s *Stream[T]) publish(v T) {
	s.emit.Lock()
	defer s.emit.Unlock()

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.last, s.hasLast = v, true
	subs := s.snapshot()
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.next != nil && s.subscribed(sub) {
			sub.next(v)
		}
	}
}

func (s *Stream[T]) finish(err error) {
	s.emit.Lock()
	defer s.emit.Unlock()

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended, s.err = true, err
	subs := s.snapshot()
	clear(s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.done != nil {
			sub.done(err)
		}
	}
}

// snapshot returns subscribers in subscription order; s.mu must be held.
func (s *Stream[T]) snapshot() []*subscriber[T] {
	subs := make([]*subscriber[T], 0, len(s.subs))
	for id := 0; id < s.nextSub; id++ {
		if sub, ok := s.subs[id]; ok {
			subs = append(subs, sub)
		}
	}
	return subs
}

// subscribed reports whether sub is still registered, so that a callback unsubscribing a later
// subscriber takes effect immediately.
func (s *Stream[T]) subscribed(sub *subscriber[T]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.subs {
		if it == sub {
			return true
		}
	}
	return false
}
