package rockets

import (
	"context"
	"sync"
)

// State is the lifecycle state of a Call or Batch.
type State int

const (
	Pending State = iota
	Canceling
	Resolved
	Rejected
)

func (s State) String() string {
	switch s {
	case Pending:
		return `pending`
	case Canceling:
		return `canceling`
	case Resolved:
		return `resolved`
	case Rejected:
		return `rejected`
	}
	return `unknown`
}

// settled reports whether the state is final.
func (s State) settled() bool { return s == Resolved || s == Rejected }

// future holds an outcome that is settled at most once and observed any number of times.
type future[T any] struct {
	mu    sync.Mutex
	state State
	value T
	err   error
	done  chan struct{}
	thens []func(T, error)
}

func (f *future[T]) init() { f.done = make(chan struct{}) }

// State returns the current lifecycle state.
func (f *future[T]) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Done returns a channel that is closed once the outcome is known.
func (f *future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the outcome is known or ctx is done.  Abandoning a wait does not cancel
// anything; use Cancel to ask the server to stop.
func (f *future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.outcome()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then registers a continuation that observes the outcome exactly once.  If the outcome is
// already known, fn runs immediately on the calling goroutine; otherwise it runs on the
// goroutine that settles the future.
func (f *future[T]) Then(fn func(T, error)) {
	f.mu.Lock()
	if !f.state.settled() {
		f.thens = append(f.thens, fn)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	fn(value, err)
}

func (f *future[T]) outcome() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// settle records the outcome if none has been recorded yet and reports whether it did.
func (f *future[T]) settle(value T, err error) bool {
	f.mu.Lock()
	if f.state.settled() {
		f.mu.Unlock()
		return false
	}
	if err != nil {
		f.state = Rejected
	} else {
		f.state = Resolved
		f.value = value
	}
	f.err = err
	thens := f.thens
	f.thens = nil
	close(f.done)
	f.mu.Unlock()

	// Continuations may wait on the outcome, so done is already closed.
	for _, fn := range thens {
		fn(f.value, err)
	}
	return true
}

// beginCancel moves a pending future to Canceling and reports whether it did.
func (f *future[T]) beginCancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Pending {
		return false
	}
	f.state = Canceling
	return true
}
