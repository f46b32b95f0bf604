// Package latch provides the one-shot guards a client session uses for
// "at most once per session" work.
package latch

import (
	"sync"
	"sync/atomic"
)

// Once runs a function until it succeeds once. Unlike sync.Once a failed
// attempt leaves the latch open so a later call can try again, and Reset
// re-arms it.
type Once struct {
	mu   sync.Mutex
	done bool
}

// Do calls fn unless a previous call already succeeded. Concurrent callers
// wait for the in-progress attempt. ran reports whether fn was invoked.
func (o *Once) Do(fn func() error) (ran bool, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return false, nil
	}
	if err := fn(); err != nil {
		return true, err
	}
	o.done = true
	return true, nil
}

// Done reports whether a call has succeeded.
func (o *Once) Done() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// Reset re-arms the latch.
func (o *Once) Reset() {
	o.mu.Lock()
	o.done = false
	o.mu.Unlock()
}

// Flag trips exactly once.
type Flag struct {
	tripped atomic.Bool
}

// Trip sets the flag and reports whether this call was the one that set it.
func (f *Flag) Trip() bool {
	return f.tripped.CompareAndSwap(false, true)
}

// IsSet reports whether the flag has tripped.
func (f *Flag) IsSet() bool {
	return f.tripped.Load()
}

// Reset clears the flag.
func (f *Flag) Reset() {
	f.tripped.Store(false)
}
