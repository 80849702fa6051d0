// Package timer schedules delayed callbacks behind an interface so that
// capture timeouts, kill escalation and batching can run on a virtual
// clock in tests.
package timer

import (
	"sort"
	"sync"
	"time"
)

// Handle identifies a scheduled callback.
type Handle interface {
	// Stop cancels the callback. It reports whether the call stopped it
	// before it fired.
	Stop() bool
}

// Timer schedules and cancels delayed callbacks.
type Timer interface {
	SetTimeout(fn func(), d time.Duration) Handle
	ClearTimeout(h Handle)
}

// Real is backed by time.AfterFunc. Callbacks run on their own goroutine.
type Real struct{}

func (Real) SetTimeout(fn func(), d time.Duration) Handle {
	return time.AfterFunc(d, fn)
}

func (Real) ClearTimeout(h Handle) {
	if h != nil {
		h.Stop()
	}
}

// Fake is a virtual clock. Callbacks fire synchronously from Wind, in due
// order, on the caller's goroutine.
type Fake struct {
	mu      sync.Mutex
	now     time.Duration
	seq     uint64
	pending []*fakeHandle
}

type fakeHandle struct {
	f       *Fake
	due     time.Duration
	seq     uint64
	fn      func()
	stopped bool
}

func (h *fakeHandle) Stop() bool {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	if h.stopped {
		return false
	}
	h.stopped = true
	h.f.remove(h)
	return true
}

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) SetTimeout(fn func(), d time.Duration) Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	h := &fakeHandle{f: f, due: f.now + d, seq: f.seq, fn: fn}
	f.pending = append(f.pending, h)
	sort.SliceStable(f.pending, func(i, j int) bool {
		if f.pending[i].due == f.pending[j].due {
			return f.pending[i].seq < f.pending[j].seq
		}
		return f.pending[i].due < f.pending[j].due
	})
	return h
}

func (f *Fake) ClearTimeout(h Handle) {
	if h != nil {
		h.Stop()
	}
}

// Wind advances the clock by d, firing every callback that becomes due.
// Callbacks scheduled while winding fire too if they fall inside the window.
func (f *Fake) Wind(d time.Duration) {
	f.mu.Lock()
	target := f.now + d
	f.mu.Unlock()

	for {
		f.mu.Lock()
		if len(f.pending) == 0 || f.pending[0].due > target {
			f.now = target
			f.mu.Unlock()
			return
		}
		h := f.pending[0]
		f.pending = f.pending[1:]
		h.stopped = true
		f.now = h.due
		f.mu.Unlock()

		h.fn()
	}
}

// Now returns the virtual time elapsed since creation.
func (f *Fake) Now() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Pending returns the number of scheduled callbacks.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *Fake) remove(h *fakeHandle) {
	for i, p := range f.pending {
		if p == h {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return
		}
	}
}

// Personal.AI order the ending
