package events

import (
	"sync"
)

// Listener receives the arguments of an emitted event.
type Listener func(args ...any)

// AsyncListener takes part in a barrier emission and must call done exactly
// once when it has finished its work.
type AsyncListener func(done func(), args ...any)

type entry struct {
	id    uint64
	sync  Listener
	async AsyncListener
	once  bool
}

// Emitter is a publish/subscribe hub. Listeners are invoked in
// registration order on the emitting goroutine; a listener registered
// during an emission does not receive that emission.
type Emitter struct {
	mu        sync.RWMutex
	seq       uint64
	listeners map[string][]entry
}

func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[string][]entry)}
}

// On registers l for event and returns a function that removes it.
func (e *Emitter) On(event string, l Listener) func() {
	return e.add(event, entry{sync: l})
}

// Once registers l for the next emission of event only.
func (e *Emitter) Once(event string, l Listener) func() {
	return e.add(event, entry{sync: l, once: true})
}

// OnAsync registers a barrier participant for event.
func (e *Emitter) OnAsync(event string, l AsyncListener) func() {
	return e.add(event, entry{async: l})
}

func (e *Emitter) add(event string, en entry) func() {
	e.mu.Lock()
	e.seq++
	en.id = e.seq
	e.listeners[event] = append(e.listeners[event], en)
	e.mu.Unlock()

	id := en.id
	return func() { e.remove(event, id) }
}

func (e *Emitter) remove(event string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.listeners[event]
	for i, en := range list {
		if en.id == id {
			e.listeners[event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// snapshot copies the listener list and drops once-listeners from it.
func (e *Emitter) snapshot(event string) []entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.listeners[event]
	if len(list) == 0 {
		return nil
	}
	out := make([]entry, len(list))
	copy(out, list)

	kept := list[:0:0]
	for _, en := range list {
		if !en.once {
			kept = append(kept, en)
		}
	}
	e.listeners[event] = kept
	return out
}

// Emit calls every listener of event. Async listeners get a no-op done.
func (e *Emitter) Emit(event string, args ...any) {
	for _, en := range e.snapshot(event) {
		if en.sync != nil {
			en.sync(args...)
		} else {
			en.async(func() {}, args...)
		}
	}
}

// EmitAsync fans event out to every listener and returns a Completion
// that resolves once each async listener has called its done. Plain
// listeners count as finished when they return.
func (e *Emitter) EmitAsync(event string, args ...any) *Completion {
	b := NewBarrier()
	for _, en := range e.snapshot(event) {
		if en.sync != nil {
			en.sync(args...)
			continue
		}
		en.async(b.Add(), args...)
	}
	return b.Arm()
}

// ListenerCount returns the number of listeners registered for event.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[event])
}

// Scope returns a view of e that remembers every listener added through
// it, so an owner can detach all of them on teardown.
func (e *Emitter) Scope() *Scope {
	return &Scope{e: e, offs: make(map[string][]func())}
}

// Scope tracks listeners added through it.
type Scope struct {
	e    *Emitter
	mu   sync.Mutex
	offs map[string][]func()
}

func (s *Scope) On(event string, l Listener) *Scope {
	s.track(event, s.e.On(event, l))
	return s
}

func (s *Scope) OnAsync(event string, l AsyncListener) *Scope {
	s.track(event, s.e.OnAsync(event, l))
	return s
}

func (s *Scope) track(event string, off func()) {
	s.mu.Lock()
	s.offs[event] = append(s.offs[event], off)
	s.mu.Unlock()
}

// RemoveAll detaches the listeners added through s, limited to events when
// any are given. Listeners added directly on the emitter are untouched.
func (s *Scope) RemoveAll(events ...string) *Scope {
	s.mu.Lock()
	var offs []func()
	if len(events) == 0 {
		for ev, fns := range s.offs {
			offs = append(offs, fns...)
			delete(s.offs, ev)
		}
	} else {
		for _, ev := range events {
			offs = append(offs, s.offs[ev]...)
			delete(s.offs, ev)
		}
	}
	s.mu.Unlock()

	for _, off := range offs {
		off()
	}
	return s
}

// Personal.AI order the ending
