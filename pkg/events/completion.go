package events

import (
	"context"
	"sync"
)

// Completion is a one-shot future. Continuations registered with Then run
// synchronously, in registration order, on the goroutine that resolves it
// (or immediately on the caller's goroutine if it is already resolved).
// Done and Wait release only after those continuations have returned.
type Completion struct {
	mu       sync.Mutex
	resolved bool
	err      error
	ch       chan struct{}
	thens    []func(error)
}

func NewCompletion() *Completion {
	return &Completion{ch: make(chan struct{})}
}

// Resolved returns a completion that has already finished with err.
func Resolved(err error) *Completion {
	c := NewCompletion()
	c.Resolve(err)
	return c
}

// Resolve finishes the completion. Only the first call has any effect.
func (c *Completion) Resolve(err error) {
	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		return
	}
	c.resolved = true
	c.err = err
	thens := c.thens
	c.thens = nil
	c.mu.Unlock()

	for _, fn := range thens {
		fn(err)
	}
	close(c.ch)
}

// Then registers fn to run once the completion resolves.
func (c *Completion) Then(fn func(error)) {
	c.mu.Lock()
	if !c.resolved {
		c.thens = append(c.thens, fn)
		c.mu.Unlock()
		return
	}
	err := c.err
	c.mu.Unlock()
	fn(err)
}

func (c *Completion) Done() <-chan struct{} {
	return c.ch
}

func (c *Completion) IsResolved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolved
}

func (c *Completion) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Wait blocks until the completion resolves or ctx is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.ch:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Barrier is a fan-out/fan-in counter: each participant obtained with Add
// must call its done function; the completion returned by Arm resolves when
// the count of outstanding participants drops to zero after arming.
type Barrier struct {
	mu          sync.Mutex
	outstanding int
	armed       bool
	c           *Completion
}

func NewBarrier() *Barrier {
	return &Barrier{c: NewCompletion()}
}

// Add registers a participant. The returned done is safe to call more than
// once; only the first call counts.
func (b *Barrier) Add() func() {
	b.mu.Lock()
	b.outstanding++
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(b.release)
	}
}

func (b *Barrier) release() {
	b.mu.Lock()
	b.outstanding--
	fire := b.armed && b.outstanding == 0
	b.mu.Unlock()
	if fire {
		b.c.Resolve(nil)
	}
}

// Arm closes registration and returns the completion.
func (b *Barrier) Arm() *Completion {
	b.mu.Lock()
	b.armed = true
	fire := b.outstanding == 0
	b.mu.Unlock()
	if fire {
		b.c.Resolve(nil)
	}
	return b.c
}

// Personal.AI order the ending
