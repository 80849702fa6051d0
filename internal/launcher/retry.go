package launcher

import (
	"errors"
	"sync"
)

// WithRetry restarts a failed browser up to limit times over the launcher's
// life. The budget is never replenished.
func WithRetry(limit int) Option {
	return func(l *Launcher) {
		if limit < 0 {
			limit = 0
		}
		l.retry = &retryPolicy{limit: limit, remaining: limit}
	}
}

type retryPolicy struct {
	mu        sync.Mutex
	limit     int
	remaining int
}

// take consumes one attempt if cause is worth retrying.
func (r *retryPolicy) take(cause error) bool {
	// A missing binary will not appear on its own.
	if errors.Is(cause, ErrBrowserNotFound) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.remaining <= 0 {
		return false
	}
	r.remaining--
	return true
}

func (r *retryPolicy) attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limit - r.remaining
}

// RetriesLeft reports the remaining restart budget, or 0 without a retry
// policy.
func (l *Launcher) RetriesLeft() int {
	if l.retry == nil {
		return 0
	}
	l.retry.mu.Lock()
	defer l.retry.mu.Unlock()
	return l.retry.remaining
}

// Personal.AI order the ending
