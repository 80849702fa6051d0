package launcher

import (
	"context"
	"sync"

	"github.com/turtacn/Proctor/pkg/events"
)

// Registry holds the launchers of one server in creation order.
type Registry struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]*Launcher
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Launcher)}
}

// Add registers l. Re-adding an id replaces the launcher in place.
func (r *Registry) Add(l *Launcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[l.ID()]; !ok {
		r.order = append(r.order, l.ID())
	}
	r.byID[l.ID()] = l
}

func (r *Registry) Get(id string) (*Launcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byID[id]
	return l, ok
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// All returns a snapshot of the launchers in creation order.
func (r *Registry) All() []*Launcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Launcher, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// AreAllCaptured is true when every registered launcher is captured. An
// empty registry is never captured.
func (r *Registry) AreAllCaptured() bool {
	all := r.All()
	if len(all) == 0 {
		return false
	}
	for _, l := range all {
		if !l.IsCaptured() {
			return false
		}
	}
	return true
}

func (r *Registry) StartAll(url string) {
	for _, l := range r.All() {
		l.Start(url)
	}
}

// KillAll kills every launcher and waits for all of them or ctx.
func (r *Registry) KillAll(ctx context.Context) error {
	return r.waitAll(ctx, (*Launcher).Kill)
}

// ForceKillAll is KillAll without restarts or failure reports.
func (r *Registry) ForceKillAll(ctx context.Context) error {
	return r.waitAll(ctx, (*Launcher).ForceKill)
}

func (r *Registry) waitAll(ctx context.Context, kill func(*Launcher) *events.Completion) error {
	all := r.All()
	pending := make([]*events.Completion, 0, len(all))
	for _, l := range all {
		pending = append(pending, kill(l))
	}
	for _, c := range pending {
		if err := c.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close force kills everything and empties the registry.
func (r *Registry) Close(ctx context.Context) error {
	err := r.ForceKillAll(ctx)
	r.mu.Lock()
	r.order = nil
	r.byID = make(map[string]*Launcher)
	r.mu.Unlock()
	return err
}

// Personal.AI order the ending
