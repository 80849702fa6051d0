package fsm

import (
	"fmt"
	"sync"

	perrors "github.com/turtacn/Proctor/pkg/errors"
)

type State string
type Event string

// Handler is executed after a transition has been applied. from is the
// state the machine left.
type Handler func(from State, event Event, args ...any) error

// ErrInvalidTransition matches every error returned by Fire for an event
// that has no transition from the current state.
var ErrInvalidTransition = perrors.Sentinel(perrors.ErrCodeInvalidTransition, "invalid transition")

type StateMachine struct {
	mu          sync.RWMutex
	current     State
	transitions map[State]map[Event]State
	callbacks   map[State]map[Event]Handler
}

func New(initial State) *StateMachine {
	return &StateMachine{
		current:     initial,
		transitions: make(map[State]map[Event]State),
		callbacks:   make(map[State]map[Event]Handler),
	}
}

func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Is reports whether the current state is one of states.
func (sm *StateMachine) Is(states ...State) bool {
	cur := sm.Current()
	for _, s := range states {
		if s == cur {
			return true
		}
	}
	return false
}

func (sm *StateMachine) AddTransition(from, to State, event Event, callback Handler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.transitions[from]; !ok {
		sm.transitions[from] = make(map[Event]State)
		sm.callbacks[from] = make(map[Event]Handler)
	}
	sm.transitions[from][event] = to
	sm.callbacks[from][event] = callback
}

// AddTransitions registers the same event from several source states.
func (sm *StateMachine) AddTransitions(from []State, to State, event Event, callback Handler) {
	for _, f := range from {
		sm.AddTransition(f, to, event, callback)
	}
}

// Can reports whether event is accepted in the current state.
func (sm *StateMachine) Can(event Event) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.transitions[sm.current][event]
	return ok
}

// Fire triggers a state transition. The new state is visible before the
// handler runs, and the handler runs without the lock held so it may fire
// further events.
func (sm *StateMachine) Fire(event Event, args ...any) error {
	sm.mu.Lock()
	from := sm.current
	next, ok := sm.transitions[from][event]
	if !ok {
		sm.mu.Unlock()
		return perrors.New(perrors.ErrCodeInvalidTransition, "Fire",
			fmt.Sprintf("invalid transition from %s via %s", from, event), nil)
	}
	handler := sm.callbacks[from][event]
	sm.current = next
	sm.mu.Unlock()

	if handler != nil {
		return handler(from, event, args...)
	}
	return nil
}

// Personal.AI order the ending
