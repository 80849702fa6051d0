package orchestrator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/turtacn/Proctor/internal/monitor"
	"github.com/turtacn/Proctor/pkg/consts"
	"github.com/turtacn/Proctor/pkg/events"
	"github.com/turtacn/Proctor/pkg/logger"
	"github.com/turtacn/Proctor/pkg/protocol"
)

// Clients is the set of connected browsers a run is broadcast to.
type Clients interface {
	Clients() []string
	Broadcast(event string, payload any) int
}

// Summary aggregates the results of one run.
type Summary struct {
	Run      int
	Success  int
	Failed   int
	Error    bool
	Browsers map[string]protocol.Result
	Duration time.Duration
}

// ExitCode is 0 only for a run with no failures and no errors.
func (s Summary) ExitCode() int {
	if s.Failed > 0 || s.Error || len(s.Browsers) == 0 {
		return 1
	}
	return 0
}

func (s Summary) String() string {
	out := fmt.Sprintf("Executed %d tests on %d browser(s): %d passed, %d failed",
		s.Success+s.Failed, len(s.Browsers), s.Success, s.Failed)
	if s.Error {
		out += " (ERROR)"
	}
	return out
}

func (s Summary) result() string {
	switch {
	case s.Error:
		return "error"
	case s.Failed > 0:
		return "failed"
	default:
		return "success"
	}
}

// Executor schedules runs. A run starts only when every required browser
// is ready; otherwise it stays pending and starts on the next capture or
// run completion.
type Executor struct {
	emitter *events.Emitter
	clients Clients
	ready   func() bool
	log     logger.Logger

	mu      sync.Mutex
	pending bool
	seq     int
	current *run
}

type run struct {
	id       int
	started  time.Time
	expected map[string]bool
	results  map[string]protocol.Result
}

// NewExecutor wires an executor. ready reports whether the required
// browsers are captured; nil means any connected browser will do.
func NewExecutor(emitter *events.Emitter, clients Clients, ready func() bool, log logger.Logger) *Executor {
	if log == nil {
		log = logger.Log
	}
	ex := &Executor{
		emitter: emitter,
		clients: clients,
		ready:   ready,
		log:     log.With("component", "executor"),
	}
	emitter.On(consts.EventRunComplete, func(...any) { ex.resume() })
	emitter.On(consts.EventBrowserRegister, func(...any) { ex.resume() })
	return ex
}

// Schedule starts a run now if possible, otherwise marks one pending.
// It reports whether a run was started.
func (ex *Executor) Schedule() bool {
	ex.mu.Lock()
	if ex.current != nil || (ex.ready != nil && !ex.ready()) {
		ex.pending = true
		ex.mu.Unlock()
		ex.log.Debug("Delaying execution, browsers not ready")
		return false
	}
	ids := ex.clients.Clients()
	if len(ids) == 0 {
		ex.pending = true
		ex.mu.Unlock()
		ex.log.Debug("Delaying execution, no browser connected")
		return false
	}
	sort.Strings(ids)

	ex.seq++
	r := &run{
		id:       ex.seq,
		started:  time.Now(),
		expected: make(map[string]bool, len(ids)),
		results:  make(map[string]protocol.Result, len(ids)),
	}
	for _, id := range ids {
		r.expected[id] = true
	}
	ex.current = r
	ex.pending = false
	ex.mu.Unlock()

	ex.log.Info("Starting run", "run", r.id, "browsers", len(ids))
	ex.emitter.Emit(consts.EventRunStart, r.id, ids)
	ex.clients.Broadcast("execute", map[string]any{"run": r.id})
	return true
}

// Pending reports whether a run is waiting to start.
func (ex *Executor) Pending() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.pending
}

// Running reports whether a run is in progress.
func (ex *Executor) Running() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.current != nil
}

func (ex *Executor) resume() {
	ex.mu.Lock()
	pending := ex.pending
	ex.mu.Unlock()
	if pending {
		ex.Schedule()
	}
}

// Result records the outcome reported by browser id.
func (ex *Executor) Result(id string, res protocol.Result) {
	ex.settle(id, func(r *run) { r.results[id] = res })
}

// Disconnected counts a browser that went away mid-run as errored.
func (ex *Executor) Disconnected(id string) {
	ex.settle(id, func(r *run) {
		if _, ok := r.results[id]; !ok {
			r.results[id] = protocol.Result{Error: true, Message: "disconnected"}
		}
	})
}

// Drop stops waiting for browser id, e.g. after its process failed for good.
func (ex *Executor) Drop(id string) {
	ex.settle(id, func(r *run) { delete(r.expected, id) })
}

func (ex *Executor) settle(id string, apply func(*run)) {
	ex.mu.Lock()
	r := ex.current
	if r == nil || !r.expected[id] {
		ex.mu.Unlock()
		return
	}
	apply(r)
	for want := range r.expected {
		if _, ok := r.results[want]; !ok {
			ex.mu.Unlock()
			return
		}
	}
	ex.current = nil
	ex.mu.Unlock()

	s := Summary{Run: r.id, Browsers: r.results, Duration: time.Since(r.started)}
	for _, res := range r.results {
		s.Success += res.Success
		s.Failed += res.Failed
		s.Error = s.Error || res.Error
	}
	monitor.Runs.WithLabelValues(s.result()).Inc()
	ex.log.Info(s.String(), "run", s.Run, "duration", s.Duration)
	ex.emitter.Emit(consts.EventRunComplete, s)
}

// Personal.AI order the ending
