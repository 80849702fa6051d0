// Package launcher supervises capturable browser processes.
//
// A Launcher is a single record holding the lifecycle state machine plus
// explicit slots for the optional components composed onto it: the capture
// timeout, the retry budget and the OS process runner. Components talk to
// the launcher through its local event emitter (start, captured, kill,
// done) and through a few unexported hooks; nothing is patched at runtime.
package launcher

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/Proctor/internal/monitor"
	"github.com/turtacn/Proctor/pkg/consts"
	perrors "github.com/turtacn/Proctor/pkg/errors"
	"github.com/turtacn/Proctor/pkg/events"
	"github.com/turtacn/Proctor/pkg/fsm"
	"github.com/turtacn/Proctor/pkg/logger"
)

type State = fsm.State

const (
	StateNull             State = "NULL"
	StateBeingCaptured    State = "BEING_CAPTURED"
	StateCaptured         State = "CAPTURED"
	StateBeingKilled      State = "BEING_KILLED"
	StateBeingForceKilled State = "BEING_FORCE_KILLED"
	StateBeingTimedOut    State = "BEING_TIMED_OUT"
	StateFinished         State = "FINISHED"
)

const (
	evStart     fsm.Event = "start"
	evCapture   fsm.Event = "capture"
	evTimeout   fsm.Event = "timeout"
	evKill      fsm.Event = "kill"
	evForceKill fsm.Event = "force_kill"
	evFinish    fsm.Event = "finish"
)

var (
	ErrCaptureTimeout  = perrors.Sentinel(perrors.ErrCodeCaptureTimeout, "browser not captured in time")
	ErrCrashed         = perrors.Sentinel(perrors.ErrCodeBrowserCrashed, "browser crashed")
	ErrCannotStart     = perrors.Sentinel(perrors.ErrCodeProcessStartFail, "browser cannot start")
	ErrBrowserNotFound = perrors.Sentinel(perrors.ErrCodeBrowserNotFound, "browser binary not found")
)

func newStateMachine() *fsm.StateMachine {
	sm := fsm.New(StateNull)
	sm.AddTransitions([]State{StateNull, StateFinished}, StateBeingCaptured, evStart, nil)
	sm.AddTransitions([]State{StateBeingCaptured, StateBeingTimedOut}, StateCaptured, evCapture, nil)
	sm.AddTransition(StateBeingCaptured, StateBeingTimedOut, evTimeout, nil)
	sm.AddTransitions([]State{StateNull, StateBeingCaptured, StateCaptured, StateBeingTimedOut}, StateBeingKilled, evKill, nil)
	sm.AddTransitions([]State{StateNull, StateBeingCaptured, StateCaptured, StateBeingTimedOut, StateBeingKilled}, StateBeingForceKilled, evForceKill, nil)
	sm.AddTransitions([]State{StateNull, StateBeingCaptured, StateCaptured, StateBeingKilled, StateBeingForceKilled, StateBeingTimedOut, StateFinished}, StateFinished, evFinish, nil)
	return sm
}

// Option configures a Launcher at construction.
type Option func(*Launcher)

func WithName(name string) Option {
	return func(l *Launcher) { l.name = name }
}

func WithLogger(log logger.Logger) Option {
	return func(l *Launcher) { l.log = log }
}

// Launcher manages one browser target for the life of the server.
type Launcher struct {
	id      string
	name    string
	emitter *events.Emitter
	local   *events.Emitter
	log     logger.Logger

	mu              sync.Mutex
	sm              *fsm.StateMachine
	previousURL     string
	err             error
	killing         *events.Completion
	forced          bool
	killRequested   bool
	restarting      bool
	finishing       bool
	restartDeferred bool
	startedAt       time.Time

	timeout *captureTimeout
	retry   *retryPolicy
	proc    *processRunner
}

// New creates a launcher. An empty id gets a random one. Failures that
// exhaust the retry budget are reported on emitter.
func New(id string, emitter *events.Emitter, opts ...Option) *Launcher {
	if id == "" {
		id = uuid.NewString()
	}
	if emitter == nil {
		emitter = events.NewEmitter()
	}
	l := &Launcher{
		id:      id,
		name:    id,
		emitter: emitter,
		local:   events.NewEmitter(),
		log:     logger.Log,
		sm:      newStateMachine(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With("browser", l.name, "id", l.id)

	// The timeout listens first so a synchronous spawn failure clears the
	// timer it has just armed.
	if l.timeout != nil {
		l.timeout.attach(l)
	}
	if l.proc != nil {
		l.proc.attach(l)
	}
	return l
}

func (l *Launcher) ID() string     { return l.id }
func (l *Launcher) Name() string   { return l.name }
func (l *Launcher) String() string { return l.name }

func (l *Launcher) State() State {
	return l.sm.Current()
}

func (l *Launcher) IsCaptured() bool {
	return l.sm.Current() == StateCaptured
}

// Err returns the error recorded for the current process lifetime.
func (l *Launcher) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// On subscribes to the launcher's own events (start, captured, kill, done).
func (l *Launcher) On(event string, fn events.Listener) func() {
	return l.local.On(event, fn)
}

// OnAsync subscribes a barrier participant, typically to "kill".
func (l *Launcher) OnAsync(event string, fn events.AsyncListener) func() {
	return l.local.OnAsync(event, fn)
}

// Start launches the browser pointed at u. It does nothing unless the
// launcher is fresh or finished.
func (l *Launcher) Start(u string) {
	l.mu.Lock()
	if err := l.sm.Fire(evStart); err != nil {
		l.mu.Unlock()
		l.log.Debug("Ignoring start", "state", l.sm.Current())
		return
	}
	l.previousURL = u
	l.err = nil
	l.killing = nil
	l.forced = false
	l.killRequested = false
	l.startedAt = time.Now()
	l.mu.Unlock()

	monitor.BrowserStarts.WithLabelValues(l.name).Inc()
	l.log.Info("Starting browser", "url", u)
	l.local.Emit(consts.EventStart, captureURL(u, l.id))
}

func captureURL(u, id string) string {
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "id=" + url.QueryEscape(id)
}

// MarkCaptured records that the browser connected back.
func (l *Launcher) MarkCaptured() {
	l.mu.Lock()
	if err := l.sm.Fire(evCapture); err != nil {
		l.mu.Unlock()
		return
	}
	started := l.startedAt
	l.mu.Unlock()

	monitor.CaptureDuration.Observe(time.Since(started).Seconds())
	l.log.Info("Browser captured")
	l.local.Emit(consts.EventCaptured)
}

// Kill stops the browser. Concurrent calls share one kill sequence; a
// finished launcher returns an already resolved completion. A kill issued
// while a capture timeout is killing the browser takes over: the exit is
// not retried.
func (l *Launcher) Kill() *events.Completion {
	l.mu.Lock()
	if l.killing != nil {
		k := l.killing
		if l.sm.Current() == StateBeingTimedOut {
			_ = l.sm.Fire(evKill)
			l.killRequested = true
		}
		l.mu.Unlock()
		return k
	}
	if l.sm.Current() == StateFinished {
		l.mu.Unlock()
		return events.Resolved(nil)
	}
	_ = l.sm.Fire(evKill)
	l.killRequested = true
	k := events.NewCompletion()
	l.killing = k
	l.mu.Unlock()

	l.log.Debug("Killing browser")
	l.emitKill(k)
	return k
}

// ForceKill stops the browser and cancels any pending restart. The
// termination is never reported as a failure.
func (l *Launcher) ForceKill() *events.Completion {
	l.mu.Lock()
	if k := l.killing; k != nil {
		if l.restarting || !k.IsResolved() {
			l.forced = true
			_ = l.sm.Fire(evForceKill)
		}
		l.mu.Unlock()
		return k
	}
	if l.sm.Current() == StateFinished {
		l.mu.Unlock()
		return events.Resolved(nil)
	}
	l.forced = true
	_ = l.sm.Fire(evForceKill)
	k := events.NewCompletion()
	l.killing = k
	l.mu.Unlock()

	l.log.Debug("Force killing browser")
	l.emitKill(k)
	return k
}

// emitKill fans "kill" out and finishes k once every listener is done.
func (l *Launcher) emitKill(k *events.Completion) {
	l.local.EmitAsync(consts.EventKill).Then(func(error) {
		l.mu.Lock()
		if l.killing == k {
			_ = l.sm.Fire(evFinish)
		}
		l.mu.Unlock()
		k.Resolve(nil)
	})
}

// Restart kills the running browser (if any) and starts it again with the
// previous URL once the kill has completed.
func (l *Launcher) Restart() {
	l.mu.Lock()
	if l.forced || l.restarting {
		l.mu.Unlock()
		return
	}
	l.restarting = true
	if l.finishing {
		l.restartDeferred = true
		l.mu.Unlock()
		return
	}
	k := l.killing
	emit := false
	if k == nil {
		k = events.NewCompletion()
		l.killing = k
		_ = l.sm.Fire(evKill)
		emit = true
	}
	l.mu.Unlock()

	if emit {
		l.emitKill(k)
	}
	k.Then(func(error) { l.completeRestart() })
}

func (l *Launcher) completeRestart() {
	l.mu.Lock()
	l.restarting = false
	if l.forced {
		l.mu.Unlock()
		l.log.Debug("Restart cancelled by force kill")
		return
	}
	u := l.previousURL
	l.mu.Unlock()

	l.log.Debug("Restarting browser")
	l.Start(u)
}

// captureTimedOut is called by the capture timeout component.
func (l *Launcher) captureTimedOut(after time.Duration) {
	l.mu.Lock()
	if err := l.sm.Fire(evTimeout); err != nil {
		l.mu.Unlock()
		return
	}
	l.err = perrors.New(perrors.ErrCodeCaptureTimeout, "Capture",
		fmt.Sprintf("%s has not captured in %s", l.name, after), nil)
	k := l.killing
	emit := false
	if k == nil {
		k = events.NewCompletion()
		l.killing = k
		emit = true
	}
	l.mu.Unlock()

	l.log.Warn("Browser has not captured in time, killing", "timeout", after)
	if emit {
		l.emitKill(k)
	}
}

// finish is reported exactly once per process lifetime, after the scratch
// directory is gone. cause is nil for an expected exit.
func (l *Launcher) finish(cause error) {
	l.mu.Lock()
	if l.killing == nil {
		l.killing = events.Resolved(nil)
	}
	if l.err == nil {
		l.err = cause
	}
	failure := l.err
	from := l.sm.Current()
	// Decided before done: a done listener may resolve the kill and let a
	// pending restart start the next process.
	suppressed := l.forced || l.restarting || l.killRequested || from == StateBeingForceKilled
	_ = l.sm.Fire(evFinish)
	l.finishing = true
	l.mu.Unlock()

	l.local.Emit(consts.EventDone, failure)

	switch {
	case failure == nil:
	case suppressed:
		l.log.Debug("Browser exited during kill", "err", failure)
	case l.retry != nil && l.retry.take(failure):
		l.log.Info("Trying to start browser again", "attempt", l.retry.attempt(), "limit", l.retry.limit, "err", failure)
		monitor.BrowserRestarts.WithLabelValues(reason(failure)).Inc()
		l.Restart()
	default:
		l.log.Error("Browser failed, giving up", "err", failure)
		monitor.BrowserFailures.WithLabelValues(reason(failure)).Inc()
		l.emitter.Emit(consts.EventBrowserProcessFailure, l)
	}

	l.mu.Lock()
	l.finishing = false
	deferred := l.restartDeferred
	l.restartDeferred = false
	k := l.killing
	l.mu.Unlock()

	switch {
	case !deferred:
	case k == nil:
		l.completeRestart()
	default:
		k.Then(func(error) { l.completeRestart() })
	}
}

func reason(err error) string {
	switch perrors.CodeOf(err) {
	case perrors.ErrCodeCaptureTimeout:
		return "timeout"
	case perrors.ErrCodeBrowserCrashed:
		return "crash"
	case perrors.ErrCodeBrowserNotFound:
		return "not_found"
	case perrors.ErrCodeProcessStartFail:
		return "start"
	default:
		return "unknown"
	}
}

// Personal.AI order the ending
