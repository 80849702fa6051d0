package orchestrator

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/spf13/afero"

	"github.com/turtacn/Proctor/internal/control"
	"github.com/turtacn/Proctor/internal/filelist"
	"github.com/turtacn/Proctor/internal/launcher"
	"github.com/turtacn/Proctor/internal/monitor"
	"github.com/turtacn/Proctor/internal/preprocess"
	"github.com/turtacn/Proctor/internal/resource"
	"github.com/turtacn/Proctor/internal/server"
	"github.com/turtacn/Proctor/internal/watcher"
	"github.com/turtacn/Proctor/pkg/consts"
	"github.com/turtacn/Proctor/pkg/events"
	"github.com/turtacn/Proctor/pkg/fsm"
	"github.com/turtacn/Proctor/pkg/logger"
	"github.com/turtacn/Proctor/pkg/protocol"
	"github.com/turtacn/Proctor/pkg/timer"
)

const (
	evStart    fsm.Event = "start"
	evCaptured fsm.Event = "captured"
	evRun      fsm.Event = "run"
	evComplete fsm.Event = "complete"
	evStop     fsm.Event = "stop"
	evStopped  fsm.Event = "stopped"
)

func st(s consts.EngineState) fsm.State { return fsm.State(s) }

// Option customizes an Engine, mostly for tests.
type Option func(*Engine)

// WithConfigPath lets SIGHUP and the reload command re-read the config.
func WithConfigPath(path string) Option {
	return func(e *Engine) { e.configPath = path }
}

// WithSpawner replaces how browser processes are started.
func WithSpawner(s launcher.Spawner) Option {
	return func(e *Engine) { e.spawn = s }
}

// WithTempDirs replaces where browser profiles are created.
func WithTempDirs(t launcher.TempDirs) Option {
	return func(e *Engine) { e.tempDirs = t }
}

// WithFs replaces the filesystem files are resolved and read from.
func WithFs(fs afero.Fs) Option {
	return func(e *Engine) { e.fs = fs }
}

// WithTimer replaces the clock used for capture and kill timeouts.
func WithTimer(t timer.Timer) Option {
	return func(e *Engine) { e.timer = t }
}

// Engine runs one Proctor server: it resolves the files, serves them,
// launches the browsers and drives test runs until stopped.
type Engine struct {
	cfg        *protocol.Config
	configPath string
	fsm        *fsm.StateMachine
	emitter    *events.Emitter
	log        logger.Logger

	fs       afero.Fs
	timer    timer.Timer
	spawn    launcher.Spawner
	tempDirs launcher.TempDirs

	sockets  *resource.SocketManager
	registry *launcher.Registry
	files    *filelist.List
	server   *server.Server
	executor *Executor
	control  *control.Server
	watcher  *watcher.Watcher

	mu       sync.Mutex
	pipeline *preprocess.Pipeline
	cancel   context.CancelFunc
	url      string
	exitCode int
	started  chan struct{}
}

func NewEngine(cfg *protocol.Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		fsm:      fsm.New(st(consts.StatePending)),
		emitter:  events.NewEmitter(),
		log:      logger.Log.With("component", "engine"),
		fs:       afero.NewOsFs(),
		sockets:  resource.NewSocketManager(),
		registry: launcher.NewRegistry(),
		started:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if cfg.Mode() == consts.ModeSingleRun {
		e.exitCode = 1
	}
	e.setupFSM()

	pipeline, err := preprocess.New(e.fs, cfg.BasePath, cfg.Preprocessors)
	if err != nil {
		return nil, err
	}
	e.pipeline = pipeline

	var batch = consts.DefaultBatchInterval
	if e.watching() {
		batch = cfg.Watch.BatchDelay.Std()
	}
	e.files = filelist.New(filelist.Config{
		Patterns:      cfg.Files,
		Excludes:      cfg.Exclude,
		Emitter:       e.emitter,
		Preprocess:    e.preprocess,
		BatchInterval: batch,
		Timer:         e.timer,
		Fs:            e.fs,
	})
	e.server = server.New(server.Config{
		Files:    e.files,
		Emitter:  e.emitter,
		BasePath: cfg.BasePath,
		URLRoot:  cfg.Server.URLRoot,
		Fs:       e.fs,
	})

	for _, bc := range cfg.Browsers {
		b, err := launcher.FromConfig(bc)
		if err != nil {
			return nil, err
		}
		retries := consts.DefaultRetryLimit
		if cfg.Launch.RetryLimit != nil {
			retries = *cfg.Launch.RetryLimit
		}
		e.registry.Add(launcher.New("", e.emitter,
			launcher.WithName(b.Name),
			launcher.WithCaptureTimeout(e.timer, cfg.Launch.CaptureTimeout.Std()),
			launcher.WithRetry(retries),
			launcher.WithProcess(launcher.ProcessConfig{
				Browser:     b,
				Spawn:       e.spawn,
				TempDirs:    e.tempDirs,
				KillTimeout: cfg.Launch.KillTimeout.Std(),
				Timer:       e.timer,
			}),
		))
	}

	// Engine listeners go first: a capture must be recorded before the
	// executor asks whether everyone is ready.
	e.emitter.On(consts.EventBrowserRegister, func(args ...any) { e.onRegister(args[0].(string)) })
	e.emitter.On(consts.EventBrowserDisconnect, func(args ...any) { e.executor.Disconnected(args[0].(string)) })
	e.emitter.On(consts.EventBrowserComplete, func(args ...any) {
		e.executor.Result(args[0].(string), args[1].(protocol.Result))
	})
	e.emitter.On(consts.EventBrowserProcessFailure, func(args ...any) { e.onFailure(args[0].(*launcher.Launcher)) })
	e.emitter.On(consts.EventRunStart, func(...any) { e.fire(evRun) })
	e.emitter.On(consts.EventRunComplete, func(args ...any) { e.onRunComplete(args[0].(Summary)) })
	e.executor = NewExecutor(e.emitter, e.server, e.browsersReady, e.log)

	e.control = control.NewServer(cfg.Control.SocketPath, e.handleControl)
	return e, nil
}

func (e *Engine) setupFSM() {
	e.fsm.AddTransition(st(consts.StatePending), st(consts.StateLaunching), evStart, e.onStart)
	e.fsm.AddTransition(st(consts.StateLaunching), st(consts.StateReady), evCaptured, e.onCaptured)
	e.fsm.AddTransition(st(consts.StateReady), st(consts.StateRunning), evRun, nil)
	e.fsm.AddTransition(st(consts.StateRunning), st(consts.StateReady), evComplete, nil)

	e.fsm.AddTransitions([]fsm.State{
		st(consts.StatePending), st(consts.StateLaunching), st(consts.StateReady), st(consts.StateRunning),
	}, st(consts.StateStopping), evStop, nil)
	e.fsm.AddTransition(st(consts.StateStopping), st(consts.StateStopped), evStopped, nil)
}

// fire applies event when the current state accepts it.
func (e *Engine) fire(event fsm.Event) {
	if !e.fsm.Can(event) {
		return
	}
	if err := e.fsm.Fire(event); err != nil {
		e.log.Debug("Transition rejected", "event", event, "err", err)
	}
}

func (e *Engine) State() consts.EngineState {
	return consts.EngineState(e.fsm.Current())
}

func (e *Engine) watching() bool {
	return e.cfg.Mode() == consts.ModeWatch && e.cfg.Watch.Enabled
}

// Files exposes the file list.
func (e *Engine) Files() *filelist.List { return e.files }

// Started is closed once the server is listening and browsers are launched.
func (e *Engine) Started() <-chan struct{} { return e.started }

// URL is the capture address, known after Started.
func (e *Engine) URL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.url
}

// ExitCode is the process exit code after Start returned.
func (e *Engine) ExitCode() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitCode
}

// Start runs the server and blocks until it is stopped.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	monitor.InitMetrics(e.cfg.Observability.MetricsPort)

	files, err := e.files.Refresh(ctx)
	if err != nil {
		return err
	}
	e.log.Info("Files resolved", "served", len(files.Served), "included", len(files.Included))

	l, err := e.sockets.Bind(e.cfg.Server.Hostname, e.cfg.Server.Port, e.cfg.Server.PortAttempts)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.url = captureBase(e.cfg.Server.Hostname, l.Addr(), e.cfg.Server.URLRoot)
	e.mu.Unlock()

	serveErr := make(chan error, 1)
	go func() { serveErr <- e.server.Serve(ctx, l) }()

	if err := e.control.Start(ctx); err != nil {
		e.log.Warn("Control socket unavailable", "err", err)
	}
	if e.watching() {
		e.startWatcher(ctx)
		e.emitter.On(consts.EventFileListModified, func(...any) {
			if e.fsm.Is(st(consts.StateReady), st(consts.StateRunning)) {
				e.executor.Schedule()
			}
		})
	}
	go e.handleSignals(ctx)

	e.log.Info("Proctor server started", "url", e.URL(), "mode", e.cfg.Mode())
	if err := e.fsm.Fire(evStart); err != nil {
		e.shutdown(cancel)
		return err
	}
	close(e.started)

	var fatal error
	select {
	case <-ctx.Done():
	case fatal = <-serveErr:
	}
	e.shutdown(cancel)
	return fatal
}

func captureBase(host string, addr net.Addr, root string) string {
	port := ""
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = strconv.Itoa(tcp.Port)
	}
	if root == "" {
		root = "/"
	}
	return "http://" + net.JoinHostPort(host, port) + root
}

func (e *Engine) startWatcher(ctx context.Context) {
	w, err := watcher.New(e.files)
	if err != nil {
		e.log.Warn("File watching disabled", "err", err)
		return
	}
	if err := w.Watch(watcher.Bases(e.cfg.Files)); err != nil {
		e.log.Warn("Cannot watch files", "err", err)
	}
	w.Start(ctx)
	e.watcher = w
}

func (e *Engine) handleSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				logger.Log.Info("Signal: SIGHUP received. Reloading configuration.")
				if err := e.Reload(ctx); err != nil {
					e.log.Error("Reload failed", "err", err)
				}
			default:
				logger.Log.Info("Signal: Stop received. Shutting down.", "signal", sig.String())
				e.Stop()
			}
		}
	}
}

// Stop asks Start to shut down. It does not wait.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) shutdown(cancel context.CancelFunc) {
	e.fire(evStop)
	cancel()

	ctx, done := context.WithTimeout(context.Background(), consts.DefaultStopTimeout)
	defer done()
	if err := e.registry.Close(ctx); err != nil {
		e.log.Warn("Browsers did not exit in time", "err", err)
	}
	if e.watcher != nil {
		e.watcher.Close()
	}
	e.control.Close()
	e.sockets.Close()
	e.fire(evStopped)
	e.log.Info("Proctor server stopped", "exit_code", e.ExitCode())
}

// onStart launches every configured browser at the capture URL.
func (e *Engine) onStart(from fsm.State, event fsm.Event, args ...any) error {
	if e.registry.Len() == 0 {
		e.log.Info("No browsers configured, waiting for one to connect", "url", e.URL())
		return nil
	}
	for _, l := range e.registry.All() {
		e.log.Info("Launching browser", "browser", l.Name())
	}
	e.registry.StartAll(e.URL())
	return nil
}

func (e *Engine) onCaptured(from fsm.State, event fsm.Event, args ...any) error {
	e.log.Info("All browsers captured")
	e.executor.Schedule()
	return nil
}

func (e *Engine) onRegister(id string) {
	if l, ok := e.registry.Get(id); ok {
		l.MarkCaptured()
	}
	e.checkCaptured()
}

func (e *Engine) checkCaptured() {
	if e.browsersReady() {
		e.fire(evCaptured)
	}
}

// browsersReady is true when every launched browser is captured, or, with
// none launched, when at least one browser is connected.
func (e *Engine) browsersReady() bool {
	if e.registry.Len() == 0 {
		return len(e.server.Clients()) > 0
	}
	return e.registry.AreAllCaptured()
}

func (e *Engine) onFailure(l *launcher.Launcher) {
	e.log.Error("Browser gave up", "browser", l.Name(), "err", l.Err())
	e.registry.Remove(l.ID())
	e.executor.Drop(l.ID())

	if e.registry.Len() == 0 && len(e.server.Clients()) == 0 {
		if e.cfg.Mode() == consts.ModeSingleRun {
			e.log.Error("No browser left to run tests, stopping")
			e.Stop()
		}
		return
	}
	e.checkCaptured()
	if e.executor.Pending() {
		e.executor.Schedule()
	}
}

func (e *Engine) onRunComplete(s Summary) {
	e.fire(evComplete)
	if e.cfg.Mode() != consts.ModeSingleRun {
		return
	}
	e.mu.Lock()
	e.exitCode = s.ExitCode()
	e.mu.Unlock()
	e.Stop()
}

func (e *Engine) preprocess(ctx context.Context, f *filelist.File) error {
	e.mu.Lock()
	p := e.pipeline
	e.mu.Unlock()
	return p.Process(ctx, f)
}

// Reload re-reads the config file and re-resolves the file list. Without
// a config path it only refreshes.
func (e *Engine) Reload(ctx context.Context) error {
	if e.configPath == "" {
		_, err := e.files.Refresh(ctx)
		return err
	}
	cfg, err := protocol.Load(e.configPath)
	if err != nil {
		return err
	}
	pipeline, err := preprocess.New(e.fs, cfg.BasePath, cfg.Preprocessors)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.pipeline = pipeline
	e.mu.Unlock()

	files, err := e.files.Reload(ctx, cfg.Files, cfg.Exclude)
	if err != nil {
		return err
	}
	if e.watcher != nil {
		if err := e.watcher.Watch(watcher.Bases(cfg.Files)); err != nil {
			e.log.Warn("Cannot watch files", "err", err)
		}
	}
	e.log.Info("Configuration reloaded", "served", len(files.Served))
	return nil
}

func (e *Engine) handleControl(ctx context.Context, action string) (string, error) {
	switch action {
	case control.ActionRun:
		if e.executor.Schedule() {
			return "run started", nil
		}
		return "run scheduled, waiting for browsers", nil
	case control.ActionRefresh:
		files, err := e.files.Refresh(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d files served", len(files.Served)), nil
	case control.ActionReload:
		if err := e.Reload(ctx); err != nil {
			return "", err
		}
		return "configuration reloaded", nil
	case control.ActionStop:
		e.Stop()
		return "stopping", nil
	}
	return "", fmt.Errorf("unsupported action %q", action)
}

// Personal.AI order the ending
