package launcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/turtacn/Proctor/internal/supervisor"
	"github.com/turtacn/Proctor/pkg/consts"
	perrors "github.com/turtacn/Proctor/pkg/errors"
	"github.com/turtacn/Proctor/pkg/timer"
)

// Process is a running browser.
type Process interface {
	Pid() int
	// Stop asks the process to exit.
	Stop() error
	// Kill terminates it immediately.
	Kill() error
	// Wait blocks until exit and returns the exit code.
	Wait() (int, error)
	// Stderr returns the tail of the process's standard error.
	Stderr() string
}

// Spawner starts a command. Errors matching exec.ErrNotFound or
// fs.ErrNotExist mean the binary is missing.
type Spawner func(command string, args []string) (Process, error)

// TempDirs allocates scratch directories for browser profiles.
type TempDirs interface {
	Path(suffix string) string
	Create(path string) error
	Remove(path string) error
}

// ProcessConfig wires the OS side of a launcher. Zero fields fall back to
// the real process supervisor, the OS temp dir and wall-clock timers.
type ProcessConfig struct {
	Browser     *Browser
	Spawn       Spawner
	TempDirs    TempDirs
	KillTimeout time.Duration
	Timer       timer.Timer
}

// SpawnOS starts command as a real child process.
func SpawnOS(command string, args []string) (Process, error) {
	p, err := supervisor.Spawn(command, args)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// WithProcess makes the launcher own an OS process: each start spawns the
// browser into a fresh scratch directory and each kill stops it.
func WithProcess(cfg ProcessConfig) Option {
	return func(l *Launcher) {
		if cfg.Spawn == nil {
			cfg.Spawn = SpawnOS
		}
		if cfg.TempDirs == nil {
			cfg.TempDirs = supervisor.NewTempDirs(afero.NewOsFs(), "")
		}
		if cfg.KillTimeout <= 0 {
			cfg.KillTimeout = consts.DefaultKillTimeout
		}
		if cfg.Timer == nil {
			cfg.Timer = timer.Real{}
		}
		if cfg.Browser == nil {
			cfg.Browser = &Browser{Name: l.name}
		}
		l.proc = &processRunner{cfg: cfg}
	}
}

type processRunner struct {
	cfg ProcessConfig

	mu        sync.Mutex
	proc      Process
	spawning  bool
	killTimer timer.Handle
	killDones []func()
}

func (p *processRunner) attach(l *Launcher) {
	l.local.On(consts.EventStart, func(args ...any) {
		u, _ := args[0].(string)
		p.start(l, u)
	})
	l.local.OnAsync(consts.EventKill, func(done func(), _ ...any) {
		p.kill(l, done)
	})
	l.local.On(consts.EventDone, func(...any) {
		p.flushKillDones()
	})
}

func (p *processRunner) start(l *Launcher, u string) {
	p.mu.Lock()
	p.spawning = true
	p.mu.Unlock()

	dir := p.cfg.TempDirs.Path(consts.TempDirPrefix + l.id)
	if err := p.cfg.TempDirs.Create(dir); err != nil {
		l.log.Warn("Cannot create temp dir", "dir", dir, "err", err)
	}

	command := p.cfg.Browser.ResolveCommand()
	args := p.cfg.Browser.Args(u, dir)
	l.log.Debug("Spawning browser", "cmd", command, "args", args)
	proc, err := p.cfg.Spawn(command, args)

	p.mu.Lock()
	p.spawning = false
	if err == nil {
		p.proc = proc
	}
	killed := len(p.killDones) > 0
	p.mu.Unlock()

	if err != nil {
		var cause error
		if isNotFound(err) {
			msg := fmt.Sprintf("cannot find %s binary %q", p.cfg.Browser.Name, command)
			if p.cfg.Browser.EnvVar != "" {
				msg += fmt.Sprintf(", set %s to override", p.cfg.Browser.EnvVar)
			}
			cause = perrors.New(perrors.ErrCodeBrowserNotFound, "Spawn", msg, err)
		} else {
			cause = perrors.New(perrors.ErrCodeProcessStartFail, "Spawn",
				fmt.Sprintf("cannot start %s", p.cfg.Browser.Name), err)
		}
		p.exited(l, dir, cause)
		return
	}

	go p.wait(l, proc, dir)
	if killed {
		p.stop(l, proc)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}

func (p *processRunner) wait(l *Launcher, proc Process, dir string) {
	code, werr := proc.Wait()

	p.mu.Lock()
	if p.proc == proc {
		p.proc = nil
	}
	h := p.killTimer
	p.killTimer = nil
	p.mu.Unlock()
	p.cfg.Timer.ClearTimeout(h)

	var cause error
	switch l.State() {
	case StateBeingCaptured:
		msg := fmt.Sprintf("cannot start %s (exit code %d)", p.cfg.Browser.Name, code)
		if tail := strings.TrimSpace(proc.Stderr()); tail != "" {
			msg += "\n\t" + tail
		}
		cause = perrors.New(perrors.ErrCodeProcessStartFail, "Process", msg, werr)
	case StateCaptured:
		cause = perrors.New(perrors.ErrCodeBrowserCrashed, "Process",
			fmt.Sprintf("%s crashed (exit code %d)", p.cfg.Browser.Name, code), werr)
	}
	if cause == nil {
		l.log.Debug("Browser process exited", "code", code)
	}
	p.exited(l, dir, cause)
}

func (p *processRunner) exited(l *Launcher, dir string, cause error) {
	if err := p.cfg.TempDirs.Remove(dir); err != nil {
		l.log.Warn("Cannot remove temp dir", "dir", dir, "err", err)
	}
	l.finish(cause)
}

func (p *processRunner) kill(l *Launcher, done func()) {
	p.mu.Lock()
	proc := p.proc
	if proc == nil {
		spawning := p.spawning
		if spawning {
			p.killDones = append(p.killDones, done)
		}
		p.mu.Unlock()
		if !spawning {
			done()
		}
		return
	}
	p.killDones = append(p.killDones, done)
	p.mu.Unlock()
	p.stop(l, proc)
}

// stop asks proc to exit and escalates to SIGKILL after the kill timeout.
func (p *processRunner) stop(l *Launcher, proc Process) {
	p.mu.Lock()
	if p.killTimer == nil {
		p.killTimer = p.cfg.Timer.SetTimeout(func() {
			l.log.Warn("Browser did not exit in time, sending SIGKILL", "pid", proc.Pid(), "timeout", p.cfg.KillTimeout)
			if err := proc.Kill(); err != nil {
				l.log.Debug("SIGKILL failed", "err", err)
			}
		}, p.cfg.KillTimeout)
	}
	p.mu.Unlock()

	if err := proc.Stop(); err != nil {
		l.log.Debug("Cannot stop browser", "pid", proc.Pid(), "err", err)
	}
}

func (p *processRunner) flushKillDones() {
	p.mu.Lock()
	dones := p.killDones
	p.killDones = nil
	p.mu.Unlock()
	for _, done := range dones {
		done()
	}
}

// Personal.AI order the ending
