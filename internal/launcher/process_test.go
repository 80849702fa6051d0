package launcher

import (
	"context"
	"errors"
	"os/exec"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/Proctor/pkg/consts"
	"github.com/turtacn/Proctor/pkg/timer"
)

type fakeProcess struct {
	exitOnStop bool
	stderr     string

	exit    chan int
	once    sync.Once
	stopped atomic.Int32
	killed  atomic.Int32
}

func newFakeProcess(exitOnStop bool) *fakeProcess {
	return &fakeProcess{exitOnStop: exitOnStop, exit: make(chan int, 1)}
}

func (p *fakeProcess) Pid() int { return 4242 }

func (p *fakeProcess) Stop() error {
	p.stopped.Add(1)
	if p.exitOnStop {
		p.exitWith(0)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Add(1)
	p.exitWith(-1)
	return nil
}

func (p *fakeProcess) exitWith(code int) {
	p.once.Do(func() { p.exit <- code })
}

func (p *fakeProcess) Wait() (int, error) { return <-p.exit, nil }
func (p *fakeProcess) Stderr() string     { return p.stderr }

type fakeSpawner struct {
	mu    sync.Mutex
	procs []*fakeProcess
	err   error
	calls []spawnCall
}

type spawnCall struct {
	cmd  string
	args []string
}

func (s *fakeSpawner) spawn(cmd string, args []string) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, spawnCall{cmd, args})
	if s.err != nil {
		return nil, s.err
	}
	p := s.procs[0]
	if len(s.procs) > 1 {
		s.procs = s.procs[1:]
	}
	return p, nil
}

func (s *fakeSpawner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fakeTempDirs struct {
	mu      sync.Mutex
	created []string
	removed []string
}

func (f *fakeTempDirs) Path(suffix string) string { return path.Join("/temp", suffix) }

func (f *fakeTempDirs) Create(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, p)
	return nil
}

func (f *fakeTempDirs) Remove(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, p)
	return nil
}

func (f *fakeTempDirs) removedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removed)
}

func processOption(sp *fakeSpawner, dirs *fakeTempDirs, clock timer.Timer) Option {
	return WithProcess(ProcessConfig{
		Browser:     &Browser{Name: "fake", Command: "/usr/bin/browser", Flags: []string{"--profile={dir}"}},
		Spawn:       sp.spawn,
		TempDirs:    dirs,
		KillTimeout: 2 * time.Second,
		Timer:       clock,
	})
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestProcess_SpawnsIntoTempDir(t *testing.T) {
	proc := newFakeProcess(true)
	sp := &fakeSpawner{procs: []*fakeProcess{proc}}
	dirs := &fakeTempDirs{}
	l, _ := newTestLauncher(t, processOption(sp, dirs, timer.NewFake()))

	l.Start("http://localhost/")
	require.Equal(t, 1, sp.callCount())
	assert.Equal(t, "/usr/bin/browser", sp.calls[0].cmd)
	assert.Equal(t, []string{"--profile=/temp/proctor-fake-id", "http://localhost/?id=fake-id"}, sp.calls[0].args)
	assert.Equal(t, []string{"/temp/proctor-fake-id"}, dirs.created)

	require.NoError(t, l.Kill().Wait(waitCtx(t)))
}

func TestProcess_KillStopsAndWaitsForExit(t *testing.T) {
	proc := newFakeProcess(true)
	sp := &fakeSpawner{procs: []*fakeProcess{proc}}
	dirs := &fakeTempDirs{}
	l, rec := newTestLauncher(t, processOption(sp, dirs, timer.NewFake()))

	l.Start("http://localhost/")
	l.MarkCaptured()
	require.NoError(t, l.Kill().Wait(waitCtx(t)))

	assert.Equal(t, int32(1), proc.stopped.Load())
	assert.Equal(t, int32(0), proc.killed.Load())
	assert.Equal(t, []string{"/temp/proctor-fake-id"}, dirs.removed)
	assert.Equal(t, StateFinished, l.State())
	assert.NoError(t, l.Err())
	assert.Equal(t, 0, rec.failureCount())
}

func TestProcess_KillEscalatesAfterTimeout(t *testing.T) {
	clock := timer.NewFake()
	proc := newFakeProcess(false)
	sp := &fakeSpawner{procs: []*fakeProcess{proc}}
	l, _ := newTestLauncher(t, processOption(sp, &fakeTempDirs{}, clock))

	l.Start("http://localhost/")
	k := l.Kill()
	assert.Equal(t, int32(1), proc.stopped.Load())
	assert.False(t, k.IsResolved())

	clock.Wind(2 * time.Second)
	require.NoError(t, k.Wait(waitCtx(t)))
	assert.Equal(t, int32(1), proc.killed.Load())
	assert.Equal(t, StateFinished, l.State())
}

func TestProcess_CrashAfterCapture(t *testing.T) {
	proc := newFakeProcess(false)
	sp := &fakeSpawner{procs: []*fakeProcess{proc}}
	dirs := &fakeTempDirs{}
	l, rec := newTestLauncher(t, processOption(sp, dirs, timer.NewFake()))

	l.Start("http://localhost/")
	l.MarkCaptured()
	proc.exitWith(1)

	require.Eventually(t, func() bool { return rec.failureCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, l.Err(), ErrCrashed)
	assert.Equal(t, 1, dirs.removedCount())
}

func TestProcess_ExitBeforeCaptureCannotStart(t *testing.T) {
	proc := newFakeProcess(false)
	proc.stderr = "libX11 missing\n"
	sp := &fakeSpawner{procs: []*fakeProcess{proc}}
	l, rec := newTestLauncher(t, processOption(sp, &fakeTempDirs{}, timer.NewFake()))

	l.Start("http://localhost/")
	proc.exitWith(127)

	require.Eventually(t, func() bool { return rec.failureCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, l.Err(), ErrCannotStart)
	assert.Contains(t, l.Err().Error(), "libX11 missing")
}

func TestProcess_MissingBinaryIsNotRetried(t *testing.T) {
	sp := &fakeSpawner{err: &exec.Error{Name: "/usr/bin/browser", Err: exec.ErrNotFound}}
	dirs := &fakeTempDirs{}
	l, rec := newTestLauncher(t, WithRetry(2), processOption(sp, dirs, timer.NewFake()))

	l.Start("http://localhost/")
	assert.Equal(t, 1, rec.failureCount())
	assert.ErrorIs(t, l.Err(), ErrBrowserNotFound)
	assert.Equal(t, 2, l.RetriesLeft())
	assert.Equal(t, []string{"/temp/proctor-fake-id"}, dirs.removed)
	assert.Equal(t, StateFinished, l.State())
}

func TestProcess_OtherSpawnErrorsAreRetried(t *testing.T) {
	sp := &fakeSpawner{err: errors.New("permission denied")}
	l, rec := newTestLauncher(t, WithRetry(1), processOption(sp, &fakeTempDirs{}, timer.NewFake()))

	l.Start("http://localhost/")
	assert.Equal(t, 2, sp.callCount())
	assert.Equal(t, 1, rec.failureCount())
	assert.ErrorIs(t, l.Err(), ErrCannotStart)
}

func TestProcess_RetryRespawns(t *testing.T) {
	first := newFakeProcess(false)
	second := newFakeProcess(true)
	sp := &fakeSpawner{procs: []*fakeProcess{first, second}}
	l, rec := newTestLauncher(t, WithRetry(1), processOption(sp, &fakeTempDirs{}, timer.NewFake()))

	l.Start("http://localhost/")
	first.exitWith(1)

	require.Eventually(t, func() bool { return sp.callCount() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return l.State() == StateBeingCaptured }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, rec.failureCount())

	require.NoError(t, l.ForceKill().Wait(waitCtx(t)))
	assert.Equal(t, int32(1), second.stopped.Load())
}

func TestProcess_KillWithoutProcessCompletes(t *testing.T) {
	sp := &fakeSpawner{procs: []*fakeProcess{newFakeProcess(true)}}
	l, rec := newTestLauncher(t, processOption(sp, &fakeTempDirs{}, timer.NewFake()))

	k := l.Kill()
	assert.True(t, k.IsResolved())
	assert.Equal(t, 0, sp.callCount())
	assert.Equal(t, 1, rec.killCount())
}

func TestNormalizeCommand(t *testing.T) {
	cases := map[string]string{
		`"/bin/brow ser"`:   "/bin/brow ser",
		`'/usr/bin/chrome'`: "/usr/bin/chrome",
		"`/a/b/../c`":       "/a/c",
		`"'/nested'"`:       "/nested",
		"  /bin/x  ":        "/bin/x",
		`"/unbalanced`:      `"/unbalanced`,
		"":                  "",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeCommand(in), "input %q", in)
	}
}

func TestProcess_SpawnFailureFinishesSynchronously(t *testing.T) {
	sp := &fakeSpawner{err: exec.ErrNotFound}
	l, rec := newTestLauncher(t, processOption(sp, &fakeTempDirs{}, timer.NewFake()))
	var order []string
	l.On(consts.EventDone, func(...any) { order = append(order, "done") })

	l.Start("http://localhost/")
	assert.Equal(t, []string{"done"}, order)
	assert.Equal(t, 1, rec.startCount())
}

func TestProcess_KillDuringCaptureTimeoutIsFinal(t *testing.T) {
	proc := newFakeProcess(false)
	sp := &fakeSpawner{procs: []*fakeProcess{proc}}
	clock := timer.NewFake()
	l, rec := newTestLauncher(t,
		WithCaptureTimeout(clock, 10*time.Second), WithRetry(2), processOption(sp, &fakeTempDirs{}, clock))

	l.Start("http://localhost/")
	clock.Wind(10 * time.Second)
	require.Equal(t, StateBeingTimedOut, l.State())

	k := l.Kill()
	proc.exitWith(0)
	require.NoError(t, k.Wait(waitCtx(t)))

	assert.Equal(t, StateFinished, l.State())
	assert.Equal(t, 1, sp.callCount())
	assert.Equal(t, 1, rec.killCount())
	assert.Equal(t, 0, rec.failureCount())
	assert.Equal(t, 2, l.RetriesLeft())
}

func TestProcess_RestartDuringCaptureTimeout(t *testing.T) {
	first, second := newFakeProcess(false), newFakeProcess(true)
	sp := &fakeSpawner{procs: []*fakeProcess{first, second}}
	clock := timer.NewFake()
	l, rec := newTestLauncher(t,
		WithCaptureTimeout(clock, 10*time.Second), WithRetry(2), processOption(sp, &fakeTempDirs{}, clock))

	l.Start("http://localhost/")
	clock.Wind(10 * time.Second)
	l.Restart()
	assert.Equal(t, 1, sp.callCount(), "restart waits for the old process")

	first.exitWith(0)
	require.Eventually(t, func() bool { return sp.callCount() == 2 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return l.State() == StateBeingCaptured }, 2*time.Second, time.Millisecond)

	require.NoError(t, l.ForceKill().Wait(waitCtx(t)))
	assert.Equal(t, 2, rec.startCount())
	assert.Equal(t, 0, rec.failureCount())
	assert.Equal(t, 2, l.RetriesLeft())
}
