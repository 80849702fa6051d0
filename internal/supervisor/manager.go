package supervisor

import (
	"bytes"
	"errors"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/turtacn/Proctor/pkg/logger"
)

// stderrTail is how much of a child's stderr is kept for error reports.
const stderrTail = 4096

// Process is a child started by Spawn. It runs in its own process group so
// signals reach helper processes browsers fork.
type Process struct {
	cmd    *exec.Cmd
	stderr *tailBuffer

	waitOnce sync.Once
	code     int
	err      error
}

// Spawn starts command with args. The returned error wraps exec.ErrNotFound
// or fs.ErrNotExist when the binary is missing.
func Spawn(command string, args []string) (*Process, error) {
	cmd := exec.Command(command, args...)
	tail := &tailBuffer{limit: stderrTail}
	cmd.Stdout = &lineLogger{prefix: "stdout"}
	cmd.Stderr = io.MultiWriter(tail, &lineLogger{prefix: "stderr"})
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	logger.Log.Info("Supervisor: Forked process", "cmd", command, "pid", cmd.Process.Pid)
	return &Process{cmd: cmd, stderr: tail}, nil
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stop sends SIGTERM to the process group.
func (p *Process) Stop() error {
	logger.Log.Info("Supervisor: Sending SIGTERM", "pid", p.Pid())
	return p.signal(unix.SIGTERM)
}

// Kill sends SIGKILL to the process group.
func (p *Process) Kill() error {
	logger.Log.Warn("Supervisor: Sending SIGKILL", "pid", p.Pid())
	return p.signal(unix.SIGKILL)
}

func (p *Process) signal(sig unix.Signal) error {
	err := unix.Kill(-p.Pid(), sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// Wait blocks until the process exits. A non-zero exit is reported through
// the code, not the error; a signalled process has code -1.
func (p *Process) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			p.err = err
		}
		if p.cmd.ProcessState != nil {
			p.code = p.cmd.ProcessState.ExitCode()
		} else {
			p.code = -1
		}
	})
	return p.code, p.err
}

func (p *Process) Stderr() string {
	return p.stderr.String()
}

type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// lineLogger forwards child output to the debug log one line at a time.
type lineLogger struct {
	mu      sync.Mutex
	prefix  string
	partial []byte
}

func (w *lineLogger) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.partial = append(w.partial, b...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		logger.Log.Debug("Supervisor: child output", "stream", w.prefix, "line", string(w.partial[:i]))
		w.partial = w.partial[i+1:]
	}
	return len(b), nil
}

// Personal.AI order the ending
