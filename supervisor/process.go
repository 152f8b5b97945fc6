package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrNotRunning is returned when signalling a worker that has exited.
var ErrNotRunning = errors.New("worker not running")

// Process is a worker child process. The exit status is collected by a
// wait goroutine so Done can be polled without blocking.
type Process struct {
	ID      string
	Kind    Kind
	Cmd     *exec.Cmd
	Started time.Time

	done     chan struct{}
	exitCode atomic.Int32
}

func newProcess(kind Kind, cmd *exec.Cmd) *Process {
	p := &Process{
		ID:   uuid.NewString(),
		Kind: kind,
		Cmd:  cmd,
		done: make(chan struct{}),
	}
	p.exitCode.Store(-1)
	return p
}

func (p *Process) start() error {
	if err := p.Cmd.Start(); err != nil {
		return err
	}
	p.Started = time.Now()
	go p.wait()
	return nil
}

func (p *Process) wait() {
	err := p.Cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	p.exitCode.Store(int32(code))
	close(p.done)
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode returns the exit code, or -1 while running or when killed.
func (p *Process) ExitCode() int { return int(p.exitCode.Load()) }

// PID returns the OS process ID.
func (p *Process) PID() int {
	if p.Cmd.Process == nil {
		return -1
	}
	return p.Cmd.Process.Pid
}

func (p *Process) running() bool {
	return p.Cmd.Process != nil && !exited(p)
}

func (p *Process) Interrupt() error {
	if !p.running() {
		return ErrNotRunning
	}
	return interrupt(p.Cmd.Process)
}

func (p *Process) Terminate() error {
	if !p.running() {
		return ErrNotRunning
	}
	return terminate(p.Cmd.Process)
}

func (p *Process) Kill() error {
	if !p.running() {
		return ErrNotRunning
	}
	return p.Cmd.Process.Kill()
}

// ExecSpawner runs workers as subcommands of an executable, normally the
// running binary itself.
type ExecSpawner struct {
	// Path is the executable; empty means os.Executable.
	Path string
	// BaseArgs are prepended to every worker's arguments.
	BaseArgs []string
	// Output receives worker stdout and stderr; nil means os.Stderr.
	Output io.Writer
	Logger *slog.Logger
}

func (s *ExecSpawner) Spawn(_ context.Context, kind Kind, args []string) (Worker, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}
	out := s.Output
	if out == nil {
		out = os.Stderr
	}

	// The worker must outlive a cancelled request context; it is stopped
	// with signals, so exec.CommandContext is not used.
	cmd := exec.Command(path, append(append([]string{}, s.BaseArgs...), args...)...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = sysProcAttr()

	p := newProcess(kind, cmd)
	if err := p.start(); err != nil {
		return nil, err
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("worker started", "kind", kind, "pid", p.PID(), "id", p.ID)
	go func() {
		<-p.Done()
		logger.Info("worker exited", "kind", kind, "pid", p.PID(), "code", p.ExitCode(), "runtime", time.Since(p.Started))
	}()
	return p, nil
}
