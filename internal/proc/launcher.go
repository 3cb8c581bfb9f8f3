// Package proc provides the OS-level spawn, signal, and liveness primitives
// used to manage worker processes. Exit codes are not interpreted; callers
// only ever ask whether a PID is still alive.
package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/botfleet/botfleet/internal/common/logger"
)

const (
	// pollInterval is how often liveness is re-checked while waiting for a
	// signalled process to exit.
	pollInterval = 500 * time.Millisecond

	// killWait bounds how long Kill waits for the process to disappear.
	killWait = 2 * time.Second
)

// LaunchSpec describes a worker process to spawn.
type LaunchSpec struct {
	// Argv is the full command line; Argv[0] is the executable.
	Argv []string

	// Dir is the working directory. Empty inherits the supervisor's.
	Dir string

	// Env entries are appended to the supervisor's environment.
	Env []string

	// CaptureOutput pipes the worker's stdout and stderr through the
	// supervisor's logger. When false the worker's output is discarded.
	CaptureOutput bool

	// NewProcessGroup places the child in its own process group so signals
	// aimed at the supervisor's group never reach it. When false the child
	// inherits the supervisor's group.
	NewProcessGroup bool
}

// Launcher spawns and signals worker processes. Spawned children are reaped
// in the background so a dead PID never lingers as a zombie, which would
// defeat signal-0 liveness probes.
type Launcher struct {
	mu     sync.Mutex
	procs  map[int]*child
	logger *logger.Logger
}

type child struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

// NewLauncher creates a launcher.
func NewLauncher(log *logger.Logger) *Launcher {
	return &Launcher{
		procs:  make(map[int]*child),
		logger: log.WithFields(zap.String("component", "launcher")),
	}
}

// Spawn starts the process described by spec and returns its PID. The child
// is not waited on synchronously.
func (l *Launcher) Spawn(spec LaunchSpec) (int, error) {
	if len(spec.Argv) == 0 {
		return 0, fmt.Errorf("empty command line")
	}

	// exec.Command rather than CommandContext: shutdown is driven by
	// SignalGraceful/Kill, not by context cancellation.
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = buildSysProcAttr(spec.NewProcessGroup)

	var stdout, stderr *bufio.Scanner
	if spec.CaptureOutput {
		outPipe, err := cmd.StdoutPipe()
		if err != nil {
			return 0, fmt.Errorf("create stdout pipe: %w", err)
		}
		errPipe, err := cmd.StderrPipe()
		if err != nil {
			return 0, fmt.Errorf("create stderr pipe: %w", err)
		}
		stdout = bufio.NewScanner(outPipe)
		stderr = bufio.NewScanner(errPipe)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}

	pid := cmd.Process.Pid
	c := &child{cmd: cmd, exited: make(chan struct{})}

	l.mu.Lock()
	l.procs[pid] = c
	l.mu.Unlock()

	l.logger.Info("worker process started",
		zap.Int("pid", pid),
		zap.String("executable", spec.Argv[0]))

	if spec.CaptureOutput {
		go l.pipeOutput(pid, "stdout", stdout)
		go l.pipeOutput(pid, "stderr", stderr)
	}
	go l.reap(pid, c)

	return pid, nil
}

// SignalGraceful sends SIGTERM and polls liveness until the process exits or
// timeout elapses. It reports whether the process is gone.
func (l *Launcher) SignalGraceful(ctx context.Context, pid int, timeout time.Duration) bool {
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return true
		}
		l.logger.Warn("failed to signal process", zap.Int("pid", pid), zap.Error(err))
		return !l.Alive(pid)
	}

	deadline := time.Now().Add(timeout)
	for {
		if !l.Alive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !l.Alive(pid)
		case <-time.After(pollInterval):
		}
	}
}

// Kill sends SIGKILL and waits briefly for the process to disappear. It
// reports whether the process is gone.
func (l *Launcher) Kill(pid int) bool {
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return true
		}
		l.logger.Warn("failed to kill process", zap.Int("pid", pid), zap.Error(err))
		return !l.Alive(pid)
	}

	deadline := time.Now().Add(killWait)
	for time.Now().Before(deadline) {
		if !l.Alive(pid) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !l.Alive(pid)
}

// Alive reports whether the PID refers to a live process. For children
// spawned by this launcher the reaper's exit signal is authoritative;
// anything else is probed with signal 0.
func (l *Launcher) Alive(pid int) bool {
	l.mu.Lock()
	c, tracked := l.procs[pid]
	l.mu.Unlock()

	if tracked {
		select {
		case <-c.exited:
			return false
		default:
			return true
		}
	}
	return Alive(pid)
}

// Alive probes the PID with signal 0. EPERM means some process exists under
// that PID but it is not ours, so it counts as dead for supervision purposes.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

// reap waits for the child so the kernel releases its process entry, then
// drops it from the tracking table.
func (l *Launcher) reap(pid int, c *child) {
	err := c.cmd.Wait()
	close(c.exited)

	l.mu.Lock()
	delete(l.procs, pid)
	l.mu.Unlock()

	if err != nil {
		l.logger.Info("worker process exited",
			zap.Int("pid", pid),
			zap.Int("exit_code", c.cmd.ProcessState.ExitCode()),
			zap.Error(err))
		return
	}
	l.logger.Info("worker process exited", zap.Int("pid", pid), zap.Int("exit_code", 0))
}

func (l *Launcher) pipeOutput(pid int, stream string, scanner *bufio.Scanner) {
	for scanner.Scan() {
		l.logger.Info(scanner.Text(), zap.Int("pid", pid), zap.String("stream", stream))
	}
}
