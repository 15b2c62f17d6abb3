package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ExecSpawner launches processes with os/exec.
type ExecSpawner struct {
	// WaitDelay bounds how long Wait blocks on I/O after the process exits.
	WaitDelay time.Duration
}

// NewExecSpawner creates a spawner backed by os/exec.
func NewExecSpawner() *ExecSpawner {
	return &ExecSpawner{WaitDelay: 5 * time.Second}
}

func (s *ExecSpawner) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(req.Binary, req.Args...)
	cmd.Env = req.Env
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	cmd.WaitDelay = s.WaitDelay

	h := &execHandle{cmd: cmd}

	switch req.Mode {
	case Background:
		// New session so the child survives the caller and its terminal.
		// Stdio left nil, which os/exec connects to the null device.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	default:
		// Set process group so we can signal the whole tree
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		h.stdin, h.stdout, h.stderr = stdin, stdout, stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", req.Binary, err)
	}
	return h, nil
}

func (s *ExecSpawner) Run(ctx context.Context, binary string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, binary, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("running %s: %w", binary, err)
	}
	return string(out), nil
}

type execHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	killed atomic.Bool

	waitOnce sync.Once
	exitCode int
	waitErr  error
}

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// OSStartTime returns the kernel's start time for the process, used to detect
// PID reuse when the process is later stopped from its persisted record.
func (h *execHandle) OSStartTime() (int64, error) {
	return ProcessStartTime(h.PID())
}

func (h *execHandle) Killed() bool {
	return h.killed.Load()
}

func (h *execHandle) Signal(sig os.Signal) error {
	pid := h.PID()
	if pid == 0 {
		return fmt.Errorf("process not started")
	}
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %v", sig)
	}
	// Both modes make the child a group leader, so signal the group.
	if err := unix.Kill(-pid, s); err != nil {
		if !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("signalling %d: %w", pid, err)
		}
		if err := unix.Kill(pid, s); err != nil {
			return fmt.Errorf("signalling %d: %w", pid, err)
		}
	}
	h.killed.Store(true)
	return nil
}

func (h *execHandle) Wait() (int, error) {
	h.waitOnce.Do(func() {
		err := h.cmd.Wait()
		if err == nil {
			return
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			h.exitCode = exitErr.ExitCode()
			return
		}
		h.exitCode = -1
		h.waitErr = err
	})
	return h.exitCode, h.waitErr
}

func (h *execHandle) Stdin() io.WriteCloser {
	if h.stdin == nil {
		return nil
	}
	return h.stdin
}

func (h *execHandle) Stdout() io.Reader {
	if h.stdout == nil {
		return nil
	}
	return h.stdout
}

func (h *execHandle) Stderr() io.Reader {
	if h.stderr == nil {
		return nil
	}
	return h.stderr
}
