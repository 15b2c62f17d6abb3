package driver

import (
	"context"
	"io"
	"os"
)

// Mode selects how a spawned process is attached to the caller.
type Mode int

const (
	// Foreground keeps the child attached: its stdin, stdout and stderr are
	// pipes owned by the caller, which forwards them to the terminal.
	Foreground Mode = iota
	// Background detaches the child into its own session with stdio on the
	// null device so it outlives the caller.
	Background
)

func (m Mode) String() string {
	if m == Background {
		return "background"
	}
	return "foreground"
}

// SpawnRequest describes a process launch.
type SpawnRequest struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string // nil inherits the caller's environment
	Mode   Mode
}

// Handle is a reference to a spawned process.
type Handle interface {
	// PID returns the OS process id, or 0 if none was assigned.
	PID() int

	// Killed reports whether a signal was successfully delivered via Signal.
	Killed() bool

	// Signal sends sig to the process group.
	Signal(sig os.Signal) error

	// Wait blocks until the process exits and returns the exit code.
	// It is safe to call from several goroutines.
	Wait() (int, error)

	// Stdin, Stdout and Stderr are nil for background processes.
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
}

// Spawner launches processes. The exec implementation is used in production;
// tests substitute FakeSpawner.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Handle, error)

	// Run executes a short-lived command and returns its combined output.
	Run(ctx context.Context, binary string, args ...string) (string, error)
}
