package driver

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// FakeSpawner is an in-memory Spawner for testing. Each Spawn returns a
// FakeHandle whose output the test drives directly.
type FakeSpawner struct {
	mu sync.Mutex

	// NextPID is assigned to the next spawned handle and then incremented.
	NextPID int
	// SpawnErr, if set, is returned by Spawn instead of a handle.
	SpawnErr error
	// IgnoreSignals makes spawned handles record signals without exiting,
	// like a process that traps SIGTERM.
	IgnoreSignals bool
	// RunOutput and RunErr are returned by Run.
	RunOutput string
	RunErr    error

	Requests []SpawnRequest
	Handles  []*FakeHandle
	RunCalls [][]string
}

// NewFakeSpawner creates a FakeSpawner whose first handle gets pid.
func NewFakeSpawner(pid int) *FakeSpawner {
	return &FakeSpawner{NextPID: pid}
}

func (s *FakeSpawner) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Requests = append(s.Requests, req)
	if s.SpawnErr != nil {
		return nil, s.SpawnErr
	}

	h := newFakeHandle(s.NextPID, req.Mode)
	h.ignoreSignals = s.IgnoreSignals
	s.NextPID++
	s.Handles = append(s.Handles, h)
	return h, nil
}

func (s *FakeSpawner) Run(ctx context.Context, binary string, args ...string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RunCalls = append(s.RunCalls, append([]string{binary}, args...))
	return s.RunOutput, s.RunErr
}

// Last returns the most recently spawned handle, or nil.
func (s *FakeSpawner) Last() *FakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Handles) == 0 {
		return nil
	}
	return s.Handles[len(s.Handles)-1]
}

// LastRequest returns the most recent spawn request.
func (s *FakeSpawner) LastRequest() SpawnRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Requests) == 0 {
		return SpawnRequest{}
	}
	return s.Requests[len(s.Requests)-1]
}

// FakeHandle is a Handle driven by the test.
type FakeHandle struct {
	pid    int
	mode   Mode
	killed atomic.Bool

	ignoreSignals bool

	stdin   *lineRecorder
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu      sync.Mutex
	signals []os.Signal

	exitOnce sync.Once
	exited   chan struct{}
	code     int
}

func newFakeHandle(pid int, mode Mode) *FakeHandle {
	h := &FakeHandle{
		pid:    pid,
		mode:   mode,
		exited: make(chan struct{}),
	}
	if mode == Foreground {
		h.stdin = &lineRecorder{lines: make(chan string, 256)}
		h.stdoutR, h.stdoutW = io.Pipe()
		h.stderrR, h.stderrW = io.Pipe()
	}
	return h
}

func (h *FakeHandle) PID() int     { return h.pid }
func (h *FakeHandle) Killed() bool { return h.killed.Load() }

func (h *FakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()
	h.killed.Store(true)
	if !h.ignoreSignals {
		h.Exit(-1)
	}
	return nil
}

// Signals returns the signals delivered so far.
func (h *FakeHandle) Signals() []os.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]os.Signal(nil), h.signals...)
}

func (h *FakeHandle) Wait() (int, error) {
	<-h.exited
	return h.code, nil
}

// Exit simulates the process exiting with code. Output streams are closed.
func (h *FakeHandle) Exit(code int) {
	h.exitOnce.Do(func() {
		h.code = code
		if h.stdoutW != nil {
			h.stdoutW.Close()
			h.stderrW.Close()
		}
		close(h.exited)
	})
}

// WriteStdout emits s on the process stdout. It blocks until the reader consumes it.
func (h *FakeHandle) WriteStdout(s string) error {
	_, err := io.WriteString(h.stdoutW, s)
	return err
}

// WriteStderr emits s on the process stderr.
func (h *FakeHandle) WriteStderr(s string) error {
	_, err := io.WriteString(h.stderrW, s)
	return err
}

// StdinLines delivers each complete line written to the process stdin.
func (h *FakeHandle) StdinLines() <-chan string {
	return h.stdin.lines
}

func (h *FakeHandle) Stdin() io.WriteCloser {
	if h.mode == Background {
		return nil
	}
	return h.stdin
}

func (h *FakeHandle) Stdout() io.Reader {
	if h.mode == Background {
		return nil
	}
	return h.stdoutR
}

func (h *FakeHandle) Stderr() io.Reader {
	if h.mode == Background {
		return nil
	}
	return h.stderrR
}

type lineRecorder struct {
	mu      sync.Mutex
	partial strings.Builder
	lines   chan string
	closed  bool
}

func (r *lineRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, io.ErrClosedPipe
	}
	r.partial.Write(p)
	for {
		buf := r.partial.String()
		i := strings.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		r.partial.Reset()
		r.partial.WriteString(buf[i+1:])
		select {
		case r.lines <- buf[:i]:
		default:
		}
	}
	return len(p), nil
}

func (r *lineRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
