// Package supervisor owns the lifecycle of one aos process at a time: it
// builds the command line from project config, launches the process, tracks
// its output, persists a record for later invocations, and lets callers
// evaluate actions against the running process.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/benaskins/aosup/internal/config"
	"github.com/benaskins/aosup/internal/driver"
	"github.com/benaskins/aosup/internal/journal"
	"github.com/benaskins/aosup/internal/logbuf"
	"github.com/benaskins/aosup/internal/store"
)

const (
	// DefaultBinary is the external runtime executable.
	DefaultBinary = "aos"

	// DefaultStopTimeout is how long StopProcess waits after SIGTERM before SIGKILL.
	DefaultStopTimeout = 10 * time.Second

	defaultBufferSize = 1000
)

var (
	ErrBinaryNotFound = errors.New("aos binary not found")
	ErrAlreadyRunning = errors.New("process already running")
	ErrNotRunning     = errors.New("no process is running")
	ErrNotInteractive = errors.New("process was started in background mode and has no stdin")
	ErrEvalTimeout    = errors.New("evaluation timed out")
	ErrProcessExited  = errors.New("process exited before replying")
)

// Status is the lifecycle state of the supervised process.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Message is one output message received from the process.
type Message struct {
	ID        string            `json:"id"`
	Action    string            `json:"action,omitempty"`
	Data      string            `json:"data,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	From      string            `json:"from,omitempty"`
	Target    string            `json:"target,omitempty"`
}

// ProcessState is the in-memory view of the current (or last) process.
type ProcessState struct {
	Name      string          `json:"name"`
	Status    Status          `json:"status"`
	PID       int             `json:"pid,omitempty"`
	StartTime time.Time       `json:"startTime"`
	EndTime   *time.Time      `json:"endTime,omitempty"`
	ExitCode  *int            `json:"exitCode,omitempty"`
	Features  config.Features `json:"features"`
	Messages  []Message       `json:"messages"`
	Errors    []string        `json:"errors"`
	Config    ProcessConfig   `json:"config"`
}

func (ps *ProcessState) clone() *ProcessState {
	cp := *ps
	cp.Messages = append([]Message(nil), ps.Messages...)
	cp.Errors = append([]string(nil), ps.Errors...)
	if ps.EndTime != nil {
		t := *ps.EndTime
		cp.EndTime = &t
	}
	if ps.ExitCode != nil {
		c := *ps.ExitCode
		cp.ExitCode = &c
	}
	return &cp
}

// Supervisor launches and tracks a single aos process.
type Supervisor struct {
	spawner     driver.Spawner
	store       store.Store
	journal     *journal.Logger
	logger      *slog.Logger
	binary      string
	now         func() time.Time
	stopTimeout time.Duration
	guidance    io.Writer
	logs        *logbuf.Ring

	// lifecycle serializes StartProcess and StopProcess.
	lifecycle sync.Mutex

	mu     sync.Mutex
	handle driver.Handle
	run    *run
	state  *ProcessState
}

// Option configures the supervisor.
type Option func(*Supervisor)

// WithBinary overrides the aos executable name or path.
func WithBinary(binary string) Option {
	return func(s *Supervisor) {
		s.binary = binary
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = l
	}
}

// WithJournal records lifecycle events to j.
func WithJournal(j *journal.Logger) Option {
	return func(s *Supervisor) {
		s.journal = j
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		s.now = now
	}
}

// WithStopTimeout sets the SIGTERM grace period.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.stopTimeout = d
	}
}

// WithBufferSize sets how many output lines Logs retains.
func WithBufferSize(n int) Option {
	return func(s *Supervisor) {
		s.logs = logbuf.New(n)
	}
}

// WithGuidanceOutput sets where installation guidance is printed.
func WithGuidanceOutput(w io.Writer) Option {
	return func(s *Supervisor) {
		s.guidance = w
	}
}

// New creates a supervisor that launches processes with spawner and records
// them in st.
func New(spawner driver.Spawner, st store.Store, opts ...Option) *Supervisor {
	s := &Supervisor{
		spawner:     spawner,
		store:       st,
		logger:      slog.With("component", "supervisor"),
		binary:      DefaultBinary,
		now:         time.Now,
		stopTimeout: DefaultStopTimeout,
		guidance:    os.Stderr,
		logs:        logbuf.New(defaultBufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartProcess launches aos in dir. The returned handle is live; the process
// may still exit at any moment, so callers should consult IsProcessRunning.
func (s *Supervisor) StartProcess(ctx context.Context, dir string, cfg *config.Config, opts StartOptions) (driver.Handle, error) {
	pc, err := Resolve(cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("invalid process config: %w", err)
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.handle != nil && !s.handle.Killed() {
		name := s.state.Name
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	startedAt := s.now()
	// Detach any previous run so its late exit cannot touch the new state.
	s.run = nil
	s.state = &ProcessState{
		Name:      pc.Name,
		Status:    StatusStarting,
		StartTime: startedAt,
		Features:  pc.Features,
		Config:    pc,
	}
	s.logs.Reset()
	s.mu.Unlock()

	logger := s.logger.With("process", pc.Name)
	args := BuildArgs(pc)
	logger.Info("starting process", "dir", dir, "mode", opts.Mode.String(), "args", args)

	h, err := s.spawner.Spawn(ctx, driver.SpawnRequest{
		Binary: s.binary,
		Args:   args,
		Dir:    dir,
		Env:    opts.Env,
		Mode:   opts.Mode,
	})
	if err != nil {
		s.mu.Lock()
		s.state.Status = StatusError
		s.state.Errors = append(s.state.Errors, err.Error())
		s.mu.Unlock()
		s.journal.Log(journal.Entry{Action: journal.ActionProcessError, Process: pc.Name, Error: err.Error()})

		if errors.Is(err, exec.ErrNotFound) {
			logger.Error("aos binary not found", "binary", s.binary)
			s.printGuidance(guidanceNotFound)
			return nil, fmt.Errorf("%w: %v", ErrBinaryNotFound, err)
		}
		logger.Error("failed to start process", "error", err)
		return nil, fmt.Errorf("starting process %s: %w", pc.Name, err)
	}

	r := newRun(pc.Name, h)

	s.mu.Lock()
	s.handle = h
	s.run = r
	s.state.Status = StatusRunning
	s.state.PID = h.PID()
	s.mu.Unlock()

	logger.Info("process started", "pid", h.PID())
	s.persist(pc, h, startedAt)
	s.journal.Log(journal.Entry{
		Action:  journal.ActionProcessStart,
		Process: pc.Name,
		PID:     h.PID(),
		Mode:    opts.Mode.String(),
	})

	s.attach(r, opts)
	return h, nil
}

// osStartTimer is implemented by handles that can report the OS start time.
type osStartTimer interface {
	OSStartTime() (int64, error)
}

func (s *Supervisor) persist(pc ProcessConfig, h driver.Handle, startedAt time.Time) {
	cfgJSON, err := json.Marshal(pc)
	if err != nil {
		s.logger.Warn("failed to encode process config", "process", pc.Name, "error", err)
	}

	rec := store.Record{
		Name:      pc.Name,
		PID:       h.PID(),
		StartTime: startedAt.UTC(),
		Config:    cfgJSON,
	}
	if st, ok := h.(osStartTimer); ok {
		if t, err := st.OSStartTime(); err == nil {
			rec.ProcStart = t
		}
	}

	if err := s.store.Put(rec); err != nil {
		s.logger.Warn("failed to persist process record", "process", pc.Name, "error", err)
	}
}

// StopProcess sends SIGTERM to the tracked process, clears the handle and
// marks the state stopped. It waits up to the stop timeout for the process to
// exit, then sends SIGKILL. With no tracked process it logs and returns nil.
func (s *Supervisor) StopProcess(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	h := s.handle
	r := s.run
	if h == nil {
		s.mu.Unlock()
		s.logger.Warn("stop requested but no process is running")
		return nil
	}
	s.handle = nil
	name := r.name
	if s.state != nil {
		end := s.now()
		s.state.Status = StatusStopped
		s.state.EndTime = &end
	}
	s.mu.Unlock()

	logger := s.logger.With("process", name, "pid", h.PID())
	logger.Info("stopping process")

	if err := h.Signal(syscall.SIGTERM); err != nil {
		logger.Error("failed to signal process", "error", err)
		return fmt.Errorf("stopping process %s: %w", name, err)
	}

	select {
	case <-r.done:
	case <-time.After(s.stopTimeout):
		logger.Warn("process did not exit after SIGTERM, killing")
		_ = h.Signal(syscall.SIGKILL)
	case <-ctx.Done():
		_ = h.Signal(syscall.SIGKILL)
	}

	if err := s.store.Delete(name); err != nil {
		logger.Warn("failed to remove process record", "error", err)
	}
	s.journal.Log(journal.Entry{Action: journal.ActionProcessStop, Process: name, PID: h.PID()})
	return nil
}

// IsProcessRunning reports whether a process is tracked and has not been signalled.
func (s *Supervisor) IsProcessRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil && !s.handle.Killed()
}

// ProcessState returns a snapshot of the current state, or nil before any start.
func (s *Supervisor) ProcessState() *ProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil
	}
	return s.state.clone()
}

// ProcessName returns the current process name, or "" before any start.
func (s *Supervisor) ProcessName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return ""
	}
	return s.state.Name
}

// Done returns a channel closed once the current process has exited and its
// output has been drained. It returns nil when nothing has been started.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.done
}

// Logs returns the last n output lines of the current process.
func (s *Supervisor) Logs(n int) []string {
	entries := s.logs.Last(n)
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.String()
	}
	return lines
}

// Records lists processes persisted by this and earlier invocations.
func (s *Supervisor) Records() ([]store.Record, error) {
	return s.store.List()
}

// StopRecorded stops a process by name using its persisted record. If the
// process is the one this supervisor tracks, it is stopped via StopProcess.
func (s *Supervisor) StopRecorded(ctx context.Context, name string) error {
	if s.ProcessName() == name && s.IsProcessRunning() {
		return s.StopProcess(ctx)
	}

	rec, err := s.store.Get(name)
	if err != nil {
		return err
	}

	logger := s.logger.With("process", name, "pid", rec.PID)
	if err := driver.Terminate(ctx, rec.PID, rec.ProcStart, s.stopTimeout); err != nil {
		if !errors.Is(err, driver.ErrPIDReused) {
			return fmt.Errorf("stopping process %s: %w", name, err)
		}
		logger.Warn("recorded pid now belongs to another process, dropping record")
	} else {
		logger.Info("stopped recorded process")
	}

	if err := s.store.Delete(name); err != nil {
		return fmt.Errorf("removing record for %s: %w", name, err)
	}
	s.journal.Log(journal.Entry{Action: journal.ActionProcessStop, Process: name, PID: rec.PID})
	return nil
}
