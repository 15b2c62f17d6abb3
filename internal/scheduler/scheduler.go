// Package scheduler drives periodic evaluation of a tick action against the
// supervised process. Consecutive failures are counted; once they reach the
// retry bound the scheduler stops itself and evaluates an error handler
// action exactly once.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/benaskins/aosup/internal/config"
	"github.com/benaskins/aosup/internal/supervisor"
)

// ErrAlreadyRunning is returned by Start when the scheduler is running.
var ErrAlreadyRunning = errors.New("scheduler already running")

// Evaluator runs an action against the process. *supervisor.Supervisor
// satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, req supervisor.EvalRequest) (*supervisor.Message, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, req supervisor.EvalRequest) (*supervisor.Message, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, req supervisor.EvalRequest) (*supervisor.Message, error) {
	return f(ctx, req)
}

// Config controls tick cadence and escalation.
type Config struct {
	Interval     time.Duration // time between ticks; also the per-tick timeout
	TickAction   string
	MaxRetries   int // consecutive failures before escalation
	ErrorHandler string
}

// ConfigFrom maps the project schedule section.
func ConfigFrom(s config.Schedule) Config {
	s = s.WithDefaults()
	return Config{
		Interval:     s.Interval.Duration,
		TickAction:   s.TickAction,
		MaxRetries:   s.MaxRetries,
		ErrorHandler: s.ErrorHandler,
	}
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = config.DefaultTickInterval
	}
	if c.TickAction == "" {
		c.TickAction = config.DefaultTickAction
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = config.DefaultMaxRetries
	}
	if c.ErrorHandler == "" {
		c.ErrorHandler = config.DefaultErrorHandler
	}
	return c
}

// Scheduler is Idle until Start and returns to Idle on Stop or escalation.
type Scheduler struct {
	eval       Evaluator
	cfg        Config
	logger     *slog.Logger
	onEscalate func(action string, cause error)

	inFlight atomic.Bool
	skipLog  rate.Sometimes

	mu       sync.Mutex
	running  bool
	gen      uint64
	failures int
	cancel   context.CancelFunc
	done     chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// OnEscalate is called after the error handler has been evaluated.
func OnEscalate(fn func(action string, cause error)) Option {
	return func(s *Scheduler) {
		s.onEscalate = fn
	}
}

// New creates an idle scheduler. Zero config fields take their defaults.
func New(eval Evaluator, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		eval:    eval,
		cfg:     cfg.withDefaults(),
		logger:  slog.With("component", "scheduler"),
		skipLog: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Start begins ticking. Evaluations run under ctx; Stop ends the loop but
// does not cancel an evaluation already in flight.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.gen++
	s.failures = 0
	s.cancel = cancel
	s.done = make(chan struct{})

	s.logger.Info("scheduler started",
		"interval", s.cfg.Interval,
		"action", s.cfg.TickAction,
		"max_retries", s.cfg.MaxRetries,
	)
	go s.loop(loopCtx, ctx, s.gen, s.done)
	return nil
}

// Stop cancels future ticks and resets the failure counter. It is a no-op
// when the scheduler is idle.
func (s *Scheduler) Stop() {
	s.stopRun(0)
}

// stopRun stops the scheduler if gen is the active run, or whatever run is
// active when gen is 0. It reports whether a run was stopped.
func (s *Scheduler) stopRun(gen uint64) bool {
	s.mu.Lock()
	if !s.running || (gen != 0 && s.gen != gen) {
		s.mu.Unlock()
		return false
	}
	s.running = false
	s.failures = 0
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("scheduler stopped")
	return true
}

// IsRunning reports whether the scheduler is ticking.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Failures returns the current count of consecutive failed ticks.
func (s *Scheduler) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

func (s *Scheduler) loop(loopCtx, evalCtx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.fire(evalCtx, gen)
		case <-loopCtx.Done():
			return
		}
	}
}

// fire starts a tick unless the previous one is still running.
func (s *Scheduler) fire(ctx context.Context, gen uint64) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.skipLog.Do(func() {
			s.logger.Debug("tick skipped, previous evaluation still in flight", "action", s.cfg.TickAction)
		})
		return
	}
	go func() {
		defer s.inFlight.Store(false)
		s.tick(ctx, gen)
	}()
}

func (s *Scheduler) tick(ctx context.Context, gen uint64) {
	tickCtx, cancel := context.WithTimeout(ctx, s.cfg.Interval)
	defer cancel()

	_, err := s.eval.Evaluate(tickCtx, supervisor.EvalRequest{
		Action:  s.cfg.TickAction,
		Await:   true,
		Timeout: s.cfg.Interval,
	})

	s.mu.Lock()
	// Results from a run that has since been stopped are discarded.
	if !s.running || s.gen != gen {
		s.mu.Unlock()
		return
	}
	if err == nil {
		s.failures = 0
		s.mu.Unlock()
		return
	}
	s.failures++
	failures := s.failures
	s.mu.Unlock()

	s.logger.Warn("tick failed",
		"action", s.cfg.TickAction,
		"error", err,
		"consecutive_fails", failures,
		"max_retries", s.cfg.MaxRetries,
	)

	if failures >= s.cfg.MaxRetries {
		s.escalate(ctx, gen, err)
	}
}

// escalate stops run gen and evaluates the error handler once. A run that
// was already replaced by a later Start is left alone.
func (s *Scheduler) escalate(ctx context.Context, gen uint64, cause error) {
	if !s.stopRun(gen) {
		return
	}
	s.logger.Error("tick retries exhausted, escalating",
		"action", s.cfg.TickAction,
		"handler", s.cfg.ErrorHandler,
		"error", cause,
	)

	handlerCtx, cancel := context.WithTimeout(ctx, s.cfg.Interval)
	defer cancel()
	if _, err := s.eval.Evaluate(handlerCtx, supervisor.EvalRequest{
		Action: s.cfg.ErrorHandler,
		Data:   cause.Error(),
	}); err != nil {
		s.logger.Error("error handler failed", "handler", s.cfg.ErrorHandler, "error", err)
	}

	if s.onEscalate != nil {
		s.onEscalate(s.cfg.ErrorHandler, cause)
	}
}
