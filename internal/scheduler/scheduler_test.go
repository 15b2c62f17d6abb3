package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benaskins/aosup/internal/config"
	"github.com/benaskins/aosup/internal/supervisor"
)

var errTick = errors.New("tick failed")

// recorder counts evaluations per action and replies from a script of
// tick results. Once the script runs out the last result repeats.
type recorder struct {
	mu      sync.Mutex
	calls   map[string]int
	script  []error
	handler []supervisor.EvalRequest
}

func newRecorder(script ...error) *recorder {
	return &recorder{calls: make(map[string]int), script: script}
}

func (r *recorder) Evaluate(ctx context.Context, req supervisor.EvalRequest) (*supervisor.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[req.Action]++
	if req.Action != "tick" {
		r.handler = append(r.handler, req)
		return nil, nil
	}
	if len(r.script) == 0 {
		return &supervisor.Message{ID: "ok"}, nil
	}
	err := r.script[0]
	if len(r.script) > 1 {
		r.script = r.script[1:]
	}
	return nil, err
}

func (r *recorder) count(action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[action]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() Config {
	return Config{Interval: 5 * time.Millisecond, MaxRetries: 3}
}

func TestEscalatesAfterMaxRetries(t *testing.T) {
	rec := newRecorder(errTick)
	var escalated []string
	var escMu sync.Mutex
	s := New(rec, fastConfig(), WithLogger(quietLogger()), OnEscalate(func(action string, cause error) {
		escMu.Lock()
		defer escMu.Unlock()
		escalated = append(escalated, action)
		assert.ErrorIs(t, cause, errTick)
	}))

	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return rec.count(config.DefaultErrorHandler) == 1
	}, time.Second, time.Millisecond)

	// No further ticks once escalated.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 3, rec.count("tick"))
	assert.Equal(t, 1, rec.count(config.DefaultErrorHandler))
	assert.False(t, s.IsRunning())
	assert.Equal(t, 0, s.Failures())

	escMu.Lock()
	assert.Equal(t, []string{config.DefaultErrorHandler}, escalated)
	escMu.Unlock()

	rec.mu.Lock()
	require.Len(t, rec.handler, 1)
	assert.Equal(t, errTick.Error(), rec.handler[0].Data)
	rec.mu.Unlock()
}

func TestSuccessResetsFailures(t *testing.T) {
	// Two failures, a success, then failures until escalation.
	rec := newRecorder(errTick, errTick, nil, errTick)
	s := New(rec, fastConfig(), WithLogger(quietLogger()))

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		return rec.count(config.DefaultErrorHandler) == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, 6, rec.count("tick"))
	assert.False(t, s.IsRunning())
}

func TestStartTwiceFails(t *testing.T) {
	s := New(newRecorder(), fastConfig(), WithLogger(quietLogger()))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.True(t, s.IsRunning())

	// A single Stop fully idles the scheduler.
	s.Stop()
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Start(context.Background()))
}

func TestStopHaltsTicks(t *testing.T) {
	rec := newRecorder()
	s := New(rec, fastConfig(), WithLogger(quietLogger()))

	s.Stop() // idle no-op

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return rec.count("tick") >= 2 }, time.Second, time.Millisecond)
	s.Stop()

	// Allow any tick that was already in flight to land.
	time.Sleep(10 * time.Millisecond)
	n := rec.count("tick")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, rec.count("tick"))
	assert.False(t, s.IsRunning())
}

func TestStopResetsFailures(t *testing.T) {
	rec := newRecorder(errTick)
	s := New(rec, Config{Interval: 5 * time.Millisecond, MaxRetries: 1000}, WithLogger(quietLogger()))

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.Failures() >= 2 }, time.Second, time.Millisecond)
	s.Stop()
	assert.Equal(t, 0, s.Failures())
}

func TestEscalationLeavesNewerRunAlone(t *testing.T) {
	rec := newRecorder()
	s := New(rec, Config{Interval: time.Hour}, WithLogger(quietLogger()))

	require.NoError(t, s.Start(context.Background()))
	s.mu.Lock()
	stale := s.gen
	s.mu.Unlock()
	s.Stop()

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	s.escalate(context.Background(), stale, errTick)
	assert.True(t, s.IsRunning())
	assert.Equal(t, 0, rec.count(config.DefaultErrorHandler))
}

func TestInFlightTickIsNotOverlapped(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	eval := EvaluatorFunc(func(ctx context.Context, req supervisor.EvalRequest) (*supervisor.Message, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return nil, nil
	})

	s := New(eval, fastConfig(), WithLogger(quietLogger()))
	require.NoError(t, s.Start(context.Background()))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()

	s.Stop()
	close(release)
}

func TestStopDoesNotCancelInFlightTick(t *testing.T) {
	started := make(chan struct{})
	probe := make(chan chan error)
	eval := EvaluatorFunc(func(ctx context.Context, req supervisor.EvalRequest) (*supervisor.Message, error) {
		close(started)
		reply := <-probe
		reply <- ctx.Err()
		return nil, nil
	})

	s := New(eval, Config{Interval: 200 * time.Millisecond}, WithLogger(quietLogger()))
	require.NoError(t, s.Start(context.Background()))

	<-started
	s.Stop()

	reply := make(chan error)
	probe <- reply
	assert.NoError(t, <-reply)
}

func TestTickRequestShape(t *testing.T) {
	got := make(chan supervisor.EvalRequest, 1)
	eval := EvaluatorFunc(func(ctx context.Context, req supervisor.EvalRequest) (*supervisor.Message, error) {
		select {
		case got <- req:
		default:
		}
		return nil, nil
	})

	cfg := Config{Interval: 5 * time.Millisecond, TickAction: "Cron-Tick"}
	s := New(eval, cfg, WithLogger(quietLogger()))
	require.NoError(t, s.Start(context.Background()))
	req := <-got
	s.Stop()

	assert.Equal(t, "Cron-Tick", req.Action)
	assert.True(t, req.Await)
	assert.Equal(t, 5*time.Millisecond, req.Timeout)
}

func TestConfigDefaults(t *testing.T) {
	s := New(newRecorder(), Config{})
	cfg := s.Config()
	assert.Equal(t, config.DefaultTickInterval, cfg.Interval)
	assert.Equal(t, config.DefaultTickAction, cfg.TickAction)
	assert.Equal(t, config.DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, config.DefaultErrorHandler, cfg.ErrorHandler)

	fromFile := ConfigFrom(config.Schedule{
		Interval:   config.Duration{Duration: 2 * time.Second},
		MaxRetries: 5,
	})
	assert.Equal(t, 2*time.Second, fromFile.Interval)
	assert.Equal(t, 5, fromFile.MaxRetries)
	assert.Equal(t, config.DefaultTickAction, fromFile.TickAction)
}
