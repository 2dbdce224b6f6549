package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/service"
)

// Runner performs one dispatch pass.
type Runner interface {
	Run(ctx context.Context, opts service.RunOptions) (service.RunResult, error)
}

// Status is a snapshot of the periodic trigger.
type Status struct {
	Running    bool               `json:"running"`
	Interval   string             `json:"interval"`
	Passes     int64              `json:"passes"`
	Skipped    int64              `json:"skipped"`
	LastRunAt  *time.Time         `json:"lastRunAt,omitempty"`
	LastResult *service.RunResult `json:"lastResult,omitempty"`
	LastError  string             `json:"lastError,omitempty"`
}

// Scheduler triggers a dispatch pass on a fixed interval. A pass that finds
// the lock taken is counted as skipped, never queued.
type Scheduler struct {
	interval time.Duration
	runner   Runner
	opts     service.RunOptions
	log      *slog.Logger

	running atomic.Bool
	passes  atomic.Int64
	skipped atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	lastMu     sync.Mutex
	lastRunAt  time.Time
	lastResult *service.RunResult
	lastErr    error
}

func New(interval time.Duration, runner Runner, opts service.RunOptions, log *slog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if runner == nil {
		return nil, errors.New("runner must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		interval: interval,
		runner:   runner,
		opts:     opts,
		log:      log,
		done:     make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.Info("scheduler started", "interval", s.interval.String())

		s.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				s.log.Info("scheduler stopping")
				return
			case <-ticker.C:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

// Stop cancels the loop and waits for an in-flight pass to return.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.log.Info("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) Status() Status {
	st := Status{
		Running:  s.running.Load(),
		Interval: s.interval.String(),
		Passes:   s.passes.Load(),
		Skipped:  s.skipped.Load(),
	}

	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	if !s.lastRunAt.IsZero() {
		at := s.lastRunAt
		st.LastRunAt = &at
	}
	if s.lastResult != nil {
		res := *s.lastResult
		st.LastResult = &res
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler tick panic recovered", "panic", r)
		}
	}()

	start := time.Now()
	res, err := s.runner.Run(ctx, s.opts)

	if errors.Is(err, service.ErrPassInProgress) {
		s.skipped.Add(1)
		s.log.Info("scheduler tick skipped, pass already in progress")
		return
	}

	s.passes.Add(1)
	s.lastMu.Lock()
	s.lastRunAt = start
	s.lastResult = &res
	s.lastErr = err
	s.lastMu.Unlock()

	if err != nil {
		s.log.Error("scheduler tick failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	s.log.Info("scheduler tick completed",
		"dispatched", res.Dispatched,
		"batches", res.Batches,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
