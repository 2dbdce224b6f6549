package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/lock"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
)

var ErrPassInProgress = errors.New("another dispatch pass is running")

type State int32

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

type CoordinatorConfig struct {
	LockKey               string
	LockTimeout           time.Duration
	StaleThresholdMinutes int
	DefaultLimit          int
}

func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		LockKey:               "messages:send:lock",
		LockTimeout:           300 * time.Second,
		StaleThresholdMinutes: 5,
		DefaultLimit:          100,
	}
}

type RunOptions struct {
	Limit       int
	ResetStale  bool
	RetryFailed bool
}

type RunResult struct {
	DispatchResult
	StaleReset  int `json:"staleReset"`
	FailedReset int `json:"failedReset"`
}

// Coordinator runs at most one dispatch pass at a time across every process
// sharing the lock store.
type Coordinator struct {
	locker     *lock.RedisLocker
	repo       repo.MessageRepository
	dispatcher *Dispatcher
	cfg        CoordinatorConfig
	state      atomic.Int32
	log        *slog.Logger
}

func NewCoordinator(l *lock.RedisLocker, r repo.MessageRepository, d *Dispatcher, cfg CoordinatorConfig, log *slog.Logger) *Coordinator {
	def := DefaultCoordinatorConfig()
	if cfg.LockKey == "" {
		cfg.LockKey = def.LockKey
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	if cfg.StaleThresholdMinutes <= 0 {
		cfg.StaleThresholdMinutes = def.StaleThresholdMinutes
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{locker: l, repo: r, dispatcher: d, cfg: cfg, log: log}
}

// State reports whether this process is inside a pass.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Run performs one pass. It returns ErrPassInProgress without touching any
// message when another pass holds the lock.
func (c *Coordinator) Run(ctx context.Context, opts RunOptions) (res RunResult, err error) {
	lease, err := c.locker.TryAcquire(ctx, c.cfg.LockKey, c.cfg.LockTimeout)
	if errors.Is(err, lock.ErrLocked) {
		dispatchPassesCounter.WithLabelValues("locked").Inc()
		c.log.Warn("another instance is already running", "lock_key", c.cfg.LockKey)
		return RunResult{}, ErrPassInProgress
	}
	if err != nil {
		dispatchPassesCounter.WithLabelValues("error").Inc()
		return RunResult{}, err
	}

	c.state.Store(int32(Running))
	defer func() {
		c.state.Store(int32(Idle))
		// Release even when ctx was cancelled mid-pass.
		released, rerr := lease.Release(context.WithoutCancel(ctx))
		switch {
		case rerr != nil:
			c.log.Error("failed to release dispatch lock", "lock_key", lease.Key(), "error", rerr)
			if err == nil {
				err = rerr
			}
		case !released:
			c.log.Warn("dispatch lock expired before the pass finished", "lock_key", lease.Key())
		}
		if err != nil {
			dispatchPassesCounter.WithLabelValues("error").Inc()
		} else {
			dispatchPassesCounter.WithLabelValues("completed").Inc()
		}
	}()

	if opts.ResetStale {
		n, err := c.repo.ResetStale(ctx, c.cfg.StaleThresholdMinutes)
		if err != nil {
			return res, fmt.Errorf("reset stale: %w", err)
		}
		res.StaleReset = n
		if n > 0 {
			messagesResetCounter.WithLabelValues("processing").Add(float64(n))
			c.log.Info("reset stale messages back to pending", "count", n)
		}
	}

	if opts.RetryFailed {
		n, err := c.repo.ResetFailed(ctx)
		if err != nil {
			return res, fmt.Errorf("retry failed: %w", err)
		}
		res.FailedReset = n
		if n > 0 {
			messagesResetCounter.WithLabelValues("failed").Add(float64(n))
			c.log.Info("reset failed messages for retry", "count", n)
		}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = c.cfg.DefaultLimit
	}

	dr, err := c.dispatcher.RunOnce(ctx, limit)
	res.DispatchResult = dr
	if err != nil {
		return res, err
	}
	return res, nil
}
