package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/queue"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, messageID int64, notBefore time.Time) (queue.Task, error)
}

type DispatchConfig struct {
	BatchSize     int
	BatchInterval time.Duration
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{BatchSize: 2, BatchInterval: 5 * time.Second}
}

type DispatchResult struct {
	Dispatched int `json:"dispatched"`
	Claimed    int `json:"claimed"`
	Batches    int `json:"batches"`
}

// Dispatcher turns pending messages into delayed send tasks. Throughput is
// capped at BatchSize messages per BatchInterval by the delays it assigns.
type Dispatcher struct {
	repo  repo.MessageRepository
	queue Enqueuer
	cfg   DispatchConfig
	now   func() time.Time
	log   *slog.Logger
}

func NewDispatcher(r repo.MessageRepository, q Enqueuer, cfg DispatchConfig, log *slog.Logger) (*Dispatcher, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.New("batch size must be > 0")
	}
	if cfg.BatchInterval < 0 {
		return nil, errors.New("batch interval must be >= 0")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{repo: r, queue: q, cfg: cfg, now: time.Now, log: log}, nil
}

// BatchDelays returns the delay of each of n messages split into groups of
// size, group i waiting i*interval.
func BatchDelays(n, size int, interval time.Duration) []time.Duration {
	delays := make([]time.Duration, n)
	for i := range delays {
		delays[i] = time.Duration(i/size) * interval
	}
	return delays
}

// RunOnce claims up to limit pending messages and enqueues one task each.
// Claims lost to a concurrent pass only lower Claimed.
func (d *Dispatcher) RunOnce(ctx context.Context, limit int) (DispatchResult, error) {
	msgs, err := d.repo.ListPending(ctx, limit)
	if err != nil {
		return DispatchResult{}, err
	}
	if len(msgs) == 0 {
		return DispatchResult{}, nil
	}

	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}

	claimed, err := d.repo.Claim(ctx, ids)
	if err != nil {
		return DispatchResult{}, err
	}
	if claimed < len(ids) {
		d.log.Info("some messages were claimed elsewhere", "fetched", len(ids), "claimed", claimed)
	}

	start := d.now()
	delays := BatchDelays(len(msgs), d.cfg.BatchSize, d.cfg.BatchInterval)
	res := DispatchResult{Claimed: claimed}

	for i, m := range msgs {
		if _, err := d.queue.Enqueue(ctx, m.ID, start.Add(delays[i])); err != nil {
			// Whatever was claimed but not enqueued is recovered by the stale reset.
			res.Batches = batchCount(res.Dispatched, d.cfg.BatchSize)
			return res, fmt.Errorf("dispatch message %d: %w", m.ID, err)
		}
		res.Dispatched++
	}
	res.Batches = batchCount(res.Dispatched, d.cfg.BatchSize)

	messagesDispatchedCounter.Add(float64(res.Dispatched))
	d.log.Info("messages dispatched",
		"total", res.Dispatched,
		"claimed", res.Claimed,
		"batches", res.Batches,
	)
	return res, nil
}

func batchCount(n, size int) int {
	return (n + size - 1) / size
}
