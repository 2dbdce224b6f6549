package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Moves due task ids from the ready set to the in-flight set, scored by their
// visibility deadline.
var claimScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("ZADD", KEYS[2], ARGV[3], id)
end
return ids
`)

// Returns in-flight ids whose visibility deadline passed to the ready set.
var requeueScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("ZADD", KEYS[2], ARGV[1], id)
end
return #ids
`)

const DefaultPrefix = "messages:queue"

// Options configures a RedisQueue. HandlerTimeout bounds one Handle call;
// handlers keep running when the caller's context is cancelled, so a
// shutdown never aborts a send halfway.
type Options struct {
	Prefix         string
	Policy         RetryPolicy
	Visibility     time.Duration
	HandlerTimeout time.Duration
	Concurrency    int
	PollInterval   time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// RedisQueue is a durable delayed-task queue. Tasks wait in a sorted set
// scored by their not-before time; claimed tasks sit in an in-flight set until
// acked, and return to ready if their worker disappears.
type RedisQueue struct {
	rdb      redis.Cmdable
	ready    string
	inflight string
	payloads string
	opts     Options
	log      *slog.Logger
}

func NewRedisQueue(rdb redis.Cmdable, opts Options) *RedisQueue {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = DefaultRetryPolicy()
	}
	if opts.Visibility <= 0 {
		opts.Visibility = 2 * time.Minute
	}
	if opts.HandlerTimeout <= 0 || opts.HandlerTimeout >= opts.Visibility {
		opts.HandlerTimeout = opts.Visibility / 2
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &RedisQueue{
		rdb:      rdb,
		ready:    opts.Prefix + ":ready",
		inflight: opts.Prefix + ":inflight",
		payloads: opts.Prefix + ":tasks",
		opts:     opts,
		log:      log,
	}
}

// Enqueue stores a first-attempt task for messageID that becomes due at notBefore.
func (q *RedisQueue) Enqueue(ctx context.Context, messageID int64, notBefore time.Time) (Task, error) {
	t := Task{
		ID:         uuid.NewString(),
		MessageID:  messageID,
		Attempt:    1,
		EnqueuedAt: q.opts.Now().UTC(),
	}
	if err := q.schedule(ctx, t, notBefore, false); err != nil {
		return Task{}, fmt.Errorf("enqueue message %d: %w", messageID, err)
	}
	return t, nil
}

func (q *RedisQueue) schedule(ctx context.Context, t Task, at time.Time, fromInflight bool) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.payloads, t.ID, b)
		if fromInflight {
			pipe.ZRem(ctx, q.inflight, t.ID)
		}
		pipe.ZAdd(ctx, q.ready, redis.Z{Score: float64(at.UnixMilli()), Member: t.ID})
		return nil
	})
	return err
}

// Claim hands out up to limit due tasks, first returning abandoned in-flight
// tasks to the ready set.
func (q *RedisQueue) Claim(ctx context.Context, limit int) ([]Task, error) {
	now := q.opts.Now()

	recovered, err := requeueScript.Run(ctx, q.rdb, []string{q.inflight, q.ready}, now.UnixMilli()).Int()
	if err != nil {
		return nil, fmt.Errorf("requeue expired: %w", err)
	}
	if recovered > 0 {
		q.log.Warn("requeued abandoned tasks", "count", recovered)
	}

	deadline := now.Add(q.opts.Visibility).UnixMilli()
	ids, err := claimScript.Run(ctx, q.rdb, []string{q.ready, q.inflight}, now.UnixMilli(), limit, deadline).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := q.rdb.HMGet(ctx, q.payloads, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load payloads: %w", err)
	}

	tasks := make([]Task, 0, len(ids))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			q.log.Warn("dropping task without payload", "task_id", ids[i])
			_ = q.rdb.ZRem(ctx, q.inflight, ids[i]).Err()
			continue
		}
		var t Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			q.log.Error("dropping undecodable task", "task_id", ids[i], "error", err)
			_ = q.drop(ctx, ids[i])
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Ack removes a finished task for good.
func (q *RedisQueue) Ack(ctx context.Context, t Task) error {
	return q.drop(ctx, t.ID)
}

func (q *RedisQueue) drop(ctx context.Context, id string) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.inflight, id)
		pipe.HDel(ctx, q.payloads, id)
		return nil
	})
	return err
}

// Retry schedules the next attempt of t after delay.
func (q *RedisQueue) Retry(ctx context.Context, t Task, delay time.Duration) (Task, error) {
	next := t
	next.Attempt++
	if err := q.schedule(ctx, next, q.opts.Now().Add(delay), true); err != nil {
		return Task{}, fmt.Errorf("retry task %s: %w", t.ID, err)
	}
	return next, nil
}

// ProcessDue claims due tasks and runs them through h concurrently. It returns
// how many tasks were handled.
func (q *RedisQueue) ProcessDue(ctx context.Context, h Handler) (int, error) {
	tasks, err := q.Claim(ctx, q.opts.Concurrency)
	if err != nil {
		return 0, err
	}

	var g errgroup.Group
	g.SetLimit(q.opts.Concurrency)
	for _, t := range tasks {
		g.Go(func() error {
			return q.process(ctx, h, t)
		})
	}
	return len(tasks), g.Wait()
}

func (q *RedisQueue) process(parent context.Context, h Handler, t Task) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), q.opts.HandlerTimeout)
	defer cancel()

	err := safeHandle(ctx, h, t)
	if err == nil {
		return q.Ack(ctx, t)
	}

	if q.opts.Policy.Exhausted(t.Attempt) {
		q.log.Error("task exhausted its attempts",
			"task_id", t.ID,
			"message_id", t.MessageID,
			"attempt", t.Attempt,
			"error", err,
		)
		h.Failed(ctx, t, err)
		return q.Ack(ctx, t)
	}

	delay := q.opts.Policy.Delay(t.Attempt)
	if _, rerr := q.Retry(ctx, t, delay); rerr != nil {
		return rerr
	}
	q.log.Info("task scheduled for retry",
		"task_id", t.ID,
		"message_id", t.MessageID,
		"next_attempt", t.Attempt+1,
		"delay", delay.String(),
	)
	return nil
}

func safeHandle(ctx context.Context, h Handler, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return h.Handle(ctx, t)
}

// Run polls until ctx is done.
func (q *RedisQueue) Run(ctx context.Context, h Handler) error {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	q.log.Info("task queue worker started", "prefix", q.opts.Prefix, "concurrency", q.opts.Concurrency)

	for {
		for {
			n, err := q.ProcessDue(ctx, h)
			if err != nil && !errors.Is(err, context.Canceled) {
				q.log.Error("task queue poll failed", "error", err)
			}
			// Keep draining while full batches come back.
			if err != nil || n < q.opts.Concurrency || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			q.log.Info("task queue worker stopping")
			return nil
		case <-ticker.C:
		}
	}
}

type Stats struct {
	Ready    int64 `json:"ready"`
	InFlight int64 `json:"inFlight"`
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var readyCmd, inflightCmd *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		readyCmd = pipe.ZCard(ctx, q.ready)
		inflightCmd = pipe.ZCard(ctx, q.inflight)
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return Stats{Ready: readyCmd.Val(), InFlight: inflightCmd.Val()}, nil
}

// DueAt returns when a waiting task becomes due; false if it is not waiting.
func (q *RedisQueue) DueAt(ctx context.Context, taskID string) (time.Time, bool, error) {
	score, err := q.rdb.ZScore(ctx, q.ready, taskID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)), true, nil
}
