package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/message-dispatch/internal/cache"
	"github.com/LeventeLantos/message-dispatch/internal/client"
	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/queue"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
)

var testStart = time.Date(2026, 2, 2, 18, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: testStart} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type enqueued struct {
	messageID int64
	notBefore time.Time
}

type fakeEnqueuer struct {
	mu      sync.Mutex
	tasks   []enqueued
	failAt  int
	failErr error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, messageID int64, notBefore time.Time) (queue.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failErr != nil && len(f.tasks) == f.failAt {
		return queue.Task{}, f.failErr
	}
	f.tasks = append(f.tasks, enqueued{messageID: messageID, notBefore: notBefore})
	return queue.Task{MessageID: messageID, Attempt: 1}, nil
}

type sendCall struct {
	phone, content, key string
}

type fakeGateway struct {
	mu       sync.Mutex
	calls    []sendCall
	outcomes []client.Outcome
	errs     []error
}

func (g *fakeGateway) Send(_ context.Context, phone, content, key string) (client.Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	i := len(g.calls)
	g.calls = append(g.calls, sendCall{phone: phone, content: content, key: key})
	if i < len(g.errs) && g.errs[i] != nil {
		return client.Outcome{}, g.errs[i]
	}
	if i < len(g.outcomes) {
		return g.outcomes[i], nil
	}
	return client.Accepted("remote-default"), nil
}

func (g *fakeGateway) Calls() []sendCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sendCall(nil), g.calls...)
}

type fakeCache struct {
	mu     sync.Mutex
	stored map[int64]cache.SentInfo
	err    error
}

func (c *fakeCache) StoreSent(_ context.Context, id int64, remoteID string, sentAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.stored == nil {
		c.stored = make(map[int64]cache.SentInfo)
	}
	c.stored[id] = cache.SentInfo{RemoteMessageID: remoteID, SentAt: sentAt}
	return nil
}

func (c *fakeCache) LookupSent(_ context.Context, id int64) (cache.SentInfo, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.stored[id]
	return info, ok, nil
}

// racingRepo loses some claims to an imaginary concurrent pass.
type racingRepo struct {
	*repo.MemoryMessageRepo
	stolen []int64
}

func (r *racingRepo) Claim(ctx context.Context, ids []int64) (int, error) {
	if _, err := r.MemoryMessageRepo.Claim(ctx, r.stolen); err != nil {
		return 0, err
	}
	return r.MemoryMessageRepo.Claim(ctx, ids)
}

// blockingRepo parks ListPending until release is closed.
type blockingRepo struct {
	*repo.MemoryMessageRepo
	entered chan struct{}
	release chan struct{}
}

func (r *blockingRepo) ListPending(ctx context.Context, limit int) ([]model.Message, error) {
	close(r.entered)
	<-r.release
	return r.MemoryMessageRepo.ListPending(ctx, limit)
}

type failingRepo struct {
	*repo.MemoryMessageRepo
}

func (r *failingRepo) ListPending(context.Context, int) ([]model.Message, error) {
	return nil, errors.New("db down")
}

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}
