package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/message-dispatch/internal/lock"
	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
)

const testLockKey = "test:send:lock"

func newTestCoordinator(t *testing.T, r repo.MessageRepository, q Enqueuer, clk *clock) (*Coordinator, *lock.RedisLocker) {
	t.Helper()

	rdb, _ := newRedis(t)
	locker := lock.NewRedisLocker(rdb)
	d := newTestDispatcher(t, r, q, clk)
	c := NewCoordinator(locker, r, d, CoordinatorConfig{
		LockKey:               testLockKey,
		LockTimeout:           time.Minute,
		StaleThresholdMinutes: 5,
		DefaultLimit:          100,
	}, discardLogger())
	return c, locker
}

func TestNewCoordinator_Defaults(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(nil, nil, nil, CoordinatorConfig{}, nil)
	assert.Equal(t, DefaultCoordinatorConfig(), c.cfg)
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "running", Running.String())
}

func TestCoordinator_Run_DispatchesAndReleasesLock(t *testing.T) {
	t.Parallel()

	clk := newClock()
	r := repo.NewMemoryMessageRepo(clk.Now)
	seedPending(r, 5)
	q := &fakeEnqueuer{}
	c, locker := newTestCoordinator(t, r, q, clk)

	res, err := c.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Dispatched)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, Idle, c.State())

	lease, err := locker.TryAcquire(context.Background(), testLockKey, time.Minute)
	require.NoError(t, err, "lock must be free after a pass")
	_, _ = lease.Release(context.Background())
}

func TestCoordinator_Run_LockHeldTouchesNothing(t *testing.T) {
	t.Parallel()

	clk := newClock()
	r := repo.NewMemoryMessageRepo(clk.Now)
	msgs := seedPending(r, 3)
	q := &fakeEnqueuer{}
	c, locker := newTestCoordinator(t, r, q, clk)

	held, err := locker.TryAcquire(context.Background(), testLockKey, time.Minute)
	require.NoError(t, err)
	defer func() { _, _ = held.Release(context.Background()) }()

	res, err := c.Run(context.Background(), RunOptions{ResetStale: true, RetryFailed: true})
	require.ErrorIs(t, err, ErrPassInProgress)
	assert.Equal(t, RunResult{}, res)
	assert.Empty(t, q.tasks)

	for _, m := range msgs {
		got, err := r.FindByID(context.Background(), m.ID)
		require.NoError(t, err)
		assert.Equal(t, model.Pending, got.Status)
	}
}

func TestCoordinator_Run_ConcurrentPassesExcludeEachOther(t *testing.T) {
	t.Parallel()

	clk := newClock()
	mem := repo.NewMemoryMessageRepo(clk.Now)
	seedPending(mem, 4)
	r := &blockingRepo{
		MemoryMessageRepo: mem,
		entered:           make(chan struct{}),
		release:           make(chan struct{}),
	}
	q := &fakeEnqueuer{}
	c, _ := newTestCoordinator(t, r, q, clk)

	var (
		wg       sync.WaitGroup
		firstRes RunResult
		firstErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstRes, firstErr = c.Run(context.Background(), RunOptions{})
	}()

	<-r.entered
	assert.Equal(t, Running, c.State())

	_, err := c.Run(context.Background(), RunOptions{})
	require.ErrorIs(t, err, ErrPassInProgress)

	close(r.release)
	wg.Wait()

	require.NoError(t, firstErr)
	assert.Equal(t, 4, firstRes.Dispatched)
	assert.Len(t, q.tasks, 4)
	assert.Equal(t, Idle, c.State())
}

func TestCoordinator_Run_ResetOptions(t *testing.T) {
	t.Parallel()

	clk := newClock()
	r := repo.NewMemoryMessageRepo(clk.Now)

	stale := r.Add(model.Message{Content: "stale", Status: model.Processing})
	failed := r.Add(model.Message{Content: "failed", Status: model.Failed})
	clk.Advance(10 * time.Minute)
	fresh := r.Add(model.Message{Content: "fresh", Status: model.Processing})

	q := &fakeEnqueuer{}
	c, _ := newTestCoordinator(t, r, q, clk)

	res, err := c.Run(context.Background(), RunOptions{ResetStale: true, RetryFailed: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.StaleReset)
	assert.Equal(t, 1, res.FailedReset)
	assert.Equal(t, 2, res.Dispatched)

	var ids []int64
	for _, e := range q.tasks {
		ids = append(ids, e.messageID)
	}
	assert.ElementsMatch(t, []int64{stale.ID, failed.ID}, ids)

	got, err := r.FindByID(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Processing, got.Status)
}

func TestCoordinator_Run_WithoutResetOptionsLeavesFailedAlone(t *testing.T) {
	t.Parallel()

	clk := newClock()
	r := repo.NewMemoryMessageRepo(clk.Now)
	failed := r.Add(model.Message{Content: "failed", Status: model.Failed})
	c, _ := newTestCoordinator(t, r, &fakeEnqueuer{}, clk)

	res, err := c.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, res.FailedReset)

	got, err := r.FindByID(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Failed, got.Status)
}

func TestCoordinator_Run_ReleasesLockOnError(t *testing.T) {
	t.Parallel()

	clk := newClock()
	r := &failingRepo{MemoryMessageRepo: repo.NewMemoryMessageRepo(clk.Now)}
	c, locker := newTestCoordinator(t, r, &fakeEnqueuer{}, clk)

	_, err := c.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrPassInProgress))
	assert.Equal(t, Idle, c.State())

	lease, err := locker.TryAcquire(context.Background(), testLockKey, time.Minute)
	require.NoError(t, err)
	_, _ = lease.Release(context.Background())
}

func TestCoordinator_Run_ReleasesLockWhenContextCancelled(t *testing.T) {
	t.Parallel()

	clk := newClock()
	mem := repo.NewMemoryMessageRepo(clk.Now)
	seedPending(mem, 1)
	r := &blockingRepo{
		MemoryMessageRepo: mem,
		entered:           make(chan struct{}),
		release:           make(chan struct{}),
	}
	c, locker := newTestCoordinator(t, r, &fakeEnqueuer{}, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Run(ctx, RunOptions{})
	}()

	<-r.entered
	cancel()
	close(r.release)
	<-done

	lease, err := locker.TryAcquire(context.Background(), testLockKey, time.Minute)
	require.NoError(t, err)
	_, _ = lease.Release(context.Background())
}

func TestCoordinator_Run_ReportsLeaseLostMidPass(t *testing.T) {
	t.Parallel()

	clk := newClock()
	mem := repo.NewMemoryMessageRepo(clk.Now)
	seedPending(mem, 2)
	br := &blockingRepo{MemoryMessageRepo: mem, entered: make(chan struct{}), release: make(chan struct{})}

	rdb, mr := newRedis(t)
	locker := lock.NewRedisLocker(rdb)
	var logs bytes.Buffer
	c := NewCoordinator(locker, br, newTestDispatcher(t, br, &fakeEnqueuer{}, clk), CoordinatorConfig{
		LockKey:     testLockKey,
		LockTimeout: time.Minute,
	}, slog.New(slog.NewTextHandler(&logs, nil)))

	done := make(chan error, 1)
	go func() {
		_, err := c.Run(context.Background(), RunOptions{})
		done <- err
	}()

	<-br.entered
	mr.FastForward(2 * time.Minute)
	other, err := locker.TryAcquire(context.Background(), testLockKey, time.Minute)
	require.NoError(t, err)
	close(br.release)

	require.NoError(t, <-done)
	assert.Contains(t, logs.String(), "dispatch lock expired before the pass finished")
	assert.Contains(t, logs.String(), testLockKey)

	ok, err := other.Release(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "the newer holder keeps its lease")
}
