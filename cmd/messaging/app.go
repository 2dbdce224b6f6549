package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/message-dispatch/internal/cache"
	"github.com/LeventeLantos/message-dispatch/internal/client"
	"github.com/LeventeLantos/message-dispatch/internal/config"
	"github.com/LeventeLantos/message-dispatch/internal/lock"
	"github.com/LeventeLantos/message-dispatch/internal/queue"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
	"github.com/LeventeLantos/message-dispatch/internal/service"
)

// app holds the wired pipeline shared by every command.
type app struct {
	cfg *config.Config
	log *slog.Logger

	pool *pgxpool.Pool
	rdb  *redis.Client

	repo        *repo.PostgresMessageRepo
	queue       *queue.RedisQueue
	cache       *cache.RedisCache
	worker      *service.Worker
	coordinator *service.Coordinator
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	a := &app{cfg: cfg, log: log, pool: pool, rdb: rdb}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg

	a.repo = repo.NewPostgresMessageRepo(a.pool)
	a.cache = cache.NewRedisCache(a.rdb, cfg.Redis.CachePrefix, cfg.Redis.TTL)
	a.queue = queue.NewRedisQueue(a.rdb, queue.Options{
		Prefix: cfg.Queue.Prefix,
		Policy: queue.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff:     cfg.Retry.Backoff,
		},
		Visibility:     cfg.Queue.Visibility,
		HandlerTimeout: cfg.HandlerTimeout(),
		Concurrency:    cfg.Queue.Concurrency,
		PollInterval:   cfg.Queue.PollInterval,
		Logger:         a.log.With("component", "queue"),
	})

	gateway := client.NewWebhookClient(cfg.Webhook.URL,
		client.WithAuthKey(cfg.Webhook.AuthKey),
		client.WithTimeout(cfg.Webhook.Timeout),
	)

	worker, err := service.NewWorker(a.repo, gateway, a.cache, cfg.Webhook.ContentMax, a.log.With("component", "worker"))
	if err != nil {
		return err
	}
	a.worker = worker

	dispatcher, err := service.NewDispatcher(a.repo, a.queue, service.DispatchConfig{
		BatchSize:     cfg.Scheduler.BatchSize,
		BatchInterval: cfg.Scheduler.BatchInterval,
	}, a.log.With("component", "dispatcher"))
	if err != nil {
		return err
	}

	a.coordinator = service.NewCoordinator(lock.NewRedisLocker(a.rdb), a.repo, dispatcher, service.CoordinatorConfig{
		LockKey:               cfg.Lock.Key,
		LockTimeout:           cfg.Lock.Timeout,
		StaleThresholdMinutes: cfg.Scheduler.StaleThreshold,
		DefaultLimit:          cfg.Scheduler.Limit,
	}, a.log.With("component", "coordinator"))
	return nil
}

func (a *app) pingRedis(ctx context.Context) error {
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (a *app) Close() {
	if err := a.rdb.Close(); err != nil {
		a.log.Warn("failed to close redis client", "error", err)
	}
	a.pool.Close()
}
