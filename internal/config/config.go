package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Webhook   WebhookConfig
	Lock      LockConfig
	Retry     RetryConfig
	Queue     QueueConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	TTL         time.Duration
	CachePrefix string
}

type SchedulerConfig struct {
	Interval       time.Duration
	BatchSize      int
	BatchInterval  time.Duration
	Limit          int
	ResetStale     bool
	StaleThreshold int // minutes
}

type WebhookConfig struct {
	URL        string
	AuthKey    string
	Timeout    time.Duration
	ContentMax int
}

type LockConfig struct {
	Key     string
	Timeout time.Duration
}

type RetryConfig struct {
	MaxAttempts int
	Backoff     []time.Duration
}

type QueueConfig struct {
	Prefix       string
	PollInterval time.Duration
	Concurrency  int
	Visibility   time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// LoadAll reads the environment and reports every invalid or missing key at
// once.
func LoadAll() (*Config, error) {
	var errs []error

	str := func(key string) string {
		v, err := requireEnv(key)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	num := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	secs := func(key string, def int) time.Duration {
		return time.Duration(num(key, def)) * time.Second
	}
	flag := func(key string, def bool) bool {
		v, err := getEnvBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: str("POSTGRES_URL"),
		},
		Webhook: WebhookConfig{
			URL:        str("WEBHOOK_URL"),
			AuthKey:    os.Getenv("WEBHOOK_AUTH_KEY"),
			Timeout:    secs("WEBHOOK_TIMEOUT_SECONDS", 30),
			ContentMax: num("CONTENT_MAX", 160),
		},
		Scheduler: SchedulerConfig{
			Interval:       secs("SCHED_INTERVAL_SECONDS", 120),
			BatchSize:      num("SCHED_BATCH_SIZE", 2),
			BatchInterval:  secs("SCHED_BATCH_INTERVAL_SECONDS", 5),
			Limit:          num("SCHED_LIMIT", 100),
			ResetStale:     flag("SCHED_RESET_STALE", false),
			StaleThreshold: num("STALE_THRESHOLD_MINUTES", 5),
		},
		Redis: RedisConfig{
			Address:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password:    os.Getenv("REDIS_PASSWORD"),
			DB:          num("REDIS_DB", 0),
			TTL:         secs("REDIS_TTL_SECONDS", 86400),
			CachePrefix: getEnv("CACHE_PREFIX", "message"),
		},
		Lock: LockConfig{
			Key:     getEnv("LOCK_KEY", "messages:send:lock"),
			Timeout: secs("LOCK_TIMEOUT_SECONDS", 300),
		},
		Retry: RetryConfig{
			MaxAttempts: num("RETRY_MAX_ATTEMPTS", 3),
		},
		Queue: QueueConfig{
			Prefix:       getEnv("QUEUE_PREFIX", "messages:queue"),
			PollInterval: time.Duration(num("QUEUE_POLL_MS", 500)) * time.Millisecond,
			Concurrency:  num("QUEUE_CONCURRENCY", 4),
			Visibility:   secs("QUEUE_VISIBILITY_SECONDS", 120),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	backoff, err := getEnvDurations("RETRY_BACKOFF_SECONDS", "10,30,60", time.Second)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Retry.Backoff = backoff

	errs = append(errs, validate(cfg)...)
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) []error {
	var errs []error
	positive := func(key string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}

	positive("SCHED_BATCH_SIZE", int64(cfg.Scheduler.BatchSize))
	positive("SCHED_INTERVAL_SECONDS", int64(cfg.Scheduler.Interval))
	positive("SCHED_LIMIT", int64(cfg.Scheduler.Limit))
	positive("STALE_THRESHOLD_MINUTES", int64(cfg.Scheduler.StaleThreshold))
	positive("CONTENT_MAX", int64(cfg.Webhook.ContentMax))
	positive("WEBHOOK_TIMEOUT_SECONDS", int64(cfg.Webhook.Timeout))
	positive("REDIS_TTL_SECONDS", int64(cfg.Redis.TTL))
	positive("LOCK_TIMEOUT_SECONDS", int64(cfg.Lock.Timeout))
	positive("RETRY_MAX_ATTEMPTS", int64(cfg.Retry.MaxAttempts))
	positive("QUEUE_POLL_MS", int64(cfg.Queue.PollInterval))
	positive("QUEUE_CONCURRENCY", int64(cfg.Queue.Concurrency))
	positive("QUEUE_VISIBILITY_SECONDS", int64(cfg.Queue.Visibility))

	if cfg.Scheduler.BatchInterval < 0 {
		errs = append(errs, errors.New("SCHED_BATCH_INTERVAL_SECONDS must be >= 0"))
	}
	if cfg.Queue.Visibility <= cfg.HandlerTimeout() {
		errs = append(errs, fmt.Errorf("QUEUE_VISIBILITY_SECONDS must exceed the handler timeout (%s)", cfg.HandlerTimeout()))
	}

	// A periodic stale reset must never catch a message whose task is still queued.
	if cfg.Scheduler.ResetStale && len(errs) == 0 {
		threshold := time.Duration(cfg.Scheduler.StaleThreshold) * time.Minute
		if worst := cfg.MaxQueueTime(); worst >= threshold {
			errs = append(errs, fmt.Errorf(
				"SCHED_RESET_STALE needs STALE_THRESHOLD_MINUTES above the worst-case queue time %s (limit %d, batch %d every %s, %d attempts)",
				worst, cfg.Scheduler.Limit, cfg.Scheduler.BatchSize, cfg.Scheduler.BatchInterval, cfg.Retry.MaxAttempts,
			))
		}
	}
	return errs
}

// HandlerTimeout bounds one send attempt: the webhook call plus the store
// writes around it.
func (c *Config) HandlerTimeout() time.Duration {
	return c.Webhook.Timeout + handlerSlack
}

const handlerSlack = 10 * time.Second

// MaxQueueTime is the longest a claimed message can stay processing before
// its last attempt ends: the delay of the final batch, every retry backoff
// and every attempt running to its timeout.
func (c *Config) MaxQueueTime() time.Duration {
	s := c.Scheduler
	batches := (s.Limit + s.BatchSize - 1) / s.BatchSize
	total := time.Duration(batches-1) * s.BatchInterval

	for n := 1; n < c.Retry.MaxAttempts; n++ {
		total += retryDelay(c.Retry.Backoff, n)
	}
	return total + time.Duration(c.Retry.MaxAttempts)*c.HandlerTimeout()
}

// retryDelay mirrors the queue's policy: the last entry repeats.
func retryDelay(backoff []time.Duration, attempt int) time.Duration {
	if len(backoff) == 0 {
		return 0
	}
	return backoff[min(attempt-1, len(backoff)-1)]
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid bool for env %s: %s", key, v)
	}
	return b, nil
}

// getEnvDurations parses a comma separated list of positive integers in unit.
func getEnvDurations(key, def string, unit time.Duration) ([]time.Duration, error) {
	raw := getEnv(key, def)

	var out []time.Duration
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid entry for env %s: %q", key, part)
		}
		out = append(out, time.Duration(n)*unit)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s must list at least one delay", key)
	}
	return out, nil
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
