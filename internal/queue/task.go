package queue

import (
	"context"
	"time"
)

// Task asks for one send attempt of a stored message. Attempt is 1-based and
// names the attempt being delivered.
type Task struct {
	ID         string    `json:"id"`
	MessageID  int64     `json:"messageId"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second},
	}
}

// Delay is the wait before the attempt that follows failed attempt n. The
// last backoff entry repeats when the budget outgrows the list.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.Backoff) {
		i = len(p.Backoff) - 1
	}
	return p.Backoff[i]
}

// Exhausted reports whether a failure of attempt n ends the task.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Handler executes tasks. Returning an error asks for a retry; Failed is
// called once when a task fails its last attempt.
type Handler interface {
	Handle(ctx context.Context, t Task) error
	Failed(ctx context.Context, t Task, err error)
}
