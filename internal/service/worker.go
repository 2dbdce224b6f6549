package service

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/LeventeLantos/message-dispatch/internal/cache"
	"github.com/LeventeLantos/message-dispatch/internal/client"
	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/queue"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
)

type Gateway interface {
	Send(ctx context.Context, phoneNumber, content, idempotencyKey string) (client.Outcome, error)
}

// Worker performs one send attempt per task. Permanent failures are settled
// here and return nil; only retryable ones are handed back to the queue.
type Worker struct {
	repo       repo.MessageRepository
	gateway    Gateway
	cache      cache.MessageCache
	contentMax int
	now        func() time.Time
	log        *slog.Logger
}

var _ queue.Handler = (*Worker)(nil)

// NewWorker builds a worker; c may be nil to skip the side cache.
func NewWorker(r repo.MessageRepository, gw Gateway, c cache.MessageCache, contentMax int, log *slog.Logger) (*Worker, error) {
	if contentMax <= 0 {
		return nil, errors.New("content max must be > 0")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		repo:       r,
		gateway:    gw,
		cache:      c,
		contentMax: contentMax,
		now:        time.Now,
		log:        log,
	}, nil
}

func (w *Worker) ValidContent(content string) bool {
	return utf8.RuneCountInString(content) <= w.contentMax
}

func (w *Worker) Handle(ctx context.Context, t queue.Task) error {
	log := w.log.With("message_id", t.MessageID, "task_id", t.ID, "attempt", t.Attempt)

	m, err := w.repo.FindByID(ctx, t.MessageID)
	if errors.Is(err, repo.ErrNotFound) {
		log.Warn("message no longer exists, dropping task")
		return nil
	}
	if err != nil {
		return err
	}

	if !model.CanTransition(m.Status, model.Sent) {
		sendResultsCounter.WithLabelValues("skipped").Inc()
		log.Info("message not in processing, skipping", "status", string(m.Status))
		return nil
	}

	if !w.ValidContent(m.Content) {
		sendResultsCounter.WithLabelValues("over_limit").Inc()
		log.Warn("message content exceeds character limit",
			"content_length", utf8.RuneCountInString(m.Content),
			"limit", w.contentMax,
		)
		return w.fail(ctx, m.ID, "over_limit")
	}

	start := time.Now()
	out, err := w.gateway.Send(ctx, m.RecipientPhone, m.Content, m.IdempotencyKey())
	webhookDurationHist.Observe(time.Since(start).Seconds())

	if err != nil {
		var se *client.SendError
		errors.As(err, &se)

		if client.IsRetryable(err) {
			sendResultsCounter.WithLabelValues("retryable").Inc()
			log.Warn("message send failed (will retry)", "error", err, "http_status", statusOf(se))
			return err
		}

		sendResultsCounter.WithLabelValues("client_error").Inc()
		log.Error("message send failed (client error)", "error", err, "http_status", statusOf(se))
		return w.fail(ctx, m.ID, "client_error")
	}

	if !out.Accepted {
		sendResultsCounter.WithLabelValues("rejected").Inc()
		log.Error("message send failed", "error", out.Reason)
		return w.fail(ctx, m.ID, "rejected")
	}

	// A failed write is retried; the idempotency key keeps the resend harmless.
	if _, err := w.repo.MarkSent(ctx, m.ID, out.RemoteMessageID); err != nil {
		return err
	}
	sendResultsCounter.WithLabelValues("sent").Inc()

	if w.cache != nil {
		if err := w.cache.StoreSent(ctx, m.ID, out.RemoteMessageID, w.now()); err != nil {
			log.Warn("failed to cache sent message", "error", err)
		}
	}

	log.Info("message sent successfully", "remote_message_id", out.RemoteMessageID)
	return nil
}

// Failed settles a task whose retries ran out. Only a message still
// processing is failed; one already settled or reset is left alone.
func (w *Worker) Failed(ctx context.Context, t queue.Task, cause error) {
	changed, err := w.repo.FailIfProcessing(ctx, t.MessageID)
	if err != nil {
		w.log.Error("failed to mark exhausted message as failed",
			"message_id", t.MessageID,
			"error", err,
		)
		return
	}
	if changed {
		messagesFailedCounter.WithLabelValues("exhausted").Inc()
	}
	w.log.Error("message send permanently failed",
		"message_id", t.MessageID,
		"attempts", t.Attempt,
		"error", cause,
		"marked_failed", changed,
	)
}

func (w *Worker) fail(ctx context.Context, id int64, reason string) error {
	if _, err := w.repo.MarkFailed(ctx, id); err != nil {
		return err
	}
	messagesFailedCounter.WithLabelValues(reason).Inc()
	return nil
}

func statusOf(se *client.SendError) int {
	if se == nil {
		return 0
	}
	return se.StatusCode
}
