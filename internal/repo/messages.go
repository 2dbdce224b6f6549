package repo

import (
	"context"
	"errors"

	"github.com/LeventeLantos/message-dispatch/internal/model"
)

var ErrNotFound = errors.New("message not found")

// MessageRepository is the message store. Every method is atomic against
// concurrent callers; conditional updates report how many rows moved and
// never fail on zero.
type MessageRepository interface {
	// ListPending returns up to limit pending messages, oldest first.
	ListPending(ctx context.Context, limit int) ([]model.Message, error)
	// Claim moves the given ids from pending to processing and returns how many moved.
	Claim(ctx context.Context, ids []int64) (int, error)
	MarkSent(ctx context.Context, id int64, remoteMessageID string) (bool, error)
	MarkFailed(ctx context.Context, id int64) (bool, error)
	// FailIfProcessing marks the message failed only if it is still processing.
	FailIfProcessing(ctx context.Context, id int64) (bool, error)
	ResetStale(ctx context.Context, thresholdMinutes int) (int, error)
	ResetFailed(ctx context.Context) (int, error)
	FindByID(ctx context.Context, id int64) (model.Message, error)
	// ListSent pages through sent messages, newest first, and returns the total count.
	ListSent(ctx context.Context, page, pageSize int) ([]model.Message, int, error)
}
