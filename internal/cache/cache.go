package cache

import (
	"context"
	"time"
)

// SentInfo is the short-lived record written after a confirmed send.
type SentInfo struct {
	RemoteMessageID string    `json:"remoteMessageId"`
	SentAt          time.Time `json:"sentAt"`
}

type MessageCache interface {
	StoreSent(ctx context.Context, internalID int64, remoteMessageID string, sentAt time.Time) error
	// LookupSent returns false when no entry exists or it has expired.
	LookupSent(ctx context.Context, internalID int64) (SentInfo, bool, error)
}
