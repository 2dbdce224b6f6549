package model

import (
	"fmt"
	"time"
)

type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Sent       Status = "sent"
	Failed     Status = "failed"
)

// transitions lists every edge of the message lifecycle.
var transitions = map[Status][]Status{
	Pending:    {Processing},
	Processing: {Sent, Failed, Pending},
	Failed:     {Pending},
}

func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown message status %q", raw)
	}
	return s, nil
}

func (s Status) Valid() bool {
	switch s {
	case Pending, Processing, Sent, Failed:
		return true
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == Sent || s == Failed
}

func (s Status) Label() string {
	switch s {
	case Pending:
		return "Pending"
	case Processing:
		return "Processing"
	case Sent:
		return "Sent"
	case Failed:
		return "Failed"
	}
	return "Unknown"
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Message struct {
	ID              int64
	RecipientPhone  string
	Content         string
	Status          Status
	RemoteMessageID *string
	SentAt          *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IdempotencyKey is stable for a record across every send attempt.
func (m Message) IdempotencyKey() string {
	return IdempotencyKey(m.ID, m.CreatedAt)
}

func IdempotencyKey(id int64, createdAt time.Time) string {
	return fmt.Sprintf("msg_%d_%d", id, createdAt.Unix())
}
