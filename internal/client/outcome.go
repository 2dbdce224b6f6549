package client

import "fmt"

const (
	ReasonMissingMessageID = "missing remoteMessageId"
	ReasonUnexpectedStatus = "unexpected status"
)

// Outcome is the non-exceptional result of a send: the remote either took the
// message and returned an id, or answered but reported it unusable.
type Outcome struct {
	Accepted        bool
	RemoteMessageID string
	Reason          string
}

func Accepted(remoteMessageID string) Outcome {
	return Outcome{Accepted: true, RemoteMessageID: remoteMessageID}
}

func Rejected(reason string) Outcome {
	return Outcome{Reason: reason}
}

type Kind int

const (
	KindClient Kind = iota + 1
	KindServer
	KindConnection
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindServer:
		return "server"
	case KindConnection:
		return "connection"
	}
	return "unknown"
}

// SendError is a failed exchange with the webhook. StatusCode is zero when no
// HTTP response was obtained.
type SendError struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("webhook %s error", e.Kind)
	}
	return e.Err.Error()
}

func (e *SendError) Unwrap() error { return e.Err }

// Retryable is false for 4xx: the same request would fail the same way.
func (e *SendError) Retryable() bool {
	return e.Kind == KindServer || e.Kind == KindConnection
}
