package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	authHeader        = "x-ins-auth-key"
	idempotencyHeader = "Idempotency-Key"
)

type WebhookClient struct {
	url     string
	authKey string
	client  *http.Client
}

type Option func(*WebhookClient)

func WithAuthKey(key string) Option {
	return func(c *WebhookClient) { c.authKey = key }
}

func WithTimeout(d time.Duration) Option {
	return func(c *WebhookClient) { c.client.Timeout = d }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *WebhookClient) { c.client = hc }
}

func NewWebhookClient(url string, opts ...Option) *WebhookClient {
	c := &WebhookClient{
		url: url,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type sendRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

type sendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

// Send posts one message. A non-nil error is always a *SendError; logical
// rejections come back as an Outcome with Accepted=false.
func (c *WebhookClient) Send(ctx context.Context, phoneNumber, content, idempotencyKey string) (Outcome, error) {
	reqBody, err := json.Marshal(sendRequest{
		To:      phoneNumber,
		Content: content,
	})
	if err != nil {
		return Outcome{}, &SendError{Kind: KindClient, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return Outcome{}, &SendError{Kind: KindClient, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.authKey != "" {
		req.Header.Set(authHeader, c.authKey)
	}
	if idempotencyKey != "" {
		req.Header.Set(idempotencyHeader, idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Outcome{}, &SendError{Kind: KindConnection, Err: fmt.Errorf("connection failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{}, &SendError{Kind: KindConnection, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	return classify(resp.StatusCode, body)
}

func classify(status int, body []byte) (Outcome, error) {
	switch {
	case status == http.StatusAccepted:
		var sr sendResponse
		if err := json.Unmarshal(body, &sr); err != nil {
			return Rejected(fmt.Sprintf("failed to decode json: %v body=%q", err, string(body))), nil
		}
		if sr.MessageID == "" {
			return Rejected(ReasonMissingMessageID), nil
		}
		return Accepted(sr.MessageID), nil
	case status >= 400 && status < 500:
		return Outcome{}, &SendError{Kind: KindClient, StatusCode: status, Err: fmt.Errorf("client error: HTTP %d body=%q", status, string(body))}
	case status >= 500 && status < 600:
		return Outcome{}, &SendError{Kind: KindServer, StatusCode: status, Err: fmt.Errorf("server error: HTTP %d", status)}
	default:
		return Rejected(fmt.Sprintf("%s: %d", ReasonUnexpectedStatus, status)), nil
	}
}

// IsRetryable reports whether err is a *SendError worth another attempt.
func IsRetryable(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}
