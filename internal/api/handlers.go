package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/LeventeLantos/message-dispatch/internal/cache"
	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/queue"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
	"github.com/LeventeLantos/message-dispatch/internal/scheduler"
	"github.com/LeventeLantos/message-dispatch/internal/service"
)

const (
	defaultPerPage = 15
	maxPerPage     = 100
)

type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

type Deps struct {
	Scheduler *scheduler.Scheduler
	Runner    scheduler.Runner
	Repo      repo.MessageRepository
	Cache     cache.MessageCache // optional
	Queue     QueueStats         // optional
	Logger    *slog.Logger
}

type Handler struct {
	sched  *scheduler.Scheduler
	runner scheduler.Runner
	repo   repo.MessageRepository
	cache  cache.MessageCache
	queue  QueueStats
	log    *slog.Logger
}

func NewHandler(d Deps) *Handler {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		sched:  d.Scheduler,
		runner: d.Runner,
		repo:   d.Repo,
		cache:  d.Cache,
		queue:  d.Queue,
		log:    log,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"scheduler": h.sched.Status(), "running": h.sched.IsRunning()}
	if h.queue != nil {
		stats, err := h.queue.Stats(r.Context())
		if err != nil {
			h.log.Warn("failed to read queue stats", "error", err)
		} else {
			body["queue"] = stats
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	started := h.sched.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning(), "changed": started})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	stopped := h.sched.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning(), "changed": stopped})
}

// Dispatch runs one pass now. A pass already holding the lock yields 409.
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := service.RunOptions{
		Limit:       parseInt(q.Get("limit"), 0),
		ResetStale:  parseBool(q.Get("reset_stale")),
		RetryFailed: parseBool(q.Get("retry_failed")),
	}

	res, err := h.runner.Run(r.Context(), opts)
	if errors.Is(err, service.ErrPassInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.log.Error("dispatch pass failed", "error", err)
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type sentMessage struct {
	ID              int64      `json:"id"`
	Recipient       string     `json:"recipient"`
	Content         string     `json:"content"`
	RemoteMessageID *string    `json:"remoteMessageId"`
	SentAt          *time.Time `json:"sentAt"`
}

type pageMeta struct {
	CurrentPage int `json:"current_page"`
	PerPage     int `json:"per_page"`
	Total       int `json:"total"`
	LastPage    int `json:"last_page"`
}

func (h *Handler) ListSentMessages(w http.ResponseWriter, r *http.Request) {
	page, perPage := pagination(r)

	items, total, err := h.repo.ListSent(r.Context(), page, perPage)
	if err != nil {
		h.log.Error("failed to list sent messages", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sent messages")
		return
	}

	data := make([]sentMessage, 0, len(items))
	for _, m := range items {
		data = append(data, sentMessage{
			ID:              m.ID,
			Recipient:       m.RecipientPhone,
			Content:         m.Content,
			RemoteMessageID: m.RemoteMessageID,
			SentAt:          utc(m.SentAt),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data": data,
		"meta": pageMeta{
			CurrentPage: page,
			PerPage:     perPage,
			Total:       total,
			LastPage:    max(1, (total+perPage-1)/perPage),
		},
	})
}

type messageDetail struct {
	ID              int64           `json:"id"`
	Recipient       string          `json:"recipient"`
	Content         string          `json:"content"`
	Status          model.Status    `json:"status"`
	StatusLabel     string          `json:"statusLabel"`
	RemoteMessageID *string         `json:"remoteMessageId"`
	SentAt          *time.Time      `json:"sentAt"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	Cached          *cache.SentInfo `json:"cached,omitempty"`
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	m, err := h.repo.FindByID(r.Context(), id)
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		h.log.Error("failed to load message", "message_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load message")
		return
	}

	out := messageDetail{
		ID:              m.ID,
		Recipient:       m.RecipientPhone,
		Content:         m.Content,
		Status:          m.Status,
		StatusLabel:     m.Status.Label(),
		RemoteMessageID: m.RemoteMessageID,
		SentAt:          utc(m.SentAt),
		CreatedAt:       m.CreatedAt.UTC(),
		UpdatedAt:       m.UpdatedAt.UTC(),
	}

	// The cache only decorates the answer.
	if h.cache != nil {
		info, ok, err := h.cache.LookupSent(r.Context(), id)
		if err != nil {
			h.log.Warn("failed to read message cache", "message_id", id, "error", err)
		} else if ok {
			out.Cached = &info
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func pagination(r *http.Request) (page, perPage int) {
	q := r.URL.Query()
	page = parseInt(q.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	perPage = parseInt(q.Get("per_page"), defaultPerPage)
	if perPage < 1 {
		perPage = defaultPerPage
	}
	return page, min(perPage, maxPerPage)
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func parseBool(raw string) bool {
	v, _ := strconv.ParseBool(raw)
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
