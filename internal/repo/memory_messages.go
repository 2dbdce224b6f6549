package repo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/model"
)

// MemoryMessageRepo keeps messages in process memory. It follows the same
// conditional-update rules as the Postgres store and is meant for tests and
// local runs.
type MemoryMessageRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]model.Message
	now    func() time.Time
}

var _ MessageRepository = (*MemoryMessageRepo)(nil)

func NewMemoryMessageRepo(now func() time.Time) *MemoryMessageRepo {
	if now == nil {
		now = time.Now
	}
	return &MemoryMessageRepo{
		rows: make(map[int64]model.Message),
		now:  now,
	}
}

// Add stores m, assigning an id and timestamps when they are unset.
func (r *MemoryMessageRepo) Add(m model.Message) model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.ID == 0 {
		r.nextID++
		m.ID = r.nextID
	} else if m.ID > r.nextID {
		r.nextID = m.ID
	}
	if m.Status == "" {
		m.Status = model.Pending
	}
	now := r.now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	r.rows[m.ID] = m
	return m
}

func (r *MemoryMessageRepo) ListPending(_ context.Context, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.filter(model.Pending)
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryMessageRepo) Claim(_ context.Context, ids []int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	claimed := 0
	for _, id := range ids {
		if m, ok := r.rows[id]; ok && r.transition(m, model.Processing) {
			claimed++
		}
	}
	return claimed, nil
}

func (r *MemoryMessageRepo) MarkSent(_ context.Context, id int64, remoteMessageID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.rows[id]
	if !ok {
		return false, nil
	}
	now := r.now().UTC()
	remote := remoteMessageID
	m.RemoteMessageID = &remote
	m.SentAt = &now
	r.set(m, model.Sent)
	return true, nil
}

func (r *MemoryMessageRepo) MarkFailed(_ context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.rows[id]
	if !ok {
		return false, nil
	}
	r.set(m, model.Failed)
	return true, nil
}

func (r *MemoryMessageRepo) FailIfProcessing(_ context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.rows[id]
	return ok && r.transition(m, model.Failed), nil
}

func (r *MemoryMessageRepo) ResetStale(_ context.Context, thresholdMinutes int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-time.Duration(thresholdMinutes) * time.Minute)
	n := 0
	for _, m := range r.rows {
		if m.Status == model.Processing && m.UpdatedAt.Before(cutoff) && r.transition(m, model.Pending) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryMessageRepo) ResetFailed(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, m := range r.rows {
		if m.Status == model.Failed && r.transition(m, model.Pending) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryMessageRepo) FindByID(_ context.Context, id int64) (model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.rows[id]
	if !ok {
		return model.Message{}, ErrNotFound
	}
	return m, nil
}

func (r *MemoryMessageRepo) ListSent(_ context.Context, page, pageSize int) ([]model.Message, int, error) {
	page, pageSize = normalizePage(page, pageSize)

	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.filter(model.Sent)
	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt.Equal(*out[j].SentAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].SentAt.After(*out[j].SentAt)
	})

	total := len(out)
	start := pageOffset(page, pageSize)
	if start >= total {
		return nil, total, nil
	}
	end := min(start+pageSize, total)
	return out[start:end], total, nil
}

// filter must be called with mu held.
func (r *MemoryMessageRepo) filter(s model.Status) []model.Message {
	var out []model.Message
	for _, m := range r.rows {
		if m.Status == s {
			out = append(out, m)
		}
	}
	return out
}

// transition applies a guarded move and reports whether the lifecycle allowed
// it. It must be called with mu held.
func (r *MemoryMessageRepo) transition(m model.Message, to model.Status) bool {
	if !model.CanTransition(m.Status, to) {
		return false
	}
	r.set(m, to)
	return true
}

// set must be called with mu held. Leaving the sent state clears the remote id.
func (r *MemoryMessageRepo) set(m model.Message, s model.Status) {
	m.Status = s
	if s != model.Sent {
		m.RemoteMessageID = nil
		m.SentAt = nil
	}
	m.UpdatedAt = r.now().UTC()
	r.rows[m.ID] = m
}
