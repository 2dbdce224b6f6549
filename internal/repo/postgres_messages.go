package repo

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/LeventeLantos/message-dispatch/internal/model"
)

// DBTX is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock pools.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const messageColumns = `id, recipient_phone, content, status, remote_message_id, sent_at, created_at, updated_at`

type PostgresMessageRepo struct {
	db DBTX
}

func NewPostgresMessageRepo(db DBTX) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

var _ MessageRepository = (*PostgresMessageRepo)(nil)

func (r *PostgresMessageRepo) ListPending(ctx context.Context, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return collectMessages(rows)
}

func (r *PostgresMessageRepo) Claim(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE messages
		SET status = 'processing', updated_at = now()
		WHERE id = ANY($1) AND status = 'pending'
	`, ids)
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresMessageRepo) MarkSent(ctx context.Context, id int64, remoteMessageID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE messages
		SET status = 'sent',
		    remote_message_id = $2,
		    sent_at = now(),
		    updated_at = now()
		WHERE id = $1
	`, id, remoteMessageID)
	if err != nil {
		return false, fmt.Errorf("mark sent %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresMessageRepo) MarkFailed(ctx context.Context, id int64) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE messages
		SET status = 'failed', remote_message_id = NULL, sent_at = NULL, updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return false, fmt.Errorf("mark failed %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresMessageRepo) FailIfProcessing(ctx context.Context, id int64) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE messages
		SET status = 'failed', remote_message_id = NULL, sent_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id)
	if err != nil {
		return false, fmt.Errorf("fail if processing %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresMessageRepo) ResetStale(ctx context.Context, thresholdMinutes int) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE messages
		SET status = 'pending', updated_at = now()
		WHERE status = 'processing'
		  AND updated_at < now() - ($1::int * interval '1 minute')
	`, thresholdMinutes)
	if err != nil {
		return 0, fmt.Errorf("reset stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresMessageRepo) ResetFailed(ctx context.Context) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE messages
		SET status = 'pending', remote_message_id = NULL, sent_at = NULL, updated_at = now()
		WHERE status = 'failed'
	`)
	if err != nil {
		return 0, fmt.Errorf("reset failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresMessageRepo) FindByID(ctx context.Context, id int64) (model.Message, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = $1
	`, id)

	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("find %d: %w", id, err)
	}
	return m, nil
}

func (r *PostgresMessageRepo) ListSent(ctx context.Context, page, pageSize int) ([]model.Message, int, error) {
	page, pageSize = normalizePage(page, pageSize)

	var total int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM messages WHERE status = 'sent'`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sent: %w", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = 'sent'
		ORDER BY sent_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, pageSize, pageOffset(page, pageSize))
	if err != nil {
		return nil, 0, fmt.Errorf("list sent: %w", err)
	}

	out, err := collectMessages(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 15
	}
	return page, pageSize
}

// pageOffset saturates at math.MaxInt so a huge page lands past the end
// instead of wrapping negative.
func pageOffset(page, pageSize int) int {
	if page-1 > math.MaxInt/pageSize {
		return math.MaxInt
	}
	return (page - 1) * pageSize
}

func collectMessages(rows pgx.Rows) ([]model.Message, error) {
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(row pgx.Row) (model.Message, error) {
	var m model.Message
	var status string

	if err := row.Scan(
		&m.ID,
		&m.RecipientPhone,
		&m.Content,
		&status,
		&m.RemoteMessageID,
		&m.SentAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return model.Message{}, err
	}

	s, err := model.ParseStatus(status)
	if err != nil {
		return model.Message{}, err
	}
	m.Status = s
	return m, nil
}
