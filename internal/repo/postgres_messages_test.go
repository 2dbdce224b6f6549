package repo

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/message-dispatch/internal/model"
)

var columns = []string{"id", "recipient_phone", "content", "status", "remote_message_id", "sent_at", "created_at", "updated_at"}

func setupPostgresTest(t *testing.T) (*PostgresMessageRepo, pgxmock.PgxPoolIface) {
	t.Helper()

	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	return NewPostgresMessageRepo(mockPool), mockPool
}

func TestPostgresMessageRepo_ListPending(t *testing.T) {
	r, mockPool := setupPostgresTest(t)

	created := time.Date(2026, 2, 2, 18, 0, 0, 0, time.UTC)
	rows := mockPool.NewRows(columns).
		AddRow(int64(1), "+361", "first", "pending", nil, nil, created, created).
		AddRow(int64(2), "+362", "second", "pending", nil, nil, created.Add(time.Second), created.Add(time.Second))

	mockPool.ExpectQuery(`WHERE status = 'pending' ORDER BY created_at ASC, id ASC LIMIT \$1`).
		WithArgs(100).
		WillReturnRows(rows)

	msgs, err := r.ListPending(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(1), msgs[0].ID)
	assert.Equal(t, model.Pending, msgs[0].Status)
	assert.Nil(t, msgs[0].RemoteMessageID)
	assert.Equal(t, created, msgs[0].CreatedAt)
	assert.Equal(t, "second", msgs[1].Content)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresMessageRepo_ListPending_RejectsNonPositiveLimit(t *testing.T) {
	r, mockPool := setupPostgresTest(t)

	_, err := r.ListPending(context.Background(), 0)
	require.Error(t, err)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresMessageRepo_Claim(t *testing.T) {
	t.Run("partial claim reports rows moved", func(t *testing.T) {
		r, mockPool := setupPostgresTest(t)

		ids := []int64{1, 2, 3}
		mockPool.ExpectExec(`SET status = 'processing', updated_at = now\(\) WHERE id = ANY\(\$1\) AND status = 'pending'`).
			WithArgs(ids).
			WillReturnResult(pgxmock.NewResult("UPDATE", 2))

		n, err := r.Claim(context.Background(), ids)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("empty ids skip the database", func(t *testing.T) {
		r, mockPool := setupPostgresTest(t)

		n, err := r.Claim(context.Background(), nil)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("db error is wrapped", func(t *testing.T) {
		r, mockPool := setupPostgresTest(t)

		mockPool.ExpectExec(`SET status = 'processing'`).
			WithArgs([]int64{9}).
			WillReturnError(errors.New("db down"))

		_, err := r.Claim(context.Background(), []int64{9})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "claim: db down")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresMessageRepo_MarkSent(t *testing.T) {
	r, mockPool := setupPostgresTest(t)

	mockPool.ExpectExec(`SET status = 'sent', remote_message_id = \$2`).
		WithArgs(int64(7), "remote-7").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mockPool.ExpectExec(`SET status = 'sent', remote_message_id = \$2`).
		WithArgs(int64(8), "remote-8").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := r.MarkSent(context.Background(), 7, "remote-7")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.MarkSent(context.Background(), 8, "remote-8")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresMessageRepo_MarkFailed(t *testing.T) {
	r, mockPool := setupPostgresTest(t)

	mockPool.ExpectExec(`SET status = 'failed', remote_message_id = NULL, sent_at = NULL, updated_at = now\(\) WHERE id = \$1$`).
		WithArgs(int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := r.MarkFailed(context.Background(), 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresMessageRepo_FailIfProcessing(t *testing.T) {
	r, mockPool := setupPostgresTest(t)

	mockPool.ExpectExec(`WHERE id = \$1 AND status = 'processing'`).
		WithArgs(int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := r.FailIfProcessing(context.Background(), 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresMessageRepo_ResetStale(t *testing.T) {
	r, mockPool := setupPostgresTest(t)

	mockPool.ExpectExec(`WHERE status = 'processing' AND updated_at < now\(\) - \(\$1::int \* interval '1 minute'\)`).
		WithArgs(5).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))

	n, err := r.ResetStale(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresMessageRepo_ResetFailed(t *testing.T) {
	r, mockPool := setupPostgresTest(t)

	mockPool.ExpectExec(`SET status = 'pending', remote_message_id = NULL, sent_at = NULL, updated_at = now\(\) WHERE status = 'failed'`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 6))

	n, err := r.ResetFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresMessageRepo_FindByID(t *testing.T) {
	created := time.Date(2026, 2, 2, 18, 0, 0, 0, time.UTC)
	sentAt := created.Add(time.Minute)
	remote := "remote-1"

	t.Run("found", func(t *testing.T) {
		r, mockPool := setupPostgresTest(t)

		rows := mockPool.NewRows(columns).
			AddRow(int64(1), "+361", "hi", "sent", &remote, &sentAt, created, sentAt)
		mockPool.ExpectQuery(`FROM messages WHERE id = \$1`).
			WithArgs(int64(1)).
			WillReturnRows(rows)

		m, err := r.FindByID(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, model.Sent, m.Status)
		require.NotNil(t, m.RemoteMessageID)
		assert.Equal(t, remote, *m.RemoteMessageID)
		require.NotNil(t, m.SentAt)
		assert.Equal(t, sentAt, *m.SentAt)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		r, mockPool := setupPostgresTest(t)

		mockPool.ExpectQuery(`FROM messages WHERE id = \$1`).
			WithArgs(int64(2)).
			WillReturnError(pgx.ErrNoRows)

		_, err := r.FindByID(context.Background(), 2)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("unknown status is an error", func(t *testing.T) {
		r, mockPool := setupPostgresTest(t)

		rows := mockPool.NewRows(columns).
			AddRow(int64(3), "+361", "hi", "queued", nil, nil, created, created)
		mockPool.ExpectQuery(`FROM messages WHERE id = \$1`).
			WithArgs(int64(3)).
			WillReturnRows(rows)

		_, err := r.FindByID(context.Background(), 3)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "queued")
	})
}

func TestPostgresMessageRepo_ListSent(t *testing.T) {
	r, mockPool := setupPostgresTest(t)

	created := time.Date(2026, 2, 2, 18, 0, 0, 0, time.UTC)
	sentAt := created.Add(time.Minute)
	remote := "remote-9"

	mockPool.ExpectQuery(`SELECT count\(\*\) FROM messages WHERE status = 'sent'`).
		WillReturnRows(mockPool.NewRows([]string{"count"}).AddRow(21))
	mockPool.ExpectQuery(`ORDER BY sent_at DESC, id DESC LIMIT \$1 OFFSET \$2`).
		WithArgs(10, 10).
		WillReturnRows(mockPool.NewRows(columns).
			AddRow(int64(9), "+369", "nine", "sent", &remote, &sentAt, created, sentAt))

	msgs, total, err := r.ListSent(context.Background(), 2, 10)
	require.NoError(t, err)
	assert.Equal(t, 21, total)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(9), msgs[0].ID)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresMessageRepo_ListSent_HugePageStaysPastTheEnd(t *testing.T) {
	r, mockPool := setupPostgresTest(t)

	mockPool.ExpectQuery(`SELECT count\(\*\) FROM messages WHERE status = 'sent'`).
		WillReturnRows(mockPool.NewRows([]string{"count"}).AddRow(3))
	mockPool.ExpectQuery(`LIMIT \$1 OFFSET \$2`).
		WithArgs(15, math.MaxInt).
		WillReturnRows(mockPool.NewRows(columns))

	msgs, total, err := r.ListSent(context.Background(), math.MaxInt/4+1, 15)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Empty(t, msgs)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestMigrate_AppliesEmbeddedSchema(t *testing.T) {
	_, mockPool := setupPostgresTest(t)

	mockPool.ExpectExec(`CREATE TABLE IF NOT EXISTS messages`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	applied, err := Migrate(context.Background(), mockPool)
	require.NoError(t, err)
	assert.Equal(t, []string{"migrations/001_create_messages.sql"}, applied)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
