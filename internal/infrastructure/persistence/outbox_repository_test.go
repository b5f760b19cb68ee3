package persistence

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dazzle-run/runtime/internal/domain/events"
)

func TestOutboxAppendRequiresOpenTransaction(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewOutboxRepository(db)
	env, err := events.New("orders", "order.created", "order-1", map[string]string{"id": "order-1"}, nil)
	require.NoError(t, err)

	_, err = repo.Append(context.Background(), nil, env, "orders", 5)
	assert.Error(t, err)
}

func TestOutboxAppendInsertsPendingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewOutboxRepository(db)
	env, err := events.New("orders", "order.created", "order-1", map[string]string{"id": "order-1"}, nil)
	require.NoError(t, err)

	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_outbox")).
		WithArgs(sqlmock.AnyArg(), "orders", "order.created", "order-1", sqlmock.AnyArg(), outboxStatusPending, 5).
		WillReturnResult(sqlmock.NewResult(1, 1))

	entry, err := repo.Append(context.Background(), tx, env, "orders", 5)
	require.NoError(t, err)
	assert.Equal(t, "orders", entry.Topic)
	assert.Equal(t, outboxStatusPending, entry.Status)
	assert.Equal(t, 0, entry.Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxMarkFailedRetriesUntilMaxAttempts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewOutboxRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT attempts FROM event_outbox WHERE id = ?")).
		WithArgs("entry-1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(2))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE event_outbox")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	retry, err := repo.MarkFailed(context.Background(), "entry-1", errors.New("connection refused"), 5, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, retry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxMarkFailedTerminalAtMaxAttempts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewOutboxRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT attempts FROM event_outbox WHERE id = ?")).
		WithArgs("entry-1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(4))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE event_outbox")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	retry, err := repo.MarkFailed(context.Background(), "entry-1", errors.New("poison payload"), 5, 2*time.Second)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRetryFailedRejectsNonFailedRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewOutboxRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE event_outbox")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.RetryFailed(context.Background(), "entry-1")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRetryFailedSucceeds(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewOutboxRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE event_outbox")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.RetryFailed(context.Background(), "entry-1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
