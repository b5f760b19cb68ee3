package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dazzle-run/runtime/internal/domain/events"
	"github.com/dazzle-run/runtime/internal/domain/ports"
	"github.com/dazzle-run/runtime/pkg/errors"
	"github.com/dazzle-run/runtime/pkg/utils"
)

// Executor abstracts over *sql.DB and *sql.Tx so repository methods work
// identically whether called inside a business transaction or standalone.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const (
	outboxStatusPending    = "pending"
	outboxStatusPublishing = "publishing"
	outboxStatusPublished  = "published"
	outboxStatusFailed     = "failed"
)

// OutboxRepository implements ports.OutboxStore against the event_outbox
// table described in SPEC_FULL.md §7.
type OutboxRepository struct {
	db *sql.DB
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(db *sql.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

var _ ports.OutboxStore = (*OutboxRepository)(nil)

func (r *OutboxRepository) executor(tx *sql.Tx) Executor {
	if tx != nil {
		return tx
	}
	return r.db
}

// Append inserts a pending row in the enclosing transaction, per spec.md
// §4.2: visible to publishers only once tx commits.
func (r *OutboxRepository) Append(ctx context.Context, tx *sql.Tx, envelope events.Envelope, topic string, maxAttempts int) (ports.OutboxEntry, error) {
	if tx == nil {
		return ports.OutboxEntry{}, errors.NewAppendError(topic, fmt.Errorf("outbox append requires an open transaction"))
	}

	body, err := envelope.Marshal()
	if err != nil {
		return ports.OutboxEntry{}, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	id := utils.GenerateID()
	query := `
		INSERT INTO event_outbox
			(id, topic, event_type, ` + "`key`" + `, envelope, status, created_at, attempts, max_attempts)
		VALUES (?, ?, ?, ?, ?, ?, NOW(), 0, ?)
	`
	if _, err := tx.ExecContext(ctx, query, id, topic, envelope.EventType, envelope.Key, body, outboxStatusPending, maxAttempts); err != nil {
		return ports.OutboxEntry{}, errors.NewAppendError(topic, err)
	}

	return ports.OutboxEntry{
		ID:          id,
		Topic:       topic,
		EventType:   envelope.EventType,
		Key:         envelope.Key,
		Envelope:    body,
		Status:      outboxStatusPending,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		CreatedAt:   envelope.Timestamp,
	}, nil
}

// FetchPending atomically leases up to limit pending rows whose lease is
// unset or expired, in created_at order. The candidate rows are selected
// with FOR UPDATE SKIP LOCKED and stamped with the lock token inside one
// short transaction, so two publishers racing the fetch never both claim
// the same row.
func (r *OutboxRepository) FetchPending(ctx context.Context, opts ports.FetchPendingOptions) ([]ports.OutboxEntry, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	leaseSeconds := opts.LeaseSeconds
	if leaseSeconds <= 0 {
		leaseSeconds = 30
	}
	lockToken := opts.LockToken
	if lockToken == "" {
		lockToken = utils.GenerateID()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin lease transaction: %w", err)
	}
	defer tx.Rollback()

	selectQuery := `
		SELECT id FROM event_outbox
		WHERE status = ? AND (lock_token IS NULL OR lock_expires_at < NOW())
		ORDER BY created_at ASC
		LIMIT ?
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.QueryContext(ctx, selectQuery, outboxStatusPending, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select leasable rows: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan leasable id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	placeholders := make([]interface{}, 0, len(ids)+1)
	placeholders = append(placeholders, lockToken)
	inClause := ""
	for i, id := range ids {
		if i > 0 {
			inClause += ", "
		}
		inClause += "?"
		placeholders = append(placeholders, id)
	}

	updateQuery := fmt.Sprintf(`
		UPDATE event_outbox
		SET lock_token = ?, lock_expires_at = DATE_ADD(NOW(), INTERVAL %d SECOND)
		WHERE id IN (%s)
	`, leaseSeconds, inClause)
	if _, err := tx.ExecContext(ctx, updateQuery, placeholders...); err != nil {
		return nil, fmt.Errorf("failed to lease outbox rows: %w", err)
	}

	selectLeasedQuery := fmt.Sprintf(`
		SELECT id, topic, event_type, `+"`key`"+`, envelope, status, created_at, published_at,
			attempts, max_attempts, last_error, failed_at, lock_token, lock_expires_at
		FROM event_outbox
		WHERE id IN (%s)
		ORDER BY created_at ASC
	`, inClause)
	leasedArgs := make([]interface{}, len(ids))
	for i, id := range ids {
		leasedArgs[i] = id
	}
	leasedRows, err := tx.QueryContext(ctx, selectLeasedQuery, leasedArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to reload leased rows: %w", err)
	}
	defer leasedRows.Close()

	var entries []ports.OutboxEntry
	for leasedRows.Next() {
		var e ports.OutboxEntry
		var lastError sql.NullString
		if err := leasedRows.Scan(&e.ID, &e.Topic, &e.EventType, &e.Key, &e.Envelope, &e.Status,
			&e.CreatedAt, &e.PublishedAt, &e.Attempts, &e.MaxAttempts, &lastError, &e.FailedAt,
			&e.LockToken, &e.LockExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan leased outbox entry: %w", err)
		}
		e.LastError = lastError.String
		entries = append(entries, e)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}
	return entries, nil
}

// MarkPublished transitions a leased row to the terminal published state.
func (r *OutboxRepository) MarkPublished(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE event_outbox
		SET status = ?, published_at = NOW(), lock_token = NULL, lock_expires_at = NULL
		WHERE id = ?
	`, outboxStatusPublished, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry published: %w", err)
	}
	return nil
}

// MarkFailed increments attempts and records the error. When attempts
// reaches maxAttempts the row becomes terminal failed; otherwise it stays
// pending with its lease extended by retryDelay, so FetchPending's
// lock_expires_at < NOW() guard withholds it from re-delivery until the
// caller's backoff window elapses.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id string, publishErr error, maxAttempts int, retryDelay time.Duration) (bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT attempts FROM event_outbox WHERE id = ?`, id)
	var attempts int
	if err := row.Scan(&attempts); err != nil {
		return false, fmt.Errorf("failed to load attempts for %s: %w", id, err)
	}
	attempts++

	msg := ""
	if publishErr != nil {
		msg = publishErr.Error()
	}

	if attempts >= maxAttempts {
		_, err := r.db.ExecContext(ctx, `
			UPDATE event_outbox
			SET status = ?, attempts = ?, last_error = ?, failed_at = NOW(), lock_token = NULL, lock_expires_at = NULL
			WHERE id = ?
		`, outboxStatusFailed, attempts, msg, id)
		if err != nil {
			return false, fmt.Errorf("failed to mark outbox entry failed: %w", err)
		}
		return false, nil
	}

	retrySeconds := int(retryDelay.Seconds())
	if retrySeconds < 0 {
		retrySeconds = 0
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE event_outbox
		SET status = ?, attempts = ?, last_error = ?, lock_expires_at = DATE_ADD(NOW(), INTERVAL %d SECOND)
		WHERE id = ?
	`, retrySeconds), outboxStatusPending, attempts, msg, id)
	if err != nil {
		return false, fmt.Errorf("failed to record outbox retry: %w", err)
	}
	return true, nil
}

// GetStats summarizes the outbox for the publisher's observable state and
// the admin surface.
func (r *OutboxRepository) GetStats(ctx context.Context) (ports.OutboxStats, error) {
	var stats ports.OutboxStats
	row := r.db.QueryRowContext(ctx, `
		SELECT
			SUM(status = ?) AS pending,
			SUM(status = ?) AS publishing,
			SUM(status = ?) AS published,
			SUM(status = ?) AS failed,
			COALESCE(TIMESTAMPDIFF(SECOND, MIN(CASE WHEN status = ? THEN created_at END), NOW()), 0) AS oldest_pending_age
		FROM event_outbox
	`, outboxStatusPending, outboxStatusPublishing, outboxStatusPublished, outboxStatusFailed, outboxStatusPending)

	var oldest sql.NullFloat64
	if err := row.Scan(&stats.PendingCount, &stats.PublishingCount, &stats.PublishedCount, &stats.FailedCount, &oldest); err != nil {
		return stats, fmt.Errorf("failed to compute outbox stats: %w", err)
	}
	stats.OldestPendingAgeSeconds = oldest.Float64
	return stats, nil
}

// CleanupPublished deletes published rows older than olderThan.
func (r *OutboxRepository) CleanupPublished(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM event_outbox WHERE status = ? AND published_at < ?
	`, outboxStatusPublished, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup published outbox entries: %w", err)
	}
	return result.RowsAffected()
}

// GetFailedEntries returns every row in the terminal failed state.
func (r *OutboxRepository) GetFailedEntries(ctx context.Context) ([]ports.OutboxEntry, error) {
	return r.queryEntries(ctx, `
		SELECT id, topic, event_type, `+"`key`"+`, envelope, status, created_at, published_at,
			attempts, max_attempts, last_error, failed_at, lock_token, lock_expires_at
		FROM event_outbox WHERE status = ? ORDER BY failed_at DESC
	`, outboxStatusFailed)
}

// GetRecentEntries returns the most recently created rows regardless of
// status, for the admin surface.
func (r *OutboxRepository) GetRecentEntries(ctx context.Context, limit int) ([]ports.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEntries(ctx, `
		SELECT id, topic, event_type, `+"`key`"+`, envelope, status, created_at, published_at,
			attempts, max_attempts, last_error, failed_at, lock_token, lock_expires_at
		FROM event_outbox ORDER BY created_at DESC LIMIT ?
	`, limit)
}

// RetryFailed resets a failed row back to pending with attempts cleared, per
// the original implementation's retry_failed operation.
func (r *OutboxRepository) RetryFailed(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE event_outbox
		SET status = ?, attempts = 0, last_error = NULL, failed_at = NULL, lock_token = NULL, lock_expires_at = NULL
		WHERE id = ? AND status = ?
	`, outboxStatusPending, id, outboxStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to retry outbox entry %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("outbox entry %s is not in a failed state", id)
	}
	return nil
}

func (r *OutboxRepository) queryEntries(ctx context.Context, query string, args ...interface{}) ([]ports.OutboxEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []ports.OutboxEntry
	for rows.Next() {
		var e ports.OutboxEntry
		var lastError sql.NullString
		if err := rows.Scan(&e.ID, &e.Topic, &e.EventType, &e.Key, &e.Envelope, &e.Status,
			&e.CreatedAt, &e.PublishedAt, &e.Attempts, &e.MaxAttempts, &lastError, &e.FailedAt,
			&e.LockToken, &e.LockExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		e.LastError = lastError.String
		entries = append(entries, e)
	}
	return entries, nil
}
