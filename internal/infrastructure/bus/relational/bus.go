// Package relational implements the relational-queue Bus adapter: a plain
// MySQL/TiDB table used as a durable queue with FIFO-per-key delivery
// enforced by row-level leases, for modest-throughput shared-DB deployments.
package relational

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/dazzle-run/runtime/internal/domain/events"
	"github.com/dazzle-run/runtime/internal/domain/ports"
	"github.com/dazzle-run/runtime/pkg/errors"
	"github.com/dazzle-run/runtime/pkg/utils"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Bus is the relational-queue Bus adapter. It owns its own *sql.DB distinct
// from the process/outbox repositories' connection so the queue can be
// pointed at a different DSN if an operator chooses to isolate it.
type Bus struct {
	db *sql.DB
}

// Open connects to dsn and ensures the event_queue table exists.
func Open(ctx context.Context, dsn string) (*Bus, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.NewBackendUnavailableError("relational", "check DAZZLE_RELATIONAL_DSN is a valid MySQL/TiDB DSN", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.NewBackendUnavailableError("relational", "could not reach the relational queue database; verify network access and credentials", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS event_queue (
			id VARCHAR(64) PRIMARY KEY,
			topic VARCHAR(255) NOT NULL,
			group_id VARCHAR(255) NOT NULL,
			` + "`key`" + ` VARCHAR(255) NOT NULL,
			envelope MEDIUMBLOB NOT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			lock_token VARCHAR(64),
			lock_expires_at DATETIME,
			INDEX idx_topic_group_status (topic, group_id, status),
			INDEX idx_created_at (created_at)
		)
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, errors.NewBackendUnavailableError("relational", "could not create event_queue table; check DDL privileges", err)
	}

	return &Bus{db: db}, nil
}

var _ ports.EventBus = (*Bus)(nil)

// Publish inserts one row per registered consumer group so each group
// drains the topic independently.
func (b *Bus) Publish(ctx context.Context, topic string, envelope events.Envelope, transactional bool, tx *sql.Tx) error {
	groups, err := b.ListConsumerGroups(ctx, topic)
	if err != nil {
		return errors.NewPublishError(topic, err)
	}
	if len(groups) == 0 {
		return nil
	}

	body, err := envelope.Marshal()
	if err != nil {
		return errors.NewPublishError(topic, err)
	}

	var exec execer = b.db
	if tx != nil {
		exec = tx
	}

	for _, group := range groups {
		id := utils.GenerateID()
		_, err := exec.ExecContext(ctx, `
			INSERT INTO event_queue (id, topic, group_id, `+"`key`"+`, envelope, status, created_at)
			VALUES (?, ?, ?, ?, ?, 'pending', NOW())
		`, id, topic, group, envelope.Key, body)
		if err != nil {
			return errors.NewPublishError(topic, err)
		}
	}
	return nil
}

// Subscribe registers group_id as known on topic by inserting a sentinel
// marker row tracked in-memory would not survive restarts, so a durable
// adapter instead records group membership via a dedicated table.
func (b *Bus) Subscribe(ctx context.Context, topic, groupID string, handler ports.Handler) (events.SubscriptionInfo, error) {
	if _, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS event_queue_groups (
			topic VARCHAR(255) NOT NULL,
			group_id VARCHAR(255) NOT NULL,
			PRIMARY KEY (topic, group_id)
		)
	`); err != nil {
		return events.SubscriptionInfo{}, errors.NewBackendUnavailableError("relational", "could not create event_queue_groups table", err)
	}
	if _, err := b.db.ExecContext(ctx, `
		INSERT IGNORE INTO event_queue_groups (topic, group_id) VALUES (?, ?)
	`, topic, groupID); err != nil {
		return events.SubscriptionInfo{}, fmt.Errorf("failed to register consumer group: %w", err)
	}

	go b.pollLoop(context.Background(), topic, groupID, handler)

	return events.SubscriptionInfo{Topic: topic, GroupID: groupID, StartedAt: time.Now().UTC().Format(time.RFC3339)}, nil
}

// pollLoop claims and dispatches rows for (topic, groupID) until ctx ends.
// Each row is claimed by a conditional update that sets lock_token and
// lock_expires_at only when no unexpired lease exists, never an advisory lock.
func (b *Bus) pollLoop(ctx context.Context, topic, groupID string, handler ports.Handler) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.claimAndDispatch(ctx, topic, groupID, handler)
		}
	}
}

func (b *Bus) claimAndDispatch(ctx context.Context, topic, groupID string, handler ports.Handler) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, envelope FROM event_queue
		WHERE topic = ? AND group_id = ? AND status = 'pending'
			AND (lock_token IS NULL OR lock_expires_at < NOW())
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, topic, groupID)

	var id string
	var body []byte
	if err := row.Scan(&id, &body); err != nil {
		return
	}

	claimed, err := b.db.ExecContext(ctx, `
		UPDATE event_queue SET lock_token = ?, lock_expires_at = DATE_ADD(NOW(), INTERVAL 30 SECOND)
		WHERE id = ? AND status = 'pending' AND (lock_token IS NULL OR lock_expires_at < NOW())
	`, utils.GenerateID(), id)
	if err != nil {
		return
	}
	if n, _ := claimed.RowsAffected(); n != 1 {
		return // another poller leased the row first
	}

	env, err := events.Unmarshal(body)
	if err != nil {
		return
	}

	reason := handler(ctx, env)
	if reason == nil {
		b.db.ExecContext(ctx, `DELETE FROM event_queue WHERE id = ?`, id)
		return
	}
	if reason.Retryable {
		b.db.ExecContext(ctx, `UPDATE event_queue SET lock_token = NULL, lock_expires_at = NULL WHERE id = ?`, id)
		return
	}
	b.db.ExecContext(ctx, `UPDATE event_queue SET status = 'dlq' WHERE id = ?`, id)
}

// Unsubscribe removes group membership so future publishes stop enqueueing
// rows for it.
func (b *Bus) Unsubscribe(ctx context.Context, topic, groupID string) error {
	result, err := b.db.ExecContext(ctx, `DELETE FROM event_queue_groups WHERE topic = ? AND group_id = ?`, topic, groupID)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errors.NewConsumerNotFoundError(topic, groupID)
	}
	return nil
}

// Ack is a no-op for this adapter: rows are deleted synchronously by the
// poll loop on successful handler return.
func (b *Bus) Ack(ctx context.Context, topic, groupID, eventID string) error {
	return nil
}

// Nack routes a specific queued row's state per reason.
func (b *Bus) Nack(ctx context.Context, topic, groupID, eventID string, reason events.NackReason) error {
	if reason.Retryable {
		_, err := b.db.ExecContext(ctx, `UPDATE event_queue SET lock_token = NULL, lock_expires_at = NULL WHERE id = ?`, eventID)
		return err
	}
	_, err := b.db.ExecContext(ctx, `UPDATE event_queue SET status = 'dlq' WHERE id = ?`, eventID)
	return err
}

// Replay reads the envelopes still held in event_queue for topic, in
// created_at order (rows are deleted on ack, so only queued and DLQ'd rows
// remain). filter.KeyFilter is the only filter applied.
func (b *Bus) Replay(ctx context.Context, topic string, filter events.ReplayFilter) ([]events.Envelope, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT envelope FROM event_queue WHERE topic = ? ORDER BY created_at ASC`, topic)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Envelope
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		env, err := events.Unmarshal(body)
		if err != nil {
			return nil, err
		}
		if filter.KeyFilter != "" && env.Key != filter.KeyFilter {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// GetConsumerStatus reports pending/dlq counts for a (topic, group).
func (b *Bus) GetConsumerStatus(ctx context.Context, topic, groupID string) (events.ConsumerStatus, error) {
	var exists int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_queue_groups WHERE topic = ? AND group_id = ?`, topic, groupID).Scan(&exists); err != nil || exists == 0 {
		return events.ConsumerStatus{}, errors.NewConsumerNotFoundError(topic, groupID)
	}

	status := events.ConsumerStatus{Topic: topic, GroupID: groupID}
	b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_queue WHERE topic = ? AND group_id = ? AND status = 'pending'`, topic, groupID).Scan(&status.PendingEvents)
	b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_queue WHERE topic = ? AND group_id = ? AND status = 'dlq'`, topic, groupID).Scan(&status.NackedEvents)
	return status, nil
}

// ListTopics returns every topic with a registered consumer group.
func (b *Bus) ListTopics(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT DISTINCT topic FROM event_queue_groups`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		names = append(names, t)
	}
	sort.Strings(names)
	return names, nil
}

// ListConsumerGroups returns every group registered on topic.
func (b *Bus) ListConsumerGroups(ctx context.Context, topic string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT group_id FROM event_queue_groups WHERE topic = ?`, topic)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		names = append(names, g)
	}
	sort.Strings(names)
	return names, nil
}

// GetTopicInfo reports aggregate counters for a topic across all its groups.
func (b *Bus) GetTopicInfo(ctx context.Context, topic string) (events.TopicInfo, error) {
	info := events.TopicInfo{Topic: topic}
	b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_queue WHERE topic = ?`, topic).Scan(&info.EventCount)
	b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_queue WHERE topic = ? AND status = 'dlq'`, topic).Scan(&info.DLQEventCount)
	groups, _ := b.ListConsumerGroups(ctx, topic)
	info.ConsumerGroups = len(groups)
	return info, nil
}

// Close releases the underlying connection pool.
func (b *Bus) Close() error {
	return b.db.Close()
}
