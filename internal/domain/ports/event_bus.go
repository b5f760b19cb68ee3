package ports

import (
	"context"
	"database/sql"
	"time"

	"github.com/dazzle-run/runtime/internal/domain/events"
)

// Handler is the capability every bus adapter dispatches to: given an
// envelope it returns nil to ack, or a NackReason to nack. This is the
// "duck-typed handler" — a single-method capability set with no inheritance
// tree behind it.
type Handler func(ctx context.Context, envelope events.Envelope) *events.NackReason

// EventBus is the single abstract contract every adapter (in-memory,
// embedded, relational, streams, partitioned-log) implements identically.
// Delivery is at-least-once; ordering is FIFO per (topic, key) within one
// consumer group.
type EventBus interface {
	// Publish delivers envelope to topic. No adapter routes a transactional
	// publish through the outbox: the relational adapter writes its queue
	// rows inside tx when tx is non-nil, and the other adapters ignore
	// transactional and tx. Outbox rows are written with OutboxStore.Append.
	Publish(ctx context.Context, topic string, envelope events.Envelope, transactional bool, tx *sql.Tx) error

	Subscribe(ctx context.Context, topic, groupID string, handler Handler) (events.SubscriptionInfo, error)
	Unsubscribe(ctx context.Context, topic, groupID string) error

	Ack(ctx context.Context, topic, groupID, eventID string) error
	Nack(ctx context.Context, topic, groupID, eventID string, reason events.NackReason) error

	Replay(ctx context.Context, topic string, filter events.ReplayFilter) ([]events.Envelope, error)

	GetConsumerStatus(ctx context.Context, topic, groupID string) (events.ConsumerStatus, error)
	ListTopics(ctx context.Context) ([]string, error)
	ListConsumerGroups(ctx context.Context, topic string) ([]string, error)
	GetTopicInfo(ctx context.Context, topic string) (events.TopicInfo, error)

	// Close releases backend resources (connections, goroutines).
	Close() error
}

// OutboxEntry is the persisted row backing the transactional outbox.
type OutboxEntry struct {
	ID            string
	Topic         string
	EventType     string
	Key           string
	Envelope      []byte
	Status        string
	CreatedAt     time.Time
	PublishedAt   sql.NullTime
	Attempts      int
	MaxAttempts   int
	LastError     string
	FailedAt      sql.NullTime
	LockToken     sql.NullString
	LockExpiresAt sql.NullTime
}

// OutboxStats summarizes the current state of the outbox table.
type OutboxStats struct {
	PendingCount            int
	PublishingCount         int
	PublishedCount          int
	FailedCount             int
	OldestPendingAgeSeconds float64
}

// FetchPendingOptions configures a lease-claiming fetch.
type FetchPendingOptions struct {
	Limit       int
	LockToken   string
	LeaseSeconds int
}

// OutboxStore is the append/claim/account contract described by spec.md §4.2.
// append is transactional: the caller supplies the *sql.Tx their business
// write already opened, so the row becomes visible to publishers only when
// that transaction commits.
type OutboxStore interface {
	Append(ctx context.Context, tx *sql.Tx, envelope events.Envelope, topic string, maxAttempts int) (OutboxEntry, error)
	FetchPending(ctx context.Context, opts FetchPendingOptions) ([]OutboxEntry, error)
	MarkPublished(ctx context.Context, id string) error
	// MarkFailed increments attempts and, if the result is still retryable,
	// holds the row's lease until retryDelay has elapsed so the next fetch
	// applies the caller's exponential backoff rather than re-delivering
	// immediately.
	MarkFailed(ctx context.Context, id string, publishErr error, maxAttempts int, retryDelay time.Duration) (retry bool, err error)
	GetStats(ctx context.Context) (OutboxStats, error)
	CleanupPublished(ctx context.Context, olderThan time.Time) (int64, error)
	GetFailedEntries(ctx context.Context) ([]OutboxEntry, error)
	GetRecentEntries(ctx context.Context, limit int) ([]OutboxEntry, error)
	RetryFailed(ctx context.Context, id string) error
}

// Clock is injected everywhere wall-clock time is observed so tests can
// control timeout probes and backoff deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
