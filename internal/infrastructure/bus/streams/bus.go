// Package streams implements the streams Bus adapter on Redis Streams:
// crash-safe, FIFO per partition (Redis stream), consumer-group native via
// XADD/XREADGROUP/XACK, for higher-throughput cloud-managed deployments.
package streams

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	dsql "database/sql"

	"github.com/dazzle-run/runtime/internal/domain/events"
	"github.com/dazzle-run/runtime/internal/domain/ports"
	"github.com/dazzle-run/runtime/pkg/errors"
)

// Bus is the Redis Streams-backed adapter.
type Bus struct {
	client *redis.Client
	cancel map[string]context.CancelFunc
}

// Open connects to a Redis server at url (e.g. "redis://localhost:6379/0").
func Open(ctx context.Context, url string) (*Bus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.NewBackendUnavailableError("streams", "DAZZLE_STREAMS_URL must be a redis:// connection string", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.NewBackendUnavailableError("streams", "could not reach the configured Redis instance; verify it is running and reachable", err)
	}
	return &Bus{client: client, cancel: make(map[string]context.CancelFunc)}, nil
}

var _ ports.EventBus = (*Bus)(nil)

func streamKey(topic string) string { return "dazzle:stream:" + topic }
func dlqKey(topic string) string    { return "dazzle:dlq:" + topic }

// Publish appends envelope to the topic's Redis stream via XADD.
func (b *Bus) Publish(ctx context.Context, topic string, envelope events.Envelope, transactional bool, tx *dsql.Tx) error {
	body, err := envelope.Marshal()
	if err != nil {
		return errors.NewPublishError(topic, err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(topic),
		Values: map[string]interface{}{"envelope": body, "key": envelope.Key},
	}).Err()
	if err != nil {
		return errors.NewPublishError(topic, err)
	}
	return nil
}

// Subscribe creates the consumer group (MKSTREAM so the stream need not
// already exist) and starts a background XREADGROUP loop dispatching to
// handler.
func (b *Bus) Subscribe(ctx context.Context, topic, groupID string, handler ports.Handler) (events.SubscriptionInfo, error) {
	err := b.client.XGroupCreateMkStream(ctx, streamKey(topic), groupID, "$").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return events.SubscriptionInfo{}, fmt.Errorf("failed to create consumer group: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel[topic+"|"+groupID] = cancel
	go b.readLoop(loopCtx, topic, groupID, handler)

	return events.SubscriptionInfo{Topic: topic, GroupID: groupID, StartedAt: time.Now().UTC().Format(time.RFC3339)}, nil
}

// streamsMinIdle is how long a delivered-but-unacked entry (a retryable
// nack) must sit before reclaimIdle re-offers it to the handler.
const streamsMinIdle = 30 * time.Second

func (b *Bus) readLoop(ctx context.Context, topic, groupID string, handler ports.Handler) {
	consumer := "dazzle-consumer"
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b.reclaimIdle(ctx, topic, groupID, consumer, handler)

		streamsResult, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    groupID,
			Consumer: consumer,
			Streams:  []string{streamKey(topic), ">"},
			Count:    10,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			continue
		}

		for _, stream := range streamsResult {
			for _, msg := range stream.Messages {
				b.handleMessage(ctx, topic, groupID, msg, handler)
			}
		}
	}
}

// reclaimIdle runs XAutoClaim to take ownership of pending entries idle
// longer than streamsMinIdle and re-offers them to handler. This is what
// actually satisfies at-least-once for a retryable nack: XReadGroup's ">"
// cursor only ever hands out new entries, so without this pass an unacked
// entry would sit in the pending-entries list until an operator manually
// ran XCLAIM — there is no such external reaper in this deployment.
func (b *Bus) reclaimIdle(ctx context.Context, topic, groupID, consumer string, handler ports.Handler) {
	messages, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamKey(topic),
		Group:    groupID,
		MinIdle:  streamsMinIdle,
		Start:    "0-0",
		Consumer: consumer,
		Count:    10,
	}).Result()
	if err != nil {
		return
	}
	for _, msg := range messages {
		b.handleMessage(ctx, topic, groupID, msg, handler)
	}
}

func (b *Bus) handleMessage(ctx context.Context, topic, groupID string, msg redis.XMessage, handler ports.Handler) {
	raw, _ := msg.Values["envelope"].(string)
	env, err := events.Unmarshal([]byte(raw))
	if err != nil {
		return
	}
	reason := handler(ctx, env)
	if reason == nil {
		b.client.XAck(ctx, streamKey(topic), groupID, msg.ID)
		return
	}
	if !reason.Retryable {
		b.client.XAck(ctx, streamKey(topic), groupID, msg.ID)
		b.client.XAdd(ctx, &redis.XAddArgs{Stream: dlqKey(topic), Values: map[string]interface{}{"envelope": raw}})
		return
	}
	// retryable: leave unacked; reclaimIdle's XAutoClaim re-offers it once
	// past streamsMinIdle.
}

// Unsubscribe stops the background read loop and destroys the consumer group.
func (b *Bus) Unsubscribe(ctx context.Context, topic, groupID string) error {
	key := topic + "|" + groupID
	cancel, ok := b.cancel[key]
	if !ok {
		return errors.NewConsumerNotFoundError(topic, groupID)
	}
	cancel()
	delete(b.cancel, key)
	return b.client.XGroupDestroy(ctx, streamKey(topic), groupID).Err()
}

// Ack is a no-op: the read loop acks via XAck as soon as the handler returns.
func (b *Bus) Ack(ctx context.Context, topic, groupID, eventID string) error { return nil }

// Nack is a no-op for the same reason; retry/DLQ routing happens inline in readLoop.
func (b *Bus) Nack(ctx context.Context, topic, groupID, eventID string, reason events.NackReason) error {
	return nil
}

// Replay reads the full stream with XRANGE from "-" to "+"; filter.KeyFilter
// is the only filter applied.
func (b *Bus) Replay(ctx context.Context, topic string, filter events.ReplayFilter) ([]events.Envelope, error) {
	msgs, err := b.client.XRange(ctx, streamKey(topic), "-", "+").Result()
	if err != nil {
		return nil, err
	}
	var out []events.Envelope
	for _, msg := range msgs {
		raw, _ := msg.Values["envelope"].(string)
		env, err := events.Unmarshal([]byte(raw))
		if err != nil {
			continue
		}
		if filter.KeyFilter != "" && env.Key != filter.KeyFilter {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// GetConsumerStatus reports pending count from XPENDING.
func (b *Bus) GetConsumerStatus(ctx context.Context, topic, groupID string) (events.ConsumerStatus, error) {
	pending, err := b.client.XPending(ctx, streamKey(topic), groupID).Result()
	if err != nil {
		return events.ConsumerStatus{}, errors.NewConsumerNotFoundError(topic, groupID)
	}
	return events.ConsumerStatus{Topic: topic, GroupID: groupID, PendingEvents: int(pending.Count)}, nil
}

// ListTopics is unsupported without a side-index in Redis; returns topics
// with an active in-process subscription.
func (b *Bus) ListTopics(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	for key := range b.cancel {
		for i := 0; i < len(key); i++ {
			if key[i] == '|' {
				seen[key[:i]] = true
				break
			}
		}
	}
	var names []string
	for t := range seen {
		names = append(names, t)
	}
	sort.Strings(names)
	return names, nil
}

// ListConsumerGroups lists groups registered on the Redis stream.
func (b *Bus) ListConsumerGroups(ctx context.Context, topic string) ([]string, error) {
	groups, err := b.client.XInfoGroups(ctx, streamKey(topic)).Result()
	if err != nil {
		return nil, nil
	}
	var names []string
	for _, g := range groups {
		names = append(names, g.Name)
	}
	return names, nil
}

// GetTopicInfo reports stream length and DLQ length.
func (b *Bus) GetTopicInfo(ctx context.Context, topic string) (events.TopicInfo, error) {
	length, _ := b.client.XLen(ctx, streamKey(topic)).Result()
	dlqLen, _ := b.client.XLen(ctx, dlqKey(topic)).Result()
	groups, _ := b.ListConsumerGroups(ctx, topic)
	return events.TopicInfo{Topic: topic, EventCount: int(length), ConsumerGroups: len(groups), DLQEventCount: int(dlqLen)}, nil
}

// Close stops every background read loop and closes the Redis client.
func (b *Bus) Close() error {
	for _, cancel := range b.cancel {
		cancel()
	}
	return b.client.Close()
}
