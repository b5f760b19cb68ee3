package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dazzle-run/runtime/internal/domain/events"
)

func newEnvelope(t *testing.T, key, payload string) events.Envelope {
	t.Helper()
	env, err := events.New("orders", "order.created", key, payload, nil)
	require.NoError(t, err)
	return env
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New()
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPublishDeliversInFIFOOrderPerKey(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var delivered []string
	_, err := b.Subscribe(ctx, "orders", "worker", func(ctx context.Context, env events.Envelope) *events.NackReason {
		delivered = append(delivered, env.Key)
		return nil
	})
	require.NoError(t, err)

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(ctx, "orders", newEnvelope(t, key, "p"), false, nil))
	}

	assert.Equal(t, []string{"a", "b", "c"}, delivered)
}

func TestRetryableNackLeavesEventPending(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "orders", "worker", func(ctx context.Context, env events.Envelope) *events.NackReason {
		reason := events.Retry("transient", "downstream unavailable")
		return &reason
	})
	require.NoError(t, err)

	env := newEnvelope(t, "a", "p")
	require.NoError(t, b.Publish(ctx, "orders", env, false, nil))

	status, err := b.GetConsumerStatus(ctx, "orders", "worker")
	require.NoError(t, err)
	assert.Equal(t, 1, status.PendingEvents)
	assert.Equal(t, 1, status.NackedEvents)
	assert.Empty(t, b.DLQ("orders"))
}

func TestRetryableNackIsRedeliveredAfterVisibilityTimeout(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var attempts int
	_, err := b.Subscribe(ctx, "orders", "worker", func(ctx context.Context, env events.Envelope) *events.NackReason {
		attempts++
		if attempts == 1 {
			reason := events.Retry("transient", "downstream unavailable")
			return &reason
		}
		return nil
	})
	require.NoError(t, err)

	env := newEnvelope(t, "a", "p")
	require.NoError(t, b.Publish(ctx, "orders", env, false, nil))
	require.Equal(t, 1, attempts)

	status, err := b.GetConsumerStatus(ctx, "orders", "worker")
	require.NoError(t, err)
	require.Equal(t, 1, status.PendingEvents)

	// Simulate the visibility timeout having elapsed without waiting on the
	// real sweepLoop ticker.
	b.sweepOnce(time.Now().UTC().Add(b.visibilityTimeout + time.Second))

	assert.Equal(t, 2, attempts)
	status, err = b.GetConsumerStatus(ctx, "orders", "worker")
	require.NoError(t, err)
	assert.Equal(t, 0, status.PendingEvents)
}

func TestPermanentNackRoutesToDLQ(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "orders", "worker", func(ctx context.Context, env events.Envelope) *events.NackReason {
		reason := events.Permanent("poison", "unparseable payload")
		return &reason
	})
	require.NoError(t, err)

	env := newEnvelope(t, "a", "p")
	require.NoError(t, b.Publish(ctx, "orders", env, false, nil))

	dlq := b.DLQ("orders")
	require.Len(t, dlq, 1)
	assert.Equal(t, env.EventID, dlq[0].EventID)

	status, err := b.GetConsumerStatus(ctx, "orders", "worker")
	require.NoError(t, err)
	assert.Equal(t, 0, status.PendingEvents)

	info, err := b.GetTopicInfo(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, info.DLQEventCount)
}

func TestAckClearsPendingAndAdvancesOffset(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var reason *events.NackReason
	_, err := b.Subscribe(ctx, "orders", "worker", func(ctx context.Context, env events.Envelope) *events.NackReason {
		return reason
	})
	require.NoError(t, err)

	reason = func() *events.NackReason { r := events.Retry("transient", "hold"); return &r }()
	env := newEnvelope(t, "a", "p")
	require.NoError(t, b.Publish(ctx, "orders", env, false, nil))

	status, err := b.GetConsumerStatus(ctx, "orders", "worker")
	require.NoError(t, err)
	assert.Equal(t, 1, status.PendingEvents)

	require.NoError(t, b.Ack(ctx, "orders", "worker", env.EventID))

	status, err = b.GetConsumerStatus(ctx, "orders", "worker")
	require.NoError(t, err)
	assert.Equal(t, 0, status.PendingEvents)
	assert.Equal(t, int64(1), status.LastOffset)
}

func TestUnsubscribeThenAckReturnsConsumerNotFound(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "orders", "worker", func(ctx context.Context, env events.Envelope) *events.NackReason {
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe(ctx, "orders", "worker"))

	err = b.Ack(ctx, "orders", "worker", "whatever")
	assert.Error(t, err)
}

func TestListTopicsIsSortedAndDeduplicated(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "zeta", newEnvelope(t, "a", "p"), false, nil))
	require.NoError(t, b.Publish(ctx, "alpha", newEnvelope(t, "a", "p"), false, nil))
	require.NoError(t, b.Publish(ctx, "alpha", newEnvelope(t, "b", "p"), false, nil))

	topics, err := b.ListTopics(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, topics)
}
