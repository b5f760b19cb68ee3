package embedded

import (
	"context"
	"path/filepath"
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
	b, err := Open(filepath.Join(t.TempDir(), "bus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestEmbeddedPublishDeliversToSubscriber(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var delivered []string
	_, err := b.Subscribe(ctx, "orders", "worker", func(ctx context.Context, env events.Envelope) *events.NackReason {
		delivered = append(delivered, env.Key)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "orders", newEnvelope(t, "a", "p"), false, nil))
	assert.Equal(t, []string{"a"}, delivered)
}

func TestEmbeddedPermanentNackRoutesToDLQ(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "orders", "worker", func(ctx context.Context, env events.Envelope) *events.NackReason {
		reason := events.Permanent("poison", "unparseable payload")
		return &reason
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "orders", newEnvelope(t, "a", "p"), false, nil))

	info, err := b.GetTopicInfo(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, info.DLQEventCount)

	status, err := b.GetConsumerStatus(ctx, "orders", "worker")
	require.NoError(t, err)
	assert.Equal(t, 0, status.PendingEvents)
}

func TestEmbeddedRetryableNackIsRedeliveredAfterVisibilityTimeout(t *testing.T) {
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

	require.NoError(t, b.Publish(ctx, "orders", newEnvelope(t, "a", "p"), false, nil))
	require.Equal(t, 1, attempts)

	status, err := b.GetConsumerStatus(ctx, "orders", "worker")
	require.NoError(t, err)
	require.Equal(t, 1, status.PendingEvents)

	b.sweepOnce(time.Now().UTC().Add(b.visibilityTimeout + time.Second))

	assert.Equal(t, 2, attempts)
	status, err = b.GetConsumerStatus(ctx, "orders", "worker")
	require.NoError(t, err)
	assert.Equal(t, 0, status.PendingEvents)
}
