// Package memory implements the in-memory Bus adapter: no durability, total
// order per topic, used for unit tests and deterministic fixtures.
package memory

import (
	"context"
	"database/sql"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/dazzle-run/runtime/internal/domain/events"
	"github.com/dazzle-run/runtime/internal/domain/ports"
	"github.com/dazzle-run/runtime/pkg/errors"
)

type pendingDelivery struct {
	envelope    events.Envelope
	deliveredAt time.Time
}

type group struct {
	handler       ports.Handler
	lastOffset    int64
	pending       map[string]pendingDelivery // eventID -> delivery
	nacked        int
	lastProcessed time.Time
}

type topicState struct {
	log    []events.Envelope // append-only, total order within the topic
	groups map[string]*group
	dlq    []events.Envelope
}

const (
	defaultVisibilityTimeout = 5 * time.Second
	defaultSweepInterval     = 1 * time.Second
)

// Bus is the in-memory EventBus adapter.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topicState

	// visibilityTimeout bounds how long a retryable-nacked envelope sits in
	// a group's pending set before sweepLoop re-offers it to the handler,
	// satisfying at-least-once redelivery without a caller ever polling.
	visibilityTimeout time.Duration
	stop              chan struct{}
	stopped           chan struct{}
}

// New creates an empty in-memory Bus and starts its redelivery sweep.
func New() *Bus {
	b := &Bus{
		topics:            make(map[string]*topicState),
		visibilityTimeout: defaultVisibilityTimeout,
		stop:              make(chan struct{}),
		stopped:           make(chan struct{}),
	}
	go b.sweepLoop(defaultSweepInterval)
	return b
}

var _ ports.EventBus = (*Bus)(nil)

func (b *Bus) topic(name string) *topicState {
	t, ok := b.topics[name]
	if !ok {
		t = &topicState{groups: make(map[string]*group)}
		b.topics[name] = t
	}
	return t
}

// Publish appends envelope to the topic log and immediately offers it to
// every registered consumer group's handler, preserving per-key order
// within each group because the log itself is append-only and groups drain
// it sequentially.
func (b *Bus) Publish(ctx context.Context, topic string, envelope events.Envelope, transactional bool, tx *sql.Tx) error {
	b.mu.Lock()
	t := b.topic(topic)
	t.log = append(t.log, envelope)
	groups := make([]*group, 0, len(t.groups))
	for _, g := range t.groups {
		groups = append(groups, g)
	}
	b.mu.Unlock()

	for _, g := range groups {
		b.deliver(ctx, topic, envelope, g)
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, topic string, envelope events.Envelope, g *group) {
	b.mu.Lock()
	g.pending[envelope.EventID] = pendingDelivery{envelope: envelope, deliveredAt: time.Now().UTC()}
	b.mu.Unlock()

	reason := g.handler(ctx, envelope)

	b.mu.Lock()
	defer b.mu.Unlock()
	if reason == nil {
		delete(g.pending, envelope.EventID)
		g.lastOffset++
		g.lastProcessed = time.Now().UTC()
		return
	}

	g.nacked++
	if reason.Retryable {
		log.Printf("↩️  event %s on %s nacked (retryable: %s), leaving pending for re-delivery", envelope.EventID, topic, reason.Message)
		return
	}

	delete(g.pending, envelope.EventID)
	t := b.topic(topic)
	t.dlq = append(t.dlq, envelope)
	log.Printf("☠️  event %s on %s routed to DLQ: %s", envelope.EventID, topic, reason.Message)
}

// Subscribe registers a consumer group. New groups begin at the current tail:
// they observe only events published after Subscribe is called.
func (b *Bus) Subscribe(ctx context.Context, topic, groupID string, handler ports.Handler) (events.SubscriptionInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(topic)
	t.groups[groupID] = &group{
		handler:    handler,
		lastOffset: int64(len(t.log)),
		pending:    make(map[string]pendingDelivery),
	}

	return events.SubscriptionInfo{
		Topic:      topic,
		GroupID:    groupID,
		StartedAt:  time.Now().UTC().Format(time.RFC3339),
		FromOffset: int64(len(t.log)),
	}, nil
}

// Unsubscribe removes a consumer group's registration.
func (b *Bus) Unsubscribe(ctx context.Context, topic, groupID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return errors.NewConsumerNotFoundError(topic, groupID)
	}
	if _, ok := t.groups[groupID]; !ok {
		return errors.NewConsumerNotFoundError(topic, groupID)
	}
	delete(t.groups, groupID)
	return nil
}

// Ack clears a pending re-delivery for the given consumer group.
func (b *Bus) Ack(ctx context.Context, topic, groupID, eventID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, err := b.groupFor(topic, groupID)
	if err != nil {
		return err
	}
	if _, ok := g.pending[eventID]; !ok {
		return errors.NewEventNotFoundError(topic, eventID)
	}
	delete(g.pending, eventID)
	g.lastOffset++
	g.lastProcessed = time.Now().UTC()
	return nil
}

// Nack explicitly nacks a pending event outside the synchronous handler path
// (e.g. from the admin surface), applying the same retryable/DLQ routing as
// an in-handler nack.
func (b *Bus) Nack(ctx context.Context, topic, groupID, eventID string, reason events.NackReason) error {
	b.mu.Lock()
	g, err := b.groupFor(topic, groupID)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	delivery, ok := g.pending[eventID]
	if !ok {
		b.mu.Unlock()
		return errors.NewEventNotFoundError(topic, eventID)
	}
	g.nacked++
	if !reason.Retryable {
		delete(g.pending, eventID)
		t := b.topic(topic)
		t.dlq = append(t.dlq, delivery.envelope)
	}
	b.mu.Unlock()
	return nil
}

func (b *Bus) groupFor(topic, groupID string) (*group, error) {
	t, ok := b.topics[topic]
	if !ok {
		return nil, errors.NewConsumerNotFoundError(topic, groupID)
	}
	g, ok := t.groups[groupID]
	if !ok {
		return nil, errors.NewConsumerNotFoundError(topic, groupID)
	}
	return g, nil
}

// Replay returns envelopes from the topic log matching filter, in publish order.
func (b *Bus) Replay(ctx context.Context, topic string, filter events.ReplayFilter) ([]events.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return nil, nil
	}

	var out []events.Envelope
	for i, env := range t.log {
		if filter.FromOffset != nil && int64(i) < *filter.FromOffset {
			continue
		}
		if filter.ToOffset != nil && int64(i) > *filter.ToOffset {
			continue
		}
		if filter.FromTimestamp != nil && env.Timestamp.Unix() < *filter.FromTimestamp {
			continue
		}
		if filter.ToTimestamp != nil && env.Timestamp.Unix() > *filter.ToTimestamp {
			continue
		}
		if filter.KeyFilter != "" && env.Key != filter.KeyFilter {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// GetConsumerStatus reports a (topic, group)'s current offset and backlog.
func (b *Bus) GetConsumerStatus(ctx context.Context, topic, groupID string) (events.ConsumerStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, err := b.groupFor(topic, groupID)
	if err != nil {
		return events.ConsumerStatus{}, err
	}
	status := events.ConsumerStatus{
		Topic:         topic,
		GroupID:       groupID,
		LastOffset:    g.lastOffset,
		PendingEvents: len(g.pending),
		NackedEvents:  g.nacked,
	}
	if !g.lastProcessed.IsZero() {
		status.LastProcessedAt = g.lastProcessed.Format(time.RFC3339)
	}
	return status, nil
}

// ListTopics returns every topic with at least one published event or
// registered consumer group, sorted for deterministic output.
func (b *Bus) ListTopics(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ListConsumerGroups returns every group registered on topic.
func (b *Bus) ListConsumerGroups(ctx context.Context, topic string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return nil, nil
	}
	names := make([]string, 0, len(t.groups))
	for name := range t.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GetTopicInfo reports aggregate counters for a topic including its DLQ.
func (b *Bus) GetTopicInfo(ctx context.Context, topic string) (events.TopicInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return events.TopicInfo{Topic: topic}, nil
	}
	info := events.TopicInfo{
		Topic:          topic,
		EventCount:     len(t.log),
		ConsumerGroups: len(t.groups),
		DLQEventCount:  len(t.dlq),
	}
	if len(t.log) > 0 {
		info.OldestEventTime = t.log[0].Timestamp.Format(time.RFC3339)
	}
	return info, nil
}

// DLQ returns the dead-letter entries accumulated for topic, exposed for the
// admin surface and tests; not part of the abstract EventBus contract.
func (b *Bus) DLQ(topic string) []events.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return nil
	}
	out := make([]events.Envelope, len(t.dlq))
	copy(out, t.dlq)
	return out
}

// sweepLoop periodically re-offers pending deliveries that have sat past
// visibilityTimeout, until Close stops it.
func (b *Bus) sweepLoop(interval time.Duration) {
	defer close(b.stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.sweepOnce(time.Now().UTC())
		}
	}
}

// sweepOnce re-delivers every pending envelope whose last delivery attempt
// is older than visibilityTimeout relative to now, which is what lets a
// retryable nack actually satisfy at-least-once instead of stalling in
// g.pending forever.
func (b *Bus) sweepOnce(now time.Time) {
	type due struct {
		topic string
		env   events.Envelope
		g     *group
	}
	var redeliveries []due

	b.mu.Lock()
	for topicName, t := range b.topics {
		for _, g := range t.groups {
			for _, d := range g.pending {
				if now.Sub(d.deliveredAt) >= b.visibilityTimeout {
					redeliveries = append(redeliveries, due{topic: topicName, env: d.envelope, g: g})
				}
			}
		}
	}
	b.mu.Unlock()

	for _, r := range redeliveries {
		log.Printf("🔁 redelivering event %s on %s after visibility timeout", r.env.EventID, r.topic)
		b.deliver(context.Background(), r.topic, r.env, r.g)
	}
}

// Close stops the redelivery sweep. The in-memory adapter owns no other
// external resources.
func (b *Bus) Close() error {
	close(b.stop)
	<-b.stopped
	return nil
}
