// Package embedded implements the "embedded durable" Bus adapter: a
// single-node, crash-safe local store suitable for developer workstations.
// Durability comes from go.etcd.io/bbolt; ordering is total per topic,
// matching the in-memory adapter's semantics but surviving process restarts.
package embedded

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/dazzle-run/runtime/internal/domain/events"
	"github.com/dazzle-run/runtime/internal/domain/ports"
	"github.com/dazzle-run/runtime/pkg/errors"
)

var (
	bucketEvents  = []byte("events")  // topic -> (seq -> envelope JSON)
	bucketGroups  = []byte("groups")  // topic -> group -> offset
	bucketDLQ     = []byte("dlq")     // topic -> (seq -> envelope JSON)
)

type pendingDelivery struct {
	envelope    events.Envelope
	deliveredAt time.Time
}

type consumerGroup struct {
	handler    ports.Handler
	lastOffset int64
	pending    map[string]pendingDelivery
	nacked     int
	lastProc   time.Time
}

const (
	defaultVisibilityTimeout = 5 * time.Second
	defaultSweepInterval     = 1 * time.Second
)

// Bus is the bbolt-backed durable Bus adapter.
type Bus struct {
	db *bbolt.DB

	mu     sync.Mutex
	groups map[string]map[string]*consumerGroup // topic -> group -> state

	// visibilityTimeout bounds how long a retryable-nacked envelope sits in
	// a group's pending set before sweepLoop re-offers it to the handler,
	// matching the in-memory adapter's redelivery discipline.
	visibilityTimeout time.Duration
	stop              chan struct{}
	stopped           chan struct{}
}

// Open opens (creating if absent) the bbolt store at path.
func Open(path string) (*Bus, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.NewBackendUnavailableError("embedded", fmt.Sprintf("could not open bbolt store at %q; check the path is writable", path), err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEvents, bucketGroups, bucketDLQ} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.NewBackendUnavailableError("embedded", "failed to initialize bbolt buckets", err)
	}

	b := &Bus{
		db:                db,
		groups:            make(map[string]map[string]*consumerGroup),
		visibilityTimeout: defaultVisibilityTimeout,
		stop:              make(chan struct{}),
		stopped:           make(chan struct{}),
	}
	go b.sweepLoop(defaultSweepInterval)
	return b, nil
}

var _ ports.EventBus = (*Bus)(nil)

func topicBucketName(parent []byte, topic string) []byte {
	return []byte(string(parent) + ":" + topic)
}

// Publish appends envelope to topic's durable log and offers it to every
// in-process consumer group handler.
func (b *Bus) Publish(ctx context.Context, topic string, envelope events.Envelope, transactional bool, tx *sql.Tx) error {
	body, err := envelope.Marshal()
	if err != nil {
		return errors.NewPublishError(topic, err)
	}

	err = b.db.Update(func(btx *bbolt.Tx) error {
		bucket, err := btx.Bucket(bucketEvents).CreateBucketIfNotExists([]byte(topic))
		if err != nil {
			return err
		}
		seq, _ := bucket.NextSequence()
		return bucket.Put(seqKey(seq), body)
	})
	if err != nil {
		return errors.NewPublishError(topic, err)
	}

	b.mu.Lock()
	groups := make([]*consumerGroup, 0)
	for _, g := range b.groups[topic] {
		groups = append(groups, g)
	}
	b.mu.Unlock()

	for _, g := range groups {
		b.deliver(ctx, topic, envelope, g)
	}
	return nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func (b *Bus) deliver(ctx context.Context, topic string, envelope events.Envelope, g *consumerGroup) {
	b.mu.Lock()
	g.pending[envelope.EventID] = pendingDelivery{envelope: envelope, deliveredAt: time.Now().UTC()}
	b.mu.Unlock()

	reason := g.handler(ctx, envelope)

	b.mu.Lock()
	defer b.mu.Unlock()
	if reason == nil {
		delete(g.pending, envelope.EventID)
		g.lastOffset++
		g.lastProc = time.Now().UTC()
		return
	}

	g.nacked++
	if reason.Retryable {
		log.Printf("↩️  embedded bus: event %s on %s nacked (retryable), will re-offer", envelope.EventID, topic)
		return
	}

	delete(g.pending, envelope.EventID)
	body, _ := json.Marshal(envelope)
	_ = b.db.Update(func(btx *bbolt.Tx) error {
		dlq, err := btx.Bucket(bucketDLQ).CreateBucketIfNotExists([]byte(topic))
		if err != nil {
			return err
		}
		seq, _ := dlq.NextSequence()
		return dlq.Put(seqKey(seq), body)
	})
	log.Printf("☠️  embedded bus: event %s on %s routed to DLQ: %s", envelope.EventID, topic, reason.Message)
}

// Subscribe registers an in-process consumer group starting at the topic's
// current tail.
func (b *Bus) Subscribe(ctx context.Context, topic, groupID string, handler ports.Handler) (events.SubscriptionInfo, error) {
	tail, err := b.tailOffset(topic)
	if err != nil {
		return events.SubscriptionInfo{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.groups[topic] == nil {
		b.groups[topic] = make(map[string]*consumerGroup)
	}
	b.groups[topic][groupID] = &consumerGroup{
		handler:    handler,
		lastOffset: tail,
		pending:    make(map[string]pendingDelivery),
	}

	return events.SubscriptionInfo{Topic: topic, GroupID: groupID, StartedAt: time.Now().UTC().Format(time.RFC3339), FromOffset: tail}, nil
}

func (b *Bus) tailOffset(topic string) (int64, error) {
	var count int64
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEvents).Bucket([]byte(topic))
		if bucket == nil {
			return nil
		}
		count = int64(bucket.Stats().KeyN)
		return nil
	})
	return count, err
}

// Unsubscribe removes a consumer group's in-process registration.
func (b *Bus) Unsubscribe(ctx context.Context, topic, groupID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if g := b.groups[topic]; g != nil {
		if _, ok := g[groupID]; ok {
			delete(g, groupID)
			return nil
		}
	}
	return errors.NewConsumerNotFoundError(topic, groupID)
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
	g.lastProc = time.Now().UTC()
	return nil
}

// Nack applies retryable/DLQ routing to a pending event outside the
// synchronous handler path.
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
	}
	b.mu.Unlock()

	if !reason.Retryable {
		body, _ := json.Marshal(delivery.envelope)
		return b.db.Update(func(btx *bbolt.Tx) error {
			dlq, err := btx.Bucket(bucketDLQ).CreateBucketIfNotExists([]byte(topic))
			if err != nil {
				return err
			}
			seq, _ := dlq.NextSequence()
			return dlq.Put(seqKey(seq), body)
		})
	}
	return nil
}

func (b *Bus) groupFor(topic, groupID string) (*consumerGroup, error) {
	g := b.groups[topic]
	if g == nil {
		return nil, errors.NewConsumerNotFoundError(topic, groupID)
	}
	cg, ok := g[groupID]
	if !ok {
		return nil, errors.NewConsumerNotFoundError(topic, groupID)
	}
	return cg, nil
}

// Replay reads envelopes from the durable log matching filter.
func (b *Bus) Replay(ctx context.Context, topic string, filter events.ReplayFilter) ([]events.Envelope, error) {
	var out []events.Envelope
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEvents).Bucket([]byte(topic))
		if bucket == nil {
			return nil
		}
		i := int64(0)
		return bucket.ForEach(func(k, v []byte) error {
			defer func() { i++ }()
			if filter.FromOffset != nil && i < *filter.FromOffset {
				return nil
			}
			if filter.ToOffset != nil && i > *filter.ToOffset {
				return nil
			}
			var env events.Envelope
			if err := json.Unmarshal(v, &env); err != nil {
				return err
			}
			if filter.FromTimestamp != nil && env.Timestamp.Unix() < *filter.FromTimestamp {
				return nil
			}
			if filter.ToTimestamp != nil && env.Timestamp.Unix() > *filter.ToTimestamp {
				return nil
			}
			if filter.KeyFilter != "" && env.Key != filter.KeyFilter {
				return nil
			}
			out = append(out, env)
			return nil
		})
	})
	return out, err
}

// GetConsumerStatus reports a (topic, group)'s current offset and backlog.
func (b *Bus) GetConsumerStatus(ctx context.Context, topic, groupID string) (events.ConsumerStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, err := b.groupFor(topic, groupID)
	if err != nil {
		return events.ConsumerStatus{}, err
	}
	status := events.ConsumerStatus{Topic: topic, GroupID: groupID, LastOffset: g.lastOffset, PendingEvents: len(g.pending), NackedEvents: g.nacked}
	if !g.lastProc.IsZero() {
		status.LastProcessedAt = g.lastProc.Format(time.RFC3339)
	}
	return status, nil
}

// ListTopics returns every topic with a durable log.
func (b *Bus) ListTopics(ctx context.Context) ([]string, error) {
	var names []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEachBucket(func(name []byte) error {
			names = append(names, string(name))
			return nil
		})
	})
	sort.Strings(names)
	return names, err
}

// ListConsumerGroups returns every in-process group registered on topic.
func (b *Bus) ListConsumerGroups(ctx context.Context, topic string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for name := range b.groups[topic] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GetTopicInfo reports aggregate counters for a topic including its DLQ.
func (b *Bus) GetTopicInfo(ctx context.Context, topic string) (events.TopicInfo, error) {
	info := events.TopicInfo{Topic: topic}
	err := b.db.View(func(tx *bbolt.Tx) error {
		if bucket := tx.Bucket(bucketEvents).Bucket([]byte(topic)); bucket != nil {
			info.EventCount = bucket.Stats().KeyN
			if k, v := bucket.Cursor().First(); k != nil {
				var env events.Envelope
				if json.Unmarshal(v, &env) == nil {
					info.OldestEventTime = env.Timestamp.Format(time.RFC3339)
				}
			}
		}
		if dlq := tx.Bucket(bucketDLQ).Bucket([]byte(topic)); dlq != nil {
			info.DLQEventCount = dlq.Stats().KeyN
		}
		return nil
	})
	b.mu.Lock()
	info.ConsumerGroups = len(b.groups[topic])
	b.mu.Unlock()
	return info, err
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
// is older than visibilityTimeout relative to now, so a retryable nack is
// actually re-offered instead of stalling in g.pending forever.
func (b *Bus) sweepOnce(now time.Time) {
	type due struct {
		topic string
		env   events.Envelope
		g     *consumerGroup
	}
	var redeliveries []due

	b.mu.Lock()
	for topicName, groups := range b.groups {
		for _, g := range groups {
			for _, d := range g.pending {
				if now.Sub(d.deliveredAt) >= b.visibilityTimeout {
					redeliveries = append(redeliveries, due{topic: topicName, env: d.envelope, g: g})
				}
			}
		}
	}
	b.mu.Unlock()

	for _, r := range redeliveries {
		log.Printf("🔁 embedded bus: redelivering event %s on %s after visibility timeout", r.env.EventID, r.topic)
		b.deliver(context.Background(), r.topic, r.env, r.g)
	}
}

// Close stops the redelivery sweep and releases the bbolt file handle.
func (b *Bus) Close() error {
	close(b.stop)
	<-b.stopped
	return b.db.Close()
}
