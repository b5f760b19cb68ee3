package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dazzle-run/runtime/internal/domain/events"
	"github.com/dazzle-run/runtime/internal/domain/ports"
)

// OutboxPublisher drains the transactional outbox and publishes each entry
// through the configured EventBus, backing off exponentially on failures
// until an entry's attempt count reaches its max_attempts.
type OutboxPublisher struct {
	store ports.OutboxStore
	bus   ports.EventBus
	clock ports.Clock

	publisherID   string
	pollInterval  time.Duration
	batchSize     int
	maxAttempts   int
	leaseSeconds  int
	retryBase     time.Duration
	retryCap      time.Duration

	mu               sync.Mutex
	batchesProcessed int64
	running          bool
	recentErrors     []string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// OutboxPublisherConfig tunes polling cadence and retry behavior.
type OutboxPublisherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	LeaseSeconds int
	RetryBase    time.Duration
	RetryCap     time.Duration
}

// NewOutboxPublisher builds a publisher with a fresh, unique publisher_id so
// concurrent runtimed instances can be told apart in logs and lease claims.
func NewOutboxPublisher(store ports.OutboxStore, bus ports.EventBus, clock ports.Clock, cfg OutboxPublisherConfig) *OutboxPublisher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 30
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 2 * time.Minute
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}

	return &OutboxPublisher{
		store:        store,
		bus:          bus,
		clock:        clock,
		publisherID:  uuid.NewString(),
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		maxAttempts:  cfg.MaxAttempts,
		leaseSeconds: cfg.LeaseSeconds,
		retryBase:    cfg.RetryBase,
		retryCap:     cfg.RetryCap,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the polling goroutine. Safe to call once per publisher.
func (p *OutboxPublisher) Start() {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()

		log.Printf("📤 outbox publisher %s started with %v interval", p.publisherID, p.pollInterval)

		for {
			select {
			case <-p.stopCh:
				log.Printf("📤 outbox publisher %s stopping", p.publisherID)
				return
			case <-ticker.C:
				if err := p.Drain(context.Background()); err != nil {
					log.Printf("⚠️  outbox publisher %s batch error: %v", p.publisherID, err)
				}
			}
		}
	}()
}

// Stop signals the worker to exit and blocks until it has.
func (p *OutboxPublisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

// Drain claims up to batchSize pending entries under this publisher's lease
// and publishes each one, committing the outcome back to the store.
func (p *OutboxPublisher) Drain(ctx context.Context) error {
	entries, err := p.store.FetchPending(ctx, ports.FetchPendingOptions{
		Limit:        p.batchSize,
		LockToken:    p.publisherID,
		LeaseSeconds: p.leaseSeconds,
	})
	if err != nil {
		return fmt.Errorf("failed to fetch pending outbox entries: %w", err)
	}

	if len(entries) > 0 {
		log.Printf("🔄 [outbox] publisher %s processing %d pending entries", p.publisherID, len(entries))
	}

	for _, entry := range entries {
		p.publishOne(ctx, entry)
	}

	p.mu.Lock()
	p.batchesProcessed++
	p.mu.Unlock()

	return nil
}

func (p *OutboxPublisher) publishOne(ctx context.Context, entry ports.OutboxEntry) {
	envelope, err := events.Unmarshal(entry.Envelope)
	if err != nil {
		p.recordFailure(ctx, entry, fmt.Errorf("invalid envelope: %w", err))
		return
	}

	if err := p.bus.Publish(ctx, entry.Topic, envelope, false, nil); err != nil {
		p.recordFailure(ctx, entry, err)
		return
	}

	if err := p.store.MarkPublished(ctx, entry.ID); err != nil {
		log.Printf("⚠️  [outbox] entry %s published but failed to mark published: %v", entry.ID, err)
		return
	}

	log.Printf("✅ [outbox] published entry %s on topic %s", entry.ID, entry.Topic)
}

func (p *OutboxPublisher) recordFailure(ctx context.Context, entry ports.OutboxEntry, publishErr error) {
	delay := p.backoff(entry.Attempts)
	retry, err := p.store.MarkFailed(ctx, entry.ID, publishErr, p.maxAttempts, delay)
	if err != nil {
		log.Printf("⚠️  [outbox] entry %s failed and could not record failure: %v", entry.ID, err)
		return
	}

	p.mu.Lock()
	p.recentErrors = append(p.recentErrors, fmt.Sprintf("%s: %v", entry.ID, publishErr))
	if len(p.recentErrors) > 20 {
		p.recentErrors = p.recentErrors[len(p.recentErrors)-20:]
	}
	p.mu.Unlock()

	if retry {
		log.Printf("↩️  [outbox] entry %s will retry (attempt %d/%d): %v", entry.ID, entry.Attempts+1, p.maxAttempts, publishErr)
		return
	}
	log.Printf("❌ [outbox] entry %s exhausted retries: %v", entry.ID, publishErr)
}

// backoff computes the exponential retry delay for an entry's attempt count,
// capped at retryCap. Attempts is zero-based (the count before this failure).
func (p *OutboxPublisher) backoff(attempts int) time.Duration {
	delay := p.retryBase << attempts
	if delay > p.retryCap || delay <= 0 {
		return p.retryCap
	}
	return delay
}

// Stats reports a snapshot of publisher activity for the admin surface.
func (p *OutboxPublisher) Stats() (batchesProcessed int64, isRunning bool, publisherID string, recentErrors []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	errs := make([]string, len(p.recentErrors))
	copy(errs, p.recentErrors)
	return p.batchesProcessed, p.running, p.publisherID, errs
}

// Cleanup removes published entries older than olderThan, returning the
// number of rows removed. Intended to be called periodically (e.g. daily).
func (p *OutboxPublisher) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	return p.store.CleanupPublished(ctx, p.clock.Now().Add(-olderThan))
}
