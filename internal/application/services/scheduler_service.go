package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dazzle-run/runtime/internal/domain/process"
)

// schedule tracks one cron-triggered process between ticks.
type schedule struct {
	processName string
	parsed      cron.Schedule
	nextRun     time.Time
	running     bool
}

// SchedulerService triggers processes on their declared cron schedule,
// grounded on the teacher's ticker-driven SchedulerService (lock-acquire,
// panic-recovery, execute, release, schedule-next-run), generalized from a
// CRM flow table to process.Spec's TriggerSchedule kind and reimplemented
// around cron.Schedule.Next instead of a persisted next_run_at column.
type SchedulerService struct {
	orchestrator *Orchestrator

	mu        sync.Mutex
	schedules map[string]*schedule // keyed by process name

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSchedulerService creates a new SchedulerService.
func NewSchedulerService(orchestrator *Orchestrator) *SchedulerService {
	return &SchedulerService{
		orchestrator: orchestrator,
		schedules:    make(map[string]*schedule),
		stopCh:       make(chan struct{}),
	}
}

// RegisterSchedule parses spec's cron expression and adds it to the
// scheduler. Specs without a schedule trigger are ignored.
func (s *SchedulerService) RegisterSchedule(spec process.Spec) error {
	if spec.Trigger.Kind != process.TriggerSchedule || spec.Trigger.CronExpression == "" {
		return nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	parsed, err := parser.Parse(spec.Trigger.CronExpression)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q for process %q: %w", spec.Trigger.CronExpression, spec.Name, err)
	}

	now := time.Now().UTC()
	next := parsed.Next(now)
	if !spec.Trigger.LastRunAt.IsZero() {
		next = parsed.Next(spec.Trigger.LastRunAt)
	}

	s.mu.Lock()
	s.schedules[spec.Name] = &schedule{processName: spec.Name, parsed: parsed, nextRun: next}
	s.mu.Unlock()

	log.Printf("⏰ registered schedule for process %s, next run at %s", spec.Name, next.Format(time.RFC3339))
	return nil
}

// Start launches the ticker-driven poll loop. Safe to call once per service.
func (s *SchedulerService) Start(checkInterval time.Duration) {
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()

		log.Println("⏰ scheduler service starting...")
		s.runDue()

		for {
			select {
			case <-ticker.C:
				s.runDue()
			case <-s.stopCh:
				log.Println("⏰ scheduler service stopping...")
				return
			}
		}
	}()
}

// Stop signals the poll loop to exit and blocks until it has.
func (s *SchedulerService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	log.Println("⏰ scheduler service stopped")
}

// runDue fires every schedule whose next_run has passed, each in its own
// goroutine, guarded against overlapping runs of the same schedule.
func (s *SchedulerService) runDue() {
	now := time.Now().UTC()

	s.mu.Lock()
	var due []*schedule
	for _, sch := range s.schedules {
		if sch.running || now.Before(sch.nextRun) {
			continue
		}
		sch.running = true
		due = append(due, sch)
	}
	s.mu.Unlock()

	for _, sch := range due {
		s.wg.Add(1)
		go func(sch *schedule) {
			defer s.wg.Done()
			s.execute(sch)
		}(sch)
	}
}

func (s *SchedulerService) execute(sch *schedule) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("🔥 panic in scheduled process %s: %v", sch.processName, r)
		}
		s.mu.Lock()
		sch.running = false
		sch.nextRun = sch.parsed.Next(time.Now().UTC())
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	startTime := time.Now()
	run, err := s.orchestrator.TriggerScheduled(ctx, sch.processName, sch.processName)
	duration := time.Since(startTime)
	if err != nil {
		log.Printf("❌ scheduled process %s failed to start after %v: %v", sch.processName, duration, err)
		return
	}
	log.Printf("✅ scheduled process %s started run %s in %v", sch.processName, run.RunID, duration)
}
