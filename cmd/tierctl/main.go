// Command tierctl is the one-shot operator CLI for the runtime core: it
// inspects the configured bus tier, reports on draining DSL-version
// migrations, and retries failed outbox entries, without keeping the daemon
// itself running.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/dazzle-run/runtime/internal/application/services"
	"github.com/dazzle-run/runtime/internal/infrastructure/database"
	"github.com/dazzle-run/runtime/internal/infrastructure/persistence"
	"github.com/dazzle-run/runtime/internal/infrastructure/tier"
	"github.com/dazzle-run/runtime/pkg/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := config.Load()
	ctx := context.Background()

	var err error
	switch os.Args[1] {
	case "inspect":
		err = runInspect(ctx, cfg, os.Args[2:])
	case "drain":
		err = runDrain(ctx, cfg, os.Args[2:])
	case "retry":
		err = runRetry(ctx, cfg, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatalf("tierctl %s: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `tierctl inspects and operates on a configured dazzle runtime deployment.

Usage:
  tierctl inspect [-topic NAME]      list topics, consumer groups, and DLQ depth for the configured bus tier
  tierctl drain [-complete]          list in-progress DSL-version migrations; -complete auto-completes drained ones
  tierctl retry -id ID               retry one failed outbox entry
  tierctl retry -all-failed          retry every failed outbox entry`)
}

// runInspect reports topics, consumer groups, and DLQ depth for the
// configured tier, the read-only half of the promised "inspect tier, drain,
// retry outbox entries" surface.
func runInspect(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	topicFilter := fs.String("topic", "", "limit the report to a single topic")
	if err := fs.Parse(args); err != nil {
		return err
	}

	bus, tierName, err := tier.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build event bus: %w", err)
	}
	defer bus.Close()

	fmt.Printf("tier: %s\n", tierName)

	topics, err := bus.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("failed to list topics: %w", err)
	}
	if *topicFilter != "" {
		topics = filterTopic(topics, *topicFilter)
	}
	if len(topics) == 0 {
		fmt.Println("no topics with an active subscription")
		return nil
	}

	for _, topic := range topics {
		info, err := bus.GetTopicInfo(ctx, topic)
		if err != nil {
			fmt.Printf("  %s: failed to fetch topic info: %v\n", topic, err)
			continue
		}
		groups, err := bus.ListConsumerGroups(ctx, topic)
		if err != nil {
			groups = nil
		}
		fmt.Printf("  %s: events=%d dlq=%d consumer_groups=%d\n", topic, info.EventCount, info.DLQEventCount, len(groups))
		for _, group := range groups {
			status, err := bus.GetConsumerStatus(ctx, topic, group)
			if err != nil {
				continue
			}
			fmt.Printf("    %s: pending=%d nacked=%d last_offset=%d\n", group, status.PendingEvents, status.NackedEvents, status.LastOffset)
		}
	}
	return nil
}

func filterTopic(topics []string, want string) []string {
	for _, t := range topics {
		if t == want {
			return []string{t}
		}
	}
	return nil
}

// runDrain lists every in-progress version migration and, with -complete,
// auto-completes the ones that have reached zero runs_remaining — the same
// check DrainWatcher.tryComplete performs on its polling interval, exposed
// here as a one-shot operator action.
func runDrain(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("drain", flag.ExitOnError)
	complete := fs.Bool("complete", false, "auto-complete migrations with zero runs remaining")
	if err := fs.Parse(args); err != nil {
		return err
	}

	conn, err := database.GetInstance()
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close()

	db := conn.DB()
	versions := services.NewVersionService(persistence.NewVersionRepository(db), persistence.NewProcessRepository(db))

	migrations, err := versions.ListInProgressMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list in-progress migrations: %w", err)
	}
	if len(migrations) == 0 {
		fmt.Println("no in-progress migrations")
		return nil
	}

	for _, m := range migrations {
		status, err := versions.CheckMigrationStatus(ctx, m.ID)
		if err != nil {
			fmt.Printf("  %s: failed to check status: %v\n", m.ID, err)
			continue
		}
		fmt.Printf("  %s: %s -> %s, runs_remaining=%d\n", m.ID, status.From, status.To, status.RunsRemaining)

		if !*complete || status.RunsRemaining > 0 {
			continue
		}
		if err := versions.CompleteMigration(ctx, m.ID); err != nil {
			fmt.Printf("    failed to complete: %v\n", err)
			continue
		}
		fmt.Printf("    completed: %s archived\n", status.From)
	}
	return nil
}

// runRetry resets one or all failed outbox entries back to pending so the
// publisher's next poll picks them up, per OutboxRepository.RetryFailed.
func runRetry(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	id := fs.String("id", "", "outbox entry id to retry")
	allFailed := fs.Bool("all-failed", false, "retry every entry currently in the failed state")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" && !*allFailed {
		return fmt.Errorf("one of -id or -all-failed is required")
	}

	conn, err := database.GetInstance()
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close()

	outbox := persistence.NewOutboxRepository(conn.DB())

	if *id != "" {
		if err := outbox.RetryFailed(ctx, *id); err != nil {
			return err
		}
		fmt.Printf("retried %s\n", *id)
		return nil
	}

	entries, err := outbox.GetFailedEntries(ctx)
	if err != nil {
		return fmt.Errorf("failed to list failed entries: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("no failed outbox entries")
		return nil
	}
	for _, e := range entries {
		if err := outbox.RetryFailed(ctx, e.ID); err != nil {
			fmt.Printf("  %s: failed to retry: %v\n", e.ID, err)
			continue
		}
		fmt.Printf("  %s: retried (topic=%s attempts_reset last_error=%q)\n", e.ID, e.Topic, e.LastError)
	}
	return nil
}
