package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dazzle-run/runtime/internal/infrastructure/persistence"
	"github.com/dazzle-run/runtime/pkg/errors"
)

// VersionService deploys and migrates DSL versions, per spec.md §4.8.
type VersionService struct {
	repo         *persistence.VersionRepository
	processRepo  *persistence.ProcessRepository
}

// NewVersionService creates a new VersionService.
func NewVersionService(repo *persistence.VersionRepository, processRepo *persistence.ProcessRepository) *VersionService {
	return &VersionService{repo: repo, processRepo: processRepo}
}

// ComputeVersionHash returns a deterministic 16-hex digest over the
// concatenated contents of files, matching tier.py's compute_version_hash.
func ComputeVersionHash(files ...[]byte) string {
	h := sha256.New()
	for _, f := range files {
		h.Write(f)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// GenerateVersionID formats "vYYYYMMDD_HHMMSS_<hash[:8]>" from the given
// instant and content hash.
func GenerateVersionID(now time.Time, hash string) string {
	prefix := hash
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("v%s_%s", now.UTC().Format("20060102_150405"), prefix)
}

// DeployVersion inserts a new active version. A duplicate version_id is an error.
func (s *VersionService) DeployVersion(ctx context.Context, versionID, dslHash, manifest string) error {
	if _, err := s.repo.GetVersion(ctx, versionID); err == nil {
		return fmt.Errorf("version %s already deployed", versionID)
	}
	if err := s.repo.InsertVersion(ctx, versionID, dslHash, manifest); err != nil {
		return err
	}
	log.Printf("🚀 [version] deployed %s", versionID)
	return nil
}

// MigrationStatus is the check_migration_status response shape.
type MigrationStatus struct {
	Status        string
	RunsRemaining int
	From          string
	To            string
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// StartMigration marks from draining, creates an in_progress migration, and
// returns the current count of runs still tagged from.
func (s *VersionService) StartMigration(ctx context.Context, migrationID, from, to string) (int, error) {
	if err := s.repo.SetVersionStatus(ctx, from, "draining"); err != nil {
		return 0, err
	}
	if err := s.repo.InsertMigration(ctx, migrationID, from, to); err != nil {
		return 0, err
	}
	remaining, err := s.processRepo.CountRunsByVersion(ctx, from)
	if err != nil {
		return 0, err
	}
	log.Printf("🔄 [version] migration %s started: %s → %s (%d runs remaining)", migrationID, from, to, remaining)
	return remaining, nil
}

// CheckMigrationStatus reports the live state of a migration, recomputing
// runs_remaining from the process repository rather than caching it.
func (s *VersionService) CheckMigrationStatus(ctx context.Context, migrationID string) (MigrationStatus, error) {
	m, err := s.repo.GetMigration(ctx, migrationID)
	if err != nil {
		return MigrationStatus{}, err
	}
	remaining, err := s.processRepo.CountRunsByVersion(ctx, m.FromVersion)
	if err != nil {
		return MigrationStatus{}, err
	}
	status := MigrationStatus{
		Status:        m.Status,
		RunsRemaining: remaining,
		From:          m.FromVersion,
		To:            m.ToVersion,
		StartedAt:     m.StartedAt,
	}
	if m.CompletedAt.Valid {
		t := m.CompletedAt.Time
		status.CompletedAt = &t
	}
	return status, nil
}

// CompleteMigration archives from. Legal only when runs_remaining = 0.
func (s *VersionService) CompleteMigration(ctx context.Context, migrationID string) error {
	m, err := s.repo.GetMigration(ctx, migrationID)
	if err != nil {
		return err
	}
	remaining, err := s.processRepo.CountRunsByVersion(ctx, m.FromVersion)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return errors.NewMigrationInFlightError(migrationID, remaining)
	}
	if err := s.repo.SetVersionStatus(ctx, m.FromVersion, "archived"); err != nil {
		return err
	}
	if err := s.repo.CompleteMigration(ctx, migrationID); err != nil {
		return err
	}
	log.Printf("✅ [version] migration %s completed: %s archived", migrationID, m.FromVersion)
	return nil
}

// RollbackMigration restores from to active, archives to, and marks the
// migration rolled_back.
func (s *VersionService) RollbackMigration(ctx context.Context, migrationID string) error {
	m, err := s.repo.GetMigration(ctx, migrationID)
	if err != nil {
		return err
	}
	if err := s.repo.SetVersionStatus(ctx, m.FromVersion, "active"); err != nil {
		return err
	}
	if err := s.repo.SetVersionStatus(ctx, m.ToVersion, "archived"); err != nil {
		return err
	}
	if err := s.repo.RollBackMigration(ctx, migrationID); err != nil {
		return err
	}
	log.Printf("↩️  [version] migration %s rolled back: %s restored active", migrationID, m.FromVersion)
	return nil
}

// ListVersions returns every deployed version.
func (s *VersionService) ListVersions(ctx context.Context) ([]persistence.DSLVersion, error) {
	return s.repo.ListVersions(ctx)
}

// GetActiveVersion returns the currently active version, if any. The bridge
// does not call it: runs the bridge starts carry no deployed_version_id.
func (s *VersionService) GetActiveVersion(ctx context.Context) (persistence.DSLVersion, bool, error) {
	return s.repo.GetActiveVersion(ctx)
}

// ListInProgressMigrations returns every migration still draining, for the
// drain watcher and the tierctl CLI's "drain" inspection.
func (s *VersionService) ListInProgressMigrations(ctx context.Context) ([]persistence.Migration, error) {
	return s.repo.ListInProgressMigrations(ctx)
}

// DrainWatcher polls in-progress migrations and auto-completes any that have
// reached zero runs_remaining, guarding against double-completion under
// concurrent operators with a mutex-held "completing" set — the same
// defensive idiom the teacher uses around its connection singleton.
type DrainWatcher struct {
	versions *VersionService

	interval     time.Duration
	autoComplete bool

	mu         sync.Mutex
	completing map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDrainWatcher creates a new DrainWatcher.
func NewDrainWatcher(versions *VersionService, interval time.Duration, autoComplete bool) *DrainWatcher {
	return &DrainWatcher{
		versions:     versions,
		interval:     interval,
		autoComplete: autoComplete,
		completing:   make(map[string]bool),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the polling goroutine. Safe to call once per watcher.
func (w *DrainWatcher) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		log.Printf("⏳ drain watcher started with %v interval", w.interval)

		for {
			select {
			case <-w.stopCh:
				log.Printf("⏳ drain watcher stopping")
				return
			case <-ticker.C:
				w.poll(context.Background())
			}
		}
	}()
}

// Stop signals the watcher to exit and blocks until it has.
func (w *DrainWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()
}

func (w *DrainWatcher) poll(ctx context.Context) {
	if !w.autoComplete {
		return
	}

	migrations, err := w.versions.repo.ListInProgressMigrations(ctx)
	if err != nil {
		log.Printf("⚠️  drain watcher failed to list migrations: %v", err)
		return
	}

	for _, m := range migrations {
		w.mu.Lock()
		if w.completing[m.ID] {
			w.mu.Unlock()
			continue
		}
		w.completing[m.ID] = true
		w.mu.Unlock()

		w.tryComplete(ctx, m.ID)

		w.mu.Lock()
		delete(w.completing, m.ID)
		w.mu.Unlock()
	}
}

func (w *DrainWatcher) tryComplete(ctx context.Context, migrationID string) {
	status, err := w.versions.CheckMigrationStatus(ctx, migrationID)
	if err != nil {
		log.Printf("⚠️  drain watcher could not check migration %s: %v", migrationID, err)
		return
	}
	if status.RunsRemaining > 0 {
		return
	}
	if err := w.versions.CompleteMigration(ctx, migrationID); err != nil {
		log.Printf("⚠️  drain watcher failed to auto-complete migration %s: %v", migrationID, err)
	}
}
