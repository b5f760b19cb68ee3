package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DSLVersion is a persisted, deployed process-definition version.
type DSLVersion struct {
	VersionID string
	DSLHash   string
	Status    string // active | draining | archived
	Manifest  string
	CreatedAt time.Time
}

// Migration is a persisted from-version-to-version rollout.
type Migration struct {
	ID            string
	FromVersion   string
	ToVersion     string
	Status        string // in_progress | completed | rolled_back
	StartedAt     time.Time
	CompletedAt   sql.NullTime
}

const (
	versionStatusActive   = "active"
	versionStatusDraining = "draining"
	versionStatusArchived = "archived"

	migrationStatusInProgress = "in_progress"
	migrationStatusCompleted  = "completed"
	migrationStatusRolledBack = "rolled_back"
)

// VersionRepository persists DSL versions and migrations, grounded on the
// same database/sql idiom as OutboxRepository and ProcessRepository.
type VersionRepository struct {
	db *sql.DB
}

// NewVersionRepository creates a new VersionRepository.
func NewVersionRepository(db *sql.DB) *VersionRepository {
	return &VersionRepository{db: db}
}

// InsertVersion inserts a new version row as active. Duplicate version_id
// values are rejected by the table's primary key, surfaced as an error here.
func (r *VersionRepository) InsertVersion(ctx context.Context, versionID, dslHash, manifest string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dsl_versions (version_id, dsl_hash, status, manifest, created_at)
		VALUES (?, ?, ?, ?, NOW())
	`, versionID, dslHash, versionStatusActive, manifest)
	if err != nil {
		return fmt.Errorf("failed to insert dsl version %s: %w", versionID, err)
	}
	return nil
}

// GetVersion loads a version by id.
func (r *VersionRepository) GetVersion(ctx context.Context, versionID string) (DSLVersion, error) {
	var v DSLVersion
	err := r.db.QueryRowContext(ctx, `
		SELECT version_id, dsl_hash, status, manifest, created_at
		FROM dsl_versions WHERE version_id = ?
	`, versionID).Scan(&v.VersionID, &v.DSLHash, &v.Status, &v.Manifest, &v.CreatedAt)
	if err != nil {
		return DSLVersion{}, fmt.Errorf("failed to load dsl version %s: %w", versionID, err)
	}
	return v, nil
}

// GetActiveVersion returns the single version currently marked active, per
// spec.md §3's "at most one active version" invariant.
func (r *VersionRepository) GetActiveVersion(ctx context.Context) (DSLVersion, bool, error) {
	var v DSLVersion
	err := r.db.QueryRowContext(ctx, `
		SELECT version_id, dsl_hash, status, manifest, created_at
		FROM dsl_versions WHERE status = ? LIMIT 1
	`, versionStatusActive).Scan(&v.VersionID, &v.DSLHash, &v.Status, &v.Manifest, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return DSLVersion{}, false, nil
	}
	if err != nil {
		return DSLVersion{}, false, fmt.Errorf("failed to load active dsl version: %w", err)
	}
	return v, true, nil
}

// ListVersions returns every version, most recently created first.
func (r *VersionRepository) ListVersions(ctx context.Context) ([]DSLVersion, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT version_id, dsl_hash, status, manifest, created_at
		FROM dsl_versions ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dsl versions: %w", err)
	}
	defer rows.Close()

	var out []DSLVersion
	for rows.Next() {
		var v DSLVersion
		if err := rows.Scan(&v.VersionID, &v.DSLHash, &v.Status, &v.Manifest, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dsl version: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// SetVersionStatus transitions a version's status.
func (r *VersionRepository) SetVersionStatus(ctx context.Context, versionID, status string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE dsl_versions SET status = ? WHERE version_id = ?`, status, versionID)
	if err != nil {
		return fmt.Errorf("failed to set status of dsl version %s: %w", versionID, err)
	}
	return nil
}

// InsertMigration creates a new in-progress migration row.
func (r *VersionRepository) InsertMigration(ctx context.Context, id, from, to string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO version_migrations (id, from_version, to_version, status, started_at)
		VALUES (?, ?, ?, ?, NOW())
	`, id, from, to, migrationStatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to insert migration %s: %w", id, err)
	}
	return nil
}

// GetMigration loads a migration by id.
func (r *VersionRepository) GetMigration(ctx context.Context, id string) (Migration, error) {
	var m Migration
	err := r.db.QueryRowContext(ctx, `
		SELECT id, from_version, to_version, status, started_at, completed_at
		FROM version_migrations WHERE id = ?
	`, id).Scan(&m.ID, &m.FromVersion, &m.ToVersion, &m.Status, &m.StartedAt, &m.CompletedAt)
	if err != nil {
		return Migration{}, fmt.Errorf("failed to load migration %s: %w", id, err)
	}
	return m, nil
}

// ListInProgressMigrations returns every migration still in_progress, for
// the Drain Watcher's poll loop.
func (r *VersionRepository) ListInProgressMigrations(ctx context.Context) ([]Migration, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, from_version, to_version, status, started_at, completed_at
		FROM version_migrations WHERE status = ?
	`, migrationStatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-progress migrations: %w", err)
	}
	defer rows.Close()

	var out []Migration
	for rows.Next() {
		var m Migration
		if err := rows.Scan(&m.ID, &m.FromVersion, &m.ToVersion, &m.Status, &m.StartedAt, &m.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// CompleteMigration marks a migration completed.
func (r *VersionRepository) CompleteMigration(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE version_migrations SET status = ?, completed_at = NOW() WHERE id = ?
	`, migrationStatusCompleted, id)
	if err != nil {
		return fmt.Errorf("failed to complete migration %s: %w", id, err)
	}
	return nil
}

// RollBackMigration marks a migration rolled back.
func (r *VersionRepository) RollBackMigration(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE version_migrations SET status = ?, completed_at = NOW() WHERE id = ?
	`, migrationStatusRolledBack, id)
	if err != nil {
		return fmt.Errorf("failed to roll back migration %s: %w", id, err)
	}
	return nil
}
