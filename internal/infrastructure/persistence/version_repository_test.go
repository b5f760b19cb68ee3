package persistence

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionRepositoryInsertVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewVersionRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dsl_versions")).
		WithArgs("v1", "hash123", versionStatusActive, "manifest-yaml").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = repo.InsertVersion(context.Background(), "v1", "hash123", "manifest-yaml")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVersionRepositoryGetActiveVersionReturnsFalseWhenNone(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewVersionRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM dsl_versions WHERE status = ?")).
		WithArgs(versionStatusActive).
		WillReturnRows(sqlmock.NewRows([]string{"version_id", "dsl_hash", "status", "manifest", "created_at"}))

	_, found, err := repo.GetActiveVersion(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVersionRepositoryGetActiveVersionFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewVersionRepository(db)

	rows := sqlmock.NewRows([]string{"version_id", "dsl_hash", "status", "manifest", "created_at"}).
		AddRow("v1", "hash123", versionStatusActive, "manifest-yaml", sqlmock.AnyArg())
	mock.ExpectQuery(regexp.QuoteMeta("FROM dsl_versions WHERE status = ?")).
		WithArgs(versionStatusActive).
		WillReturnRows(rows)

	v, found, err := repo.GetActiveVersion(context.Background())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", v.VersionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVersionRepositoryListVersionsOrdersMostRecentFirst(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewVersionRepository(db)

	rows := sqlmock.NewRows([]string{"version_id", "dsl_hash", "status", "manifest", "created_at"}).
		AddRow("v2", "hashB", versionStatusActive, "m2", sqlmock.AnyArg()).
		AddRow("v1", "hashA", versionStatusArchived, "m1", sqlmock.AnyArg())
	mock.ExpectQuery(regexp.QuoteMeta("FROM dsl_versions ORDER BY created_at DESC")).
		WillReturnRows(rows)

	versions, err := repo.ListVersions(context.Background())
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "v2", versions[0].VersionID)
	assert.Equal(t, "v1", versions[1].VersionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVersionRepositorySetVersionStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewVersionRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE dsl_versions SET status = ? WHERE version_id = ?")).
		WithArgs(versionStatusDraining, "v1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.SetVersionStatus(context.Background(), "v1", versionStatusDraining)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVersionRepositoryInsertAndListInProgressMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewVersionRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO version_migrations")).
		WithArgs("mig1", "v1", "v2", migrationStatusInProgress).
		WillReturnResult(sqlmock.NewResult(1, 1))
	err = repo.InsertMigration(context.Background(), "mig1", "v1", "v2")
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"id", "from_version", "to_version", "status", "started_at", "completed_at"}).
		AddRow("mig1", "v1", "v2", migrationStatusInProgress, sqlmock.AnyArg(), sql.NullTime{})
	mock.ExpectQuery(regexp.QuoteMeta("FROM version_migrations WHERE status = ?")).
		WithArgs(migrationStatusInProgress).
		WillReturnRows(rows)

	migrations, err := repo.ListInProgressMigrations(context.Background())
	require.NoError(t, err)
	require.Len(t, migrations, 1)
	assert.Equal(t, "mig1", migrations[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVersionRepositoryCompleteAndRollBackMigration(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewVersionRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE version_migrations SET status = ?, completed_at = NOW() WHERE id = ?")).
		WithArgs(migrationStatusCompleted, "mig1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.CompleteMigration(context.Background(), "mig1"))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE version_migrations SET status = ?, completed_at = NOW() WHERE id = ?")).
		WithArgs(migrationStatusRolledBack, "mig2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.RollBackMigration(context.Background(), "mig2"))

	assert.NoError(t, mock.ExpectationsWereMet())
}
