package persistence

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dazzle-run/runtime/internal/domain/process"
)

func TestProcessRepositoryCreateRunAssignsIDAndMarshalsJSON(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewProcessRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO process_runs")).
		WithArgs(sqlmock.AnyArg(), "onboarding", process.RunPending, "", sqlmock.AnyArg(), sqlmock.AnyArg(), "", "idem-1").
		WillReturnResult(sqlmock.NewResult(1, 1))

	run := process.Run{
		ProcessName:    "onboarding",
		Status:         process.RunPending,
		Inputs:         map[string]any{"email": "a@example.com"},
		IdempotencyKey: "idem-1",
	}

	created, err := repo.CreateRun(context.Background(), nil, run)
	require.NoError(t, err)
	assert.NotEmpty(t, created.RunID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessRepositoryCreateRunKeepsSuppliedID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewProcessRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO process_runs")).
		WithArgs("run-fixed", "onboarding", process.RunPending, "", sqlmock.AnyArg(), sqlmock.AnyArg(), "", "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	run := process.Run{RunID: "run-fixed", ProcessName: "onboarding", Status: process.RunPending}
	created, err := repo.CreateRun(context.Background(), nil, run)
	require.NoError(t, err)
	assert.Equal(t, "run-fixed", created.RunID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func runRow(runID string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"run_id", "process_name", "status", "current_step", "inputs", "context", "outputs",
		"error", "deployed_version_id", "idempotency_key", "created_at", "updated_at",
	}).AddRow(runID, "onboarding", process.RunRunning, "send_welcome",
		`{"email":"a@example.com"}`, `{"send_welcome_outcome":"ok"}`, nil,
		nil, "v1", "idem-1", now, now)
}

func TestProcessRepositoryGetRunUnmarshalsJSONColumns(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewProcessRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM process_runs WHERE run_id = ?")).
		WithArgs("run-1").
		WillReturnRows(runRow("run-1"))

	run, err := repo.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.RunID)
	assert.Equal(t, process.RunRunning, run.Status)
	assert.Equal(t, "a@example.com", run.Inputs["email"])
	assert.Equal(t, "ok", run.Context["send_welcome_outcome"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessRepositoryFindRunByIdempotencyKeyEmptyKeyShortCircuits(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewProcessRepository(db)
	_, found, err := repo.FindRunByIdempotencyKey(context.Background(), "onboarding", "")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestProcessRepositoryFindRunByIdempotencyKeyNoMatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewProcessRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE process_name = ? AND idempotency_key = ?")).
		WithArgs("onboarding", "idem-missing").
		WillReturnError(sql.ErrNoRows)

	_, found, err := repo.FindRunByIdempotencyKey(context.Background(), "onboarding", "idem-missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessRepositoryUpdateRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewProcessRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE process_runs")).
		WithArgs(process.RunCompleted, "send_welcome", sqlmock.AnyArg(), sqlmock.AnyArg(), "", "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	run := process.Run{RunID: "run-1", Status: process.RunCompleted, CurrentStep: "send_welcome"}
	err = repo.UpdateRun(context.Background(), nil, run)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessRepositoryListRunsFiltersByStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewProcessRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = ? ORDER BY updated_at DESC")).
		WithArgs(process.RunRunning).
		WillReturnRows(runRow("run-1"))

	runs, err := repo.ListRuns(context.Background(), string(process.RunRunning))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessRepositoryListRunsAllWhenStatusEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewProcessRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM process_runs")).
		WillReturnRows(runRow("run-1"))

	runs, err := repo.ListRuns(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessRepositoryCountRunsByVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewProcessRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE deployed_version_id = ?")).
		WithArgs("v1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := repo.CountRunsByVersion(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func taskRow(taskID string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"task_id", "run_id", "step_name", "surface_name", "entity_name", "entity_id", "assignee_id", "assignee_role",
		"status", "outcome", "outcome_data", "due_at", "escalated_at", "escalation_count", "completed_at", "created_at",
	}).AddRow(taskID, "run-1", "approve", "inbox", "order", "order-1", "user-1", "manager",
		process.TaskPending, nil, nil, now, nil, 0, nil, now)
}

func TestProcessRepositoryCreateTaskAssignsID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewProcessRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO process_tasks")).
		WithArgs(sqlmock.AnyArg(), "run-1", "approve", "inbox", "order", "order-1", "user-1", "manager",
			process.TaskPending, "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	task := process.Task{
		RunID: "run-1", StepName: "approve", SurfaceName: "inbox", EntityName: "order", EntityID: "order-1",
		AssigneeID: "user-1", AssigneeRole: "manager", Status: process.TaskPending,
	}
	created, err := repo.CreateTask(context.Background(), nil, task)
	require.NoError(t, err)
	assert.NotEmpty(t, created.TaskID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessRepositoryGetTask(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewProcessRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM process_tasks WHERE task_id = ?")).
		WithArgs("task-1").
		WillReturnRows(taskRow("task-1"))

	task, err := repo.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", task.TaskID)
	assert.Equal(t, process.TaskPending, task.Status)
	assert.Nil(t, task.EscalatedAt)
	assert.Nil(t, task.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessRepositoryUpdateTask(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewProcessRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE process_tasks")).
		WithArgs(process.TaskCompleted, "approved", sqlmock.AnyArg(), "user-1", "manager",
			nil, 0, sqlmock.AnyArg(), "task-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	now := time.Now()
	task := process.Task{
		TaskID: "task-1", Status: process.TaskCompleted, Outcome: "approved",
		AssigneeID: "user-1", AssigneeRole: "manager", CompletedAt: &now,
	}
	err = repo.UpdateTask(context.Background(), nil, task)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessRepositoryListDueTasks(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewProcessRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status IN ('pending', 'escalated') AND due_at <= NOW()")).
		WillReturnRows(taskRow("task-1"))

	tasks, err := repo.ListDueTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-1", tasks[0].TaskID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessRepositoryListTasksForAssignee(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewProcessRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE assignee_id = ? AND status IN ('pending', 'escalated')")).
		WithArgs("user-1").
		WillReturnRows(taskRow("task-1"))

	tasks, err := repo.ListTasksForAssignee(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
