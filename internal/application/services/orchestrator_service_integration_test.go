package services

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dazzle-run/runtime/internal/domain/process"
	"github.com/dazzle-run/runtime/internal/infrastructure/database"
	"github.com/dazzle-run/runtime/internal/infrastructure/persistence"
	"github.com/dazzle-run/runtime/pkg/utils"
)

// newTestOrchestrator wires an Orchestrator against a sqlmock-backed
// TransactionManager/ProcessRepository pair, exercising the exact
// WithTransaction(Begin/Commit) + repository SQL path the daemon uses,
// rather than a hand-rolled fake.
func newTestOrchestrator(t *testing.T) (*Orchestrator, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	conn := database.NewConnectionForTesting(db)
	txManager := persistence.NewTransactionManager(conn)
	processRepo := persistence.NewProcessRepository(db)

	orch := NewOrchestrator(txManager, processRepo)
	return orch, mock, func() { db.Close() }
}

func runRow(runID, processName string, status process.RunStatus, currentStep string) *sqlmock.Rows {
	return runRowWithContext(runID, processName, status, currentStep, `{}`)
}

func runRowWithContext(runID, processName string, status process.RunStatus, currentStep, contextJSON string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"run_id", "process_name", "status", "current_step", "inputs", "context", "outputs",
		"error", "deployed_version_id", "idempotency_key", "created_at", "updated_at",
	}).AddRow(runID, processName, status, currentStep, `{}`, contextJSON, nil, nil, "", "", now, now)
}

func taskRow(taskID, runID, stepName string, status process.TaskStatus, dueAt time.Time, escalationCount int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"task_id", "run_id", "step_name", "surface_name", "entity_name", "entity_id", "assignee_id", "assignee_role",
		"status", "outcome", "outcome_data", "due_at", "escalated_at", "escalation_count", "completed_at", "created_at",
	}).AddRow(taskID, runID, stepName, "", "", "", "assignee-1", "", status, "", nil, dueAt, nil, escalationCount, nil, now)
}

// TestOrchestratorStartProcessRunsServiceStepsToCompletion exercises
// StartProcess -> advance's happy path (Scenario S1): a single service step
// that succeeds commits the created run, then the completed run, across two
// transactions.
func TestOrchestratorStartProcessRunsServiceStepsToCompletion(t *testing.T) {
	orch, mock, closeDB := newTestOrchestrator(t)
	defer closeDB()

	var called bool
	orch.RegisterServiceFn("send_welcome", func(ctx context.Context, args map[string]any) (any, error) {
		called = true
		return "sent", nil
	})
	orch.RegisterSpec(process.Spec{
		Name: "onboarding",
		Steps: []process.Step{
			{Name: "send_welcome", Kind: process.StepService, ServiceFn: "send_welcome", RetryMax: 1},
		},
	})

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO process_runs")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectQuery(regexp.QuoteMeta("FROM process_runs WHERE run_id = ?")).
		WillReturnRows(runRow("run-1", "onboarding", process.RunPending, ""))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE process_runs")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	run, err := orch.StartProcess(context.Background(), "onboarding", map[string]any{}, "", "")
	require.NoError(t, err)
	assert.True(t, utils.IsValidUUID(run.RunID), "StartProcess returns the run with the UUID CreateRun assigned")
	assert.True(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestOrchestratorFailureCompensatesCompletedStepsInReverseOrder covers
// Scenario S3: when a later step fails, every earlier completed step that
// declared an OnFailure compensation runs, in reverse completion order, and
// the run settles in the failed state with the triggering step's error.
func TestOrchestratorFailureCompensatesCompletedStepsInReverseOrder(t *testing.T) {
	orch, mock, closeDB := newTestOrchestrator(t)
	defer closeDB()

	var compensationOrder []string

	orch.RegisterServiceFn("reserve_inventory", func(ctx context.Context, args map[string]any) (any, error) {
		return "reserved", nil
	})
	orch.RegisterServiceFn("release_inventory", func(ctx context.Context, args map[string]any) (any, error) {
		compensationOrder = append(compensationOrder, "release_inventory")
		return nil, nil
	})
	orch.RegisterServiceFn("charge_card", func(ctx context.Context, args map[string]any) (any, error) {
		return "charged", nil
	})
	orch.RegisterServiceFn("refund_card", func(ctx context.Context, args map[string]any) (any, error) {
		compensationOrder = append(compensationOrder, "refund_card")
		return nil, nil
	})
	orch.RegisterServiceFn("ship_order", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("carrier unavailable")
	})

	orch.RegisterSpec(process.Spec{
		Name: "checkout",
		Steps: []process.Step{
			{
				Name: "reserve_inventory", Kind: process.StepService, ServiceFn: "reserve_inventory", RetryMax: 1,
				OnFailure: &process.Step{Name: "release_inventory_comp", Kind: process.StepService, ServiceFn: "release_inventory"},
			},
			{
				Name: "charge_card", Kind: process.StepService, ServiceFn: "charge_card", RetryMax: 1,
				OnFailure: &process.Step{Name: "refund_card_comp", Kind: process.StepService, ServiceFn: "refund_card"},
			},
			{Name: "ship_order", Kind: process.StepService, ServiceFn: "ship_order", RetryMax: 1},
		},
	})

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO process_runs")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectQuery(regexp.QuoteMeta("FROM process_runs WHERE run_id = ?")).
		WillReturnRows(runRow("run-2", "checkout", process.RunPending, ""))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE process_runs")).
		WithArgs(process.RunFailed, "ship_order", sqlmock.AnyArg(), sqlmock.AnyArg(),
			`step "ship_order": step "ship_order" failed: carrier unavailable`, "run-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	run, err := orch.StartProcess(context.Background(), "checkout", map[string]any{}, "", "")
	require.NoError(t, err)
	assert.True(t, utils.IsValidUUID(run.RunID), "StartProcess returns the run with the UUID CreateRun assigned")

	// Compensation runs in reverse completion order: charge_card's
	// compensation (the step that completed immediately before the failure)
	// before reserve_inventory's.
	assert.Equal(t, []string{"refund_card", "release_inventory"}, compensationOrder)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestOrchestratorExpireFailsRunWithHumanTaskExpiredReason covers Scenario
// S4: ProbeTaskTimeouts expiring an escalated task fails its run with the
// documented "Human task <id> expired" reason (capital H, matching spec.md's
// literal expected output so a caller pattern-matching on it doesn't miss).
func TestOrchestratorExpireFailsRunWithHumanTaskExpiredReason(t *testing.T) {
	orch, mock, closeDB := newTestOrchestrator(t)
	defer closeDB()

	orch.RegisterSpec(process.Spec{
		Name: "approval",
		Steps: []process.Step{
			{Name: "approve", Kind: process.StepHuman, Outcomes: []string{"approved", "rejected"}, Timeout: time.Hour},
		},
	})

	overdue := time.Now().UTC().Add(-time.Minute)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status IN ('pending', 'escalated') AND due_at <= NOW()")).
		WillReturnRows(taskRow("task-9", "run-9", "approve", process.TaskEscalated, overdue, 1))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE process_tasks")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery(regexp.QuoteMeta("FROM process_runs WHERE run_id = ?")).
		WillReturnRows(runRow("run-9", "approval", process.RunWaiting, "approve"))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE process_runs")).
		WithArgs(process.RunFailed, "approve", sqlmock.AnyArg(), sqlmock.AnyArg(), "Human task task-9 expired", "run-9").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	orch.ProbeTaskTimeouts(context.Background(), 24*time.Hour)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestOrchestratorEscalatesPendingTaskPastDueAt covers the escalation half of
// ProbeTaskTimeouts: a pending task past due_at is escalated (not expired),
// its due_at pushed out by followOn, before it would ever reach expire.
func TestOrchestratorEscalatesPendingTaskPastDueAt(t *testing.T) {
	orch, mock, closeDB := newTestOrchestrator(t)
	defer closeDB()

	overdue := time.Now().UTC().Add(-time.Minute)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status IN ('pending', 'escalated') AND due_at <= NOW()")).
		WillReturnRows(taskRow("task-5", "run-5", "approve", process.TaskPending, overdue, 0))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE process_tasks")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	orch.ProbeTaskTimeouts(context.Background(), 24*time.Hour)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestOrchestratorSignalResumesWaitingRun covers Scenario S6-adjacent wait
// resumption: Signal delivers data under the signal's name and resumes the
// step following the one the run was parked on.
func TestOrchestratorSignalResumesWaitingRun(t *testing.T) {
	orch, mock, closeDB := newTestOrchestrator(t)
	defer closeDB()

	var resumedWith any
	orch.RegisterServiceFn("after_wait", func(ctx context.Context, args map[string]any) (any, error) {
		resumedWith = args["payment_confirmed"]
		return "ok", nil
	})
	orch.RegisterSpec(process.Spec{
		Name: "order",
		Steps: []process.Step{
			{Name: "await_payment", Kind: process.StepWait},
			{Name: "after_wait", Kind: process.StepService, ServiceFn: "after_wait", RetryMax: 1},
		},
	})

	mock.ExpectQuery(regexp.QuoteMeta("FROM process_runs WHERE run_id = ?")).
		WillReturnRows(runRow("run-7", "order", process.RunWaiting, "await_payment"))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE process_runs")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery(regexp.QuoteMeta("FROM process_runs WHERE run_id = ?")).
		WillReturnRows(runRowWithContext("run-7", "order", process.RunRunning, "await_payment", `{"payment_confirmed":true}`))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE process_runs")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := orch.Signal(context.Background(), "run-7", "payment_confirmed", true)
	require.NoError(t, err)
	assert.Equal(t, true, resumedWith)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestOrchestratorCancelTransitionsRunWithoutCompensation confirms Cancel
// never runs compensation steps, unlike fail.
func TestOrchestratorCancelTransitionsRunWithoutCompensation(t *testing.T) {
	orch, mock, closeDB := newTestOrchestrator(t)
	defer closeDB()

	var compensated bool
	orch.RegisterServiceFn("release", func(ctx context.Context, args map[string]any) (any, error) {
		compensated = true
		return nil, nil
	})
	orch.RegisterSpec(process.Spec{
		Name: "order",
		Steps: []process.Step{
			{Name: "reserve", Kind: process.StepService, ServiceFn: "reserve",
				OnFailure: &process.Step{Name: "release_comp", Kind: process.StepService, ServiceFn: "release"}},
		},
	})

	mock.ExpectQuery(regexp.QuoteMeta("FROM process_runs WHERE run_id = ?")).
		WillReturnRows(runRow("run-3", "order", process.RunRunning, "reserve"))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE process_runs")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := orch.Cancel(context.Background(), "run-3")
	require.NoError(t, err)
	assert.False(t, compensated)
	assert.NoError(t, mock.ExpectationsWereMet())
}
