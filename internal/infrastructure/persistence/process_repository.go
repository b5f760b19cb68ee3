package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dazzle-run/runtime/internal/domain/process"
	"github.com/dazzle-run/runtime/pkg/utils"
)

// ProcessRepository persists ProcessRun and ProcessTask rows, following the
// same Executor-over-*sql.DB/*sql.Tx shape as OutboxRepository.
type ProcessRepository struct {
	db *sql.DB
}

// NewProcessRepository creates a new ProcessRepository.
func NewProcessRepository(db *sql.DB) *ProcessRepository {
	return &ProcessRepository{db: db}
}

func (r *ProcessRepository) executor(tx *sql.Tx) Executor {
	if tx != nil {
		return tx
	}
	return r.db
}

// CreateRun inserts a new pending run, assigning a fresh run_id when
// run.RunID is empty.
func (r *ProcessRepository) CreateRun(ctx context.Context, tx *sql.Tx, run process.Run) (process.Run, error) {
	if run.RunID == "" {
		run.RunID = utils.GenerateID()
	}
	inputs, err := json.Marshal(run.Inputs)
	if err != nil {
		return process.Run{}, fmt.Errorf("failed to marshal run inputs: %w", err)
	}
	runCtx, err := json.Marshal(run.Context)
	if err != nil {
		return process.Run{}, fmt.Errorf("failed to marshal run context: %w", err)
	}

	_, err = r.executor(tx).ExecContext(ctx, `
		INSERT INTO process_runs
			(run_id, process_name, status, current_step, inputs, context, deployed_version_id, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NOW(), NOW())
	`, run.RunID, run.ProcessName, run.Status, run.CurrentStep, inputs, runCtx, run.DeployedVersionID, run.IdempotencyKey)
	if err != nil {
		return process.Run{}, fmt.Errorf("failed to insert process run: %w", err)
	}
	return run, nil
}

// FindRunByIdempotencyKey returns an existing run for (process_name, key), if
// any, so start_process deduplicates per spec.md §3's idempotency invariant.
func (r *ProcessRepository) FindRunByIdempotencyKey(ctx context.Context, processName, key string) (process.Run, bool, error) {
	if key == "" {
		return process.Run{}, false, nil
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT run_id, process_name, status, current_step, inputs, context, outputs,
			error, deployed_version_id, idempotency_key, created_at, updated_at
		FROM process_runs WHERE process_name = ? AND idempotency_key = ?
		LIMIT 1
	`, processName, key)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return process.Run{}, false, nil
	}
	if err != nil {
		return process.Run{}, false, err
	}
	return run, true, nil
}

// GetRun loads a run by id.
func (r *ProcessRepository) GetRun(ctx context.Context, runID string) (process.Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT run_id, process_name, status, current_step, inputs, context, outputs,
			error, deployed_version_id, idempotency_key, created_at, updated_at
		FROM process_runs WHERE run_id = ?
	`, runID)
	return scanRun(row)
}

func scanRun(row *sql.Row) (process.Run, error) {
	var run process.Run
	var inputs, ctxJSON, outputs sql.NullString
	var errMsg, versionID, idemKey sql.NullString
	if err := row.Scan(&run.RunID, &run.ProcessName, &run.Status, &run.CurrentStep,
		&inputs, &ctxJSON, &outputs, &errMsg, &versionID, &idemKey, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return process.Run{}, err
	}
	run.Error = errMsg.String
	run.DeployedVersionID = versionID.String
	run.IdempotencyKey = idemKey.String
	if inputs.Valid {
		_ = json.Unmarshal([]byte(inputs.String), &run.Inputs)
	}
	if ctxJSON.Valid {
		_ = json.Unmarshal([]byte(ctxJSON.String), &run.Context)
	}
	if outputs.Valid {
		_ = json.Unmarshal([]byte(outputs.String), &run.Outputs)
	}
	return run, nil
}

// UpdateRun persists the full mutable state of run within tx.
func (r *ProcessRepository) UpdateRun(ctx context.Context, tx *sql.Tx, run process.Run) error {
	runCtx, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal run context: %w", err)
	}
	outputs, err := json.Marshal(run.Outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal run outputs: %w", err)
	}

	_, err = r.executor(tx).ExecContext(ctx, `
		UPDATE process_runs
		SET status = ?, current_step = ?, context = ?, outputs = ?, error = ?, updated_at = NOW()
		WHERE run_id = ?
	`, run.Status, run.CurrentStep, runCtx, outputs, run.Error, run.RunID)
	if err != nil {
		return fmt.Errorf("failed to update process run: %w", err)
	}
	return nil
}

// ListRuns returns every run in status, most recently updated first. An
// empty status lists all runs.
func (r *ProcessRepository) ListRuns(ctx context.Context, status string) ([]process.Run, error) {
	query := `
		SELECT run_id, process_name, status, current_step, inputs, context, outputs,
			error, deployed_version_id, idempotency_key, created_at, updated_at
		FROM process_runs
	`
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = r.db.QueryContext(ctx, query+` WHERE status = ? ORDER BY updated_at DESC`, status)
	} else {
		rows, err = r.db.QueryContext(ctx, query+` ORDER BY updated_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list process runs: %w", err)
	}
	defer rows.Close()

	var out []process.Run
	for rows.Next() {
		var run process.Run
		var inputs, ctxJSON, outputs, errMsg, versionID, idemKey sql.NullString
		if err := rows.Scan(&run.RunID, &run.ProcessName, &run.Status, &run.CurrentStep,
			&inputs, &ctxJSON, &outputs, &errMsg, &versionID, &idemKey, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan process run: %w", err)
		}
		run.Error = errMsg.String
		run.DeployedVersionID = versionID.String
		run.IdempotencyKey = idemKey.String
		if inputs.Valid {
			_ = json.Unmarshal([]byte(inputs.String), &run.Inputs)
		}
		if ctxJSON.Valid {
			_ = json.Unmarshal([]byte(ctxJSON.String), &run.Context)
		}
		if outputs.Valid {
			_ = json.Unmarshal([]byte(outputs.String), &run.Outputs)
		}
		out = append(out, run)
	}
	return out, nil
}

// CountRunsByVersion reports how many non-terminal runs are still tagged
// with versionID, used by the Version Manager's start_migration/status checks.
func (r *ProcessRepository) CountRunsByVersion(ctx context.Context, versionID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM process_runs
		WHERE deployed_version_id = ? AND status NOT IN ('completed', 'failed', 'cancelled')
	`, versionID).Scan(&count)
	return count, err
}

// CreateTask inserts a new pending human task row.
func (r *ProcessRepository) CreateTask(ctx context.Context, tx *sql.Tx, task process.Task) (process.Task, error) {
	if task.TaskID == "" {
		task.TaskID = utils.GenerateID()
	}
	outcomeData, err := json.Marshal(task.OutcomeData)
	if err != nil {
		return process.Task{}, fmt.Errorf("failed to marshal task outcome data: %w", err)
	}

	_, err = r.executor(tx).ExecContext(ctx, `
		INSERT INTO process_tasks
			(task_id, run_id, step_name, surface_name, entity_name, entity_id, assignee_id, assignee_role,
			 status, outcome, outcome_data, due_at, escalation_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NOW())
	`, task.TaskID, task.RunID, task.StepName, task.SurfaceName, task.EntityName, task.EntityID,
		task.AssigneeID, task.AssigneeRole, task.Status, task.Outcome, outcomeData, task.DueAt)
	if err != nil {
		return process.Task{}, fmt.Errorf("failed to insert process task: %w", err)
	}
	return task, nil
}

// GetTask loads a task by id.
func (r *ProcessRepository) GetTask(ctx context.Context, taskID string) (process.Task, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT task_id, run_id, step_name, surface_name, entity_name, entity_id, assignee_id, assignee_role,
			status, outcome, outcome_data, due_at, escalated_at, escalation_count, completed_at, created_at
		FROM process_tasks WHERE task_id = ?
	`, taskID)
	return scanTask(row)
}

func scanTask(row *sql.Row) (process.Task, error) {
	var task process.Task
	var outcome, outcomeData sql.NullString
	var escalatedAt, completedAt sql.NullTime
	if err := row.Scan(&task.TaskID, &task.RunID, &task.StepName, &task.SurfaceName, &task.EntityName,
		&task.EntityID, &task.AssigneeID, &task.AssigneeRole, &task.Status, &outcome, &outcomeData,
		&task.DueAt, &escalatedAt, &task.EscalationCount, &completedAt, &task.CreatedAt); err != nil {
		return process.Task{}, err
	}
	task.Outcome = outcome.String
	if outcomeData.Valid {
		_ = json.Unmarshal([]byte(outcomeData.String), &task.OutcomeData)
	}
	if escalatedAt.Valid {
		task.EscalatedAt = &escalatedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	return task, nil
}

// UpdateTask persists the full mutable state of task within tx.
func (r *ProcessRepository) UpdateTask(ctx context.Context, tx *sql.Tx, task process.Task) error {
	outcomeData, err := json.Marshal(task.OutcomeData)
	if err != nil {
		return fmt.Errorf("failed to marshal task outcome data: %w", err)
	}

	_, err = r.executor(tx).ExecContext(ctx, `
		UPDATE process_tasks
		SET status = ?, outcome = ?, outcome_data = ?, assignee_id = ?, assignee_role = ?,
			escalated_at = ?, escalation_count = ?, completed_at = ?
		WHERE task_id = ?
	`, task.Status, task.Outcome, outcomeData, task.AssigneeID, task.AssigneeRole,
		timePtrToNull(task.EscalatedAt), task.EscalationCount, timePtrToNull(task.CompletedAt), task.TaskID)
	if err != nil {
		return fmt.Errorf("failed to update process task: %w", err)
	}
	return nil
}

// ListDueTasks returns every non-terminal task whose due_at has passed, for
// the timeout-probe loop.
func (r *ProcessRepository) ListDueTasks(ctx context.Context) ([]process.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT task_id, run_id, step_name, surface_name, entity_name, entity_id, assignee_id, assignee_role,
			status, outcome, outcome_data, due_at, escalated_at, escalation_count, completed_at, created_at
		FROM process_tasks
		WHERE status IN ('pending', 'escalated') AND due_at <= NOW()
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list due tasks: %w", err)
	}
	defer rows.Close()

	var out []process.Task
	for rows.Next() {
		var task process.Task
		var outcome, outcomeData sql.NullString
		var escalatedAt, completedAt sql.NullTime
		if err := rows.Scan(&task.TaskID, &task.RunID, &task.StepName, &task.SurfaceName, &task.EntityName,
			&task.EntityID, &task.AssigneeID, &task.AssigneeRole, &task.Status, &outcome, &outcomeData,
			&task.DueAt, &escalatedAt, &task.EscalationCount, &completedAt, &task.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan due task: %w", err)
		}
		task.Outcome = outcome.String
		if outcomeData.Valid {
			_ = json.Unmarshal([]byte(outcomeData.String), &task.OutcomeData)
		}
		if escalatedAt.Valid {
			task.EscalatedAt = &escalatedAt.Time
		}
		if completedAt.Valid {
			task.CompletedAt = &completedAt.Time
		}
		out = append(out, task)
	}
	return out, nil
}

// ListTasksForAssignee returns pending/escalated tasks assigned to assigneeID.
func (r *ProcessRepository) ListTasksForAssignee(ctx context.Context, assigneeID string) ([]process.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT task_id, run_id, step_name, surface_name, entity_name, entity_id, assignee_id, assignee_role,
			status, outcome, outcome_data, due_at, escalated_at, escalation_count, completed_at, created_at
		FROM process_tasks
		WHERE assignee_id = ? AND status IN ('pending', 'escalated')
		ORDER BY due_at ASC
	`, assigneeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for assignee: %w", err)
	}
	defer rows.Close()

	var out []process.Task
	for rows.Next() {
		var task process.Task
		var outcome, outcomeData sql.NullString
		var escalatedAt, completedAt sql.NullTime
		if err := rows.Scan(&task.TaskID, &task.RunID, &task.StepName, &task.SurfaceName, &task.EntityName,
			&task.EntityID, &task.AssigneeID, &task.AssigneeRole, &task.Status, &outcome, &outcomeData,
			&task.DueAt, &escalatedAt, &task.EscalationCount, &completedAt, &task.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignee task: %w", err)
		}
		task.Outcome = outcome.String
		if outcomeData.Valid {
			_ = json.Unmarshal([]byte(outcomeData.String), &task.OutcomeData)
		}
		if escalatedAt.Valid {
			task.EscalatedAt = &escalatedAt.Time
		}
		if completedAt.Valid {
			task.CompletedAt = &completedAt.Time
		}
		out = append(out, task)
	}
	return out, nil
}

func timePtrToNull(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
