package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/dazzle-run/runtime/internal/domain/process"
	"github.com/dazzle-run/runtime/internal/infrastructure/persistence"
	"github.com/dazzle-run/runtime/pkg/errors"
)

// ServiceFn is a named domain function a service step invokes, resolved from
// Orchestrator's function table by Step.ServiceFn. It receives the merged
// run inputs and context and returns the value to persist under
// run.context[step.name].
type ServiceFn func(ctx context.Context, args map[string]any) (any, error)

// SendFn delivers a send-step's payload to a named channel and returns the
// channel's response, recorded to context.
type SendFn func(ctx context.Context, channel string, args map[string]any) (any, error)

// Orchestrator walks a process.Spec's steps for a process.Run, applying the
// step-execution, retry, and compensation rules of spec.md §4.6. Grounded on
// the teacher's flow_executor.go step-loop shape, generalized from a
// CRM-specific action registry to a named service-function table.
type Orchestrator struct {
	txManager   *persistence.TransactionManager
	processRepo *persistence.ProcessRepository
	runStates   *process.RunStateMachine
	taskStates  *process.TaskStateMachine

	specs    map[string]process.Spec
	services map[string]ServiceFn
	sends    map[string]SendFn
}

// NewOrchestrator creates a new Orchestrator with empty spec/function tables.
func NewOrchestrator(txManager *persistence.TransactionManager, processRepo *persistence.ProcessRepository) *Orchestrator {
	return &Orchestrator{
		txManager:   txManager,
		processRepo: processRepo,
		runStates:   process.NewRunStateMachine(),
		taskStates:  process.NewTaskStateMachine(),
		specs:       make(map[string]process.Spec),
		services:    make(map[string]ServiceFn),
		sends:       make(map[string]SendFn),
	}
}

// RegisterSpec makes spec startable by name.
func (o *Orchestrator) RegisterSpec(spec process.Spec) {
	o.specs[spec.Name] = spec
}

// RegisterServiceFn binds a name usable as a service step's ServiceFn.
func (o *Orchestrator) RegisterServiceFn(name string, fn ServiceFn) {
	o.services[name] = fn
}

// RegisterSendFn binds a name usable as a send step's Channel.
func (o *Orchestrator) RegisterSendFn(channel string, fn SendFn) {
	o.sends[channel] = fn
}

// StartProcess creates a pending run and advances it, deduplicating by
// idempotency key within the same process name per spec.md §3.
func (o *Orchestrator) StartProcess(ctx context.Context, processName string, inputs map[string]any, idempotencyKey, deployedVersionID string) (process.Run, error) {
	if idempotencyKey != "" {
		existing, found, err := o.processRepo.FindRunByIdempotencyKey(ctx, processName, idempotencyKey)
		if err != nil {
			return process.Run{}, err
		}
		if found {
			return existing, nil
		}
	}

	spec, ok := o.specs[processName]
	if !ok {
		return process.Run{}, fmt.Errorf("no process spec registered for %q", processName)
	}

	run := process.Run{
		ProcessName:       processName,
		Status:            process.RunPending,
		Inputs:            inputs,
		Context:           make(map[string]any),
		IdempotencyKey:    idempotencyKey,
		DeployedVersionID: deployedVersionID,
	}

	var created process.Run
	err := o.txManager.WithTransaction(func(tx *sql.Tx) error {
		var err error
		created, err = o.processRepo.CreateRun(ctx, tx, run)
		return err
	})
	if err != nil {
		return process.Run{}, err
	}

	o.advance(ctx, created.RunID, spec, 0)
	return created, nil
}

// advance runs the step loop starting at startIndex until the run reaches a
// waiting or terminal state. The run is written back, in one transaction,
// only when it pauses (human task, wait), fails, or completes; steps that
// complete in between are not committed one by one, so a crash mid-loop
// leaves the run as last persisted. Callers resuming a waiting run (CompleteTask, Signal)
// pass the index of the step following the one that just settled — never
// derived from run.CurrentStep, since that field names the step the run
// paused ON, not the step to resume AT.
func (o *Orchestrator) advance(ctx context.Context, runID string, spec process.Spec, startIndex int) {
	run, err := o.processRepo.GetRun(ctx, runID)
	if err != nil {
		log.Printf("⚠️  [orchestrator] failed to load run %s: %v", runID, err)
		return
	}

	if run.Status == process.RunPending {
		run.Status = process.RunRunning
	}

	stepIndex := startIndex

	for stepIndex < len(spec.Steps) {
		if o.runStates.IsTerminal(run.Status) {
			return
		}

		step := spec.Steps[stepIndex]
		run.CurrentStep = step.Name

		switch step.Kind {
		case process.StepService:
			result, execErr := o.runServiceStepWithRetry(ctx, step, run)
			if execErr != nil {
				o.fail(ctx, &run, spec, fmt.Sprintf("step %q: %v", step.Name, execErr))
				o.persist(ctx, run)
				return
			}
			run.Context[step.Name] = result
			run.CompletedStepsLog = append(run.CompletedStepsLog, step.Name)

		case process.StepHuman:
			o.createHumanTask(ctx, step, &run)
			run.Status = process.RunWaiting
			o.persist(ctx, run)
			return // resumes externally via CompleteTask

		case process.StepWait:
			run.Status = process.RunWaiting
			o.persist(ctx, run)
			return // resumes externally via Signal

		case process.StepSend:
			result, sendErr := o.runSend(ctx, step, run)
			if sendErr != nil {
				log.Printf("⚠️  [orchestrator] send step %q failed: %v", step.Name, sendErr)
			}
			run.Context[step.Name] = result
			run.CompletedStepsLog = append(run.CompletedStepsLog, step.Name)
		}

		stepIndex++
	}

	run.Status = process.RunCompleted
	run.Outputs = run.Context
	o.persist(ctx, run)
	log.Printf("✅ [orchestrator] run %s completed", run.RunID)
}

func (o *Orchestrator) runServiceStepWithRetry(ctx context.Context, step process.Step, run process.Run) (any, error) {
	fn, ok := o.services[step.ServiceFn]
	if !ok {
		return nil, errors.NewStepExecutionError(step.Name, fmt.Errorf("no service function registered for %q", step.ServiceFn))
	}

	args := mergeArgs(run.Inputs, run.Context, step.Args)

	maxAttempts := step.RetryMax
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := fn(ctx, args)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt < maxAttempts-1 {
			delay := retryBackoff(step.RetryBase, step.RetryCap, attempt)
			log.Printf("↩️  [orchestrator] step %q attempt %d/%d failed, retrying in %v: %v", step.Name, attempt+1, maxAttempts, delay, err)
			time.Sleep(delay)
		}
	}
	return nil, errors.NewStepExecutionError(step.Name, lastErr)
}

func (o *Orchestrator) runSend(ctx context.Context, step process.Step, run process.Run) (any, error) {
	fn, ok := o.sends[step.Channel]
	if !ok {
		return nil, fmt.Errorf("no send function registered for channel %q", step.Channel)
	}
	args := mergeArgs(run.Inputs, run.Context, step.Args)
	return fn(ctx, step.Channel, args)
}

func retryBackoff(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if cap <= 0 {
		cap = 30 * time.Second
	}
	delay := base << attempt
	if delay > cap || delay <= 0 {
		return cap
	}
	return delay
}

func mergeArgs(inputs, runCtx, stepArgs map[string]any) map[string]any {
	merged := make(map[string]any, len(inputs)+len(runCtx)+len(stepArgs))
	for k, v := range inputs {
		merged[k] = v
	}
	for k, v := range runCtx {
		merged[k] = v
	}
	for k, v := range stepArgs {
		merged[k] = v
	}
	return merged
}

// fail transitions run to failed (via compensating) and runs the saga's
// reverse-order compensation over every completed step that declares
// on_failure. Compensation failures are logged and never block subsequent
// compensation steps.
func (o *Orchestrator) fail(ctx context.Context, run *process.Run, spec process.Spec, reason string) {
	run.Status = process.RunCompensating
	run.Error = reason
	log.Printf("❌ [orchestrator] run %s failing: %s", run.RunID, reason)

	for i := len(run.CompletedStepsLog) - 1; i >= 0; i-- {
		stepName := run.CompletedStepsLog[i]
		step, ok := spec.StepByName(stepName)
		if !ok || step.OnFailure == nil {
			continue
		}
		o.runCompensationStep(ctx, *step.OnFailure, *run)
	}

	run.Status = process.RunFailed
}

func (o *Orchestrator) runCompensationStep(ctx context.Context, step process.Step, run process.Run) {
	fn, ok := o.services[step.ServiceFn]
	if !ok {
		log.Printf("⚠️  [orchestrator] compensation step %q: no service function %q registered", step.Name, step.ServiceFn)
		return
	}
	args := mergeArgs(run.Inputs, run.Context, step.Args)
	if _, err := fn(ctx, args); err != nil {
		compErr := errors.NewCompensationError(step.Name, err)
		log.Printf("⚠️  [orchestrator] %v", compErr)
		return
	}
	log.Printf("↩️  [orchestrator] compensation step %q for run %s succeeded", step.Name, run.RunID)
}

func (o *Orchestrator) persist(ctx context.Context, run process.Run) {
	err := o.txManager.WithTransaction(func(tx *sql.Tx) error {
		return o.processRepo.UpdateRun(ctx, tx, run)
	})
	if err != nil {
		log.Printf("⚠️  [orchestrator] failed to persist run %s: %v", run.RunID, err)
	}
}

// createHumanTask persists a new pending task with due_at = now + timeout.
func (o *Orchestrator) createHumanTask(ctx context.Context, step process.Step, run *process.Run) {
	task := process.Task{
		RunID:    run.RunID,
		StepName: step.Name,
		Status:   process.TaskPending,
		DueAt:    time.Now().UTC().Add(step.Timeout),
	}
	if v, ok := step.Args["surface_name"].(string); ok {
		task.SurfaceName = v
	}
	if v, ok := step.Args["entity_name"].(string); ok {
		task.EntityName = v
	}
	if v, ok := step.Args["entity_id"].(string); ok {
		task.EntityID = v
	}
	if v, ok := step.Args["assignee_id"].(string); ok {
		task.AssigneeID = v
	}
	if v, ok := step.Args["assignee_role"].(string); ok {
		task.AssigneeRole = v
	}

	err := o.txManager.WithTransaction(func(tx *sql.Tx) error {
		_, err := o.processRepo.CreateTask(ctx, tx, task)
		return err
	})
	if err != nil {
		log.Printf("⚠️  [orchestrator] failed to create human task for step %q: %v", step.Name, err)
	}
}

// CompleteTask validates outcome against the step's declared outcome set,
// records outcome/outcome_data under context[step+"_outcome"/"_data"], and
// resumes the run.
func (o *Orchestrator) CompleteTask(ctx context.Context, taskID, outcome string, outcomeData map[string]any) error {
	task, err := o.processRepo.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("task %s not found: %w", taskID, err)
	}

	next, err := o.taskStates.Transition(task.Status, process.TaskTransitionComplete)
	if err != nil {
		return err
	}

	run, err := o.processRepo.GetRun(ctx, task.RunID)
	if err != nil {
		return fmt.Errorf("run %s not found: %w", task.RunID, err)
	}
	spec, ok := o.specs[run.ProcessName]
	if !ok {
		return fmt.Errorf("no process spec registered for %q", run.ProcessName)
	}
	step, ok := spec.StepByName(task.StepName)
	if !ok {
		return fmt.Errorf("step %q not found in spec %q", task.StepName, run.ProcessName)
	}

	if !containsString(step.Outcomes, outcome) {
		return errors.NewTaskOutcomeInvalidError(taskID, outcome, step.Outcomes)
	}

	now := time.Now().UTC()
	task.Status = next
	task.Outcome = outcome
	task.OutcomeData = outcomeData
	task.CompletedAt = &now

	err = o.txManager.WithTransaction(func(tx *sql.Tx) error {
		return o.processRepo.UpdateTask(ctx, tx, task)
	})
	if err != nil {
		return fmt.Errorf("failed to persist task completion: %w", err)
	}

	if run.Context == nil {
		run.Context = make(map[string]any)
	}
	run.Context[step.Name+"_outcome"] = outcome
	run.Context[step.Name+"_data"] = outcomeData
	run.Status = process.RunRunning

	stepIndex := -1
	for i, st := range spec.Steps {
		if st.Name == step.Name {
			stepIndex = i
			break
		}
	}
	run.CompletedStepsLog = append(run.CompletedStepsLog, step.Name)
	o.persist(ctx, run)

	o.advance(ctx, run.RunID, spec, stepIndex+1)
	return nil
}

func containsString(items []string, target string) bool {
	for _, s := range items {
		if s == target {
			return true
		}
	}
	return false
}

// ReassignTask changes a task's assignee. Legal only from pending|escalated.
func (o *Orchestrator) ReassignTask(ctx context.Context, taskID, assigneeID, reason string) error {
	task, err := o.processRepo.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("task %s not found: %w", taskID, err)
	}
	if !process.CanReassign(task.Status) {
		return fmt.Errorf("task %s cannot be reassigned from status %s", taskID, task.Status)
	}
	task.AssigneeID = assigneeID
	log.Printf("🔀 [orchestrator] task %s reassigned to %s: %s", taskID, assigneeID, reason)
	return o.txManager.WithTransaction(func(tx *sql.Tx) error {
		return o.processRepo.UpdateTask(ctx, tx, task)
	})
}

// ProbeTaskTimeouts escalates pending tasks past due_at, and expires
// (failing their run) escalated tasks past their follow-on due_at. Driven by
// an external timer worker, per spec.md §4.6.
func (o *Orchestrator) ProbeTaskTimeouts(ctx context.Context, followOn time.Duration) {
	due, err := o.processRepo.ListDueTasks(ctx)
	if err != nil {
		log.Printf("⚠️  [orchestrator] failed to list due tasks: %v", err)
		return
	}

	for _, task := range due {
		switch task.Status {
		case process.TaskPending:
			o.escalate(ctx, task, followOn)
		case process.TaskEscalated:
			o.expire(ctx, task)
		}
	}
}

func (o *Orchestrator) escalate(ctx context.Context, task process.Task, followOn time.Duration) {
	next, err := o.taskStates.Transition(task.Status, process.TaskTransitionEscalate)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	task.Status = next
	task.EscalatedAt = &now
	task.EscalationCount++
	task.DueAt = now.Add(followOn)

	err = o.txManager.WithTransaction(func(tx *sql.Tx) error {
		return o.processRepo.UpdateTask(ctx, tx, task)
	})
	if err != nil {
		log.Printf("⚠️  [orchestrator] failed to escalate task %s: %v", task.TaskID, err)
		return
	}
	log.Printf("⚠️  [orchestrator] task %s escalated (count=%d)", task.TaskID, task.EscalationCount)
}

func (o *Orchestrator) expire(ctx context.Context, task process.Task) {
	next, err := o.taskStates.Transition(task.Status, process.TaskTransitionExpire)
	if err != nil {
		return
	}
	task.Status = next

	err = o.txManager.WithTransaction(func(tx *sql.Tx) error {
		return o.processRepo.UpdateTask(ctx, tx, task)
	})
	if err != nil {
		log.Printf("⚠️  [orchestrator] failed to expire task %s: %v", task.TaskID, err)
		return
	}

	run, err := o.processRepo.GetRun(ctx, task.RunID)
	if err != nil {
		log.Printf("⚠️  [orchestrator] failed to load run %s for expired task %s: %v", task.RunID, task.TaskID, err)
		return
	}
	spec := o.specs[run.ProcessName]
	o.fail(ctx, &run, spec, fmt.Sprintf("Human task %s expired", task.TaskID))
	o.persist(ctx, run)
	log.Printf("❌ [orchestrator] task %s expired, run %s failed", task.TaskID, run.RunID)
}

// Signal delivers data to a waiting run under context[signalName] and
// resumes the run at the step after run.CurrentStep. signalName is not
// matched against the waiting step: any signal resumes a waiting run.
func (o *Orchestrator) Signal(ctx context.Context, runID, signalName string, data any) error {
	run, err := o.processRepo.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("run %s not found: %w", runID, err)
	}
	if run.Status != process.RunWaiting {
		return fmt.Errorf("run %s is not waiting for a signal", runID)
	}
	spec, ok := o.specs[run.ProcessName]
	if !ok {
		return fmt.Errorf("no process spec registered for %q", run.ProcessName)
	}

	if run.Context == nil {
		run.Context = make(map[string]any)
	}
	run.Context[signalName] = data
	run.Status = process.RunRunning

	stepIndex := -1
	for i, st := range spec.Steps {
		if st.Name == run.CurrentStep {
			stepIndex = i
			break
		}
	}
	resumeIndex := 0
	if stepIndex >= 0 {
		run.CompletedStepsLog = append(run.CompletedStepsLog, run.CurrentStep)
		resumeIndex = stepIndex + 1
	}
	o.persist(ctx, run)
	o.advance(ctx, run.RunID, spec, resumeIndex)
	return nil
}

// Cancel sets run to cancelled. No compensation runs for a cancellation.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	run, err := o.processRepo.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("run %s not found: %w", runID, err)
	}
	action := process.RunTransitionCancel
	next, err := o.runStates.Transition(run.Status, action)
	if err != nil {
		return err
	}
	run.Status = next
	o.persist(ctx, run)
	log.Printf("🛑 [orchestrator] run %s cancelled", run.RunID)
	return nil
}

// TriggerScheduled starts a pending run for a scheduled process with inputs
// {"triggered_by": "schedule", "schedule_name": scheduleName}. It does not
// record a last-run timestamp for the schedule.
func (o *Orchestrator) TriggerScheduled(ctx context.Context, processName, scheduleName string) (process.Run, error) {
	inputs := map[string]any{"triggered_by": "schedule", "schedule_name": scheduleName}
	return o.StartProcess(ctx, processName, inputs, "", "")
}

// ListRuns returns every run in status (or all runs if status is empty), for
// the admin surface.
func (o *Orchestrator) ListRuns(ctx context.Context, status string) ([]process.Run, error) {
	return o.processRepo.ListRuns(ctx, status)
}

// GetRun returns a single run by id, for the admin surface.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (process.Run, error) {
	return o.processRepo.GetRun(ctx, runID)
}

// ListTasksForAssignee returns pending/escalated tasks assigned to assigneeID.
func (o *Orchestrator) ListTasksForAssignee(ctx context.Context, assigneeID string) ([]process.Task, error) {
	return o.processRepo.ListTasksForAssignee(ctx, assigneeID)
}
