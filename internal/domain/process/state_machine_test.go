package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunStateMachineHappyPath(t *testing.T) {
	sm := NewRunStateMachine()

	next, err := sm.Transition(RunPending, RunTransitionStart)
	assert.NoError(t, err)
	assert.Equal(t, RunRunning, next)

	next, err = sm.Transition(RunRunning, RunTransitionSuspend)
	assert.NoError(t, err)
	assert.Equal(t, RunWaiting, next)

	next, err = sm.Transition(RunWaiting, RunTransitionResume)
	assert.NoError(t, err)
	assert.Equal(t, RunRunning, next)

	next, err = sm.Transition(RunRunning, RunTransitionComplete)
	assert.NoError(t, err)
	assert.Equal(t, RunCompleted, next)
}

func TestRunStateMachineCompensationPath(t *testing.T) {
	sm := NewRunStateMachine()

	next, err := sm.Transition(RunRunning, RunTransitionCompensate)
	assert.NoError(t, err)
	assert.Equal(t, RunCompensating, next)

	next, err = sm.Transition(RunCompensating, RunTransitionFail)
	assert.NoError(t, err)
	assert.Equal(t, RunFailed, next)
}

func TestRunStateMachineTerminalIsAbsorbing(t *testing.T) {
	sm := NewRunStateMachine()

	for _, terminal := range []RunStatus{RunCompleted, RunFailed, RunCancelled} {
		assert.True(t, sm.IsTerminal(terminal))
		_, err := sm.Transition(terminal, RunTransitionStart)
		assert.Error(t, err)
	}
}

func TestRunStateMachineRejectsInvalidTransition(t *testing.T) {
	sm := NewRunStateMachine()

	_, err := sm.Transition(RunPending, RunTransitionComplete)
	assert.Error(t, err)
}

func TestTaskStateMachineEscalationReArms(t *testing.T) {
	sm := NewTaskStateMachine()

	next, err := sm.Transition(TaskPending, TaskTransitionEscalate)
	assert.NoError(t, err)
	assert.Equal(t, TaskEscalated, next)

	// Escalating an already-escalated task re-arms it without a state change.
	next, err = sm.Transition(TaskEscalated, TaskTransitionEscalate)
	assert.NoError(t, err)
	assert.Equal(t, TaskEscalated, next)
}

func TestTaskStateMachineExpireOnlyFromEscalated(t *testing.T) {
	sm := NewTaskStateMachine()

	_, err := sm.Transition(TaskPending, TaskTransitionExpire)
	assert.Error(t, err)

	next, err := sm.Transition(TaskEscalated, TaskTransitionExpire)
	assert.NoError(t, err)
	assert.Equal(t, TaskExpired, next)
}

func TestTaskStateMachineCompleteFromPendingOrEscalated(t *testing.T) {
	sm := NewTaskStateMachine()

	next, err := sm.Transition(TaskPending, TaskTransitionComplete)
	assert.NoError(t, err)
	assert.Equal(t, TaskCompleted, next)

	next, err = sm.Transition(TaskEscalated, TaskTransitionComplete)
	assert.NoError(t, err)
	assert.Equal(t, TaskCompleted, next)
}

func TestTaskStateMachineTerminalIsAbsorbing(t *testing.T) {
	sm := NewTaskStateMachine()

	for _, terminal := range []TaskStatus{TaskExpired, TaskCompleted, TaskCancelled} {
		assert.True(t, sm.IsTerminal(terminal))
		_, err := sm.Transition(terminal, TaskTransitionComplete)
		assert.Error(t, err)
	}
}

func TestCanReassign(t *testing.T) {
	assert.True(t, CanReassign(TaskPending))
	assert.True(t, CanReassign(TaskEscalated))
	assert.False(t, CanReassign(TaskCompleted))
	assert.False(t, CanReassign(TaskExpired))
	assert.False(t, CanReassign(TaskCancelled))
}

func TestSpecStepByName(t *testing.T) {
	spec := Spec{
		Name: "onboarding",
		Steps: []Step{
			{Name: "send_welcome", Kind: StepService},
			{Name: "wait_for_ack", Kind: StepWait},
		},
	}

	step, ok := spec.StepByName("wait_for_ack")
	assert.True(t, ok)
	assert.Equal(t, StepWait, step.Kind)

	_, ok = spec.StepByName("does_not_exist")
	assert.False(t, ok)
}
