package process

import "time"

// TriggerKind names how a ProcessSpec is started.
type TriggerKind string

const (
	TriggerEntityEvent      TriggerKind = "entity_event"
	TriggerStatusTransition TriggerKind = "status_transition"
	TriggerSchedule         TriggerKind = "schedule"
	TriggerManual           TriggerKind = "manual"
)

// StepKind names the four step shapes spec.md §4.6 allows.
type StepKind string

const (
	StepService StepKind = "service"
	StepHuman   StepKind = "human_task"
	StepWait    StepKind = "wait"
	StepSend    StepKind = "send"
)

// Trigger declares how a ProcessSpec starts a run.
type Trigger struct {
	Kind           TriggerKind
	EntityName     string
	EventType      string // "created" | "updated" | "deleted", when Kind == TriggerEntityEvent
	FromStatus     string // when Kind == TriggerStatusTransition
	ToStatus       string
	CronExpression string // when Kind == TriggerSchedule
	LastRunAt      time.Time
}

// Step is one entry in a ProcessSpec's ordered step list. A Step may declare
// an OnFailure compensation step, itself a Step (conventionally a Service step).
type Step struct {
	Name       string
	Kind       StepKind
	ServiceFn  string         // name resolved against a registered service-function table
	Args       map[string]any // static args merged with run.inputs ∪ run.context at execution time
	Outcomes   []string       // declared legal outcomes, human-task steps only
	Timeout    time.Duration  // human-task due_at offset
	Channel    string         // send-step target channel
	RetryMax   int            // service-step maximum attempts, first call included (<= 0 means one attempt)
	RetryBase  time.Duration  // service-step backoff base
	RetryCap   time.Duration  // service-step backoff cap
	OnFailure  *Step          // compensation step, run in reverse order on failure
}

// Spec is the declarative definition of a process.
type Spec struct {
	Name    string
	Trigger Trigger
	Steps   []Step
}

// StepByName returns the step with the given name, or false if absent.
func (s Spec) StepByName(name string) (Step, bool) {
	for _, st := range s.Steps {
		if st.Name == name {
			return st, true
		}
	}
	return Step{}, false
}

// Run is a persisted execution of a Spec.
type Run struct {
	RunID             string
	ProcessName       string
	Status            RunStatus
	CurrentStep       string
	Inputs            map[string]any
	Context           map[string]any // per-step outputs; append-only
	Outputs           map[string]any
	Error             string
	DeployedVersionID string
	IdempotencyKey    string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedStepsLog []string // completed step names in execution order, for reverse-order compensation
}

// Task is a persisted human task awaiting external completion.
type Task struct {
	TaskID          string
	RunID           string
	StepName        string
	SurfaceName     string
	EntityName      string
	EntityID        string
	AssigneeID      string
	AssigneeRole    string
	Status          TaskStatus
	Outcome         string
	OutcomeData     map[string]any
	DueAt           time.Time
	EscalatedAt     *time.Time
	EscalationCount int
	CompletedAt     *time.Time
	CreatedAt       time.Time
}
