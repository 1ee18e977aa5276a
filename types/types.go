package types

import "time"

// Execution states.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
	StatePaused    = "paused"
)

// Job states.
const (
	JobScheduled = "scheduled"
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Dead-letter entry kinds.
const (
	KindJob      = "job"
	KindWorkflow = "workflow"
)

// IsTerminal reports whether an execution state is final.
func IsTerminal(state string) bool {
	switch state {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Schedule describes when a job fires. At most one trigger kind is expected to be set.
type Schedule struct {
	Cron        string        `json:"cron,omitempty" yaml:"cron,omitempty"`
	Every       time.Duration `json:"every,omitempty" yaml:"every,omitempty"`
	At          *time.Time    `json:"at,omitempty" yaml:"at,omitempty"`
	In          time.Duration `json:"in,omitempty" yaml:"in,omitempty"`
	OnEvent     string        `json:"on_event,omitempty" yaml:"on_event,omitempty"`
	EventFilter string        `json:"event_filter,omitempty" yaml:"event_filter,omitempty"` // expr evaluated against the event payload
	Timezone    string        `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// IsZero reports whether no trigger is configured (manual-only job).
func (s Schedule) IsZero() bool {
	return s.Cron == "" && s.Every == 0 && s.At == nil && s.In == 0 && s.OnEvent == ""
}

// Job is a scheduler-level unit of work that is not itself a workflow step.
type Job struct {
	Name       string                 `json:"name"`
	Queue      string                 `json:"queue"`
	Worker     string                 `json:"worker,omitempty"`   // registered worker function
	Workflow   string                 `json:"workflow,omitempty"` // registered workflow run instead of a worker
	Args       map[string]interface{} `json:"args,omitempty"`
	Schedule   Schedule               `json:"schedule"`
	State      string                 `json:"state"`
	Paused     bool                   `json:"paused"`
	Enabled    bool                   `json:"enabled"`
	MaxRetries int                    `json:"max_retries,omitempty"`
	RetryDelay time.Duration          `json:"retry_delay,omitempty"`
	Timeout    time.Duration          `json:"timeout,omitempty"`
	DeadLetter bool                   `json:"dead_letter,omitempty"`
	RunCount   int64                  `json:"run_count"`
	ErrorCount int64                  `json:"error_count"`
	LastRunAt  *time.Time             `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time             `json:"next_run_at,omitempty"`
	LastResult interface{}            `json:"last_result,omitempty"`
	LastError  string                 `json:"last_error,omitempty"`
	InsertedAt time.Time              `json:"inserted_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// JobFilter selects jobs in ListJobs. Zero fields match everything.
type JobFilter struct {
	Queue     string
	State     string
	Workflow  string
	OnEvent   string
	Enabled   *bool
	Paused    *bool
	DueBefore *time.Time
}

// Match reports whether the job satisfies the filter.
func (f JobFilter) Match(job Job) bool {
	if f.Queue != "" && job.Queue != f.Queue {
		return false
	}
	if f.State != "" && job.State != f.State {
		return false
	}
	if f.Workflow != "" && job.Workflow != f.Workflow {
		return false
	}
	if f.OnEvent != "" && job.Schedule.OnEvent != f.OnEvent {
		return false
	}
	if f.Enabled != nil && job.Enabled != *f.Enabled {
		return false
	}
	if f.Paused != nil && job.Paused != *f.Paused {
		return false
	}
	if f.DueBefore != nil && (job.NextRunAt == nil || job.NextRunAt.After(*f.DueBefore)) {
		return false
	}
	return true
}

// Execution is one run of a workflow or of a scheduler job.
type Execution struct {
	ID             uint64                 `json:"id"`
	WorkflowName   string                 `json:"workflow_name,omitempty"`
	JobName        string                 `json:"job_name,omitempty"`
	ParentID       uint64                 `json:"parent_id,omitempty"`
	Node           string                 `json:"node,omitempty"` // node whose engine or scheduler owns the run
	State          string                 `json:"state"`
	Context        map[string]interface{} `json:"context"`
	CompletedSteps []string               `json:"completed_steps,omitempty"`
	StepStates     map[string]string      `json:"step_states,omitempty"`
	StepAttempts   map[string]int         `json:"step_attempts,omitempty"`
	AwaitingStep   string                 `json:"awaiting_step,omitempty"`
	Error          string                 `json:"error,omitempty"`
	RollbackErrors []string               `json:"rollback_errors,omitempty"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	FinishedAt     *time.Time             `json:"finished_at,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// ExecutionFilter selects executions in GetExecutions.
type ExecutionFilter struct {
	WorkflowName string
	State        string
	Limit        int
}

// Match reports whether the execution satisfies the filter (Limit is applied by the caller).
func (f ExecutionFilter) Match(exec Execution) bool {
	if f.WorkflowName != "" && exec.WorkflowName != f.WorkflowName {
		return false
	}
	if f.State != "" && exec.State != f.State {
		return false
	}
	return true
}

// WorkflowRecord is the persisted, closure-free description of a registered workflow.
type WorkflowRecord struct {
	Name           string              `json:"name"`
	Steps          []string            `json:"steps"`
	ExecutionOrder []string            `json:"execution_order"`
	Dependencies   map[string][]string `json:"dependencies,omitempty"`
	Queue          string              `json:"queue,omitempty"`
	DeadLetter     bool                `json:"dead_letter,omitempty"`
	RegisteredAt   time.Time           `json:"registered_at"`
}

// DeadLetterEntry retains a job or workflow run that exhausted its retry budget.
type DeadLetterEntry struct {
	ID            uint64                 `json:"id"`
	Kind          string                 `json:"kind"`
	JobName       string                 `json:"job_name"`
	Queue         string                 `json:"queue"`
	Worker        string                 `json:"worker,omitempty"`
	Workflow      string                 `json:"workflow,omitempty"`
	Args          map[string]interface{} `json:"args,omitempty"`
	ExecutionID   uint64                 `json:"execution_id,omitempty"`
	Error         map[string]interface{} `json:"error"`
	ErrorClass    string                 `json:"error_class"`
	Attempts      int                    `json:"attempts"`
	FirstFailedAt time.Time              `json:"first_failed_at"`
	LastFailedAt  time.Time              `json:"last_failed_at"`
	Stacktrace    string                 `json:"stacktrace,omitempty"`
	InsertedAt    time.Time              `json:"inserted_at"`
}

// DeadLetterFilter selects dead-letter entries. Results are ordered oldest first.
type DeadLetterFilter struct {
	Queue          string
	JobName        string
	ErrorClass     string
	InsertedBefore time.Time
	Limit          int
}

// Match reports whether the entry satisfies the filter (Limit is applied by the caller).
func (f DeadLetterFilter) Match(e DeadLetterEntry) bool {
	if f.Queue != "" && e.Queue != f.Queue {
		return false
	}
	if f.JobName != "" && e.JobName != f.JobName {
		return false
	}
	if f.ErrorClass != "" && e.ErrorClass != f.ErrorClass {
		return false
	}
	if !f.InsertedBefore.IsZero() && !e.InsertedAt.Before(f.InsertedBefore) {
		return false
	}
	return true
}
