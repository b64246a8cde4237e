// Package workflow implements the durable state manager, event tracker and
// DAG orchestrator that together drive a multi-agent workflow to
// completion.
package workflow

import "time"

// WorkflowStatus is the closed set of workflow lifecycle states.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Absorbing reports whether status permits no further forward transition.
func (s WorkflowStatus) Absorbing() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// TaskStatus is the closed set of task lifecycle states.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
	TaskRetrying  TaskStatus = "retrying"
)

func (s TaskStatus) Absorbing() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped:
		return true
	default:
		return false
	}
}

// RetryPolicy controls a single task's retry behaviour.
type RetryPolicy struct {
	MaxAttempts     int           `json:"max_attempts"`
	InitialDelay    time.Duration `json:"initial_delay"`
	MaxDelay        time.Duration `json:"max_delay"`
	ExponentialBase float64       `json:"exponential_base"`
	Jitter          bool          `json:"jitter"`
}

// DefaultRetryPolicy matches spec.md §6's recognized configuration default.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialDelay:    time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// TaskError is the structured error block stored on a failed task.
type TaskError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

const ErrorTypeTimeout = "TIMEOUT"

// TaskDef is the caller-supplied definition of one task within a workflow.
type TaskDef struct {
	TaskID       string      `json:"task_id"`
	AgentID      string      `json:"agent_id,omitempty"`
	AgentType    string      `json:"agent_type"`
	Dependencies []string    `json:"dependencies,omitempty"`
	RetryPolicy  RetryPolicy `json:"retry_policy"`
	// TimeoutSec is nil when no timeout is enforced. A non-nil zero is the
	// boundary case from spec.md §8: every execution of that task times out.
	TimeoutSec   *int           `json:"timeout_seconds,omitempty"`
	AllowFailure bool           `json:"allow_failure"`
	InputData    map[string]any `json:"input_data,omitempty"`
}

// Task is the persisted state of a task owned by exactly one workflow.
type Task struct {
	TaskID       string         `json:"task_id"`
	WorkflowID   string         `json:"workflow_id"`
	AgentID      string         `json:"agent_id,omitempty"`
	AgentType    string         `json:"agent_type"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Status       TaskStatus     `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	Error        *TaskError     `json:"error,omitempty"`
	Attempt      int            `json:"attempt"`
	RetryPolicy  RetryPolicy    `json:"retry_policy"`
	TimeoutSec   *int           `json:"timeout_seconds,omitempty"`
	AllowFailure bool           `json:"allow_failure"`
	InputData    map[string]any `json:"input_data,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    time.Time      `json:"started_at,omitempty"`
	CompletedAt  time.Time      `json:"completed_at,omitempty"`
	Version      int64          `json:"version"`
}

// WorkflowContext is the shared context object carried by a workflow.
type WorkflowContext struct {
	TaskDescription string         `json:"task_description,omitempty"`
	SharedVariables map[string]any `json:"shared_variables,omitempty"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	TraceID         string         `json:"trace_id,omitempty"`
}

// Workflow is the persisted root aggregate: status, context, tasks, version.
type Workflow struct {
	WorkflowID  string           `json:"workflow_id"`
	Name        string           `json:"name,omitempty"`
	Status      WorkflowStatus   `json:"status"`
	Context     WorkflowContext  `json:"context"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   time.Time        `json:"started_at,omitempty"`
	CompletedAt time.Time        `json:"completed_at,omitempty"`
	Version     int64            `json:"version"`
	Tasks       map[string]*Task `json:"tasks"`
}

// TaskResultEntry is one entry of previous_results passed to an executor,
// in dependency order.
type TaskResultEntry struct {
	TaskID string         `json:"task_id"`
	Result map[string]any `json:"result"`
}

// ExecutionContext is passed to a registered executor for each task
// invocation (spec.md §6, "Executor contract").
type ExecutionContext struct {
	TaskDef         TaskDef
	WorkflowID      string
	WorkflowContext WorkflowContext
	PreviousResults []TaskResultEntry
	Variables       map[string]any
}

// Executor is the registered callable for an agent_type.
type Executor func(ctx ExecutionContext) (map[string]any, error)

// TaskOutcome is one task's result in a WorkflowResult.
type TaskOutcome struct {
	Status   TaskStatus     `json:"status"`
	Result   map[string]any `json:"result,omitempty"`
	Error    *TaskError     `json:"error,omitempty"`
	Attempts int            `json:"attempts"`
}

// WorkflowResult is returned by ExecuteWorkflow.
type WorkflowResult struct {
	WorkflowID      string                 `json:"workflow_id"`
	Status          WorkflowStatus         `json:"status"`
	TotalDurationMs int64                  `json:"total_duration_ms"`
	TaskResults     map[string]TaskOutcome `json:"task_results"`
	Context         WorkflowContext        `json:"context"`
}
