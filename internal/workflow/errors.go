package workflow

import "fmt"

// DependencyError is a task graph validation failure: a cycle, a missing
// dependency, or a duplicate task_id.
type DependencyError struct {
	Reason string
}

func (e *DependencyError) Error() string { return "dependency error: " + e.Reason }

// ValidationError is a schema violation on a task definition.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: field %q: %s", e.Field, e.Reason)
}

// StateError is an illegal state transition, a missing rollback target, or
// a mutation attempted against an absorbing state.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string { return "state error: " + e.Reason }

// VersionConflictError is an optimistic concurrency failure in the State
// Manager.
type VersionConflictError struct {
	WorkflowID      string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on workflow %s: expected %d, got %d", e.WorkflowID, e.ExpectedVersion, e.ActualVersion)
}

// ExecutionError covers an unregistered executor, an executor raising, or
// a timeout exceeded.
type ExecutionError struct {
	AgentType string
	Reason    string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution error (agent_type=%s): %s", e.AgentType, e.Reason)
}

// OrchestrationError is a catch-all for scheduling-loop failures.
type OrchestrationError struct {
	Reason string
}

func (e *OrchestrationError) Error() string { return "orchestration error: " + e.Reason }

// NotFoundError signals a workflow or task absent from the State Manager.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }

// TrackerError is a persistence failure in the Event Tracker. Callers of
// the orchestrator never see this type — tracker failures are logged and
// swallowed per spec.
type TrackerError struct {
	Reason string
}

func (e *TrackerError) Error() string { return "tracker error: " + e.Reason }
