// Package protocol implements the handoff message format: a schema
// validated description of a transfer of control/context between
// executors. It owns no state beyond a single message instance.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	maxAgentTypeLen = 100
	maxIDLen        = 256
	maxTaskDescLen  = 5000
)

// AgentIdentity identifies an executor instance taking part in a handoff.
type AgentIdentity struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// HandoffContext carries the transferred task context.
type HandoffContext struct {
	TaskDescription  string         `json:"task_description"`
	CurrentState     map[string]any `json:"current_state,omitempty"`
	SharedVariables  map[string]any `json:"shared_variables,omitempty"`
	TraceID          string         `json:"trace_id,omitempty"`
	CorrelationID    string         `json:"correlation_id,omitempty"`
	ParentContextID  string         `json:"parent_context_id,omitempty"`
}

// Progress describes the sending agent's view of overall completion.
type Progress struct {
	PercentComplete      float64   `json:"percent_complete"`
	TasksCompleted       int       `json:"tasks_completed"`
	TasksRemaining       int       `json:"tasks_remaining"`
	CurrentPhase         string    `json:"current_phase,omitempty"`
	EstimatedCompletion  time.Time `json:"estimated_completion,omitempty"`
}

// Message is a complete, schema-validated handoff between two agents.
type Message struct {
	MessageID     string         `json:"message_id"`
	SchemaVersion string         `json:"schema_version"`
	CreatedAt     time.Time      `json:"created_at"`
	Source        AgentIdentity  `json:"source"`
	Target        AgentIdentity  `json:"target"`
	Context       HandoffContext `json:"context"`
	Progress      Progress       `json:"progress"`
	Validated     bool           `json:"validated"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

const schemaVersion = "1.0"

// ValidationError names the offending field of a handoff message.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("handoff validation: field %q: %s", e.Field, e.Reason)
}

// Create builds a fresh, validated handoff message. initialState and
// sharedVariables may be nil.
func Create(source, target AgentIdentity, taskDescription string, initialState, sharedVariables map[string]any, traceID, parentContextID string) (*Message, error) {
	msg := &Message{
		MessageID:     uuid.NewString(),
		SchemaVersion: schemaVersion,
		CreatedAt:     time.Now().UTC(),
		Source:        source,
		Target:        target,
		Context: HandoffContext{
			TaskDescription: taskDescription,
			CurrentState:    initialState,
			SharedVariables: sharedVariables,
			TraceID:         traceID,
			ParentContextID: parentContextID,
		},
	}
	if err := Validate(msg); err != nil {
		return nil, err
	}
	msg.Validated = true
	return msg, nil
}

// Validate checks every required field, length/range bound, and timestamp
// shape. Returns a *ValidationError naming the first offending field.
func Validate(m *Message) error {
	if m.MessageID == "" {
		return &ValidationError{"message_id", "required"}
	}
	if len(m.MessageID) > maxIDLen {
		return &ValidationError{"message_id", "exceeds max length"}
	}
	if m.SchemaVersion == "" {
		return &ValidationError{"schema_version", "required"}
	}
	if m.CreatedAt.IsZero() {
		return &ValidationError{"created_at", "required"}
	}
	if m.CreatedAt.Location() != time.UTC {
		return &ValidationError{"created_at", "must be UTC"}
	}

	if err := validateIdentity("source", m.Source); err != nil {
		return err
	}
	if err := validateIdentity("target", m.Target); err != nil {
		return err
	}

	if m.Context.TaskDescription == "" {
		return &ValidationError{"context.task_description", "required"}
	}
	if len(m.Context.TaskDescription) > maxTaskDescLen {
		return &ValidationError{"context.task_description", "exceeds max length"}
	}
	if m.Context.TraceID != "" && len(m.Context.TraceID) > maxIDLen {
		return &ValidationError{"context.trace_id", "exceeds max length"}
	}
	if m.Context.CorrelationID != "" && len(m.Context.CorrelationID) > maxIDLen {
		return &ValidationError{"context.correlation_id", "exceeds max length"}
	}
	if m.Context.ParentContextID != "" && len(m.Context.ParentContextID) > maxIDLen {
		return &ValidationError{"context.parent_context_id", "exceeds max length"}
	}

	if m.Progress.PercentComplete < 0 || m.Progress.PercentComplete > 100 {
		return &ValidationError{"progress.percent_complete", "must be within [0, 100]"}
	}
	if m.Progress.TasksCompleted < 0 {
		return &ValidationError{"progress.tasks_completed", "must be non-negative"}
	}
	if m.Progress.TasksRemaining < 0 {
		return &ValidationError{"progress.tasks_remaining", "must be non-negative"}
	}

	return nil
}

func validateIdentity(field string, id AgentIdentity) error {
	if id.ID == "" {
		return &ValidationError{field + ".id", "required"}
	}
	if len(id.ID) > maxIDLen {
		return &ValidationError{field + ".id", "exceeds max length"}
	}
	if id.Type == "" {
		return &ValidationError{field + ".type", "required"}
	}
	if len(id.Type) > maxAgentTypeLen {
		return &ValidationError{field + ".type", "exceeds max length"}
	}
	return nil
}

// Serialize marshals m to its closed JSON schema.
func Serialize(m *Message) ([]byte, error) {
	if err := Validate(m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Deserialize unmarshals data into a Message, rejecting unknown top-level
// fields, and re-validates the result.
func Deserialize(data []byte) (*Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var m Message
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("handoff decode: %w", err)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}
