package protocol

import (
	"testing"
	"time"
)

func TestCreateValidHandoff(t *testing.T) {
	src := AgentIdentity{ID: "agent-a", Type: "researcher"}
	dst := AgentIdentity{ID: "agent-b", Type: "writer"}

	msg, err := Create(src, dst, "summarize findings", nil, map[string]any{"k": "v"}, "trace-1", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !msg.Validated {
		t.Fatalf("expected message to be marked validated")
	}
	if msg.MessageID == "" {
		t.Fatalf("expected generated message id")
	}
}

func TestCreateRejectsMissingFields(t *testing.T) {
	src := AgentIdentity{ID: "agent-a", Type: "researcher"}
	dst := AgentIdentity{ID: "", Type: "writer"}

	if _, err := Create(src, dst, "task", nil, nil, "", ""); err == nil {
		t.Fatalf("expected validation error for missing target id")
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	src := AgentIdentity{ID: "agent-a", Type: "researcher"}
	dst := AgentIdentity{ID: "agent-b", Type: "writer"}

	msg, err := Create(src, dst, "task description", nil, nil, "", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	data, err := Serialize(msg)
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}

	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}

	if got.MessageID != msg.MessageID || got.Context.TaskDescription != msg.Context.TaskDescription {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, msg)
	}
	if !got.CreatedAt.Equal(msg.CreatedAt) {
		t.Fatalf("timestamp mismatch: got %v, want %v", got.CreatedAt, msg.CreatedAt)
	}
}

func TestDeserializeRejectsUnknownFields(t *testing.T) {
	data := []byte(`{"message_id":"x","schema_version":"1.0","created_at":"2024-01-01T00:00:00Z","unexpected_field":true}`)
	if _, err := Deserialize(data); err == nil {
		t.Fatalf("expected rejection of unknown top-level field")
	}
}

func TestValidateBoundsProgressPercent(t *testing.T) {
	m := &Message{
		MessageID:     "id",
		SchemaVersion: schemaVersion,
		CreatedAt:     time.Now().UTC(),
		Source:        AgentIdentity{ID: "a", Type: "x"},
		Target:        AgentIdentity{ID: "b", Type: "y"},
		Context:       HandoffContext{TaskDescription: "d"},
		Progress:      Progress{PercentComplete: 101},
	}
	if err := Validate(m); err == nil {
		t.Fatalf("expected error for out-of-range percent_complete")
	}
}
