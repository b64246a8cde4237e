package registry

import (
	"context"
	"path/filepath"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	mp := noopmetric.MeterProvider{}
	store, err := NewStore(filepath.Join(dir, "registry.db"), mp.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGetAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := Agent{AgentID: "a1", AgentType: "summarizer", DisplayName: "Summarizer"}
	if err := s.CreateAgent(ctx, a); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, err := s.GetAgentByID(ctx, "a1")
	if err != nil {
		t.Fatalf("get by id failed: %v", err)
	}
	if got.Version != 1 || got.AgentType != "summarizer" {
		t.Fatalf("unexpected agent: %+v", got)
	}

	byType, err := s.GetAgentByType(ctx, "summarizer")
	if err != nil {
		t.Fatalf("get by type failed: %v", err)
	}
	if byType.AgentID != "a1" {
		t.Fatalf("expected a1, got %s", byType.AgentID)
	}

	if got.AgentUUID == "" {
		t.Fatalf("expected CreateAgent to assign an agent_uuid")
	}
	byUUID, err := s.GetAgentByUUID(ctx, got.AgentUUID)
	if err != nil {
		t.Fatalf("get by uuid failed: %v", err)
	}
	if byUUID.AgentID != "a1" {
		t.Fatalf("expected a1, got %s", byUUID.AgentID)
	}

	if _, err := s.GetAgentByUUID(ctx, "nonexistent"); err == nil {
		t.Fatalf("expected not-found error for unknown uuid")
	}
}

func TestCreateAgentRejectsDuplicateAndBadEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateAgent(ctx, Agent{AgentID: "a1", AgentType: "t1"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.CreateAgent(ctx, Agent{AgentID: "a1", AgentType: "t2"}); err == nil {
		t.Fatalf("expected conflict on duplicate agent_id")
	}
	if err := s.CreateAgent(ctx, Agent{AgentID: "a2", AgentType: "t1"}); err == nil {
		t.Fatalf("expected conflict on duplicate agent_type")
	}
	if err := s.CreateAgent(ctx, Agent{AgentID: "a3", AgentType: "t3", Embedding: make([]float64, 10)}); err == nil {
		t.Fatalf("expected validation error on wrong embedding dimension")
	}
}

func TestUpdateAndDeleteAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateAgent(ctx, Agent{AgentID: "a1", AgentType: "t1", DisplayName: "Old"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	err := s.UpdateAgent(ctx, "a1", func(a *Agent) error {
		a.DisplayName = "New"
		return nil
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, _ := s.GetAgentByID(ctx, "a1")
	if got.DisplayName != "New" || got.Version != 2 {
		t.Fatalf("unexpected agent after update: %+v", got)
	}

	uuid := got.AgentUUID

	if err := s.DeleteAgent(ctx, "a1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := s.GetAgentByID(ctx, "a1"); err == nil {
		t.Fatalf("expected not found after delete")
	}
	if _, err := s.GetAgentByType(ctx, "t1"); err == nil {
		t.Fatalf("expected type index removed after delete")
	}
	if _, err := s.GetAgentByUUID(ctx, uuid); err == nil {
		t.Fatalf("expected uuid index removed after delete")
	}
}

func TestBulkInsertUpsertsOnConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.BulkInsert(ctx, []Agent{
		{AgentID: "a1", AgentType: "t1"},
		{AgentID: "a2", AgentType: "t2"},
	})
	if err != nil {
		t.Fatalf("bulk insert failed: %v", err)
	}

	err = s.BulkInsert(ctx, []Agent{
		{AgentID: "a1", AgentType: "t1", DisplayName: "Updated"},
	})
	if err != nil {
		t.Fatalf("bulk upsert failed: %v", err)
	}

	got, _ := s.GetAgentByID(ctx, "a1")
	if got.DisplayName != "Updated" || got.Version != 2 {
		t.Fatalf("expected upsert to bump version, got %+v", got)
	}

	health, err := s.HealthCheck(ctx)
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if health.AgentCount != 2 {
		t.Fatalf("expected 2 agents, got %d", health.AgentCount)
	}
}

func TestRecordUsageAggregates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateAgent(ctx, Agent{AgentID: "a1", AgentType: "t1"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := s.RecordUsage(ctx, "a1", 100, true); err != nil {
		t.Fatalf("record usage failed: %v", err)
	}
	if err := s.RecordUsage(ctx, "a1", 300, false); err != nil {
		t.Fatalf("record usage failed: %v", err)
	}

	got, _ := s.GetAgentByID(ctx, "a1")
	if got.Stats.UsageCount != 2 {
		t.Fatalf("expected usage_count 2, got %d", got.Stats.UsageCount)
	}
	if got.Stats.AvgResponseTimeMs != 200 {
		t.Fatalf("expected avg response time 200, got %f", got.Stats.AvgResponseTimeMs)
	}
	if got.Stats.SuccessRate != 0.5 {
		t.Fatalf("expected success rate 0.5, got %f", got.Stats.SuccessRate)
	}
}
