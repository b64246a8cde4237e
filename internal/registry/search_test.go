package registry

import (
	"context"
	"testing"
)

func TestSearchAgentsRanksByTermFrequency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agents := []Agent{
		{AgentID: "a1", AgentType: "t1", DisplayName: "Code Reviewer", Description: "reviews pull requests for bugs", Capabilities: []string{"code", "review"}},
		{AgentID: "a2", AgentType: "t2", DisplayName: "Summarizer", Description: "summarizes long documents", Capabilities: []string{"summary"}},
	}
	if err := s.BulkInsert(ctx, agents); err != nil {
		t.Fatalf("bulk insert failed: %v", err)
	}

	results, err := s.SearchAgents(ctx, "code review", 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) == 0 || results[0].Agent.AgentID != "a1" {
		t.Fatalf("expected a1 to rank first, got %+v", results)
	}
}

func TestSearchAgentsEmptyQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	results, err := s.SearchAgents(ctx, "   ", 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if results != nil {
		t.Fatalf("expected no results for empty query, got %+v", results)
	}
}

func unitVector(dim, hot int) []float64 {
	v := make([]float64, dim)
	v[hot] = 1
	return v
}

func TestSimilaritySearchRanksByCosine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateAgent(ctx, Agent{AgentID: "a1", AgentType: "t1", Embedding: unitVector(EmbeddingDim, 0)}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.CreateAgent(ctx, Agent{AgentID: "a2", AgentType: "t2", Embedding: unitVector(EmbeddingDim, 1)}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	results, err := s.SimilaritySearch(ctx, unitVector(EmbeddingDim, 0), 10, 0.5)
	if err != nil {
		t.Fatalf("similarity search failed: %v", err)
	}
	if len(results) != 1 || results[0].Agent.AgentID != "a1" {
		t.Fatalf("expected only a1 above threshold, got %+v", results)
	}
}

func TestSimilaritySearchRejectsWrongDimension(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.SimilaritySearch(ctx, make([]float64, 10), 10, 0.0); err == nil {
		t.Fatalf("expected validation error for wrong-dimension query embedding")
	}
}
