package workflow

import "testing"

func TestBuildGraphDiamond(t *testing.T) {
	defs := []TaskDef{
		{TaskID: "a"},
		{TaskID: "b", Dependencies: []string{"a"}},
		{TaskID: "c", Dependencies: []string{"a"}},
		{TaskID: "d", Dependencies: []string{"b", "c"}},
	}
	g, err := buildGraph(defs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Roots) != 1 || g.Roots[0].TaskID != "a" {
		t.Fatalf("expected single root 'a', got %+v", g.Roots)
	}
}

func TestBuildGraphDetectsCycle(t *testing.T) {
	defs := []TaskDef{
		{TaskID: "a", Dependencies: []string{"b"}},
		{TaskID: "b", Dependencies: []string{"a"}},
	}
	if _, err := buildGraph(defs); err == nil {
		t.Fatalf("expected cycle to be detected")
	}
}

func TestBuildGraphDetectsMissingDependency(t *testing.T) {
	defs := []TaskDef{{TaskID: "a", Dependencies: []string{"missing"}}}
	if _, err := buildGraph(defs); err == nil {
		t.Fatalf("expected missing-dependency error")
	}
}

func TestBuildGraphDetectsDuplicateTaskID(t *testing.T) {
	defs := []TaskDef{{TaskID: "a"}, {TaskID: "a"}}
	if _, err := buildGraph(defs); err == nil {
		t.Fatalf("expected duplicate task_id error")
	}
}

func TestBuildGraphEmpty(t *testing.T) {
	g, err := buildGraph(nil)
	if err != nil {
		t.Fatalf("unexpected error on empty task list: %v", err)
	}
	if len(g.Nodes) != 0 {
		t.Fatalf("expected no nodes")
	}
}
