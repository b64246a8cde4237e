package workflow

import "fmt"

// graphNode tracks one task's dependency bookkeeping during validation and
// ready-set computation.
type graphNode struct {
	TaskID   string
	InDegree int
	Children []*graphNode
}

// taskGraph is the validated dependency DAG of a workflow's tasks.
type taskGraph struct {
	Nodes map[string]*graphNode
	Roots []*graphNode
}

// buildGraph validates a set of task definitions and constructs the DAG:
// no duplicate task_id, every dependency resolves, and the graph is
// acyclic (detected by Kahn's algorithm — no root nodes with an otherwise
// non-empty task set means a cycle).
func buildGraph(defs []TaskDef) (*taskGraph, error) {
	nodes := make(map[string]*graphNode, len(defs))

	for _, def := range defs {
		if _, exists := nodes[def.TaskID]; exists {
			return nil, &DependencyError{Reason: fmt.Sprintf("duplicate task_id %q", def.TaskID)}
		}
		nodes[def.TaskID] = &graphNode{TaskID: def.TaskID, InDegree: len(def.Dependencies)}
	}

	for _, def := range defs {
		node := nodes[def.TaskID]
		for _, depID := range def.Dependencies {
			parent, exists := nodes[depID]
			if !exists {
				return nil, &DependencyError{Reason: fmt.Sprintf("task %q depends on undefined task %q", def.TaskID, depID)}
			}
			parent.Children = append(parent.Children, node)
		}
	}

	var roots []*graphNode
	for _, node := range nodes {
		if node.InDegree == 0 {
			roots = append(roots, node)
		}
	}

	if len(nodes) > 0 && len(roots) == 0 {
		return nil, &DependencyError{Reason: "circular dependency: no task has zero in-degree"}
	}

	if err := verifyAcyclic(nodes, roots); err != nil {
		return nil, err
	}

	return &taskGraph{Nodes: nodes, Roots: roots}, nil
}

// verifyAcyclic runs a full Kahn's-algorithm pass: if fewer nodes are
// visited than exist, some subset forms a cycle not reachable from any
// root (e.g. two disjoint components, one of which is purely cyclic).
func verifyAcyclic(nodes map[string]*graphNode, roots []*graphNode) error {
	inDegree := make(map[string]int, len(nodes))
	for id, n := range nodes {
		inDegree[id] = n.InDegree
	}

	queue := make([]*graphNode, len(roots))
	copy(queue, roots)
	visited := 0

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range n.Children {
			inDegree[child.TaskID]--
			if inDegree[child.TaskID] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if visited != len(nodes) {
		return &DependencyError{Reason: "circular dependency detected among task dependencies"}
	}
	return nil
}
