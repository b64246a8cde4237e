// Package registry implements the Agent Registry: a read-mostly metadata
// store over the set of known executors, searchable by text and by
// 384-dimensional embedding similarity.
package registry

import "time"

// EmbeddingDim is the hard invariant on stored embeddings (spec.md §4.E).
const EmbeddingDim = 384

// DependencyLinks records an agent's relationships to other agents by
// agent_type, partitioned by strength.
type DependencyLinks struct {
	Required    []string `json:"required,omitempty"`
	Optional    []string `json:"optional,omitempty"`
	Recommended []string `json:"recommended,omitempty"`
}

// UsageStats are the rolling aggregates maintained by RecordUsage,
// standing in for a DB trigger on an agent_usage table.
type UsageStats struct {
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	SuccessRate       float64 `json:"success_rate"`
	UsageCount        int64   `json:"usage_count"`
}

// Agent is one agent registry entry.
type Agent struct {
	AgentID      string          `json:"agent_id"`
	AgentUUID    string          `json:"agent_uuid"`
	AgentType    string          `json:"agent_type"`
	DisplayName  string          `json:"display_name"`
	Category     string          `json:"category"`
	Description  string          `json:"description"`
	Embedding    []float64       `json:"embedding,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Tools        []string        `json:"tools,omitempty"`
	Keywords     []string        `json:"keywords,omitempty"`
	Dependencies DependencyLinks `json:"dependencies"`
	Stats        UsageStats      `json:"stats"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Version      int64           `json:"version"`
}

// HealthStatus is the result of HealthCheck.
type HealthStatus struct {
	Status             string    `json:"status"`
	VectorIndexPresent bool      `json:"vector_index_present"`
	AgentCount         int       `json:"agent_count"`
	Timestamp          time.Time `json:"timestamp"`
}

// SearchResult pairs an agent with its relevance or similarity score.
type SearchResult struct {
	Agent Agent   `json:"agent"`
	Score float64 `json:"score"`
}
