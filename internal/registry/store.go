package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/metric"
)

var (
	bucketAgents       = []byte("agents")
	bucketAgentsByType = []byte("agents_by_type")
	bucketAgentsByUUID = []byte("agents_by_uuid")
)

// Store is the bbolt-backed Agent Registry. It reuses the same embedded
// storage technology as the State Manager and Event Tracker rather than
// introducing a separate database.
type Store struct {
	db *bbolt.DB
	mu sync.RWMutex

	searchLatency metric.Float64Histogram
	agentCount    metric.Int64UpDownCounter
}

// NewStore opens (creating if absent) a BoltDB-backed registry at dbPath.
func NewStore(dbPath string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketAgents, bucketAgentsByType, bucketAgentsByUUID} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	searchLatency, _ := meter.Float64Histogram("mycelium_registry_search_ms")
	agentCount, _ := meter.Int64UpDownCounter("mycelium_registry_agents")

	return &Store{db: db, searchLatency: searchLatency, agentCount: agentCount}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func validateAgent(a Agent) error {
	if a.AgentID == "" {
		return &ValidationError{Field: "agent_id", Reason: "must not be empty"}
	}
	if a.AgentType == "" {
		return &ValidationError{Field: "agent_type", Reason: "must not be empty"}
	}
	if a.Embedding != nil && len(a.Embedding) != EmbeddingDim {
		return &ValidationError{Field: "embedding", Reason: fmt.Sprintf("must be %d-dimensional, got %d", EmbeddingDim, len(a.Embedding))}
	}
	return nil
}

// CreateAgent inserts a new agent entry. Fails if agent_id or agent_type
// already exists.
func (s *Store) CreateAgent(ctx context.Context, a Agent) error {
	if err := validateAgent(a); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.Version = 1
	if a.AgentUUID == "" {
		a.AgentUUID = uuid.NewString()
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		ab := tx.Bucket(bucketAgents)
		if ab.Get([]byte(a.AgentID)) != nil {
			return &ConflictError{Reason: fmt.Sprintf("agent_id %q already exists", a.AgentID)}
		}
		tb := tx.Bucket(bucketAgentsByType)
		if tb.Get([]byte(a.AgentType)) != nil {
			return &ConflictError{Reason: fmt.Sprintf("agent_type %q already exists", a.AgentType)}
		}
		ub := tx.Bucket(bucketAgentsByUUID)
		if ub.Get([]byte(a.AgentUUID)) != nil {
			return &ConflictError{Reason: fmt.Sprintf("agent_uuid %q already exists", a.AgentUUID)}
		}

		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		if err := ab.Put([]byte(a.AgentID), data); err != nil {
			return err
		}
		if err := tb.Put([]byte(a.AgentType), []byte(a.AgentID)); err != nil {
			return err
		}
		return ub.Put([]byte(a.AgentUUID), []byte(a.AgentID))
	})
	if err != nil {
		return err
	}
	s.agentCount.Add(ctx, 1)
	return nil
}

// GetAgentByID returns an agent by its stable ID.
func (s *Store) GetAgentByID(ctx context.Context, agentID string) (Agent, error) {
	var a Agent
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketAgents).Get([]byte(agentID))
		if raw == nil {
			return &NotFoundError{ID: agentID}
		}
		return json.Unmarshal(raw, &a)
	})
	return a, err
}

// GetAgentByType returns an agent by its canonical agent_type.
func (s *Store) GetAgentByType(ctx context.Context, agentType string) (Agent, error) {
	var agentID string
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketAgentsByType).Get([]byte(agentType))
		if id == nil {
			return &NotFoundError{ID: agentType}
		}
		agentID = string(id)
		return nil
	})
	if err != nil {
		return Agent{}, err
	}
	return s.GetAgentByID(ctx, agentID)
}

// GetAgentByUUID returns an agent by its generated agent_uuid, the third
// lookup mode alongside GetAgentByID and GetAgentByType.
func (s *Store) GetAgentByUUID(ctx context.Context, agentUUID string) (Agent, error) {
	var agentID string
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketAgentsByUUID).Get([]byte(agentUUID))
		if id == nil {
			return &NotFoundError{ID: agentUUID}
		}
		agentID = string(id)
		return nil
	})
	if err != nil {
		return Agent{}, err
	}
	return s.GetAgentByID(ctx, agentID)
}

// AgentMutation is applied to an agent under UpdateAgent's envelope.
type AgentMutation func(*Agent) error

// UpdateAgent reads, mutates, revalidates, and rewrites an agent entry,
// bumping its version.
func (s *Store) UpdateAgent(ctx context.Context, agentID string, mutate AgentMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		ab := tx.Bucket(bucketAgents)
		raw := ab.Get([]byte(agentID))
		if raw == nil {
			return &NotFoundError{ID: agentID}
		}

		var a Agent
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		if err := mutate(&a); err != nil {
			return err
		}
		if err := validateAgent(a); err != nil {
			return err
		}

		a.UpdatedAt = time.Now().UTC()
		a.Version++

		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return ab.Put([]byte(agentID), data)
	})
}

// DeleteAgent removes an agent entry and its type index.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		ab := tx.Bucket(bucketAgents)
		raw := ab.Get([]byte(agentID))
		if raw == nil {
			return &NotFoundError{ID: agentID}
		}
		var a Agent
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		if err := ab.Delete([]byte(agentID)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketAgentsByType).Delete([]byte(a.AgentType)); err != nil {
			return err
		}
		return tx.Bucket(bucketAgentsByUUID).Delete([]byte(a.AgentUUID))
	})
	if err != nil {
		return err
	}
	s.agentCount.Add(ctx, -1)
	return nil
}

// BulkInsert upserts a batch of agents in one transaction: agents whose
// agent_id already exists are overwritten (version bumped), new agents
// are created at version 1.
func (s *Store) BulkInsert(ctx context.Context, agents []Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var inserted int64

	err := s.db.Update(func(tx *bbolt.Tx) error {
		ab := tx.Bucket(bucketAgents)
		tb := tx.Bucket(bucketAgentsByType)
		ub := tx.Bucket(bucketAgentsByUUID)

		for _, a := range agents {
			if err := validateAgent(a); err != nil {
				return fmt.Errorf("bulk insert %q: %w", a.AgentID, err)
			}

			existing := ab.Get([]byte(a.AgentID))
			if existing != nil {
				var prev Agent
				if err := json.Unmarshal(existing, &prev); err != nil {
					return err
				}
				a.CreatedAt = prev.CreatedAt
				a.Version = prev.Version + 1
				if a.AgentUUID == "" {
					a.AgentUUID = prev.AgentUUID
				} else if a.AgentUUID != prev.AgentUUID {
					if err := ub.Delete([]byte(prev.AgentUUID)); err != nil {
						return err
					}
				}
			} else {
				a.CreatedAt = now
				a.Version = 1
				inserted++
			}
			if a.AgentUUID == "" {
				a.AgentUUID = uuid.NewString()
			}
			a.UpdatedAt = now

			data, err := json.Marshal(a)
			if err != nil {
				return err
			}
			if err := ab.Put([]byte(a.AgentID), data); err != nil {
				return err
			}
			if err := tb.Put([]byte(a.AgentType), []byte(a.AgentID)); err != nil {
				return err
			}
			if err := ub.Put([]byte(a.AgentUUID), []byte(a.AgentID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if inserted != 0 {
		s.agentCount.Add(ctx, inserted)
	}
	return nil
}

// RecordUsage folds a single invocation outcome into an agent's rolling
// usage_count / success_rate / avg_response_time, in the same transaction
// as the read-modify-write — the application-level equivalent of a DB
// trigger on an agent_usage table.
func (s *Store) RecordUsage(ctx context.Context, agentID string, responseTimeMs float64, success bool) error {
	return s.UpdateAgent(ctx, agentID, func(a *Agent) error {
		n := a.Stats.UsageCount
		a.Stats.AvgResponseTimeMs = (a.Stats.AvgResponseTimeMs*float64(n) + responseTimeMs) / float64(n+1)
		successes := a.Stats.SuccessRate * float64(n)
		if success {
			successes++
		}
		a.Stats.UsageCount = n + 1
		a.Stats.SuccessRate = successes / float64(a.Stats.UsageCount)
		return nil
	})
}

// ListAll returns every registered agent, in no particular order. Used by
// SearchAgents and SimilaritySearch to scan the full set.
func (s *Store) ListAll(ctx context.Context) ([]Agent, error) {
	var all []Agent
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(_, v []byte) error {
			var a Agent
			if err := json.Unmarshal(v, &a); err != nil {
				return nil
			}
			all = append(all, a)
			return nil
		})
	})
	return all, err
}

// HealthCheck reports registry liveness and size.
func (s *Store) HealthCheck(ctx context.Context) (HealthStatus, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return HealthStatus{}, err
	}
	vectorPresent := false
	for _, a := range all {
		if len(a.Embedding) == EmbeddingDim {
			vectorPresent = true
			break
		}
	}
	return HealthStatus{
		Status:             "ok",
		VectorIndexPresent: vectorPresent,
		AgentCount:         len(all),
		Timestamp:          time.Now().UTC(),
	}, nil
}
