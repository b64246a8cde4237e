package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// EventType is the closed set of recognized coordination event types
// (spec.md §6). Unknown types are rejected by TrackEvent.
type EventType string

const (
	EventHandoff EventType = "handoff"

	EventExecutionStart EventType = "execution_start"
	EventExecutionEnd   EventType = "execution_end"

	EventFailure EventType = "failure"
	EventRetry   EventType = "retry"

	EventWorkflowCreated   EventType = "workflow_created"
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowCancelled EventType = "workflow_cancelled"
	EventWorkflowPaused    EventType = "workflow_paused"
	EventWorkflowResumed   EventType = "workflow_resumed"

	EventTaskCreated  EventType = "task_created"
	EventTaskStarted  EventType = "task_started"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskSkipped   EventType = "task_skipped"
	EventTaskRetrying  EventType = "task_retrying"
)

var validEventTypes = map[EventType]bool{
	EventHandoff: true, EventExecutionStart: true, EventExecutionEnd: true,
	EventFailure: true, EventRetry: true,
	EventWorkflowCreated: true, EventWorkflowStarted: true, EventWorkflowCompleted: true,
	EventWorkflowFailed: true, EventWorkflowCancelled: true, EventWorkflowPaused: true, EventWorkflowResumed: true,
	EventTaskCreated: true, EventTaskStarted: true, EventTaskCompleted: true,
	EventTaskFailed: true, EventTaskSkipped: true, EventTaskRetrying: true,
}

// Performance is the optional queue/execution/total time breakdown.
type Performance struct {
	QueueTimeMs     int64 `json:"queue_time_ms,omitempty"`
	ExecutionTimeMs int64 `json:"execution_time_ms,omitempty"`
	TotalTimeMs     int64 `json:"total_time_ms,omitempty"`
}

// Event is one immutable coordination event record.
type Event struct {
	EventID         string          `json:"event_id"`
	EventType       EventType       `json:"event_type"`
	WorkflowID      string          `json:"workflow_id"`
	TaskID          string          `json:"task_id,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	AgentID         string          `json:"agent_id,omitempty"`
	AgentType       string          `json:"agent_type,omitempty"`
	SourceAgentID   string          `json:"source_agent_id,omitempty"`
	SourceAgentType string          `json:"source_agent_type,omitempty"`
	TargetAgentID   string          `json:"target_agent_id,omitempty"`
	TargetAgentType string          `json:"target_agent_type,omitempty"`
	Status          string          `json:"status,omitempty"`
	DurationMs      int64           `json:"duration_ms,omitempty"`
	Error           *TaskError      `json:"error,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	WorkflowContext *WorkflowContext `json:"workflow_context,omitempty"`
	Performance     *Performance    `json:"performance,omitempty"`

	// PrevHash/Hash form the append-only chain; set by the durable tracker
	// only, zero on events returned by the in-memory fallback.
	PrevHash string `json:"prev_hash,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// Timeline is the grouped reconstruction returned by GetWorkflowTimeline.
type Timeline struct {
	Events          []Event         `json:"events"`
	Phases          map[string][]Event `json:"phases"`
	DurationMs      int64           `json:"duration_ms"`
	EventTypeCounts map[EventType]int `json:"event_type_counts"`
}

// Statistics is returned by GetStatistics.
type Statistics struct {
	TotalEvents     int               `json:"total_events"`
	EventTypeCounts map[EventType]int `json:"event_type_counts"`
	FailureRate     float64           `json:"failure_rate"`
	AvgDurationMs   float64           `json:"avg_duration_ms"`
	FirstEvent      time.Time         `json:"first_event"`
	LastEvent       time.Time         `json:"last_event"`
}

// EventTracker is the append-only, schema-validated event log contract
// (spec.md §4.C). Persistence failures must never propagate to callers of
// the orchestrator; TrackEvent is the only call site that can legitimately
// return an error, and even that is logged-and-swallowed by callers, not
// the tracker itself.
type EventTracker interface {
	TrackEvent(ctx context.Context, e Event) (string, error)
	GetWorkflowEvents(ctx context.Context, workflowID string, typeFilter EventType, limit int) ([]Event, error)
	GetTaskEvents(ctx context.Context, taskID string, limit int) ([]Event, error)
	GetAgentEvents(ctx context.Context, agentID string, typeFilter EventType, limit int) ([]Event, error)
	GetHandoffChain(ctx context.Context, workflowID string) ([]Event, error)
	GetWorkflowTimeline(ctx context.Context, workflowID string) (Timeline, error)
	GetStatistics(ctx context.Context, workflowID string) (Statistics, error)
	DeleteWorkflowEvents(ctx context.Context, workflowID string) (int, error)
	// Durable reports whether this tracker survives a process restart.
	Durable() bool
}

func validateEvent(e *Event) error {
	if !validEventTypes[e.EventType] {
		return &ValidationError{Field: "event_type", Reason: fmt.Sprintf("unknown event type %q", e.EventType)}
	}
	if e.WorkflowID == "" {
		return &ValidationError{Field: "workflow_id", Reason: "required"}
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	} else {
		e.Timestamp = e.Timestamp.UTC()
	}
	return nil
}

// ---- Durable tracker (bbolt-backed, hash-chained) ----

var (
	bucketEvents     = []byte("coordination_events")
	bucketEventsMeta = []byte("coordination_events_meta")
)

// DurableEventTracker persists events to BoltDB with a hash chain linking
// each event to the previous one, and time-ordered indexes per
// (workflow_id), (task_id), (agent_id), (workflow_id, event_type).
type DurableEventTracker struct {
	db       *bbolt.DB
	mu       sync.Mutex
	lastHash string
}

// NewDurableEventTracker opens (creating if absent) the event log file at
// dbPath.
func NewDurableEventTracker(dbPath string) (*DurableEventTracker, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open events db: %w", err)
	}

	t := &DurableEventTracker{db: db}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketEvents, bucketEventsMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketEventsMeta).Get([]byte("last_hash")); v != nil {
			t.lastHash = string(v)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return t, nil
}

func (t *DurableEventTracker) Close() error { return t.db.Close() }
func (t *DurableEventTracker) Durable() bool { return true }

func hashEvent(prevHash string, e Event) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%d", prevHash, e.EventID, e.EventType, e.WorkflowID, e.TaskID, e.Timestamp.UnixNano())
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func eventIndexKey(parts ...string) []byte {
	return []byte(strings.Join(parts, ":"))
}

// TrackEvent validates, chains, persists and indexes one event.
func (t *DurableEventTracker) TrackEvent(ctx context.Context, e Event) (string, error) {
	if err := validateEvent(&e); err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e.PrevHash = t.lastHash
	e.Hash = hashEvent(e.PrevHash, e)

	data, err := json.Marshal(e)
	if err != nil {
		return "", &TrackerError{Reason: err.Error()}
	}

	err = t.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketEvents).Put([]byte(e.EventID), data); err != nil {
			return err
		}
		ts := fmt.Sprintf("%020d", e.Timestamp.UnixNano())
		idx := tx.Bucket(bucketEventsMeta)
		if err := idx.Put(eventIndexKey("wf", e.WorkflowID, ts, e.EventID), []byte(e.EventID)); err != nil {
			return err
		}
		if e.TaskID != "" {
			if err := idx.Put(eventIndexKey("task", e.TaskID, ts, e.EventID), []byte(e.EventID)); err != nil {
				return err
			}
		}
		if e.AgentID != "" {
			if err := idx.Put(eventIndexKey("agent", e.AgentID, ts, e.EventID), []byte(e.EventID)); err != nil {
				return err
			}
		}
		if err := idx.Put(eventIndexKey("wftype", e.WorkflowID, string(e.EventType), ts, e.EventID), []byte(e.EventID)); err != nil {
			return err
		}
		return idx.Put([]byte("last_hash"), []byte(e.Hash))
	})
	if err != nil {
		return "", &TrackerError{Reason: err.Error()}
	}

	t.lastHash = e.Hash
	return e.EventID, nil
}

func (t *DurableEventTracker) getByIDs(ids []string) ([]Event, error) {
	out := make([]Event, 0, len(ids))
	err := t.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		for _, id := range ids {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			var e Event
			if err := json.Unmarshal(data, &e); err != nil {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (t *DurableEventTracker) scanPrefix(prefix string, limit int) ([]string, error) {
	var ids []string
	err := t.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEventsMeta).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			ids = append(ids, string(v))
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
		return nil
	})
	return ids, err
}

func (t *DurableEventTracker) GetWorkflowEvents(ctx context.Context, workflowID string, typeFilter EventType, limit int) ([]Event, error) {
	ids, err := t.scanPrefix(fmt.Sprintf("wf:%s:", workflowID), 0)
	if err != nil {
		return nil, err
	}
	events, err := t.getByIDs(ids)
	if err != nil {
		return nil, err
	}
	return filterAndLimit(events, typeFilter, limit), nil
}

func (t *DurableEventTracker) GetTaskEvents(ctx context.Context, taskID string, limit int) ([]Event, error) {
	ids, err := t.scanPrefix(fmt.Sprintf("task:%s:", taskID), 0)
	if err != nil {
		return nil, err
	}
	events, err := t.getByIDs(ids)
	if err != nil {
		return nil, err
	}
	return filterAndLimit(events, "", limit), nil
}

func (t *DurableEventTracker) GetAgentEvents(ctx context.Context, agentID string, typeFilter EventType, limit int) ([]Event, error) {
	ids, err := t.scanPrefix(fmt.Sprintf("agent:%s:", agentID), 0)
	if err != nil {
		return nil, err
	}
	events, err := t.getByIDs(ids)
	if err != nil {
		return nil, err
	}
	return filterAndLimit(events, typeFilter, limit), nil
}

func (t *DurableEventTracker) GetHandoffChain(ctx context.Context, workflowID string) ([]Event, error) {
	return t.GetWorkflowEvents(ctx, workflowID, EventHandoff, 0)
}

func (t *DurableEventTracker) GetWorkflowTimeline(ctx context.Context, workflowID string) (Timeline, error) {
	events, err := t.GetWorkflowEvents(ctx, workflowID, "", 0)
	if err != nil {
		return Timeline{}, err
	}
	return buildTimeline(events), nil
}

func (t *DurableEventTracker) GetStatistics(ctx context.Context, workflowID string) (Statistics, error) {
	var events []Event
	var err error
	if workflowID != "" {
		events, err = t.GetWorkflowEvents(ctx, workflowID, "", 0)
	} else {
		err = t.db.View(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketEvents).ForEach(func(_, v []byte) error {
				var e Event
				if jsonErr := json.Unmarshal(v, &e); jsonErr == nil {
					events = append(events, e)
				}
				return nil
			})
		})
	}
	if err != nil {
		return Statistics{}, err
	}
	return buildStatistics(events), nil
}

func (t *DurableEventTracker) DeleteWorkflowEvents(ctx context.Context, workflowID string) (int, error) {
	ids, err := t.scanPrefix(fmt.Sprintf("wf:%s:", workflowID), 0)
	if err != nil {
		return 0, err
	}
	count := 0
	err = t.db.Update(func(tx *bbolt.Tx) error {
		eb := tx.Bucket(bucketEvents)
		idx := tx.Bucket(bucketEventsMeta)
		for _, id := range ids {
			if eb.Get([]byte(id)) != nil {
				if err := eb.Delete([]byte(id)); err != nil {
					return err
				}
				count++
			}
		}
		c := idx.Cursor()
		prefix := []byte("wf:" + workflowID + ":")
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := idx.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return count, err
}

// Verify walks the full chain re-hashing each event and checking linkage,
// confirming the log has not been tampered with.
func (t *DurableEventTracker) Verify() bool {
	var all []Event
	err := t.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(_, v []byte) error {
			var e Event
			if jsonErr := json.Unmarshal(v, &e); jsonErr == nil {
				all = append(all, e)
			}
			return nil
		})
	})
	if err != nil {
		return false
	}
	byHash := make(map[string]Event, len(all))
	for _, e := range all {
		byHash[e.Hash] = e
	}
	for _, e := range all {
		if hashEvent(e.PrevHash, e) != e.Hash {
			return false
		}
		if e.PrevHash != "" {
			if _, ok := byHash[e.PrevHash]; !ok {
				return false
			}
		}
	}
	return true
}

// ---- In-memory fallback tracker ----

// InMemoryEventTracker implements the same contract without a database.
// It loses data on restart; Durable() reports false so callers can warn.
type InMemoryEventTracker struct {
	mu     sync.RWMutex
	events map[string][]Event // workflow_id -> ordered events
}

// NewInMemoryEventTracker constructs a non-durable fallback tracker.
func NewInMemoryEventTracker() *InMemoryEventTracker {
	return &InMemoryEventTracker{events: make(map[string][]Event)}
}

func (t *InMemoryEventTracker) Durable() bool { return false }

func (t *InMemoryEventTracker) TrackEvent(ctx context.Context, e Event) (string, error) {
	if err := validateEvent(&e); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events[e.WorkflowID] = append(t.events[e.WorkflowID], e)
	return e.EventID, nil
}

func (t *InMemoryEventTracker) GetWorkflowEvents(ctx context.Context, workflowID string, typeFilter EventType, limit int) ([]Event, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return filterAndLimit(append([]Event(nil), t.events[workflowID]...), typeFilter, limit), nil
}

func (t *InMemoryEventTracker) GetTaskEvents(ctx context.Context, taskID string, limit int) ([]Event, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Event
	for _, list := range t.events {
		for _, e := range list {
			if e.TaskID == taskID {
				out = append(out, e)
			}
		}
	}
	return filterAndLimit(out, "", limit), nil
}

func (t *InMemoryEventTracker) GetAgentEvents(ctx context.Context, agentID string, typeFilter EventType, limit int) ([]Event, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Event
	for _, list := range t.events {
		for _, e := range list {
			if e.AgentID == agentID {
				out = append(out, e)
			}
		}
	}
	return filterAndLimit(out, typeFilter, limit), nil
}

func (t *InMemoryEventTracker) GetHandoffChain(ctx context.Context, workflowID string) ([]Event, error) {
	return t.GetWorkflowEvents(ctx, workflowID, EventHandoff, 0)
}

func (t *InMemoryEventTracker) GetWorkflowTimeline(ctx context.Context, workflowID string) (Timeline, error) {
	events, _ := t.GetWorkflowEvents(ctx, workflowID, "", 0)
	return buildTimeline(events), nil
}

func (t *InMemoryEventTracker) GetStatistics(ctx context.Context, workflowID string) (Statistics, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var events []Event
	if workflowID != "" {
		events = t.events[workflowID]
	} else {
		for _, list := range t.events {
			events = append(events, list...)
		}
	}
	return buildStatistics(events), nil
}

func (t *InMemoryEventTracker) DeleteWorkflowEvents(ctx context.Context, workflowID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.events[workflowID])
	delete(t.events, workflowID)
	return n, nil
}

// ---- shared helpers ----

func filterAndLimit(events []Event, typeFilter EventType, limit int) []Event {
	out := events
	if typeFilter != "" {
		out = out[:0]
		for _, e := range events {
			if e.EventType == typeFilter {
				out = append(out, e)
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func buildTimeline(events []Event) Timeline {
	tl := Timeline{Events: events, Phases: make(map[string][]Event), EventTypeCounts: make(map[EventType]int)}
	for _, e := range events {
		tl.EventTypeCounts[e.EventType]++
		phase := phaseFor(e.EventType)
		tl.Phases[phase] = append(tl.Phases[phase], e)
	}
	if len(events) > 0 {
		first, last := events[0].Timestamp, events[0].Timestamp
		for _, e := range events {
			if e.Timestamp.Before(first) {
				first = e.Timestamp
			}
			if e.Timestamp.After(last) {
				last = e.Timestamp
			}
		}
		tl.DurationMs = last.Sub(first).Milliseconds()
	}
	return tl
}

func phaseFor(t EventType) string {
	switch t {
	case EventWorkflowCreated, EventTaskCreated:
		return "creation"
	case EventExecutionStart, EventTaskStarted, EventRetry, EventTaskRetrying, EventHandoff:
		return "tasks-in-flight"
	case EventFailure, EventTaskFailed, EventTaskSkipped:
		return "fixup"
	case EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowCancelled, EventExecutionEnd, EventTaskCompleted:
		return "completion"
	default:
		return "tasks-in-flight"
	}
}

func buildStatistics(events []Event) Statistics {
	stats := Statistics{EventTypeCounts: make(map[EventType]int)}
	stats.TotalEvents = len(events)
	if len(events) == 0 {
		return stats
	}

	var totalDuration int64
	var durationCount int
	var failures int
	first, last := events[0].Timestamp, events[0].Timestamp

	for _, e := range events {
		stats.EventTypeCounts[e.EventType]++
		if e.DurationMs > 0 {
			totalDuration += e.DurationMs
			durationCount++
		}
		if e.EventType == EventFailure || e.EventType == EventTaskFailed || e.EventType == EventWorkflowFailed {
			failures++
		}
		if e.Timestamp.Before(first) {
			first = e.Timestamp
		}
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}

	stats.FirstEvent = first
	stats.LastEvent = last
	stats.FailureRate = float64(failures) / float64(len(events))
	if durationCount > 0 {
		stats.AvgDurationMs = float64(totalDuration) / float64(durationCount)
	}
	return stats
}
