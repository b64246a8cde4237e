package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Bucket names, one per concern, mirroring the persisted table layout of
// spec.md §6.
var (
	bucketWorkflows       = []byte("workflow_states")
	bucketTasks           = []byte("task_states")
	bucketWorkflowHistory = []byte("workflow_state_history")
	bucketTaskHistory     = []byte("task_state_history")
)

// Store is the durable State Manager: single-writer-per-workflow,
// optimistic versioning, append-only history.
type Store struct {
	db *bbolt.DB
	mu sync.RWMutex

	// hot cache of workflows, filled by GetWorkflow and invalidated on
	// every mutation of that workflow.
	cache map[string]Workflow

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// NewStore opens (creating if absent) a BoltDB-backed state store file at
// dbPath.
func NewStore(dbPath string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketWorkflows, bucketTasks, bucketWorkflowHistory, bucketTaskHistory} {
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

	readLatency, _ := meter.Float64Histogram("mycelium_state_read_ms")
	writeLatency, _ := meter.Float64Histogram("mycelium_state_write_ms")
	cacheHits, _ := meter.Int64Counter("mycelium_state_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("mycelium_state_cache_misses_total")

	return &Store{
		db:           db,
		cache:        make(map[string]Workflow),
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func versionKey(id string, version int64) []byte {
	return []byte(fmt.Sprintf("%s:%020d", id, version))
}

func taskKey(workflowID, taskID string) []byte {
	return []byte(workflowID + ":" + taskID)
}

// CreateWorkflow atomically inserts the workflow row at version=1 plus its
// initial tasks and a corresponding history entry. Fails if workflow_id
// collides.
func (s *Store) CreateWorkflow(ctx context.Context, wf Workflow) error {
	start := time.Now()
	defer s.recordWrite(ctx, "create_workflow", start)

	s.mu.Lock()
	defer s.mu.Unlock()

	wf.Version = 1
	tasks := wf.Tasks
	wf.Tasks = nil

	err := s.db.Update(func(tx *bbolt.Tx) error {
		wb := tx.Bucket(bucketWorkflows)
		if wb.Get([]byte(wf.WorkflowID)) != nil {
			return &StateError{Reason: fmt.Sprintf("workflow %q already exists", wf.WorkflowID)}
		}

		data, err := json.Marshal(wf)
		if err != nil {
			return err
		}
		if err := wb.Put([]byte(wf.WorkflowID), data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketWorkflowHistory).Put(versionKey(wf.WorkflowID, 1), data); err != nil {
			return err
		}

		tb := tx.Bucket(bucketTasks)
		thb := tx.Bucket(bucketTaskHistory)
		for _, t := range tasks {
			t.WorkflowID = wf.WorkflowID
			t.Version = 1
			tdata, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if err := tb.Put(taskKey(wf.WorkflowID, t.TaskID), tdata); err != nil {
				return err
			}
			if err := thb.Put(versionKey(string(taskKey(wf.WorkflowID, t.TaskID)), 1), tdata); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	wf.Tasks = tasks
	delete(s.cache, wf.WorkflowID)
	return nil
}

// cloneWorkflow deep-copies a Workflow's task pointers so a cached entry
// and whatever the caller does with its returned copy never alias the same
// *Task.
func cloneWorkflow(wf Workflow) Workflow {
	out := wf
	out.Tasks = make(map[string]*Task, len(wf.Tasks))
	for id, t := range wf.Tasks {
		cp := *t
		out.Tasks[id] = &cp
	}
	return out
}

// GetWorkflow reads the workflow plus all its tasks in one consistent
// snapshot. Returns found=false if absent. Served from the hot cache when
// present; every mutating call below invalidates that workflow's entry, so
// a hit always reflects the last committed write.
func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (Workflow, bool, error) {
	start := time.Now()
	defer s.recordRead(ctx, "get_workflow", start)

	s.mu.RLock()
	cached, ok := s.cache[workflowID]
	s.mu.RUnlock()
	if ok {
		s.cacheHits.Add(ctx, 1)
		return cloneWorkflow(cached), true, nil
	}

	var wf Workflow
	found := false

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWorkflows).Get([]byte(workflowID))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &wf); err != nil {
			return err
		}
		found = true

		wf.Tasks = make(map[string]*Task)
		prefix := []byte(workflowID + ":")
		c := tx.Bucket(bucketTasks).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			wf.Tasks[t.TaskID] = &t
		}
		return nil
	})
	if err != nil {
		return Workflow{}, false, fmt.Errorf("read workflow: %w", err)
	}
	if !found {
		s.cacheMisses.Add(ctx, 1)
		return Workflow{}, false, nil
	}
	s.cacheMisses.Add(ctx, 1)

	s.mu.Lock()
	s.cache[workflowID] = cloneWorkflow(wf)
	s.mu.Unlock()

	return wf, true, nil
}

// Mutation is applied to a workflow (excluding its tasks) under the
// optimistic-concurrency envelope of UpdateWorkflow.
type Mutation func(*Workflow) error

// UpdateWorkflow reads the current row, checks expectedVersion if
// non-nil, applies mutate, increments version, archives the pre-mutation
// snapshot into history, and commits. Raises StateError if the workflow
// is absorbing and the mutation isn't a no-op status change, NotFoundError
// if absent, VersionConflictError on mismatch.
func (s *Store) UpdateWorkflow(ctx context.Context, workflowID string, expectedVersion *int64, mutate Mutation) (int64, error) {
	start := time.Now()
	defer s.recordWrite(ctx, "update_workflow", start)

	s.mu.Lock()
	defer s.mu.Unlock()

	var newVersion int64

	err := s.db.Update(func(tx *bbolt.Tx) error {
		wb := tx.Bucket(bucketWorkflows)
		raw := wb.Get([]byte(workflowID))
		if raw == nil {
			return &NotFoundError{Kind: "workflow", ID: workflowID}
		}

		var wf Workflow
		if err := json.Unmarshal(raw, &wf); err != nil {
			return err
		}

		if expectedVersion != nil && *expectedVersion != wf.Version {
			return &VersionConflictError{WorkflowID: workflowID, ExpectedVersion: *expectedVersion, ActualVersion: wf.Version}
		}

		preMutation := raw
		fromStatus := wf.Status

		if err := mutate(&wf); err != nil {
			return err
		}
		if fromStatus.Absorbing() && wf.Status != fromStatus {
			return &StateError{Reason: fmt.Sprintf("workflow %q is in absorbing state %s", workflowID, fromStatus)}
		}

		wf.Version++
		newVersion = wf.Version

		data, err := json.Marshal(wf)
		if err != nil {
			return err
		}
		if err := wb.Put([]byte(workflowID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketWorkflowHistory).Put(versionKey(workflowID, wf.Version-1), preMutation)
	})
	if err != nil {
		return 0, err
	}

	delete(s.cache, workflowID)
	return newVersion, nil
}

// taskTransitions is the allowed task FSM (spec.md §4.B).
var taskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPending:  {TaskRunning: true, TaskSkipped: true},
	TaskRunning:  {TaskCompleted: true, TaskFailed: true, TaskRetrying: true},
	TaskRetrying: {TaskRunning: true, TaskSkipped: true},
}

// validTaskTransition reports whether from -> to is a legal FSM edge.
// Absorbing states (completed/failed/skipped) permit no forward edge.
func validTaskTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	if from.Absorbing() {
		return false
	}
	allowed, ok := taskTransitions[from]
	return ok && allowed[to]
}

// TaskMutation is applied to a task under UpdateTask's FSM-validated
// envelope.
type TaskMutation func(*Task) error

// CreateTask inserts a new task row owned by workflowID.
func (s *Store) CreateTask(ctx context.Context, workflowID string, t Task) error {
	start := time.Now()
	defer s.recordWrite(ctx, "create_task", start)

	s.mu.Lock()
	defer s.mu.Unlock()

	t.WorkflowID = workflowID
	t.Version = 1

	err := s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTasks).Put(taskKey(workflowID, t.TaskID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketTaskHistory).Put(versionKey(string(taskKey(workflowID, t.TaskID)), 1), data)
	})
	if err != nil {
		return err
	}

	delete(s.cache, workflowID)
	return nil
}

// UpdateTask applies mutate to the task, validating the resulting status
// transition against the task FSM before committing. The pre-mutation
// snapshot is archived into task_state_history.
func (s *Store) UpdateTask(ctx context.Context, workflowID, taskID string, mutate TaskMutation) (int64, error) {
	start := time.Now()
	defer s.recordWrite(ctx, "update_task", start)

	s.mu.Lock()
	defer s.mu.Unlock()

	var newVersion int64
	key := taskKey(workflowID, taskID)

	err := s.db.Update(func(tx *bbolt.Tx) error {
		tb := tx.Bucket(bucketTasks)
		raw := tb.Get(key)
		if raw == nil {
			return &NotFoundError{Kind: "task", ID: taskID}
		}

		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		fromStatus := t.Status
		preMutation := raw

		if err := mutate(&t); err != nil {
			return err
		}

		if !validTaskTransition(fromStatus, t.Status) {
			return &StateError{Reason: fmt.Sprintf("illegal task transition %s -> %s for task %q", fromStatus, t.Status, taskID)}
		}

		t.Version++
		newVersion = t.Version

		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if err := tb.Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(bucketTaskHistory).Put(versionKey(string(key), t.Version-1), preMutation)
	})
	if err != nil {
		return 0, err
	}

	delete(s.cache, workflowID)
	return newVersion, nil
}

// ListFilter narrows ListWorkflows.
type ListFilter struct {
	Status        WorkflowStatus
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

// ListWorkflows returns workflows matching filters, ordered by created_at
// desc, paginated.
func (s *Store) ListWorkflows(ctx context.Context, filter ListFilter) ([]Workflow, error) {
	var all []Workflow

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(_, v []byte) error {
			var wf Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return nil
			}
			if filter.Status != "" && wf.Status != filter.Status {
				return nil
			}
			if !filter.CreatedAfter.IsZero() && wf.CreatedAt.Before(filter.CreatedAfter) {
				return nil
			}
			if !filter.CreatedBefore.IsZero() && wf.CreatedAt.After(filter.CreatedBefore) {
				return nil
			}
			all = append(all, wf)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	start := filter.Offset
	if start > len(all) {
		start = len(all)
	}
	end := len(all)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return all[start:end], nil
}

// GetWorkflowHistory returns the workflow's history snapshots ordered by
// version ascending.
func (s *Store) GetWorkflowHistory(ctx context.Context, workflowID string) ([]Workflow, error) {
	var out []Workflow
	prefix := []byte(workflowID + ":")

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketWorkflowHistory).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var wf Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				continue
			}
			out = append(out, wf)
		}
		return nil
	})
	return out, err
}

// RollbackWorkflow replaces current workflow (and task) state with the
// history snapshot at targetVersion, increments version, and appends a
// history entry describing the rollback.
func (s *Store) RollbackWorkflow(ctx context.Context, workflowID string, targetVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newVersion int64

	err := s.db.Update(func(tx *bbolt.Tx) error {
		hb := tx.Bucket(bucketWorkflowHistory)
		snapshot := hb.Get(versionKey(workflowID, targetVersion))
		if snapshot == nil {
			return &StateError{Reason: fmt.Sprintf("rollback target version %d not found for workflow %q", targetVersion, workflowID)}
		}

		wb := tx.Bucket(bucketWorkflows)
		curRaw := wb.Get([]byte(workflowID))
		if curRaw == nil {
			return &NotFoundError{Kind: "workflow", ID: workflowID}
		}
		var cur Workflow
		if err := json.Unmarshal(curRaw, &cur); err != nil {
			return err
		}

		var restored Workflow
		if err := json.Unmarshal(snapshot, &restored); err != nil {
			return err
		}
		restored.Version = cur.Version + 1
		newVersion = restored.Version

		data, err := json.Marshal(restored)
		if err != nil {
			return err
		}
		if err := wb.Put([]byte(workflowID), data); err != nil {
			return err
		}
		if err := hb.Put(versionKey(workflowID, cur.Version), curRaw); err != nil {
			return err
		}

		// Cascade: restore task state to the task history entries nearest
		// (at or before) targetVersion for each task.
		thb := tx.Bucket(bucketTaskHistory)
		tb := tx.Bucket(bucketTasks)
		taskPrefix := []byte(workflowID + ":")
		c := tb.Cursor()
		for k, _ := c.Seek(taskPrefix); k != nil && strings.HasPrefix(string(k), string(taskPrefix)); k, _ = c.Next() {
			taskKeyStr := string(k)
			var best []byte
			hc := thb.Cursor()
			hp := []byte(taskKeyStr + ":")
			for hk, hv := hc.Seek(hp); hk != nil && strings.HasPrefix(string(hk), string(hp)); hk, hv = hc.Next() {
				var snap Task
				if err := json.Unmarshal(hv, &snap); err != nil {
					continue
				}
				if snap.Version <= targetVersion {
					best = hv
				} else {
					break
				}
			}
			if best != nil {
				if err := tb.Put(k, best); err != nil {
					return err
				}
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	delete(s.cache, workflowID)
	return newVersion, nil
}

// DeleteWorkflow cascading-deletes a workflow, its tasks, and their
// history.
func (s *Store) DeleteWorkflow(ctx context.Context, workflowID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existed := false

	err := s.db.Update(func(tx *bbolt.Tx) error {
		wb := tx.Bucket(bucketWorkflows)
		if wb.Get([]byte(workflowID)) != nil {
			existed = true
		}
		if err := wb.Delete([]byte(workflowID)); err != nil {
			return err
		}

		prefix := []byte(workflowID + ":")
		for _, name := range [][]byte{bucketTasks, bucketWorkflowHistory, bucketTaskHistory} {
			b := tx.Bucket(name)
			var toDelete [][]byte
			c := b.Cursor()
			for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			for _, k := range toDelete {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	delete(s.cache, workflowID)
	return existed, nil
}

func (s *Store) recordRead(ctx context.Context, op string, start time.Time) {
	s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

func (s *Store) recordWrite(ctx context.Context, op string, start time.Time) {
	s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}
