package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gsornsen/mycelium/internal/config"
	"github.com/gsornsen/mycelium/internal/eventbus"
	"github.com/gsornsen/mycelium/internal/resilience"
)

func newID() string { return uuid.NewString() }

func retryPolicyFromConfig(rp config.RetryPolicy) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     rp.MaxAttempts,
		InitialDelay:    rp.InitialDelay,
		MaxDelay:        rp.MaxDelay,
		ExponentialBase: rp.ExponentialBase,
		Jitter:          rp.Jitter,
	}
}

// execGate lets PauseWorkflow/ResumeWorkflow block and unblock new task
// launches without touching in-flight work, the same distinction
// cancellation.go draws between "stop accepting new executions" and
// "stop the currently running one."
type execGate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newExecGate() *execGate {
	g := &execGate{ch: make(chan struct{})}
	close(g.ch)
	return g
}

func (g *execGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

func (g *execGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

func (g *execGate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// activeExecution is the bookkeeping kept for one in-flight
// ExecuteWorkflow call, mirroring cancellation.go's activeExecutions map.
type activeExecution struct {
	cancel context.CancelFunc
	gate   *execGate
}

// Orchestrator is the Workflow Orchestrator (spec.md §4.D): it validates
// task graphs, drives execution under bounded concurrency, and owns the
// pause/resume/cancel lifecycle.
type Orchestrator struct {
	store   *Store
	tracker EventTracker
	nc      *nats.Conn
	cfg     config.Config

	execMu    sync.RWMutex
	executors map[string]Executor

	breakerMu sync.Mutex
	breakers  map[string]*resilience.CircuitBreaker

	limiter *resilience.RateLimiter

	activeMu sync.Mutex
	active   map[string]*activeExecution

	tracer trace.Tracer
}

// NewOrchestrator wires a State Manager, Event Tracker and configuration
// into a ready-to-use Orchestrator. nc may be nil, in which case event
// fan-out to NATS is skipped entirely.
func NewOrchestrator(store *Store, tracker EventTracker, nc *nats.Conn, cfg config.Config) *Orchestrator {
	return &Orchestrator{
		store:     store,
		tracker:   tracker,
		nc:        nc,
		cfg:       cfg,
		executors: make(map[string]Executor),
		breakers:  make(map[string]*resilience.CircuitBreaker),
		limiter:   resilience.NewRateLimiter(int64(cfg.MaxParallelTasks*2), float64(cfg.MaxParallelTasks), time.Second, 0),
		active:    make(map[string]*activeExecution),
		tracer:    otel.Tracer("mycelium-orchestrator"),
	}
}

// RegisterExecutor binds agentType to exec. Re-registration replaces the
// prior callable.
func (o *Orchestrator) RegisterExecutor(agentType string, exec Executor) {
	o.execMu.Lock()
	defer o.execMu.Unlock()
	o.executors[agentType] = exec
}

func (o *Orchestrator) executorFor(agentType string) (Executor, bool) {
	o.execMu.RLock()
	defer o.execMu.RUnlock()
	e, ok := o.executors[agentType]
	return e, ok
}

func (o *Orchestrator) breakerFor(agentType string) *resilience.CircuitBreaker {
	o.breakerMu.Lock()
	defer o.breakerMu.Unlock()
	b, ok := o.breakers[agentType]
	if !ok {
		b = resilience.NewCircuitBreaker(30*time.Second, 6, 5, 0.5, 10*time.Second, 1)
		o.breakers[agentType] = b
	}
	return b
}

func (o *Orchestrator) emit(ctx context.Context, e Event) {
	id, err := o.tracker.TrackEvent(ctx, e)
	if err != nil {
		slog.Warn("event tracking failed", "event_type", e.EventType, "workflow_id", e.WorkflowID, "error", err)
		return
	}
	if o.nc != nil {
		if data, mErr := trackerEventJSON(e, id); mErr == nil {
			subject := "mycelium.events." + e.WorkflowID
			_, pubErr := resilience.Retry(ctx, 2, 50*time.Millisecond, func() (struct{}, error) {
				return struct{}{}, eventbus.Publish(ctx, o.nc, subject, data)
			})
			if pubErr != nil {
				slog.Warn("event publish failed", "workflow_id", e.WorkflowID, "error", pubErr)
			}
		}
	}
}

// CreateWorkflow validates the task graph, persists the workflow and all
// tasks as pending, and emits workflow_created/task_created events
// (spec.md §4.D "Create").
func (o *Orchestrator) CreateWorkflow(ctx context.Context, workflowID string, taskDefs []TaskDef, wfContext WorkflowContext, metadata map[string]any) (string, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.create_workflow")
	defer span.End()

	if _, err := buildGraph(taskDefs); err != nil {
		return "", err
	}

	if workflowID == "" {
		workflowID = newID()
	}
	span.SetAttributes(attribute.String("workflow_id", workflowID))

	now := time.Now().UTC()
	tasks := make(map[string]*Task, len(taskDefs))
	for _, def := range taskDefs {
		rp := def.RetryPolicy
		if rp.MaxAttempts == 0 {
			rp = retryPolicyFromConfig(o.cfg.DefaultRetry)
		}
		tasks[def.TaskID] = &Task{
			TaskID:       def.TaskID,
			WorkflowID:   workflowID,
			AgentID:      def.AgentID,
			AgentType:    def.AgentType,
			Dependencies: def.Dependencies,
			Status:       TaskPending,
			RetryPolicy:  rp,
			TimeoutSec:   def.TimeoutSec,
			AllowFailure: def.AllowFailure,
			InputData:    def.InputData,
			CreatedAt:    now,
		}
	}

	wf := Workflow{
		WorkflowID: workflowID,
		Status:     WorkflowPending,
		Context:    wfContext,
		Metadata:   metadata,
		CreatedAt:  now,
		Tasks:      tasks,
	}

	if err := o.store.CreateWorkflow(ctx, wf); err != nil {
		return "", err
	}

	o.emit(ctx, Event{EventType: EventWorkflowCreated, WorkflowID: workflowID, WorkflowContext: &wfContext})
	for taskID := range tasks {
		o.emit(ctx, Event{EventType: EventTaskCreated, WorkflowID: workflowID, TaskID: taskID})
	}

	return workflowID, nil
}

// ExecuteWorkflow drives a previously created workflow to a terminal state
// under bounded concurrency (spec.md §4.D "Execute").
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, workflowID string) (WorkflowResult, error) {
	wf, found, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return WorkflowResult{}, err
	}
	if !found {
		return WorkflowResult{}, &NotFoundError{Kind: "workflow", ID: workflowID}
	}
	if wf.Status.Absorbing() {
		return WorkflowResult{}, &StateError{Reason: fmt.Sprintf("workflow %s already in terminal state %s", workflowID, wf.Status)}
	}

	execCtx, cancel := context.WithCancel(ctx)
	gate := newExecGate()
	o.activeMu.Lock()
	o.active[workflowID] = &activeExecution{cancel: cancel, gate: gate}
	o.activeMu.Unlock()
	defer func() {
		o.activeMu.Lock()
		delete(o.active, workflowID)
		o.activeMu.Unlock()
		cancel()
	}()

	start := time.Now()
	if _, err := o.store.UpdateWorkflow(ctx, workflowID, nil, func(w *Workflow) error {
		w.Status = WorkflowRunning
		w.StartedAt = start
		return nil
	}); err != nil {
		return WorkflowResult{}, err
	}
	o.emit(ctx, Event{EventType: EventWorkflowStarted, WorkflowID: workflowID})

	tasks := make(map[string]*Task, len(wf.Tasks))
	for id, t := range wf.Tasks {
		cp := *t
		tasks[id] = &cp
	}

	defs := make([]TaskDef, 0, len(tasks))
	for _, t := range tasks {
		defs = append(defs, TaskDef{TaskID: t.TaskID, Dependencies: t.Dependencies})
	}
	graph, err := buildGraph(defs)
	if err != nil {
		return WorkflowResult{}, err
	}

	var mu sync.Mutex
	inFlight := 0
	done := make(chan struct{}, len(tasks)+1)
	anyCriticalFailure := false

	launch := func(node *graphNode) {
		mu.Lock()
		inFlight++
		mu.Unlock()
		go func() {
			defer func() {
				mu.Lock()
				inFlight--
				mu.Unlock()
				done <- struct{}{}
			}()
			o.runTaskPipeline(execCtx, gate, workflowID, wf.Context, tasks[node.TaskID])
		}()
	}

	cascadeSkip := func(node *graphNode) {
		var walk func(n *graphNode)
		walk = func(n *graphNode) {
			for _, c := range n.Children {
				t := tasks[c.TaskID]
				if t.Status == TaskPending {
					t.Status = TaskSkipped
					t.CompletedAt = time.Now().UTC()
					if err := o.persistTask(execCtx, workflowID, t); err != nil {
						slog.Error("task persistence failed", "workflow_id", workflowID, "task_id", t.TaskID, "error", err)
					}
					o.emit(execCtx, Event{EventType: EventTaskSkipped, WorkflowID: workflowID, TaskID: t.TaskID})
					walk(c)
				}
			}
		}
		walk(node)
	}

	readySet := func() []*graphNode {
		var ready []*graphNode
		for _, node := range graph.Nodes {
			t := tasks[node.TaskID]
			if t.Status != TaskPending {
				continue
			}
			satisfied := true
			for _, depID := range t.Dependencies {
				dep := tasks[depID]
				switch dep.Status {
				case TaskCompleted:
				case TaskFailed:
					if dep.AllowFailure {
						continue
					}
					satisfied = false
				case TaskSkipped:
					satisfied = false
				default:
					satisfied = false
				}
				if !satisfied {
					break
				}
			}
			if satisfied {
				ready = append(ready, node)
			}
		}
		return ready
	}

	for {
		// cascade skips for any task that just failed without allow_failure
		for _, node := range graph.Nodes {
			t := tasks[node.TaskID]
			if t.Status == TaskFailed && !t.AllowFailure {
				anyCriticalFailure = true
				cascadeSkip(node)
			}
		}

		ready := readySet()

		mu.Lock()
		capacity := o.cfg.MaxParallelTasks - inFlight
		stillInFlight := inFlight
		mu.Unlock()

		if len(ready) == 0 && stillInFlight == 0 {
			break
		}

		if err := gate.wait(execCtx); err != nil {
			// cancelled while paused (or otherwise): drain in-flight work
			// before reading final task state, to avoid racing the
			// goroutines still mutating it.
			for stillInFlight > 0 {
				<-done
				mu.Lock()
				stillInFlight = inFlight
				mu.Unlock()
			}
			break
		}

		launched := 0
		for _, node := range ready {
			if launched >= capacity {
				break
			}
			if !o.limiter.Allow() {
				break
			}
			launch(node)
			launched++
		}

		if launched == 0 && stillInFlight == 0 {
			// nothing ready and nothing running: paused with no launchable
			// work, or rate-limited with no in-flight progress
			select {
			case <-execCtx.Done():
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		select {
		case <-done:
		case <-execCtx.Done():
			// drain in-flight before returning
			for stillInFlight > 0 {
				<-done
				mu.Lock()
				stillInFlight = inFlight
				mu.Unlock()
			}
		}
	}

	result := WorkflowResult{WorkflowID: workflowID, TaskResults: make(map[string]TaskOutcome, len(tasks)), Context: wf.Context}
	allCompleted := true
	for id, t := range tasks {
		result.TaskResults[id] = TaskOutcome{Status: t.Status, Result: t.Result, Error: t.Error, Attempts: t.Attempt}
		if t.Status != TaskCompleted {
			allCompleted = false
		}
	}

	finalStatus := WorkflowCompleted
	switch {
	case execCtx.Err() != nil && ctx.Err() == nil:
		// cancelled specifically via CancelWorkflow, not via caller ctx
		finalStatus = WorkflowCancelled
	case anyCriticalFailure:
		finalStatus = WorkflowFailed
	case allCompleted:
		finalStatus = WorkflowCompleted
	default:
		finalStatus = WorkflowCompleted
	}

	completedAt := time.Now().UTC()
	if _, err := o.store.UpdateWorkflow(ctx, workflowID, nil, func(w *Workflow) error {
		w.Status = finalStatus
		w.CompletedAt = completedAt
		return nil
	}); err != nil {
		slog.Warn("failed to persist terminal workflow status", "workflow_id", workflowID, "error", err)
	}

	terminalEvent := EventWorkflowCompleted
	switch finalStatus {
	case WorkflowFailed:
		terminalEvent = EventWorkflowFailed
	case WorkflowCancelled:
		terminalEvent = EventWorkflowCancelled
	}
	o.emit(ctx, Event{EventType: terminalEvent, WorkflowID: workflowID})

	result.Status = finalStatus
	result.TotalDurationMs = completedAt.Sub(start).Milliseconds()
	return result, nil
}

// runTaskPipeline runs one task's pending->running->{completed,failed} (or
// retrying loop) exactly per spec.md §4.D's numbered execution pipeline.
func (o *Orchestrator) runTaskPipeline(ctx context.Context, gate *execGate, workflowID string, wfContext WorkflowContext, t *Task) {
	if err := gate.wait(ctx); err != nil {
		return
	}

	breaker := o.breakerFor(t.AgentType)

	for {
		exec, ok := o.executorFor(t.AgentType)
		if !ok {
			// Pass through running first: the task FSM has no pending -> failed edge.
			t.Status = TaskRunning
			t.StartedAt = time.Now().UTC()
			t.Attempt++
			if err := o.persistTask(ctx, workflowID, t); err != nil {
				slog.Error("task persistence failed", "workflow_id", workflowID, "task_id", t.TaskID, "error", err)
			}
			t.Status = TaskFailed
			t.Error = &TaskError{Message: fmt.Sprintf("no executor registered for agent_type %q", t.AgentType), Type: "EXECUTOR_NOT_REGISTERED"}
			t.CompletedAt = time.Now().UTC()
			if err := o.persistTask(ctx, workflowID, t); err != nil {
				slog.Error("task persistence failed", "workflow_id", workflowID, "task_id", t.TaskID, "error", err)
			}
			o.emit(ctx, Event{EventType: EventTaskFailed, WorkflowID: workflowID, TaskID: t.TaskID, Error: t.Error})
			return
		}

		// Transition to running (and persist it) before the circuit-breaker
		// check, so the State Manager's FSM never sees pending -> retrying
		// or pending -> failed: the breaker-blocked case is a running task
		// that immediately fails its attempt, identical in shape to an
		// executor that fails outright.
		t.Status = TaskRunning
		t.StartedAt = time.Now().UTC()
		t.Attempt++
		if err := o.persistTask(ctx, workflowID, t); err != nil {
			slog.Error("task persistence failed, aborting pipeline", "workflow_id", workflowID, "task_id", t.TaskID, "error", err)
			t.Status = TaskFailed
			t.Error = &TaskError{Message: err.Error(), Type: "PERSISTENCE_ERROR"}
			t.CompletedAt = time.Now().UTC()
			o.emit(ctx, Event{EventType: EventTaskFailed, WorkflowID: workflowID, TaskID: t.TaskID, Error: t.Error})
			return
		}

		if !breaker.Allow() {
			t.Error = &TaskError{Message: fmt.Sprintf("circuit open for agent_type %q", t.AgentType), Type: "CIRCUIT_OPEN"}
			o.emit(ctx, Event{EventType: EventFailure, WorkflowID: workflowID, TaskID: t.TaskID, Error: t.Error})
			retry, err := o.retryOrFail(ctx, workflowID, t)
			if err != nil {
				slog.Error("task persistence failed, aborting pipeline", "workflow_id", workflowID, "task_id", t.TaskID, "error", err)
				return
			}
			if retry {
				continue
			}
			return
		}

		o.emit(ctx, Event{EventType: EventExecutionStart, WorkflowID: workflowID, TaskID: t.TaskID})
		o.emit(ctx, Event{EventType: EventTaskStarted, WorkflowID: workflowID, TaskID: t.TaskID})

		// A configured timeout of 0 is the spec's boundary case (spec.md
		// §8): the task never gets to run, every execution is TIMEOUT.
		var result map[string]any
		var err error
		timedOut := false
		if t.TimeoutSec != nil && *t.TimeoutSec == 0 {
			err = context.DeadlineExceeded
			timedOut = true
		} else {
			taskCtx := ctx
			var cancel context.CancelFunc
			if t.TimeoutSec != nil {
				taskCtx, cancel = context.WithTimeout(ctx, time.Duration(*t.TimeoutSec)*time.Second)
			}
			result, err = runExecutor(taskCtx, exec, ExecutionContext{
				TaskDef: TaskDef{
					TaskID: t.TaskID, AgentID: t.AgentID, AgentType: t.AgentType,
					Dependencies: t.Dependencies, RetryPolicy: t.RetryPolicy,
					TimeoutSec: t.TimeoutSec, AllowFailure: t.AllowFailure, InputData: t.InputData,
				},
				WorkflowID:      workflowID,
				WorkflowContext: wfContext,
				PreviousResults: o.previousResults(workflowID, t),
				Variables:       wfContext.SharedVariables,
			})
			if cancel != nil {
				cancel()
			}
			timedOut = taskCtx.Err() == context.DeadlineExceeded
		}

		elapsed := time.Since(t.StartedAt).Milliseconds()

		if err == nil {
			breaker.RecordResult(true)
			t.Status = TaskCompleted
			t.Result = result
			t.Error = nil
			t.CompletedAt = time.Now().UTC()
			if perr := o.persistTask(ctx, workflowID, t); perr != nil {
				slog.Error("task persistence failed", "workflow_id", workflowID, "task_id", t.TaskID, "error", perr)
			}
			o.emit(ctx, Event{EventType: EventTaskCompleted, WorkflowID: workflowID, TaskID: t.TaskID, DurationMs: elapsed})
			o.emit(ctx, Event{EventType: EventExecutionEnd, WorkflowID: workflowID, TaskID: t.TaskID, Status: "completed", DurationMs: elapsed})
			return
		}

		breaker.RecordResult(false)
		errType := "EXECUTION_ERROR"
		if timedOut {
			errType = ErrorTypeTimeout
		}
		t.Error = &TaskError{Message: err.Error(), Type: errType}
		o.emit(ctx, Event{EventType: EventFailure, WorkflowID: workflowID, TaskID: t.TaskID, Error: t.Error, DurationMs: elapsed})

		retry, rerr := o.retryOrFail(ctx, workflowID, t)
		if rerr != nil {
			slog.Error("task persistence failed, aborting pipeline", "workflow_id", workflowID, "task_id", t.TaskID, "error", rerr)
			return
		}
		if retry {
			continue
		}
		o.emit(ctx, Event{EventType: EventExecutionEnd, WorkflowID: workflowID, TaskID: t.TaskID, Status: "failed", DurationMs: elapsed})
		return
	}
}

// retryOrFail applies spec.md §4.D step 5: if attempts remain, transitions
// to retrying and sleeps the policy's backoff (jittered when the policy
// enables jitter); otherwise transitions
// to failed. Returns true if the caller should loop back and retry. A
// non-nil error means the transition could not be persisted and the caller
// must stop driving this task rather than keep looping against a store
// that has diverged from memory.
func (o *Orchestrator) retryOrFail(ctx context.Context, workflowID string, t *Task) (bool, error) {
	if t.Attempt < t.RetryPolicy.MaxAttempts {
		t.Status = TaskRetrying
		if err := o.persistTask(ctx, workflowID, t); err != nil {
			return false, err
		}
		o.emit(ctx, Event{EventType: EventRetry, WorkflowID: workflowID, TaskID: t.TaskID})
		o.emit(ctx, Event{EventType: EventTaskRetrying, WorkflowID: workflowID, TaskID: t.TaskID})

		wait := resilience.Backoff(t.RetryPolicy.InitialDelay, t.RetryPolicy.MaxDelay, t.RetryPolicy.ExponentialBase, t.Attempt, t.RetryPolicy.Jitter)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
		t.Status = TaskPending
		return true, nil
	}

	t.Status = TaskFailed
	t.CompletedAt = time.Now().UTC()
	if err := o.persistTask(ctx, workflowID, t); err != nil {
		return false, err
	}
	o.emit(ctx, Event{EventType: EventTaskFailed, WorkflowID: workflowID, TaskID: t.TaskID, Error: t.Error})
	return false, nil
}

func (o *Orchestrator) previousResults(workflowID string, t *Task) []TaskResultEntry {
	wf, found, err := o.store.GetWorkflow(context.Background(), workflowID)
	if err != nil || !found {
		return nil
	}
	entries := make([]TaskResultEntry, 0, len(t.Dependencies))
	for _, depID := range t.Dependencies {
		if dep, ok := wf.Tasks[depID]; ok {
			entries = append(entries, TaskResultEntry{TaskID: depID, Result: dep.Result})
		}
	}
	return entries
}

// persistTask writes t's mutable fields to the State Manager. Its error is
// the durability signal for the caller: a failed write means the durable
// record has diverged from the in-memory task and must not be treated as a
// logged-and-forgotten warning (spec.md §4.B).
func (o *Orchestrator) persistTask(ctx context.Context, workflowID string, t *Task) error {
	_, err := o.store.UpdateTask(ctx, workflowID, t.TaskID, func(stored *Task) error {
		stored.Status = t.Status
		stored.Result = t.Result
		stored.Error = t.Error
		stored.Attempt = t.Attempt
		stored.StartedAt = t.StartedAt
		stored.CompletedAt = t.CompletedAt
		return nil
	})
	return err
}

// PauseWorkflow stops new task launches; in-flight tasks run to
// completion (spec.md §4.D "Lifecycle controls").
func (o *Orchestrator) PauseWorkflow(ctx context.Context, workflowID string) error {
	o.activeMu.Lock()
	ae, ok := o.active[workflowID]
	o.activeMu.Unlock()
	if !ok {
		return &StateError{Reason: fmt.Sprintf("workflow %s is not currently executing", workflowID)}
	}
	ae.gate.pause()
	if _, err := o.store.UpdateWorkflow(ctx, workflowID, nil, func(w *Workflow) error {
		if w.Status.Absorbing() {
			return &StateError{Reason: "workflow already terminal"}
		}
		w.Status = WorkflowPaused
		return nil
	}); err != nil {
		return err
	}
	o.emit(ctx, Event{EventType: EventWorkflowPaused, WorkflowID: workflowID})
	return nil
}

// ResumeWorkflow resumes launching from the ready set.
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, workflowID string) error {
	o.activeMu.Lock()
	ae, ok := o.active[workflowID]
	o.activeMu.Unlock()
	if !ok {
		return &StateError{Reason: fmt.Sprintf("workflow %s is not currently executing", workflowID)}
	}
	if _, err := o.store.UpdateWorkflow(ctx, workflowID, nil, func(w *Workflow) error {
		w.Status = WorkflowRunning
		return nil
	}); err != nil {
		return err
	}
	ae.gate.resume()
	o.emit(ctx, Event{EventType: EventWorkflowResumed, WorkflowID: workflowID})
	return nil
}

// CancelWorkflow cooperatively cancels a running workflow. Absorbing.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, workflowID string, reason string) error {
	o.activeMu.Lock()
	ae, ok := o.active[workflowID]
	o.activeMu.Unlock()

	if _, err := o.store.UpdateWorkflow(ctx, workflowID, nil, func(w *Workflow) error {
		if w.Status.Absorbing() {
			return &StateError{Reason: "workflow already terminal"}
		}
		w.Status = WorkflowCancelled
		w.CompletedAt = time.Now().UTC()
		return nil
	}); err != nil {
		return err
	}

	if ok {
		ae.gate.resume() // release anyone blocked in pause so they observe ctx.Done
		ae.cancel()
	}

	o.emit(ctx, Event{EventType: EventWorkflowCancelled, WorkflowID: workflowID, Metadata: map[string]any{"reason": reason}})
	return nil
}

// GetWorkflowStatus is a read-through to the State Manager.
func (o *Orchestrator) GetWorkflowStatus(ctx context.Context, workflowID string) (Workflow, error) {
	wf, found, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return Workflow{}, err
	}
	if !found {
		return Workflow{}, &NotFoundError{Kind: "workflow", ID: workflowID}
	}
	return wf, nil
}

// Recover scans for workflows left `running` by a prior process (spec.md
// §4.D "Failure and recovery"): tasks caught mid-flight are either reset
// to pending (retried) or failed, per the configured RecoveryPolicy.
func (o *Orchestrator) Recover(ctx context.Context) error {
	list, err := o.store.ListWorkflows(ctx, ListFilter{Status: WorkflowRunning})
	if err != nil {
		return err
	}
	for _, wf := range list {
		for taskID, t := range wf.Tasks {
			if t.Status != TaskRunning {
				continue
			}
			_, err := o.store.UpdateTask(ctx, wf.WorkflowID, taskID, func(stored *Task) error {
				if o.cfg.Recovery == config.RecoveryRetry && stored.Attempt < stored.RetryPolicy.MaxAttempts {
					stored.Status = TaskPending
				} else {
					stored.Status = TaskFailed
					stored.Error = &TaskError{Message: "orchestrator restarted mid-execution", Type: "RECOVERY_ABORT"}
					stored.CompletedAt = time.Now().UTC()
				}
				return nil
			})
			if err != nil {
				slog.Warn("recovery task update failed", "workflow_id", wf.WorkflowID, "task_id", taskID, "error", err)
			}
		}
	}
	return nil
}

func runExecutor(ctx context.Context, exec Executor, ec ExecutionContext) (result map[string]any, err error) {
	done := make(chan struct{})
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("executor panic: %v", r)
			}
			close(done)
		}()
		result, err = exec(ec)
	}()
	select {
	case <-done:
		return result, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func trackerEventJSON(e Event, id string) ([]byte, error) {
	e.EventID = id
	return json.Marshal(e)
}
