package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/gsornsen/mycelium/internal/config"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *Store) {
	t.Helper()
	dir := t.TempDir()
	mp := noopmetric.MeterProvider{}
	store, err := NewStore(filepath.Join(dir, "wf.db"), mp.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Config{MaxParallelTasks: 4, DefaultRetry: config.RetryPolicy{MaxAttempts: 1}}
	o := NewOrchestrator(store, NewInMemoryEventTracker(), nil, cfg)
	return o, store
}

func echoExecutor(ec ExecutionContext) (map[string]any, error) {
	return map[string]any{"task_id": ec.TaskDef.TaskID}, nil
}

func TestExecuteWorkflowDiamondCompletes(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	o.RegisterExecutor("noop", echoExecutor)

	defs := []TaskDef{
		{TaskID: "a", AgentType: "noop"},
		{TaskID: "b", AgentType: "noop", Dependencies: []string{"a"}},
		{TaskID: "c", AgentType: "noop", Dependencies: []string{"a"}},
		{TaskID: "d", AgentType: "noop", Dependencies: []string{"b", "c"}},
	}

	id, err := o.CreateWorkflow(ctx, "", defs, WorkflowContext{}, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	result, err := o.ExecuteWorkflow(ctx, id)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Status != WorkflowCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}
	for taskID, outcome := range result.TaskResults {
		if outcome.Status != TaskCompleted {
			t.Fatalf("task %s expected completed, got %s", taskID, outcome.Status)
		}
	}
}

func TestExecuteWorkflowCriticalFailureCascadesSkip(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	o.RegisterExecutor("noop", echoExecutor)
	o.RegisterExecutor("boom", func(ec ExecutionContext) (map[string]any, error) {
		return nil, errors.New("boom")
	})

	defs := []TaskDef{
		{TaskID: "a", AgentType: "boom", AllowFailure: false, RetryPolicy: RetryPolicy{MaxAttempts: 1}},
		{TaskID: "b", AgentType: "noop", Dependencies: []string{"a"}},
		{TaskID: "c", AgentType: "noop"},
	}

	id, err := o.CreateWorkflow(ctx, "", defs, WorkflowContext{}, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	result, err := o.ExecuteWorkflow(ctx, id)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Status != WorkflowFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.TaskResults["a"].Status != TaskFailed {
		t.Fatalf("expected task a failed, got %s", result.TaskResults["a"].Status)
	}
	if result.TaskResults["b"].Status != TaskSkipped {
		t.Fatalf("expected task b skipped, got %s", result.TaskResults["b"].Status)
	}
	if result.TaskResults["c"].Status != TaskCompleted {
		t.Fatalf("expected independent task c to still complete, got %s", result.TaskResults["c"].Status)
	}
}

func TestExecuteWorkflowAllowFailureLetsDependentsProceed(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	o.RegisterExecutor("noop", echoExecutor)
	o.RegisterExecutor("boom", func(ec ExecutionContext) (map[string]any, error) {
		return nil, errors.New("boom")
	})

	defs := []TaskDef{
		{TaskID: "a", AgentType: "boom", AllowFailure: true, RetryPolicy: RetryPolicy{MaxAttempts: 1}},
		{TaskID: "b", AgentType: "noop", Dependencies: []string{"a"}},
	}

	id, err := o.CreateWorkflow(ctx, "", defs, WorkflowContext{}, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	result, err := o.ExecuteWorkflow(ctx, id)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.TaskResults["b"].Status != TaskCompleted {
		t.Fatalf("expected task b to proceed despite allow_failure dependency, got %s", result.TaskResults["b"].Status)
	}
}

func TestExecuteWorkflowRetriesBeforeFailing(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	attempts := 0
	o.RegisterExecutor("flaky", func(ec ExecutionContext) (map[string]any, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("transient")
		}
		return map[string]any{"ok": true}, nil
	})

	defs := []TaskDef{
		{TaskID: "a", AgentType: "flaky", RetryPolicy: RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, ExponentialBase: 2.0}},
	}

	id, err := o.CreateWorkflow(ctx, "", defs, WorkflowContext{}, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	result, err := o.ExecuteWorkflow(ctx, id)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.TaskResults["a"].Status != TaskCompleted {
		t.Fatalf("expected task to eventually complete, got %s", result.TaskResults["a"].Status)
	}
	if result.TaskResults["a"].Attempts < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", result.TaskResults["a"].Attempts)
	}
}

func TestExecuteWorkflowUnregisteredExecutorFails(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	defs := []TaskDef{{TaskID: "a", AgentType: "missing"}}
	id, err := o.CreateWorkflow(ctx, "", defs, WorkflowContext{}, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	result, err := o.ExecuteWorkflow(ctx, id)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.TaskResults["a"].Status != TaskFailed {
		t.Fatalf("expected failed for unregistered executor, got %s", result.TaskResults["a"].Status)
	}
}

func TestPauseResumeWorkflow(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	release := make(chan struct{})
	o.RegisterExecutor("gated", func(ec ExecutionContext) (map[string]any, error) {
		<-release
		return map[string]any{}, nil
	})
	o.RegisterExecutor("noop", echoExecutor)

	defs := []TaskDef{
		{TaskID: "a", AgentType: "gated"},
		{TaskID: "b", AgentType: "noop", Dependencies: []string{"a"}},
	}
	id, err := o.CreateWorkflow(ctx, "", defs, WorkflowContext{}, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	resultCh := make(chan WorkflowResult, 1)
	go func() {
		r, _ := o.ExecuteWorkflow(ctx, id)
		resultCh <- r
	}()

	time.Sleep(20 * time.Millisecond)
	if err := o.PauseWorkflow(ctx, id); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if err := o.ResumeWorkflow(ctx, id); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	close(release)

	select {
	case r := <-resultCh:
		if r.Status != WorkflowCompleted {
			t.Fatalf("expected completed, got %s", r.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("workflow did not complete after resume")
	}
}

func TestCancelWorkflow(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	started := make(chan struct{})
	never := make(chan struct{})
	t.Cleanup(func() { close(never) })
	o.RegisterExecutor("blocking", func(ec ExecutionContext) (map[string]any, error) {
		close(started)
		<-never
		return nil, nil
	})

	defs := []TaskDef{{TaskID: "a", AgentType: "blocking"}}
	id, err := o.CreateWorkflow(ctx, "", defs, WorkflowContext{}, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	resultCh := make(chan WorkflowResult, 1)
	go func() {
		r, _ := o.ExecuteWorkflow(ctx, id)
		resultCh <- r
	}()

	<-started
	if err := o.CancelWorkflow(ctx, id, "test cancel"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	select {
	case r := <-resultCh:
		if r.Status != WorkflowCancelled {
			t.Fatalf("expected cancelled, got %s", r.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("workflow did not terminate after cancel")
	}
}

func intPtr(v int) *int { return &v }

// TestExecuteWorkflowZeroTimeoutAlwaysTimesOut covers spec.md §8's named
// boundary case: a task configured with timeout_seconds=0 must fail as
// TIMEOUT on every execution, never reaching the registered executor.
func TestExecuteWorkflowZeroTimeoutAlwaysTimesOut(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	executorRan := false
	o.RegisterExecutor("noop", func(ec ExecutionContext) (map[string]any, error) {
		executorRan = true
		return map[string]any{}, nil
	})

	defs := []TaskDef{{TaskID: "a", AgentType: "noop", TimeoutSec: intPtr(0)}}
	id, err := o.CreateWorkflow(ctx, "", defs, WorkflowContext{}, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	result, err := o.ExecuteWorkflow(ctx, id)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Status != WorkflowFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	outcome := result.TaskResults["a"]
	if outcome.Status != TaskFailed {
		t.Fatalf("expected task failed, got %s", outcome.Status)
	}
	if outcome.Error == nil || outcome.Error.Type != ErrorTypeTimeout {
		t.Fatalf("expected %s error, got %+v", ErrorTypeTimeout, outcome.Error)
	}
	if executorRan {
		t.Fatalf("executor must never run when timeout_seconds is 0")
	}
}

// TestCircuitOpenOnFirstAttemptPersistsRunningNotStuckPending covers the
// case where the circuit breaker blocks a task before it ever executes: the
// durable State Manager record must reflect the attempt (running, then
// failed/retrying), never stay stuck at pending.
func TestCircuitOpenOnFirstAttemptPersistsRunningNotStuckPending(t *testing.T) {
	o, store := newTestOrchestrator(t)
	ctx := context.Background()

	o.RegisterExecutor("noop", echoExecutor)
	breaker := o.breakerFor("noop")
	for i := 0; i < 10; i++ {
		breaker.RecordResult(false)
	}
	if breaker.Allow() {
		t.Fatalf("expected breaker to be open after repeated failures")
	}

	defs := []TaskDef{{TaskID: "a", AgentType: "noop"}}
	id, err := o.CreateWorkflow(ctx, "", defs, WorkflowContext{}, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	result, err := o.ExecuteWorkflow(ctx, id)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	outcome := result.TaskResults["a"]
	if outcome.Status != TaskFailed {
		t.Fatalf("expected task failed (breaker gated, no retries configured), got %s", outcome.Status)
	}

	wf, found, err := store.GetWorkflow(ctx, id)
	if err != nil || !found {
		t.Fatalf("expected to find persisted workflow: found=%v err=%v", found, err)
	}
	stored := wf.Tasks["a"]
	if stored.Status == TaskPending {
		t.Fatalf("durable record stuck at pending after breaker-gated first attempt")
	}
	if stored.Status != TaskFailed {
		t.Fatalf("expected persisted task failed, got %s", stored.Status)
	}
}
