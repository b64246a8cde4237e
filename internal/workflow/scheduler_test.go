package workflow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/gsornsen/mycelium/internal/config"
)

func TestTriggerSchedulerEventTrigger(t *testing.T) {
	dir := t.TempDir()
	mp := noopmetric.MeterProvider{}
	store, err := NewStore(filepath.Join(dir, "wf.db"), mp.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	o := NewOrchestrator(store, NewInMemoryEventTracker(), nil, config.Config{MaxParallelTasks: 2, DefaultRetry: config.RetryPolicy{MaxAttempts: 1}})
	o.RegisterExecutor("noop", echoExecutor)

	ctx := context.Background()
	id, err := o.CreateWorkflow(ctx, "scheduled-wf", []TaskDef{{TaskID: "a", AgentType: "noop"}}, WorkflowContext{}, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	sched := NewTriggerScheduler(o)
	sched.AddEventTrigger("heartbeat", id)
	sched.TriggerEvent(ctx, "heartbeat")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		wf, err := o.GetWorkflowStatus(ctx, id)
		if err == nil && wf.Status == WorkflowCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected triggered workflow to complete")
}

func TestTriggerSchedulerCronRegistersAndRemoves(t *testing.T) {
	dir := t.TempDir()
	mp := noopmetric.MeterProvider{}
	store, err := NewStore(filepath.Join(dir, "wf.db"), mp.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	o := NewOrchestrator(store, NewInMemoryEventTracker(), nil, config.Config{MaxParallelTasks: 1})
	sched := NewTriggerScheduler(o)

	if err := sched.AddCronSchedule("*/5 * * * * *", "some-workflow"); err != nil {
		t.Fatalf("add cron schedule failed: %v", err)
	}
	sched.RemoveCronSchedule("some-workflow")
}
