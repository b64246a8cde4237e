package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerScheduler is a convenience entry point that calls back into an
// Orchestrator's ExecuteWorkflow on a cron schedule or in response to an
// inbound event — it introduces no new execution semantics of its own.
// Grounded on services/orchestrator's cron + event-handler scheduler.
type TriggerScheduler struct {
	cron *cron.Cron
	orch *Orchestrator

	mu       sync.RWMutex
	entries  map[string]cron.EntryID // workflow_id -> cron entry
	handlers map[string][]string     // event_type -> workflow_ids
}

// NewTriggerScheduler wraps orch with second-precision cron scheduling and
// event-type dispatch.
func NewTriggerScheduler(orch *Orchestrator) *TriggerScheduler {
	return &TriggerScheduler{
		cron:     cron.New(cron.WithSeconds()),
		orch:     orch,
		entries:  make(map[string]cron.EntryID),
		handlers: make(map[string][]string),
	}
}

// Start begins the cron loop.
func (s *TriggerScheduler) Start() { s.cron.Start() }

// Stop gracefully stops the cron loop, waiting for in-flight jobs or ctx
// cancellation, whichever comes first.
func (s *TriggerScheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddCronSchedule registers workflowID for repeated execution on cronExpr
// (6-field cron syntax with a leading seconds field, or a descriptor such
// as "@every 1m"; 5-field expressions are rejected).
func (s *TriggerScheduler) AddCronSchedule(cronExpr, workflowID string) error {
	entryID, err := s.cron.AddFunc(cronExpr, func() {
		s.runAndLog(workflowID)
	})
	if err != nil {
		return fmt.Errorf("add cron schedule for %s: %w", workflowID, err)
	}
	s.mu.Lock()
	s.entries[workflowID] = entryID
	s.mu.Unlock()
	return nil
}

// RemoveCronSchedule cancels a previously registered cron schedule.
func (s *TriggerScheduler) RemoveCronSchedule(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[workflowID]; ok {
		s.cron.Remove(id)
		delete(s.entries, workflowID)
	}
}

// AddEventTrigger registers workflowID to execute whenever TriggerEvent is
// called with the matching eventType.
func (s *TriggerScheduler) AddEventTrigger(eventType, workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[eventType] = append(s.handlers[eventType], workflowID)
}

// TriggerEvent executes every workflow registered for eventType, each in
// its own goroutine. cmd/mycelium calls it from its /v1/triggers/event
// HTTP handler.
func (s *TriggerScheduler) TriggerEvent(ctx context.Context, eventType string) {
	s.mu.RLock()
	ids := append([]string(nil), s.handlers[eventType]...)
	s.mu.RUnlock()

	for _, id := range ids {
		go s.runAndLog(id)
	}
}

func (s *TriggerScheduler) runAndLog(workflowID string) {
	start := time.Now()
	_, err := s.orch.ExecuteWorkflow(context.Background(), workflowID)
	if err != nil {
		slog.Error("scheduled workflow execution failed", "workflow_id", workflowID, "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	slog.Info("scheduled workflow completed", "workflow_id", workflowID, "duration_ms", time.Since(start).Milliseconds())
}
