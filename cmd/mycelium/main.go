package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/gsornsen/mycelium/internal/config"
	"github.com/gsornsen/mycelium/internal/registry"
	"github.com/gsornsen/mycelium/internal/telemetry"
	"github.com/gsornsen/mycelium/internal/workflow"
)

// demo executors registered at startup, standing in for externally
// deployed agents until a real executor transport is wired up.
func registerDemoExecutors(o *workflow.Orchestrator) {
	o.RegisterExecutor("echo", func(ec workflow.ExecutionContext) (map[string]any, error) {
		return map[string]any{"echoed": ec.TaskDef.InputData}, nil
	})
	o.RegisterExecutor("sleep", func(ec workflow.ExecutionContext) (map[string]any, error) {
		time.Sleep(50 * time.Millisecond)
		return map[string]any{"slept_ms": 50}, nil
	})
}

func connectNATS() *nats.Conn {
	url := os.Getenv("MYCELIUM_NATS_URL")
	if url == "" {
		return nil
	}
	nc, err := nats.Connect(url, nats.MaxReconnects(5))
	if err != nil {
		slog.Warn("nats connect failed, continuing without event fan-out", "error", err)
		return nil
	}
	return nc
}

func main() {
	service := "mycelium"
	telemetry.InitLogging(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := telemetry.InitTracer(ctx, service)
	shutdownMetrics, _ := telemetry.InitMetrics(ctx, service)

	watcher, err := config.NewWatcher(os.Getenv("MYCELIUM_CONFIG_FILE"), func(cfg config.Config) {
		slog.Info("configuration reloaded", "max_parallel_tasks", cfg.MaxParallelTasks)
	})
	if err != nil {
		slog.Warn("config watcher init failed, falling back to env defaults", "error", err)
		watcher, _ = config.NewWatcher("", nil)
	}
	cfg := watcher.Current()

	if err := os.MkdirAll(cfg.DBPath, 0o755); err != nil {
		slog.Error("cannot create db path", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}

	meter := otel.GetMeterProvider().Meter(service)

	store, err := workflow.NewStore(filepath.Join(cfg.DBPath, "workflows.db"), meter)
	if err != nil {
		slog.Error("state manager init failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var tracker workflow.EventTracker
	if cfg.EventTrackerEnabled {
		durable, err := workflow.NewDurableEventTracker(filepath.Join(cfg.DBPath, "events.db"))
		if err != nil {
			slog.Error("event tracker init failed", "error", err)
			os.Exit(1)
		}
		defer durable.Close()
		tracker = durable
	} else {
		tracker = workflow.NewInMemoryEventTracker()
	}

	nc := connectNATS()
	if nc != nil {
		defer nc.Close()
	}

	orch := workflow.NewOrchestrator(store, tracker, nc, cfg)
	registerDemoExecutors(orch)

	if err := orch.Recover(ctx); err != nil {
		slog.Warn("startup recovery scan failed", "error", err)
	}

	sched := workflow.NewTriggerScheduler(orch)
	sched.Start()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = sched.Stop(stopCtx)
	}()

	regStore, err := registry.NewStore(filepath.Join(cfg.DBPath, "registry.db"), meter)
	if err != nil {
		slog.Error("registry init failed", "error", err)
		os.Exit(1)
	}
	defer regStore.Close()

	httpRequests, _ := meter.Int64Counter("mycelium_http_requests_total")

	mux := buildMux(orch, sched, regStore, httpRequests)

	srv := &http.Server{Addr: addr(), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	slog.Info("mycelium started", "addr", srv.Addr, "max_parallel_tasks", cfg.MaxParallelTasks)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	telemetry.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

func addr() string {
	if a := os.Getenv("MYCELIUM_HTTP_ADDR"); a != "" {
		return a
	}
	return ":8080"
}

type createWorkflowRequest struct {
	WorkflowID string                   `json:"workflow_id,omitempty"`
	Tasks      []workflow.TaskDef       `json:"tasks"`
	Context    workflow.WorkflowContext `json:"context"`
	Metadata   map[string]any           `json:"metadata,omitempty"`
}

func buildMux(orch *workflow.Orchestrator, sched *workflow.TriggerScheduler, regStore *registry.Store, httpRequests metric.Int64Counter) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		httpRequests.Add(r.Context(), 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		httpRequests.Add(r.Context(), 1)
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req createWorkflowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := orch.CreateWorkflow(r.Context(), req.WorkflowID, req.Tasks, req.Context, req.Metadata)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"workflow_id": id})
	})

	mux.HandleFunc("/v1/workflows/run", func(w http.ResponseWriter, r *http.Request) {
		httpRequests.Add(r.Context(), 1)
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Query().Get("workflow_id")
		result, err := orch.ExecuteWorkflow(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	})

	mux.HandleFunc("/v1/workflows/status", func(w http.ResponseWriter, r *http.Request) {
		httpRequests.Add(r.Context(), 1)
		id := r.URL.Query().Get("workflow_id")
		wf, err := orch.GetWorkflowStatus(r.Context(), id)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(wf)
	})

	mux.HandleFunc("/v1/workflows/pause", lifecycleHandler(orch.PauseWorkflow, httpRequests))
	mux.HandleFunc("/v1/workflows/resume", lifecycleHandler(orch.ResumeWorkflow, httpRequests))
	mux.HandleFunc("/v1/workflows/cancel", func(w http.ResponseWriter, r *http.Request) {
		httpRequests.Add(r.Context(), 1)
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Query().Get("workflow_id")
		reason := r.URL.Query().Get("reason")
		if err := orch.CancelWorkflow(r.Context(), id, reason); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/v1/registry/search", func(w http.ResponseWriter, r *http.Request) {
		httpRequests.Add(r.Context(), 1)
		results, err := regStore.SearchAgents(r.Context(), r.URL.Query().Get("q"), 20)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(results)
	})

	mux.HandleFunc("/v1/registry/health", func(w http.ResponseWriter, r *http.Request) {
		httpRequests.Add(r.Context(), 1)
		health, err := regStore.HealthCheck(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/v1/triggers/event", func(w http.ResponseWriter, r *http.Request) {
		httpRequests.Add(r.Context(), 1)
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		sched.TriggerEvent(r.Context(), r.URL.Query().Get("event_type"))
		w.WriteHeader(http.StatusAccepted)
	})

	return mux
}

func lifecycleHandler(fn func(context.Context, string) error, httpRequests metric.Int64Counter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpRequests.Add(r.Context(), 1)
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Query().Get("workflow_id")
		if err := fn(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}
