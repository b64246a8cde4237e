// Package config resolves orchestrator configuration from environment
// defaults overlaid by an optional JSON file, hot-reloaded on change.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RetryPolicy mirrors the spec's default retry policy shape.
type RetryPolicy struct {
	MaxAttempts     int           `json:"max_attempts"`
	InitialDelay    time.Duration `json:"initial_delay"`
	MaxDelay        time.Duration `json:"max_delay"`
	ExponentialBase float64       `json:"exponential_base"`
	Jitter          bool          `json:"jitter"`
}

// RecoveryPolicy governs how tasks found `running` at process start are
// treated (spec.md §9's open question).
type RecoveryPolicy string

const (
	RecoveryRetry RecoveryPolicy = "retry"
	RecoveryFail  RecoveryPolicy = "fail"
)

// Config holds the orchestrator's recognized options (spec.md §6).
type Config struct {
	MaxParallelTasks    int            `json:"max_parallel_tasks"`
	DefaultRetry        RetryPolicy    `json:"default_retry_policy"`
	DBPath              string         `json:"db_path"`
	EventTrackerEnabled bool           `json:"event_tracker_enabled"`
	Recovery            RecoveryPolicy `json:"recovery_policy"`
}

func defaults() Config {
	return Config{
		MaxParallelTasks: 10,
		DefaultRetry: RetryPolicy{
			MaxAttempts:     3,
			InitialDelay:    time.Second,
			MaxDelay:        60 * time.Second,
			ExponentialBase: 2.0,
			Jitter:          true,
		},
		DBPath:              getEnvDefault("MYCELIUM_DB_PATH", "./data"),
		EventTrackerEnabled: true,
		Recovery:            RecoveryRetry,
	}
}

// Load builds a Config from MYCELIUM_* environment defaults, then applies
// an optional JSON overlay file if MYCELIUM_CONFIG_FILE is set and exists.
func Load() Config {
	cfg := defaults()

	if v := os.Getenv("MYCELIUM_MAX_PARALLEL_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxParallelTasks = n
		}
	}
	if v := os.Getenv("MYCELIUM_EVENT_TRACKER_ENABLED"); v != "" {
		cfg.EventTrackerEnabled = v == "1" || v == "true"
	}
	if v := os.Getenv("MYCELIUM_RECOVERY_POLICY"); v != "" {
		cfg.Recovery = RecoveryPolicy(v)
	}

	if path := os.Getenv("MYCELIUM_CONFIG_FILE"); path != "" {
		if err := overlayFromFile(&cfg, path); err != nil {
			slog.Warn("config overlay failed", "path", path, "error", err)
		}
	}

	return cfg
}

func overlayFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Watcher hot-reloads the JSON overlay file on change, invoking onChange
// with the freshly reloaded Config. Debounces rapid successive writes the
// same way a file-watching editor's save-then-rewrite does.
type Watcher struct {
	mu   sync.RWMutex
	path string
	cur  Config
}

// NewWatcher starts watching path (a JSON config overlay) for changes,
// applying them on top of env defaults. If path is empty, no watch starts.
func NewWatcher(path string, onChange func(Config)) (*Watcher, error) {
	load := func() Config {
		cfg := Load()
		if path != "" {
			if err := overlayFromFile(&cfg, path); err != nil {
				slog.Warn("config overlay failed", "path", path, "error", err)
			}
		}
		return cfg
	}
	w := &Watcher{path: path, cur: load()}
	if path == "" {
		return w, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		defer watcher.Close()
		debounce := time.NewTimer(time.Hour)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				debounce.Reset(200 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watch error", "error", err)
			case <-debounce.C:
				cfg := load()
				w.mu.Lock()
				w.cur = cfg
				w.mu.Unlock()
				if onChange != nil {
					onChange(cfg)
				}
			}
		}
	}()

	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cur
}
