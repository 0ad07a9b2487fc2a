package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoad_appliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
engine:
  base_url: http://engine:8080/engine-rest
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Engine.Timeout != 10*time.Second {
		t.Errorf("Engine.Timeout = %v, want 10s", cfg.Engine.Timeout)
	}
	if cfg.Worker.MaxTasksPerPoll != 10 {
		t.Errorf("Worker.MaxTasksPerPoll = %d, want 10", cfg.Worker.MaxTasksPerPoll)
	}
	if cfg.Worker.PollInterval != 5*time.Second {
		t.Errorf("Worker.PollInterval = %v, want 5s", cfg.Worker.PollInterval)
	}
	if cfg.Worker.LockDuration != 10*time.Second {
		t.Errorf("Worker.LockDuration = %v, want 10s", cfg.Worker.LockDuration)
	}
	if cfg.Worker.Retries != 3 {
		t.Errorf("Worker.Retries = %d, want 3", cfg.Worker.Retries)
	}
	if cfg.Engine.Name != "default" {
		t.Errorf("Engine.Name = %q, want default", cfg.Engine.Name)
	}
}

func TestLoad_overridesFromFile(t *testing.T) {
	path := writeTempConfig(t, `
server:
  port: 9090
engine:
  base_url: http://engine:8080/engine-rest
  timeout: 3s
worker:
  id: leave-worker-1
  max_tasks_per_poll: 25
  poll_interval: 2s
store:
  driver: postgres
  dsn_env: FLOWGATE_DATABASE_URL
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Engine.Timeout != 3*time.Second {
		t.Errorf("Engine.Timeout = %v, want 3s", cfg.Engine.Timeout)
	}
	if cfg.Worker.ID != "leave-worker-1" {
		t.Errorf("Worker.ID = %q, want leave-worker-1", cfg.Worker.ID)
	}
	if cfg.Worker.MaxTasksPerPoll != 25 {
		t.Errorf("Worker.MaxTasksPerPoll = %d, want 25", cfg.Worker.MaxTasksPerPoll)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("Store.Driver = %q, want postgres", cfg.Store.Driver)
	}
}

func TestLoad_missingEngineBaseURL(t *testing.T) {
	path := writeTempConfig(t, `
server:
  port: 8080
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load succeeded without engine.base_url")
	}
	if !strings.Contains(err.Error(), "engine.base_url") {
		t.Errorf("error %q does not mention engine.base_url", err)
	}
}

func TestLoad_missingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load succeeded for missing file")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("FLOWGATE_ENGINE_BASE_URL", "http://override:8080/engine-rest")
	t.Setenv("FLOWGATE_WORKER_ID", "env-worker")
	t.Setenv("FLOWGATE_WORKER_MAX_TASKS", "50")
	t.Setenv("FLOWGATE_WORKER_POLL_INTERVAL", "1500")
	t.Setenv("FLOWGATE_WORKER_LOCK_DURATION", "30s")
	t.Setenv("FLOWGATE_SERVER_PORT", "7070")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Engine.BaseURL != "http://override:8080/engine-rest" {
		t.Errorf("Engine.BaseURL = %q", cfg.Engine.BaseURL)
	}
	if cfg.Worker.ID != "env-worker" {
		t.Errorf("Worker.ID = %q, want env-worker", cfg.Worker.ID)
	}
	if cfg.Worker.MaxTasksPerPoll != 50 {
		t.Errorf("Worker.MaxTasksPerPoll = %d, want 50", cfg.Worker.MaxTasksPerPoll)
	}
	if cfg.Worker.PollInterval != 1500*time.Millisecond {
		t.Errorf("Worker.PollInterval = %v, want 1.5s", cfg.Worker.PollInterval)
	}
	if cfg.Worker.LockDuration != 30*time.Second {
		t.Errorf("Worker.LockDuration = %v, want 30s", cfg.Worker.LockDuration)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
}

func TestValidate_workerBounds(t *testing.T) {
	cfg := Defaults()
	cfg.Engine.BaseURL = "http://engine:8080/engine-rest"
	cfg.Worker.MaxTasksPerPoll = 0
	cfg.Worker.PollInterval = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate passed with zero worker bounds")
	}
	if !strings.Contains(err.Error(), "max_tasks_per_poll") {
		t.Errorf("error %q does not mention max_tasks_per_poll", err)
	}
	if !strings.Contains(err.Error(), "poll_interval") {
		t.Errorf("error %q does not mention poll_interval", err)
	}
}

func TestValidate_disabledWorkerSkipsWorkerChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Engine.BaseURL = "http://engine:8080/engine-rest"
	cfg.Worker.Enabled = false
	cfg.Worker.MaxTasksPerPoll = 0

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}
