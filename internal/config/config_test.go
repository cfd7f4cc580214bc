package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromPath(t *testing.T) {
	path := writeConfig(t, `
run:
  max_parallel: 8
  max_retries: 1
  default_timeout: 90s
  capability_timeouts:
    compile: 10m
backends:
  local:
    kind: structured
    max_concurrent: 2
    commands:
      compile: "make build"
log:
  debug: true
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Run.MaxParallel != 8 {
		t.Errorf("MaxParallel = %d, want 8", cfg.Run.MaxParallel)
	}
	if cfg.Run.MaxRetries != 1 {
		t.Errorf("MaxRetries = %d, want 1", cfg.Run.MaxRetries)
	}
	if cfg.Run.DefaultTimeout != 90*time.Second {
		t.Errorf("DefaultTimeout = %v, want 90s", cfg.Run.DefaultTimeout)
	}
	if cfg.Run.CapabilityTimeouts["compile"] != 10*time.Minute {
		t.Errorf("compile timeout = %v, want 10m", cfg.Run.CapabilityTimeouts["compile"])
	}

	b, ok := cfg.Backends["local"]
	if !ok {
		t.Fatal("backend local not loaded")
	}
	if b.Kind != "structured" || b.MaxConcurrent != 2 {
		t.Errorf("backend = %+v", b)
	}
	if b.Commands["compile"] != "make build" {
		t.Errorf("compile command = %q", b.Commands["compile"])
	}
	if !cfg.Log.Debug {
		t.Error("Log.Debug = false, want true")
	}
}

func TestLoadFromPathAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "run:\n  max_parallel: 2\n")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Run.MaxRetries != 2 {
		t.Errorf("MaxRetries default = %d, want 2", cfg.Run.MaxRetries)
	}
	if cfg.Run.UnavailableThreshold != 3 {
		t.Errorf("UnavailableThreshold default = %d, want 3", cfg.Run.UnavailableThreshold)
	}
	if cfg.Run.DefaultTimeout != 5*time.Minute {
		t.Errorf("DefaultTimeout default = %v, want 5m", cfg.Run.DefaultTimeout)
	}
	if cfg.Run.StallTimeout != 2*time.Minute {
		t.Errorf("StallTimeout default = %v, want 2m", cfg.Run.StallTimeout)
	}
}

func TestValidateRejectsBadKind(t *testing.T) {
	path := writeConfig(t, `
backends:
  bad:
    kind: quantum
    commands:
      work: "true"
`)
	if _, err := LoadFromPath(path); err == nil {
		t.Fatal("expected error for invalid backend kind")
	}
}

func TestValidateRejectsEmptyCommands(t *testing.T) {
	path := writeConfig(t, `
backends:
  idle:
    kind: text_only
`)
	if _, err := LoadFromPath(path); err == nil {
		t.Fatal("expected error for backend with no commands")
	}
}

func TestOrchestratorConversion(t *testing.T) {
	path := writeConfig(t, `
run:
  max_parallel: 3
  capability_timeouts:
    compile: 1m
`)
	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	oc := cfg.Orchestrator()
	if oc.MaxParallel != 3 {
		t.Errorf("MaxParallel = %d, want 3", oc.MaxParallel)
	}
	if oc.CapabilityTimeouts["compile"] != time.Minute {
		t.Errorf("capability timeout = %v, want 1m", oc.CapabilityTimeouts["compile"])
	}
}
