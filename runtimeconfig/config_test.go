package runtimeconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSystemDefaultsAppliesEnvDefaults(t *testing.T) {
	for _, key := range []string{"DISPATCH_CONSISTENCY", "DISPATCH_TIMEOUT_MS", "DISPATCH_RETRY_ATTEMPTS", "DISPATCH_IDLE_TIMEOUT_MS"} {
		os.Unsetenv(key)
	}

	cfg, err := LoadSystemDefaults()
	if err != nil {
		t.Fatalf("LoadSystemDefaults: %v", err)
	}
	if cfg.ConsistencyLevel != "eventual" {
		t.Fatalf("ConsistencyLevel = %q, want eventual", cfg.ConsistencyLevel)
	}
	if cfg.TimeoutMS != 5000 {
		t.Fatalf("TimeoutMS = %d, want 5000", cfg.TimeoutMS)
	}
	if cfg.RetryAttempts != 10 {
		t.Fatalf("RetryAttempts = %d, want 10", cfg.RetryAttempts)
	}
}

func TestLoadSystemDefaultsReadsOverrides(t *testing.T) {
	t.Setenv("DISPATCH_CONSISTENCY", "strong")
	t.Setenv("DISPATCH_TIMEOUT_MS", "2500")
	t.Setenv("DISPATCH_RETRY_ATTEMPTS", "4")

	cfg, err := LoadSystemDefaults()
	if err != nil {
		t.Fatalf("LoadSystemDefaults: %v", err)
	}
	if cfg.ConsistencyLevel != "strong" || cfg.TimeoutMS != 2500 || cfg.RetryAttempts != 4 {
		t.Fatalf("cfg = %+v, want overrides applied", cfg)
	}
}

func TestToDispatchDefaultsConvertsFields(t *testing.T) {
	cfg := SystemDefaults{ConsistencyLevel: "strong", TimeoutMS: 1000, RetryAttempts: 5, IdleTimeoutMS: 0}
	dd, err := cfg.ToDispatchDefaults()
	if err != nil {
		t.Fatalf("ToDispatchDefaults: %v", err)
	}
	if dd.Timeout != time.Second {
		t.Fatalf("Timeout = %v, want 1s", dd.Timeout)
	}
	if dd.RetryAttempts != 5 {
		t.Fatalf("RetryAttempts = %d, want 5", dd.RetryAttempts)
	}
}

func TestToDispatchDefaultsRejectsUnknownConsistency(t *testing.T) {
	cfg := SystemDefaults{ConsistencyLevel: "bogus"}
	if _, err := cfg.ToDispatchDefaults(); err == nil {
		t.Fatal("expected error for unknown consistency level")
	}
}

func TestToDispatchDefaultsIdleTimeoutProducesIdlePolicy(t *testing.T) {
	cfg := SystemDefaults{ConsistencyLevel: "eventual", IdleTimeoutMS: 1500}
	dd, err := cfg.ToDispatchDefaults()
	if err != nil {
		t.Fatalf("ToDispatchDefaults: %v", err)
	}
	decision := dd.Lifespan.AfterCommand("ignored")
	d, timed := decision.InactivityTimeout()
	if !timed || d != 1500*time.Millisecond {
		t.Fatalf("InactivityTimeout = (%v, %v), want (1.5s, true)", d, timed)
	}
}

func TestToDispatchDefaultsZeroIdleTimeoutKeepsAlive(t *testing.T) {
	cfg := SystemDefaults{ConsistencyLevel: "eventual", IdleTimeoutMS: 0}
	dd, err := cfg.ToDispatchDefaults()
	if err != nil {
		t.Fatalf("ToDispatchDefaults: %v", err)
	}
	if !dd.Lifespan.AfterCommand("ignored").IsInfinity() {
		t.Fatal("expected KeepAliveForever policy when idle timeout is zero")
	}
}

func TestLoadRouterTableParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "router.yaml")
	yamlBody := `
aggregates:
  - kind: widget
    identity_field: ID
    identity_prefix: "widget-"
    commands:
      - kind: widget.create
        consistency: strong
        timeout_ms: 2000
        retry_attempts: 3
`
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	table, err := LoadRouterTable(path)
	if err != nil {
		t.Fatalf("LoadRouterTable: %v", err)
	}
	if len(table.Aggregates) != 1 || table.Aggregates[0].Kind != "widget" {
		t.Fatalf("Aggregates = %+v, want one widget entry", table.Aggregates)
	}
	cmd := table.Aggregates[0].Commands[0]
	if cmd.Kind != "widget.create" || cmd.Consistency != "strong" || cmd.TimeoutMS != 2000 || cmd.RetryAttempts != 3 {
		t.Fatalf("command route = %+v, want parsed overrides", cmd)
	}
}

func TestLoadRouterTableMissingFileErrors(t *testing.T) {
	if _, err := LoadRouterTable(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error reading a nonexistent router table")
	}
}
