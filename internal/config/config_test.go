package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Address() != "0.0.0.0:8080" {
		t.Fatalf("address = %q", cfg.Address())
	}
	for _, lang := range []string{"javascript", "python", "lua", "sql", "json", "yaml", "toml"} {
		if _, ok := cfg.Sandbox.Languages[lang]; !ok {
			t.Fatalf("default config missing language %q", lang)
		}
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
sandbox:
  max_per_session: 5
  languages:
    javascript:
      limits:
        max_execution_time: 3s
        max_memory_bytes: 67108864
        max_concurrent: 4
      packages:
        - lodash
security:
  allowed_keys:
    - secret-key
  policy_rules:
    - id: custom_rule
      language: lua
      severity: critical
      message: goto banned
      pattern: '\bgoto\b'
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Sandbox.MaxPerSession != 5 {
		t.Fatalf("max per session = %d, want 5", cfg.Sandbox.MaxPerSession)
	}
	// Untouched defaults survive.
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Fatalf("read timeout = %s, want default 30s", cfg.Server.ReadTimeout)
	}

	js := cfg.Sandbox.Languages["javascript"]
	if js.Limits.MaxExecutionTime != 3*time.Second {
		t.Fatalf("js timeout = %s, want 3s", js.Limits.MaxExecutionTime)
	}
	if len(js.Packages) != 1 || js.Packages[0] != "lodash" {
		t.Fatalf("js packages = %v", js.Packages)
	}
	if len(cfg.Security.AllowedKeys) != 1 || cfg.Security.AllowedKeys[0] != "secret-key" {
		t.Fatalf("allowed keys = %v", cfg.Security.AllowedKeys)
	}
	if len(cfg.Security.PolicyRules) != 1 || cfg.Security.PolicyRules[0].ID != "custom_rule" {
		t.Fatalf("policy rules = %+v", cfg.Security.PolicyRules)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 99999\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("out-of-range port must fail validation")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file must error")
	}
}

func TestValidateCatchesBadLimits(t *testing.T) {
	cfg := DefaultConfig()
	lc := cfg.Sandbox.Languages["lua"]
	lc.Limits.MaxConcurrent = -1
	cfg.Sandbox.Languages["lua"] = lc
	if err := cfg.Validate(); err == nil {
		t.Fatal("negative concurrency must fail validation")
	}

	cfg = DefaultConfig()
	cfg.Alerts.Thresholds.MaxErrorRate = 2
	if err := cfg.Validate(); err == nil {
		t.Fatal("error rate over 1 must fail validation")
	}
}

func TestLimitsTableAndPackages(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sandbox.Languages["javascript"] = LanguageConfig{
		Limits:   cfg.Sandbox.Languages["javascript"].Limits,
		Packages: []string{"d3"},
	}

	table := cfg.LimitsTable()
	if got := table.For("javascript").MaxExecutionTime; got != 5*time.Second {
		t.Fatalf("js timeout = %s, want 5s", got)
	}
	if got := table.For("brainfuck"); got != cfg.Sandbox.DefaultLimits {
		t.Fatal("unknown language should use the default limits")
	}

	pkgs := cfg.DefaultPackages()
	if len(pkgs["javascript"]) != 1 || pkgs["javascript"][0] != "d3" {
		t.Fatalf("packages = %v", pkgs)
	}
	if _, ok := pkgs["lua"]; ok {
		t.Fatal("languages without packages should be absent from the map")
	}
}
