package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"optionlevels/internal/levels"
)

// writeTempConfig writes content to a config file in a fresh temp dir.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, `app:
  name: "TestApp"
levels:
  step: 0.5
  weighting: median
source:
  deribit:
    currencies: ["ETH"]
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.App.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.App.Name)
	}
	if cfg.Processor.MaxWorkers != 2 {
		t.Errorf("default max workers not applied: %d", cfg.Processor.MaxWorkers)
	}
	if cfg.Reader.Timeout != 30*time.Second {
		t.Errorf("unexpected timeout: %s", cfg.Reader.Timeout)
	}
	if len(cfg.Source.Deribit.Currencies) != 1 || cfg.Source.Deribit.Currencies[0] != "ETH" {
		t.Errorf("unexpected currencies: %v", cfg.Source.Deribit.Currencies)
	}

	p, err := cfg.Levels.Params()
	if err != nil {
		t.Fatalf("Params failed: %v", err)
	}
	if p.Step != 0.5 || p.Weighting != levels.WeightMedian || p.Single != levels.SingleCollapse {
		t.Errorf("unexpected params: %+v", p)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad weighting", "levels:\n  weighting: mode\n"},
		{"zero step", "levels:\n  step: -1\n"},
		{"nan step", "levels:\n  step: .nan\n"},
		{"infinite coarse step", "levels:\n  coarse_step: .inf\n"},
		{"coarse below step", "levels:\n  step: 1\n  coarse_step: 0.5\n"},
		{"bad window", "source:\n  thales:\n    window: week\n"},
		{"s3 without bucket", "storage:\n  s3:\n    enabled: true\n    region: eu-west-1\n"},
		{"no workers", "processor:\n  max_workers: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(writeTempConfig(t, tt.content)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("LEVELS_STEP", "2")

	cfg, err := LoadConfig(writeTempConfig(t, "app:\n  name: x\n"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Storage.Redis.Addr != "redis:6380" || cfg.Storage.Redis.DB != 3 {
		t.Errorf("redis overrides not applied: %+v", cfg.Storage.Redis)
	}
	if cfg.Levels.Step != 2 {
		t.Errorf("step override not applied: %v", cfg.Levels.Step)
	}
}

func TestLoadConfigRejectsNonFiniteEnvStep(t *testing.T) {
	for _, v := range []string{"NaN", "Inf", "-Inf"} {
		t.Run(v, func(t *testing.T) {
			t.Setenv("LEVELS_STEP", v)
			if _, err := LoadConfig(writeTempConfig(t, "app:\n  name: x\n")); err == nil {
				t.Fatalf("expected validation error for LEVELS_STEP=%s", v)
			}
		})
	}
}

func TestAppEnvironmentAliases(t *testing.T) {
	t.Setenv(appEnvVar, "Prod")
	if got := AppEnvironment(); got != EnvironmentProduction {
		t.Fatalf("unexpected environment %q", got)
	}
	if !IsProductionLike(AppEnvironment()) {
		t.Fatalf("production should be production-like")
	}

	t.Setenv(appEnvVar, "")
	if got := AppEnvironment(); got != EnvironmentDevelopment {
		t.Fatalf("unexpected default environment %q", got)
	}
}

func TestResolveEnvSpecificPath(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "config.staging.yml")
	envPaths := map[string]string{EnvironmentStaging: envPath}

	t.Setenv(appEnvVar, "staging")
	if got := resolveEnvSpecificPath("", "default.yml", envPaths); got != "default.yml" {
		t.Fatalf("missing env file should keep default, got %q", got)
	}

	if err := os.WriteFile(envPath, []byte("app:\n  name: x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := resolveEnvSpecificPath("", "default.yml", envPaths); got != envPath {
		t.Fatalf("expected env path, got %q", got)
	}
	if got := resolveEnvSpecificPath("custom.yml", "default.yml", envPaths); got != "custom.yml" {
		t.Fatalf("explicit path must win, got %q", got)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("OPTIONLEVELS_TEST_VAR=hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("OPTIONLEVELS_TEST_VAR") })
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if os.Getenv("OPTIONLEVELS_TEST_VAR") != "hello" {
		t.Fatalf("variable not loaded")
	}
}
