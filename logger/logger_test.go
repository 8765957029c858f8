package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureReportLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("report", "text", "stderr", 0); err != nil {
		t.Fatalf("report level should be accepted: %v", err)
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "logs", "levels.log")
	log := Logger()
	if err := log.Configure("debug", "json", path, 7); err != nil {
		t.Fatalf("file output: %v", err)
	}
}

func TestJSONFieldNames(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)
	log.WithComponent("processor").WithFields(Fields{"provider": "thales"}).Info("levels computed")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for _, key := range []string{"timestamp", "level", "message", "component", "provider"} {
		if _, ok := line[key]; !ok {
			t.Fatalf("missing %q in %v", key, line)
		}
	}
}

func TestWarnCountsByStage(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)

	before := snapshotCounters(&warns)["writer"]
	log.WithComponent("csv_writer").Warn("disk full")
	if got := snapshotCounters(&warns)["writer"]; got != before+1 {
		t.Fatalf("writer warns = %d, want %d", got, before+1)
	}

	n := atomic.LoadInt64(&computed)
	IncrementComputed()
	if atomic.LoadInt64(&computed) != n+1 {
		t.Fatalf("computed counter not incremented")
	}
}

func TestStaticFieldsHook(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)
	log.AddHook(NewStaticFieldsHook(map[string]interface{}{"env": "test", "provider": "default"}))
	log.WithFields(Fields{"provider": "deribit"}).Info("polled")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["env"] != "test" || line["provider"] != "deribit" {
		t.Fatalf("unexpected fields %v", line)
	}
}
