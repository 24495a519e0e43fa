package audit

import (
	"path/filepath"
	"testing"
)

func TestLogEventAndRecent(t *testing.T) {
	logger := NewLogger(filepath.Join(t.TempDir(), "audit", "audit.sqlite"))
	if err := logger.LogEvent("cli", "sim_run_started", map[string]any{"label": "nigeria--1"}); err != nil {
		t.Fatalf("log started: %v", err)
	}
	if err := logger.LogEvent("cli", "sim_run_finished", map[string]any{"label": "nigeria--1", "error": nil}); err != nil {
		t.Fatalf("log finished: %v", err)
	}

	events, err := logger.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != "sim_run_finished" || events[1].Type != "sim_run_started" {
		t.Fatalf("expected newest first, got %s then %s", events[0].Type, events[1].Type)
	}
	if events[1].Payload["label"] != "nigeria--1" || events[1].Actor != "cli" {
		t.Fatalf("payload not round tripped: %+v", events[1])
	}
	if events[0].TS.IsZero() {
		t.Fatalf("timestamp not parsed")
	}
}

func TestEnvFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.sqlite")
	t.Setenv(envAuditDB, path)
	if err := NewLogger("").LogEvent("test", "ping", nil); err != nil {
		t.Fatal(err)
	}
	events, err := NewLogger(path).Recent(1)
	if err != nil || len(events) != 1 || events[0].Type != "ping" {
		t.Fatalf("env path not used: %+v %v", events, err)
	}
}
