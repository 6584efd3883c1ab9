package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func readLogEntries(t *testing.T, home string) []map[string]any {
	t.Helper()
	name := fmt.Sprintf("dispatchd-%s.jsonl", time.Now().Format("2006-01-02"))
	raw, err := os.ReadFile(filepath.Join(home, "logs", name))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	out := make([]map[string]any, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("unmarshal log json %q: %v", line, err)
		}
		out = append(out, entry)
	}
	if len(out) == 0 {
		t.Fatal("expected at least one log line")
	}
	return out
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("startup phase", "phase", "config_loaded", "task_id", "task-1")

	entry := readLogEntries(t, home)[0]
	for _, key := range []string{"timestamp", "level", "msg", "component"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "dispatchd" {
		t.Fatalf("expected component=dispatchd, got %#v", entry["component"])
	}
	if entry["task_id"] != "task-1" {
		t.Fatalf("expected task_id propagation, got %#v", entry["task_id"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("security check",
		"api_key", "abc123",
		"dial_error", "dial wss://gw.example.com?token=supersecretvalue failed",
	)

	entries := readLogEntries(t, home)
	entry := entries[len(entries)-1]
	if entry["api_key"] != "[REDACTED]" {
		t.Fatalf("expected api_key redaction, got %#v", entry["api_key"])
	}
	dialErr, _ := entry["dial_error"].(string)
	if strings.Contains(dialErr, "supersecretvalue") || !strings.Contains(dialErr, "[REDACTED]") {
		t.Fatalf("expected token scrubbed from dial_error, got %q", dialErr)
	}
}
