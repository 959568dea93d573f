package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerWritesJSONToConfiguredOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{
		ServiceName: "directory",
		Environment: "test",
		Level:       "debug",
		Output:      &buf,
	})

	logger.Debug("hello")

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if entry["service"] != "directory" || entry["env"] != "test" {
		t.Fatalf("missing base attributes: %v", entry)
	}
	if entry["msg"] != "hello" {
		t.Fatalf("unexpected message: %v", entry)
	}
}

func TestNewLoggerLevelGate(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "warn", Output: &buf})

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info record should be gated at warn level: %q", buf.String())
	}

	logger.Warn("kept")
	if buf.Len() == 0 {
		t.Fatal("warn record should pass the gate")
	}
}
