package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerToJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(Config{Level: "debug", Format: "json"}, &buf)
	logger.Debug().Str("component", "poller").Msg("tick")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line should be JSON: %v (%q)", err, buf.String())
	}
	if entry["component"] != "poller" || entry["message"] != "tick" {
		t.Fatalf("unexpected entry: %#v", entry)
	}
}

func TestNewLoggerToLevelFallback(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(Config{Level: "loud"}, &buf)
	logger.Debug().Msg("hidden")
	logger.Info().Msg("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("invalid level should fall back to info: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("info line missing: %q", buf.String())
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(Config{Format: "console"}, &buf)
	logger.Info().Msg("hello")

	if json.Valid(buf.Bytes()) {
		t.Fatalf("console output should not be JSON: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("console output missing message: %q", buf.String())
	}
}
