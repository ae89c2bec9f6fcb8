package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"otsentry/internal/model"
)

func sampleAlert(severity model.Severity) model.Alert {
	deviceID := int64(5)
	return model.Alert{
		ID:          7,
		Timestamp:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Severity:    severity,
		Title:       "Pressure Above Normal Range",
		Description: "Pressure reading (90PSI) exceeds normal operating range (85PSI)",
		Source:      "Behavior Analyzer",
		DeviceID:    &deviceID,
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", ChatID: "chat", BaseURL: srv.URL, Timeout: time.Second}, testLogger())

	if err := notifier.Notify(context.Background(), sampleAlert(model.SeverityWarning)); err != nil {
		t.Fatalf("Notify should succeed: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("unexpected chat_id: %#v", received)
	}
	if !strings.Contains(received["text"], "Pressure reading (90PSI)") {
		t.Fatalf("text should carry the description, got %q", received["text"])
	}
	if !strings.Contains(received["text"], "Device: 5") {
		t.Fatalf("text should carry the device, got %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", ChatID: "chat", BaseURL: srv.URL, Timeout: time.Second}, testLogger())

	if err := notifier.Notify(context.Background(), sampleAlert(model.SeverityCritical)); err == nil {
		t.Fatal("ok=false should be an error")
	}
}

func TestTelegramNotifierStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", ChatID: "chat", BaseURL: srv.URL, Timeout: time.Second}, testLogger())

	if err := notifier.Notify(context.Background(), sampleAlert(model.SeverityCritical)); err == nil {
		t.Fatal("non-2xx status should be an error")
	}
}

func TestTelegramNotifierMinSeverity(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", ChatID: "chat", BaseURL: srv.URL, MinSeverity: model.SeverityCritical}, testLogger())

	if err := notifier.Notify(context.Background(), sampleAlert(model.SeverityWarning)); err != nil {
		t.Fatalf("skipped alerts are not errors: %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("warning alert should not reach telegram")
	}
	if err := notifier.Notify(context.Background(), sampleAlert(model.SeverityCritical)); err != nil {
		t.Fatalf("Notify should succeed: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("critical alert should reach telegram once, got %d", calls.Load())
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestTelegramNotifierLogsDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	var logs bytes.Buffer
	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", ChatID: "chat", BaseURL: srv.URL, Timeout: time.Second}, zerolog.New(&logs))
	if err := notifier.Notify(context.Background(), sampleAlert(model.SeverityCritical)); err != nil {
		t.Fatalf("Notify should succeed: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(logs.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", logs.String(), err)
	}
	if entry["message"] != "alert sent to telegram" || entry["component"] != "alert_telegram" {
		t.Fatalf("unexpected delivery log %v", entry)
	}
	if entry["alert_id"] != float64(7) || entry["severity"] != "critical" {
		t.Fatalf("delivery log should name the alert, got %v", entry)
	}
}
