package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerWritesServiceAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLoggerTo(&buf, "gateway-api", "info")
	logger.Debug("hidden")
	logger.Info("http_request", "status", 200)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected exactly one json line, got %q: %v", buf.String(), err)
	}
	if entry["service"] != "gateway-api" || entry["msg"] != "http_request" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestLoggerRedactsSecretsAndFormatsDurations(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLoggerTo(&buf, "gateway-api", "debug")
	logger.Info("backend_call",
		"Authorization", "Bearer sk-live",
		"admin_api_key", "s3cret",
		"duration", 1500*time.Microsecond,
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["Authorization"] != redacted || entry["admin_api_key"] != redacted {
		t.Fatalf("secrets leaked: %v", entry)
	}
	if entry["duration"] != 1.5 {
		t.Fatalf("expected duration in ms, got %v", entry["duration"])
	}
	if entry["version"] == "" || entry["version"] == nil {
		t.Fatalf("expected version attribute, got %v", entry)
	}
}
