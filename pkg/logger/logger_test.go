package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"ifrelay/pkg/config"
)

func TestLoggerJSONPromotesRelayAttributes(t *testing.T) {
	clearLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "debug"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.With("component", "rpc.relay", "frame", "container").
		Debug("Call sent", "peer", "remote_iframe_42", "procedure", "getAppId", "call_id", "01J0", "attempt", 1)

	entry := decodeEntry(t, out.String())
	if entry.Level != "debug" || entry.Message != "Call sent" {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.Component != "rpc.relay" || entry.Frame != "container" || entry.Peer != "remote_iframe_42" {
		t.Fatalf("routing fields not promoted: %+v", entry)
	}
	if entry.Procedure != "getAppId" || entry.CallID != "01J0" {
		t.Fatalf("call fields not promoted: %+v", entry)
	}
	if entry.Timestamp == "" {
		t.Fatal("expected timestamp")
	}
	if got := entry.Fields["attempt"]; got != float64(1) {
		t.Fatalf("fields.attempt = %v, want 1", got)
	}
	if _, ok := entry.Fields["peer"]; ok {
		t.Fatal("promoted attribute should not be repeated in fields")
	}
}

func TestLoggerJSONRendersErrorsAndGroups(t *testing.T) {
	clearLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.WithGroup("request").With("url", "http://prefs/a").Warn("Request failed", "error", errors.New("boom"), "peer", "grouped")

	entry := decodeEntry(t, out.String())
	if got := entry.Fields["request.url"]; got != "http://prefs/a" {
		t.Fatalf("fields.request.url = %v", got)
	}
	if got := entry.Fields["request.error"]; got != "boom" {
		t.Fatalf("fields.request.error = %v, want boom", got)
	}
	if entry.Peer != "" || entry.Fields["request.peer"] != "grouped" {
		t.Fatalf("grouped attributes must stay in fields: %+v", entry)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	clearLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Ignored")
	if got := strings.TrimSpace(out.String()); got != "" {
		t.Fatalf("expected no output for info, got %q", got)
	}

	log.Error("Kept")
	if got := strings.TrimSpace(out.String()); got == "" {
		t.Fatal("expected output for error")
	}
}

func TestLoggerEnvironmentOverrides(t *testing.T) {
	clearLoggingEnv(t)
	t.Setenv(envLogLevel, "DEBUG")
	t.Setenv(envLogFormat, "text")

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Debug("Debug enabled", "component", "test")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected debug output with env override")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format override, got %q", line)
	}
}

func TestLoggerDefaultsToTextFormat(t *testing.T) {
	clearLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Default format")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format by default, got %q", line)
	}
}

func TestLoggerRejectsUnknownSettings(t *testing.T) {
	clearLoggingEnv(t)

	tests := []config.LoggingConfig{
		{Format: "xml"},
		{Level: "verbose"},
	}
	for _, cfg := range tests {
		if _, err := newWithWriter(cfg, &bytes.Buffer{}); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}

func decodeEntry(t *testing.T, output string) LogEntry {
	t.Helper()

	line := strings.TrimSpace(output)
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	return entry
}

// clearLoggingEnv blanks the overrides for the test. Blank values are ignored
// by the logger.
func clearLoggingEnv(t *testing.T) {
	t.Helper()
	t.Setenv(envLogLevel, "")
	t.Setenv(envLogFormat, "")
	t.Setenv(envLogAddSource, "")
}
