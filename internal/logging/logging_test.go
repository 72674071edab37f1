package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewJSONLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("dropped")
	logger.Warn("kept", "memo_id", "m1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line at warn level, got %d:\n%s", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected json output: %v", err)
	}
	if entry["msg"] != "kept" || entry["memo_id"] != "m1" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestNewTextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Options{Level: "debug", Format: "text"}, &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Debug("dbg", "a", 1)
	if out := buf.String(); !strings.Contains(out, "level=DEBUG") || !strings.Contains(out, "a=1") {
		t.Fatalf("expected debug text line, got %q", out)
	}
}

func TestNewWritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memosync.log")
	var fallback bytes.Buffer
	logger, closer, err := New(Options{File: path, MaxSizeMB: 1}, &fallback)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Fatalf("expected log line in file, got %q", data)
	}
	if fallback.Len() != 0 {
		t.Fatalf("expected nothing on fallback writer, got %q", fallback.String())
	}
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	if _, _, err := New(Options{Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if _, _, err := New(Options{Level: "loud"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError}
	for raw, want := range cases {
		got, err := ParseLevel(raw)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q): expected %s, got %s (%v)", raw, want, got, err)
		}
	}
}
