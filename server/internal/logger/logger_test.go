package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line %q is not JSON: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestFileOutputAndLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	log, err := New(Options{Level: "info", Format: "json", File: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	child := log.Named("registry").With("sandbox_id", "sbx-1")
	child.Debug("hidden")
	child.Info("provisioned", "template", "browser-sandbox")

	log.SetLevel("debug")
	child.Debug("now visible")
	_ = log.Close()

	entries := readLines(t, path)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2: %v", len(entries), entries)
	}
	first := entries[0]
	if first["msg"] != "provisioned" || first["component"] != "registry" || first["sandbox_id"] != "sbx-1" || first["template"] != "browser-sandbox" {
		t.Errorf("unexpected entry %v", first)
	}
	if entries[1]["msg"] != "now visible" {
		t.Errorf("second entry = %v", entries[1])
	}
	if log.Level() != "debug" {
		t.Errorf("Level() = %q, want debug", log.Level())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   "debug",
		"warn":    "warn",
		"error":   "error",
		"":        "info",
		"verbose": "info",
	}
	for in, want := range tests {
		if got := ParseLevel(in).String(); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNop(t *testing.T) {
	log := Nop()
	log.Info("discarded", "k", "v")
	log.Named("x").Error("also discarded")
}
