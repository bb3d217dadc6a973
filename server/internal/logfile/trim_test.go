package logfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTrimMissingFile(t *testing.T) {
	trimmed, err := Trim(filepath.Join(t.TempDir(), "nope.log"), 10, 5)
	if err != nil || trimmed {
		t.Errorf("Trim() = %v, %v; want false, nil", trimmed, err)
	}
}

func TestTrimSmallFileUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	if err := os.WriteFile(path, []byte("one\ntwo\n"), 0600); err != nil {
		t.Fatal(err)
	}

	trimmed, err := Trim(path, 100, 10)
	if err != nil || trimmed {
		t.Fatalf("Trim() = %v, %v; want false, nil", trimmed, err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "one\ntwo\n" {
		t.Errorf("file changed: %q", data)
	}
}

func TestTrimKeepsWholeTailLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString("line-of-text\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		t.Fatal(err)
	}

	trimmed, err := Trim(path, 100, 30)
	if err != nil || !trimmed {
		t.Fatalf("Trim() = %v, %v; want true, nil", trimmed, err)
	}

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if !strings.HasPrefix(lines[0], "--- log trimmed from 650 bytes") {
		t.Errorf("first line = %q", lines[0])
	}
	for _, l := range lines[1:] {
		if l != "line-of-text" {
			t.Errorf("partial line kept: %q", l)
		}
	}
	if len(lines) != 3 {
		t.Errorf("kept %d lines, want marker plus 2", len(lines))
	}
}
