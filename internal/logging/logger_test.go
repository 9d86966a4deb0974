package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewWritesJSONRecordsWithRunID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(context.Background(), WithDir(dir), WithRunID("run-42"), WithLevel("debug"))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Logger.Debug("session state", "state", "measuring")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if filepath.Dir(logger.Path()) != dir {
		t.Fatalf("log path %q not under %q", logger.Path(), dir)
	}
	if !strings.Contains(filepath.Base(logger.Path()), "run-42") {
		t.Fatalf("log file name %q does not include run id", filepath.Base(logger.Path()))
	}

	data, err := os.ReadFile(logger.Path())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("log lines = %d, want 2:\n%s", len(lines), data)
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record["run_id"] != "run-42" {
		t.Fatalf("run_id = %v, want run-42", record["run_id"])
	}
	if record["state"] != "measuring" {
		t.Fatalf("state = %v, want measuring", record["state"])
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), WithDir(t.TempDir()), WithLevel("loud")); err == nil {
		t.Fatal("expected level parse error, got nil")
	}
}

func TestOrDiscardNeverReturnsNil(t *testing.T) {
	t.Parallel()

	if OrDiscard(nil) == nil {
		t.Fatal("OrDiscard(nil) returned nil")
	}
}

func TestNewPrunesOldestLogFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		path := filepath.Join(dir, fmt.Sprintf("calrun-old-%d.log", i))
		if err := os.WriteFile(path, []byte("{}\n"), 0o600); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
		mod := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	unrelated := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(unrelated, []byte("keep"), 0o600); err != nil {
		t.Fatalf("write unrelated: %v", err)
	}

	logger, err := New(context.Background(), WithDir(dir), WithKeep(3))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer logger.Close()

	for _, gone := range []string{"calrun-old-0.log", "calrun-old-1.log"} {
		if _, err := os.Stat(filepath.Join(dir, gone)); !os.IsNotExist(err) {
			t.Fatalf("%s should be pruned, stat err = %v", gone, err)
		}
	}
	for _, kept := range []string{"calrun-old-2.log", "calrun-old-3.log", "notes.txt"} {
		if _, err := os.Stat(filepath.Join(dir, kept)); err != nil {
			t.Fatalf("%s should be kept: %v", kept, err)
		}
	}
	if _, err := os.Stat(logger.Path()); err != nil {
		t.Fatalf("current log missing: %v", err)
	}
}
