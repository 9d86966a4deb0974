package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenIsIdempotentWhileDirectoryExists(t *testing.T) {
	t.Parallel()

	ws := New(t.TempDir(), "run-1")
	first, err := ws.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	second, err := ws.Open()
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if first != second {
		t.Fatalf("reopen returned %q, want %q", second, first)
	}
	if !strings.HasPrefix(filepath.Base(first), "calrun-") {
		t.Fatalf("workspace name %q lacks prefix", filepath.Base(first))
	}

	if err := ws.Dispose(nil); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	third, err := ws.Open()
	if err != nil {
		t.Fatalf("open after dispose: %v", err)
	}
	if third == first {
		t.Fatal("open after dispose reused a removed directory")
	}
	if err := ws.Dispose(nil); err != nil {
		t.Fatalf("dispose: %v", err)
	}
}

func TestCommitMovesAllowlistedFilesAndReplacesExisting(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	ws := New(root, "run-2")

	for name, content := range map[string]string{
		"display.cal":   "cal",
		"display.icc":   "icc",
		"display.log":   "log",
		"scratch.ti1.x": "tmp",
	} {
		if err := ws.Write(name, []byte(content)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dst, "display.icc"), 0o750); err != nil {
		t.Fatalf("mkdir existing destination dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dst, "display.cal"), []byte("old"), 0o600); err != nil {
		t.Fatalf("write existing destination: %v", err)
	}

	committed, err := ws.Commit(dst, ArtifactExtensions)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	want := []string{filepath.Join(dst, "display.cal"), filepath.Join(dst, "display.icc")}
	if len(committed) != len(want) || committed[0] != want[0] || committed[1] != want[1] {
		t.Fatalf("committed = %v, want %v", committed, want)
	}
	data, err := os.ReadFile(filepath.Join(dst, "display.cal"))
	if err != nil || string(data) != "cal" {
		t.Fatalf("display.cal = %q, %v; want replaced content", data, err)
	}
	if info, err := os.Stat(filepath.Join(dst, "display.icc")); err != nil || info.IsDir() {
		t.Fatalf("display.icc should be a file after commit: %v", err)
	}

	dir := ws.Dir()
	if err := ws.Dispose(nil); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("workspace %s still exists after dispose: %v", dir, err)
	}
	if _, err := os.Stat(filepath.Join(dst, "display.log")); !os.IsNotExist(err) {
		t.Fatal("non-allowlisted file leaked into destination")
	}
}

func TestCommitNeverMovesUnknownFileTypes(t *testing.T) {
	t.Parallel()

	dst := filepath.Join(t.TempDir(), "out")
	ws := New(t.TempDir(), "run-4")
	for _, name := range []string{"display.gam", "display.gam.gz", "display vs sRGB.wrz", "display.wrl"} {
		if err := ws.Write(name, []byte("x")); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	committed, err := ws.Commit(dst, []string{".gam", ".gz", ".wrl", ".wrz"})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	want := []string{filepath.Join(dst, "display vs sRGB.wrz"), filepath.Join(dst, "display.gam.gz")}
	if len(committed) != len(want) || committed[0] != want[0] || committed[1] != want[1] {
		t.Fatalf("committed = %v, want %v", committed, want)
	}
	if err := ws.Dispose(nil); err != nil {
		t.Fatalf("dispose: %v", err)
	}
}

func TestDisposeKeepsAllowlistedFilesAndTheDirectory(t *testing.T) {
	t.Parallel()

	ws := New(t.TempDir(), "run-3")
	if err := ws.Write("a.ti3", []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ws.Write("a.log", []byte("y")); err != nil {
		t.Fatalf("write: %v", err)
	}
	dir := ws.Dir()

	if err := ws.Dispose([]string{".ti3"}); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.ti3")); err != nil {
		t.Fatalf("kept file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.log")); !os.IsNotExist(err) {
		t.Fatal("non-matching file survived dispose")
	}

	if err := ws.Dispose(nil); err != nil {
		t.Fatalf("forced dispose: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("workspace survived forced dispose")
	}
}

func TestStageCopiesCompanionFile(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "colorimeter.ccmx")
	if err := os.WriteFile(src, []byte("CCMX"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	ws := New(t.TempDir(), "run-4")
	t.Cleanup(func() { _ = ws.Dispose(nil) })

	name, err := ws.Stage(src)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if name != "colorimeter.ccmx" {
		t.Fatalf("staged name = %q", name)
	}
	data, err := os.ReadFile(ws.Path(name))
	if err != nil || string(data) != "CCMX" {
		t.Fatalf("staged content = %q, %v", data, err)
	}
	if manifest := ws.Manifest(); len(manifest) != 1 || manifest[0] != name {
		t.Fatalf("manifest = %v", manifest)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("stage must not remove the source: %v", err)
	}
}

func TestWriteRejectsNestedNames(t *testing.T) {
	t.Parallel()

	ws := New(t.TempDir(), "run-5")
	if err := ws.Write("../escape.cal", []byte("x")); err == nil {
		t.Fatal("expected error for nested name")
	}
	if ws.Dir() != "" {
		t.Fatal("rejected write should not open the workspace")
	}
}

func TestSweepRemovesOnlyDeadOwners(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dead := filepath.Join(root, "calrun-999999-old-123")
	live := filepath.Join(root, "calrun-4242-live-456")
	other := filepath.Join(root, "unrelated")
	for _, dir := range []string{dead, live, other} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	removed, err := Sweep(root, func(pid int) (bool, error) {
		return pid == 4242, nil
	})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(removed) != 1 || removed[0] != dead {
		t.Fatalf("removed = %v, want [%s]", removed, dead)
	}
	for _, dir := range []string{live, other} {
		if _, err := os.Stat(dir); err != nil {
			t.Fatalf("%s should survive sweep: %v", dir, err)
		}
	}
}
