package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const dirPrefix = "calrun-"

// ArtifactExtensions are the only file types Commit ever moves out of a
// workspace, whatever allowlist it is given.
var ArtifactExtensions = []string{
	".cal", ".icc", ".icm", ".ti1", ".ti3", ".ccmx", ".ccss",
	".gam.gz", ".wrz", ".yaml",
}

// Workspace is the private temporary directory of one run.
type Workspace struct {
	mu       sync.Mutex
	root     string
	runID    string
	pid      int
	dir      string
	manifest []string
}

// New prepares a workspace under root (the system temp dir when empty). Nothing is created until Open.
func New(root, runID string) *Workspace {
	root = strings.TrimSpace(root)
	if root == "" {
		root = os.TempDir()
	}
	return &Workspace{
		root:  root,
		runID: sanitize(runID),
		pid:   os.Getpid(),
	}
}

// Open creates the directory, or returns the one already associated with the run.
func (w *Workspace) Open() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dir != "" {
		if info, err := os.Stat(w.dir); err == nil && info.IsDir() {
			return w.dir, nil
		}
		w.dir = ""
		w.manifest = nil
	}

	if err := os.MkdirAll(w.root, 0o750); err != nil {
		return "", fmt.Errorf("create workspace root %q: %w", w.root, err)
	}
	pattern := fmt.Sprintf("%s%d-%s-*", dirPrefix, w.pid, w.runID)
	dir, err := os.MkdirTemp(w.root, pattern)
	if err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	w.dir = dir
	return dir, nil
}

// Dir returns the open directory, or "" when none is open.
func (w *Workspace) Dir() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dir
}

// Path joins name onto the workspace directory.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir(), name)
}

// Manifest lists files written through Stage and Write.
func (w *Workspace) Manifest() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.manifest))
	copy(out, w.manifest)
	return out
}

// Stage copies src into the workspace under its base name.
func (w *Workspace) Stage(src string) (string, error) {
	dir, err := w.Open()
	if err != nil {
		return "", err
	}
	name := filepath.Base(src)
	if err := copyFile(src, filepath.Join(dir, name)); err != nil {
		return "", fmt.Errorf("stage %q: %w", src, err)
	}
	w.record(name)
	return name, nil
}

// Write stores data as name inside the workspace.
func (w *Workspace) Write(name string, data []byte) error {
	if name != filepath.Base(name) {
		return fmt.Errorf("workspace file name %q must not contain directories", name)
	}
	dir, err := w.Open()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
		return fmt.Errorf("write workspace file %q: %w", name, err)
	}
	w.record(name)
	return nil
}

// Commit moves every entry matching allowlist and ArtifactExtensions into dst, replacing whatever
// file or directory already sits at the destination path. It returns the
// destination paths in sorted order.
func (w *Workspace) Commit(dst string, allowlist []string) ([]string, error) {
	dir := w.Dir()
	if dir == "" {
		return nil, errors.New("workspace is not open")
	}
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return nil, fmt.Errorf("create destination %q: %w", dst, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list workspace: %w", err)
	}
	committed := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !MatchesExtension(entry.Name(), allowlist) || !MatchesExtension(entry.Name(), ArtifactExtensions) {
			continue
		}
		src := filepath.Join(dir, entry.Name())
		target := filepath.Join(dst, entry.Name())
		if err := os.RemoveAll(target); err != nil {
			return committed, fmt.Errorf("replace %q: %w", target, err)
		}
		if err := move(src, target); err != nil {
			return committed, fmt.Errorf("commit %q: %w", entry.Name(), err)
		}
		committed = append(committed, target)
	}
	sort.Strings(committed)
	return committed, nil
}

// Dispose deletes every entry not matching keep, then the directory itself
// when it ended up empty. Dispose(nil) always removes the directory.
func (w *Workspace) Dispose(keep []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dir == "" {
		return nil
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			w.dir = ""
			return nil
		}
		return fmt.Errorf("list workspace: %w", err)
	}

	var errs []error
	remaining := 0
	for _, entry := range entries {
		if MatchesExtension(entry.Name(), keep) {
			remaining++
			continue
		}
		if err := os.RemoveAll(filepath.Join(w.dir, entry.Name())); err != nil {
			errs = append(errs, err)
			remaining++
		}
	}
	if remaining == 0 {
		if err := os.Remove(w.dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		} else {
			w.dir = ""
			w.manifest = nil
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("dispose workspace: %w", errors.Join(errs...))
	}
	return nil
}

// MatchesExtension reports whether name ends in one of exts, ignoring case.
func MatchesExtension(name string, exts []string) bool {
	lower := strings.ToLower(name)
	for _, ext := range exts {
		if ext != "" && strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

func (w *Workspace) record(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, existing := range w.manifest {
		if existing == name {
			return
		}
	}
	w.manifest = append(w.manifest, name)
}

func move(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("cannot move directory %q across filesystems", src)
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	// #nosec G304 -- src is a caller-provided input document.
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm()|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func sanitize(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "run"
	}
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
