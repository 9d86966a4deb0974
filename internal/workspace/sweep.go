package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// AliveFunc reports whether a process id still exists.
type AliveFunc func(pid int) (bool, error)

// Sweep removes workspaces left behind by processes that no longer exist,
// for example after a crash or SIGKILL skipped the finalizer. Workspaces of
// the current process and of live processes are left alone.
func Sweep(root string, alive AliveFunc) ([]string, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = os.TempDir()
	}
	if alive == nil {
		return nil, errors.New("alive check must not be nil")
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list workspace root %q: %w", root, err)
	}

	self := os.Getpid()
	var removed []string
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, ok := ownerPID(entry.Name())
		if !ok || pid == self {
			continue
		}
		running, err := alive(pid)
		if err != nil {
			errs = append(errs, fmt.Errorf("check owner of %s: %w", entry.Name(), err))
			continue
		}
		if running {
			continue
		}
		path := filepath.Join(root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("remove stale workspace %s: %w", path, err))
			continue
		}
		removed = append(removed, path)
	}
	return removed, errors.Join(errs...)
}

func ownerPID(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, dirPrefix)
	if !ok {
		return 0, false
	}
	pidText, _, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, false
	}
	pid, err := strconv.Atoi(pidText)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
