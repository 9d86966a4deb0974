// Package logging writes calrun's JSON log files and adapts run events to log records.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultKeep is how many log files survive pruning.
const DefaultKeep = 20

const filePrefix = "calrun-"

// Option configures New.
type Option func(*settings)

type settings struct {
	runID string
	level string
	dir   string
	keep  int
	now   func() time.Time
}

// WithRunID tags every record with run_id and puts the ID in the file name.
func WithRunID(runID string) Option {
	return func(s *settings) { s.runID = strings.TrimSpace(runID) }
}

// WithLevel sets the minimum level ("debug", "info", "warn", "error").
func WithLevel(level string) Option {
	return func(s *settings) { s.level = strings.TrimSpace(level) }
}

// WithDir overrides the log directory (default ~/.calrun/logs).
func WithDir(dir string) Option {
	return func(s *settings) { s.dir = strings.TrimSpace(dir) }
}

// WithKeep bounds how many calrun log files are kept in the directory.
// Older ones are removed when a new file is opened.
func WithKeep(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.keep = n
		}
	}
}

// File is a logger backed by one JSON log file. Nothing goes to the terminal.
type File struct {
	*log.Logger
	file *os.File
	path string
}

// New opens a fresh log file and prunes old ones.
func New(_ context.Context, options ...Option) (*File, error) {
	s := settings{keep: DefaultKeep, now: time.Now}
	for _, option := range options {
		if option != nil {
			option(&s)
		}
	}

	level := log.InfoLevel
	if s.level != "" {
		parsed, err := log.ParseLevel(strings.ToLower(s.level))
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", s.level, err)
		}
		level = parsed
	}

	dir := s.dir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".calrun", "logs")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	name := filePrefix + s.now().UTC().Format("20060102-150405")
	if s.runID != "" {
		name += "-" + s.runID
	}
	path := filepath.Join(dir, name+".log")
	// #nosec G304 -- path is built from the log directory and a timestamp.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := log.NewWithOptions(file, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       log.JSONFormatter,
	})
	if s.runID != "" {
		logger = logger.With("run_id", s.runID)
	}

	removed := prune(dir, path, s.keep)
	logger.Info("logger initialized", "log_file", path, "pruned", removed)
	return &File{Logger: logger, file: file, path: path}, nil
}

// Close closes the log file.
func (f *File) Close() error {
	if f == nil || f.file == nil {
		return nil
	}
	return f.file.Close()
}

// Path returns the log file path.
func (f *File) Path() string {
	if f == nil {
		return ""
	}
	return f.path
}

// Discard returns a logger that drops every record. Components use it when no logger is injected.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}

// OrDiscard returns logger, or a discarding logger when it is nil.
func OrDiscard(logger *log.Logger) *log.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}

// prune removes the oldest calrun log files beyond keep, never current.
// Failures are ignored; a leftover log file is harmless.
func prune(dir, current string, keep int) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	type candidate struct {
		path string
		mod  time.Time
	}
	var files []candidate
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		path := filepath.Join(dir, name)
		if path == current {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{path: path, mod: info.ModTime()})
	}
	// current counts toward keep.
	if len(files) < keep {
		return 0
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })
	removed := 0
	for _, f := range files[keep-1:] {
		if os.Remove(f.path) == nil {
			removed++
		}
	}
	return removed
}
