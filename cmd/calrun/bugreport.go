package main

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/colorkit/calrun/internal/config"
	"github.com/colorkit/calrun/internal/tracing"
)

const bugreportLogLimit = 3

const redacted = `"***REDACTED***"`

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
)

func newBugreportCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect logs, redacted config and a tool survey into a tarball",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			effective := config.Default()
			if cfg != nil {
				effective = *cfg
			}
			logger.Info("collecting diagnostic bundle")
			return runBugReport(cmd.Context(), cmd.OutOrStdout(), effective)
		},
	}
}

func runBugReport(ctx context.Context, out io.Writer, cfg config.Config) (err error) {
	home, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	if home = filepath.Clean(home); home == "." || strings.TrimSpace(home) == "" {
		return fmt.Errorf("home directory %q is not usable", home)
	}
	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}

	now := bugreportNowFn()
	target := filepath.Join(filepath.Clean(cwd), "calrun-bugreport-"+now.Format("20060102-150405")+".tar.gz")
	// #nosec G304 -- target is a generated name in the working directory.
	file, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", target, err)
	}
	b := &bundle{gz: gzip.NewWriter(file), modTime: now}
	b.tw = tar.NewWriter(b.gz)
	defer func() {
		for _, c := range []io.Closer{b.tw, b.gz, file} {
			if closeErr := c.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("finish archive %s: %w", target, closeErr)
			}
		}
		if err != nil {
			_ = os.Remove(target)
		}
	}()

	logs := b.addLogs(filepath.Join(home, ".calrun", "logs"))
	runID, traceID := extractLastCorrelation(logs)
	if runID == "" && traceID == "" {
		b.note("no run_id/trace_id found in copied logs")
	}

	b.addText("version.txt", "calrun version: "+strings.TrimSpace(Version)+"\n")
	b.addText("last-run.txt", fmt.Sprintf("run_id: %s\ntrace_id: %s\n", runID, traceID))
	b.addConfig("config.home.toml", filepath.Join(home, ".calrun", "config.toml"))
	b.addConfig("config.project.toml", filepath.Join(cwd, ".calrun", "config.toml"))
	b.addText("config.effective.txt", effectiveConfigText(cfg))
	b.addText("workspaces.txt", workspaceListing(cfg.WorkspaceRoot))
	b.addText("tools.txt", surveyText(ctx, cfg.ToolDir))
	b.addText("README.txt", b.readme(now, runID, traceID))
	if b.err != nil {
		return b.err
	}

	if _, err := fmt.Fprintf(out, "Bug report written to: %s\n", target); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

// bundle streams entries into a gzipped tarball. The first write error
// sticks and later adds become no-ops.
type bundle struct {
	gz      *gzip.Writer
	tw      *tar.Writer
	modTime time.Time
	notes   []string
	err     error
}

func (b *bundle) note(format string, args ...any) {
	b.notes = append(b.notes, fmt.Sprintf(format, args...))
}

func (b *bundle) add(name string, data []byte) {
	if b.err != nil {
		return
	}
	header := &tar.Header{
		Name:    name,
		Mode:    0o600,
		Size:    int64(len(data)),
		ModTime: b.modTime,
		Format:  tar.FormatPAX,
	}
	if err := b.tw.WriteHeader(header); err != nil {
		b.err = fmt.Errorf("write header for %s: %w", name, err)
		return
	}
	if _, err := b.tw.Write(data); err != nil {
		b.err = fmt.Errorf("write %s: %w", name, err)
	}
}

func (b *bundle) addText(name, text string) {
	b.add(name, []byte(text))
}

// addLogs copies the newest log files and returns the source paths it copied.
func (b *bundle) addLogs(dir string) []string {
	files, err := newestFiles(dir, bugreportLogLimit)
	if err != nil {
		b.note("unable to read logs directory: %v", err)
		return nil
	}
	copied := make([]string, 0, len(files))
	for _, f := range files {
		// #nosec G304 -- f.path comes from listing the calrun log directory.
		data, err := os.ReadFile(f.path)
		if err != nil {
			b.note("unable to read log %s: %v", f.path, err)
			continue
		}
		b.add("logs/"+filepath.Base(f.path), data)
		copied = append(copied, f.path)
	}
	return copied
}

func (b *bundle) addConfig(name, source string) {
	// #nosec G304 -- source is one of the two fixed config locations.
	data, err := os.ReadFile(source)
	if err != nil {
		b.note("unable to read config %s: %v", source, err)
		data = []byte("# config unavailable\n")
	}
	b.addText(name, redactSensitiveConfig(string(data)))
}

func (b *bundle) readme(generated time.Time, runID, traceID string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "calrun bug report\n\nGenerated: %s\nVersion: %s\nrun_id: %s\ntrace_id: %s\n\n",
		generated.Format(time.RFC3339), Version, runID, traceID)
	fmt.Fprintf(&sb, "Contents:\n- logs/ (newest %d log files)\n", bugreportLogLimit)
	sb.WriteString("- config.home.toml, config.project.toml (secrets redacted)\n")
	sb.WriteString("- config.effective.txt (settings after defaults and overlays)\n")
	sb.WriteString("- workspaces.txt (run workspaces left on disk)\n")
	sb.WriteString("- tools.txt, version.txt, last-run.txt\n")
	if len(b.notes) > 0 {
		sb.WriteString("\nWarnings:\n")
		for _, n := range b.notes {
			sb.WriteString("- " + n + "\n")
		}
	}
	return sb.String()
}

// extractLastCorrelation returns the IDs from the latest log record that
// carries either one. logPaths are ordered newest first.
func extractLastCorrelation(logPaths []string) (runID, traceID string) {
	type correlation struct {
		RunID   string `json:"run_id"`
		TraceID string `json:"trace_id"`
	}
	for _, path := range logPaths {
		// #nosec G304 -- path was selected from the calrun log directory.
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var last correlation
		scanner := bufio.NewScanner(bytes.NewReader(data))
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var rec correlation
			if json.Unmarshal(scanner.Bytes(), &rec) != nil {
				continue
			}
			if rec.RunID != "" || rec.TraceID != "" {
				last = rec
			}
		}
		if last.RunID != "" || last.TraceID != "" {
			return strings.TrimSpace(last.RunID), strings.TrimSpace(last.TraceID)
		}
	}
	return "", ""
}

// redactSensitiveConfig masks TOML values whose key looks secret. The OTLP
// endpoint is masked too since its URL may embed credentials.
func redactSensitiveConfig(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || trimmed[0] == '#' || trimmed[0] == '[' {
			continue
		}
		key, _, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		name := strings.ToLower(strings.Trim(strings.TrimSpace(key), `"`))
		if name == "endpoint" || tracing.SensitiveKey(name) {
			lines[i] = key + "= " + redacted
		}
	}
	return strings.Join(lines, "\n")
}

func effectiveConfigText(cfg config.Config) string {
	endpoint := "unset"
	if strings.TrimSpace(cfg.OTELEndpoint) != "" {
		endpoint = "set"
	}
	rows := [][2]string{
		{"tool_dir", cfg.ToolDir},
		{"reference_dir", cfg.ReferenceDir},
		{"workspace_root", cfg.WorkspaceRoot},
		{"log_level", cfg.LogLevel},
		{"output_encoding", cfg.OutputEncoding},
		{"start_timeout", cfg.StartTimeout.String()},
		{"interrupt_grace", cfg.InterruptGrace.String()},
		{"terminate_grace", cfg.TerminateGrace.String()},
		{"callback_warn_after", cfg.CallbackWarnAfter.String()},
		{"sudo_preserve_env", fmt.Sprint(cfg.SudoPreserveEnv)},
		{"credential_freshness", cfg.CredentialFreshness.String()},
		{"otel.endpoint", endpoint},
		{"options.quality", cfg.Options.Quality},
		{"options.profile_type", cfg.Options.ProfileType},
		{"options.install_scope", cfg.Options.InstallScope},
	}
	var sb strings.Builder
	for _, row := range rows {
		fmt.Fprintf(&sb, "%s = %s\n", row[0], row[1])
	}
	return sb.String()
}

func workspaceListing(root string) string {
	if strings.TrimSpace(root) == "" {
		return "workspace root not configured\n"
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Sprintf("%s: %v\n", root, err)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n", root)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		modified := "?"
		if info, err := entry.Info(); err == nil {
			modified = info.ModTime().UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(&sb, "  %s  %s\n", entry.Name(), modified)
	}
	if len(entries) == 0 {
		sb.WriteString("  (empty)\n")
	}
	return sb.String()
}

type datedFile struct {
	path    string
	modTime time.Time
}

// newestFiles lists the regular files in dir, newest first, at most limit.
func newestFiles(dir string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []datedFile
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if info, err := entry.Info(); err == nil {
			files = append(files, datedFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}
