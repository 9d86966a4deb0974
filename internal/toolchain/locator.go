package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/colorkit/calrun/internal/runerr"
)

// Known lists the measurement tools the orchestrator drives, in display order.
var Known = []string{"dispcal", "dispread", "colprof", "targen", "dispwin"}

// Optional lists analysis tools a run can do without. Profile builds use
// them for gamut figures when present.
var Optional = []string{"iccgamut", "viewgam"}

const defaultProbeTimeout = 10 * time.Second

var versionParts = regexp.MustCompile(`\d+`)

// Version is the version a tool prints on the first line of its usage text.
type Version struct {
	Raw     string
	Numbers []int
}

func (v Version) String() string {
	if v.Raw == "" {
		return "unknown"
	}
	return v.Raw
}

// AtLeast compares numerically against want, missing components count as zero.
func (v Version) AtLeast(want ...int) bool {
	for i, w := range want {
		got := 0
		if i < len(v.Numbers) {
			got = v.Numbers[i]
		}
		if got != w {
			return got > w
		}
	}
	return true
}

// ParseVersion extracts the version from tool output. Only the first
// non-empty line is considered, and only when it mentions "version".
func ParseVersion(output string) (Version, bool) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.Index(strings.ToLower(line), "version")
		if idx < 0 {
			return Version{}, false
		}
		raw := strings.TrimSpace(line[idx+len("version"):])
		if fields := strings.Fields(raw); len(fields) > 0 {
			raw = fields[0]
		}
		version := Version{Raw: raw}
		for _, part := range versionParts.FindAllString(raw, -1) {
			n, err := strconv.Atoi(part)
			if err != nil {
				break
			}
			version.Numbers = append(version.Numbers, n)
		}
		return version, raw != ""
	}
	return Version{}, false
}

// Tool is one row of a Survey.
type Tool struct {
	Name     string
	Path     string
	Version  Version
	Err      error
	Optional bool
}

// ProbeFunc runs a tool without arguments and returns its combined output.
type ProbeFunc func(ctx context.Context, path string) ([]byte, error)

// Option customizes a Locator.
type Option func(*Locator)

// WithLookPath replaces the PATH lookup.
func WithLookPath(lookPath func(string) (string, error)) Option {
	return func(l *Locator) {
		if lookPath != nil {
			l.lookPath = lookPath
		}
	}
}

// WithProbe replaces how a tool is executed for version detection.
func WithProbe(probe ProbeFunc) Option {
	return func(l *Locator) {
		if probe != nil {
			l.probe = probe
		}
	}
}

// Locator resolves tool executables. The configured directory is searched
// before PATH, and each tool may also be installed under an "argyll-" prefix.
// Versions are cached per Locator.
type Locator struct {
	dir      string
	lookPath func(string) (string, error)
	probe    ProbeFunc

	mu       sync.Mutex
	versions map[string]Version
}

// NewLocator builds a Locator searching dir first.
func NewLocator(dir string, opts ...Option) *Locator {
	l := &Locator{
		dir:      strings.TrimSpace(dir),
		lookPath: exec.LookPath,
		probe:    runProbe,
		versions: make(map[string]Version),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AltNames returns the file names a tool may be installed under.
func AltNames(name string) []string {
	return []string{name, "argyll-" + name}
}

// Find returns the executable path for name or a ConfigurationError.
func (l *Locator) Find(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", &runerr.ConfigurationError{Reason: "tool name is required"}
	}

	if l.dir != "" {
		for _, alt := range AltNames(name) {
			candidate := filepath.Join(l.dir, alt)
			if isExecutable(candidate) {
				return candidate, nil
			}
		}
	}
	for _, alt := range AltNames(name) {
		if path, err := l.lookPath(alt); err == nil {
			return path, nil
		}
	}

	where := "PATH"
	if l.dir != "" {
		where = l.dir + " or PATH"
	}
	return "", &runerr.ConfigurationError{
		Path:   name,
		Reason: "executable not found in " + where,
		Err:    exec.ErrNotFound,
	}
}

// Version probes and caches the version of name.
func (l *Locator) Version(ctx context.Context, name string) (Version, error) {
	l.mu.Lock()
	cached, ok := l.versions[name]
	l.mu.Unlock()
	if ok {
		return cached, nil
	}

	path, err := l.Find(name)
	if err != nil {
		return Version{}, err
	}
	output, err := l.probe(ctx, path)
	version, parsed := ParseVersion(string(output))
	if !parsed {
		if err != nil {
			return Version{}, fmt.Errorf("probe %s: %w", name, err)
		}
		return Version{}, fmt.Errorf("probe %s: no version in output", name)
	}

	l.mu.Lock()
	l.versions[name] = version
	l.mu.Unlock()
	return version, nil
}

// Survey resolves every known and optional tool and its version.
func (l *Locator) Survey(ctx context.Context) []Tool {
	tools := make([]Tool, 0, len(Known)+len(Optional))
	for i, name := range append(append([]string(nil), Known...), Optional...) {
		tool := Tool{Name: name, Optional: i >= len(Known)}
		tool.Path, tool.Err = l.Find(name)
		if tool.Err == nil {
			tool.Version, tool.Err = l.Version(ctx, name)
		}
		tools = append(tools, tool)
	}
	return tools
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}

func runProbe(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()

	// #nosec G204 -- path was resolved by Find.
	cmd := exec.CommandContext(ctx, path)
	output, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Tools print their usage and exit nonzero when run without arguments.
		return output, nil
	}
	return output, err
}
