// Package gamut measures the gamut of a built profile with iccgamut and
// compares it against reference colorspaces with viewgam.
package gamut

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/colorkit/calrun/internal/command"
	"github.com/colorkit/calrun/internal/logging"
	"github.com/colorkit/calrun/internal/run"
	"github.com/colorkit/calrun/internal/runerr"
	"github.com/colorkit/calrun/internal/runner"
)

// SRGBVolume is the volume of the sRGB gamut in cubic L*a*b* units.
const SRGBVolume = 833675.435316

const (
	iccgamutTool = "iccgamut"
	viewgamTool  = "viewgam"

	// derivedPrefix names reference gamuts computed inside the work directory.
	derivedPrefix = "ref-"
)

// Extensions are the compressed files Calculate leaves behind.
var Extensions = []string{".gam.gz", ".wrz"}

// Reference is a colorspace the profile gamut is compared against. Name is
// the base name of its .gam, .icm or .icc file in a reference directory.
type Reference struct {
	Key  string
	Name string
}

// DefaultReferences are sRGB and Adobe RGB (1998).
var DefaultReferences = []Reference{
	{Key: "srgb", Name: "sRGB"},
	{Key: "adobe-rgb", Name: "ClayRGB1998"},
}

// DefaultReferenceDirs are searched after any configured directory.
var DefaultReferenceDirs = []string{
	"/usr/share/color/argyll/ref",
	"/usr/share/argyllcms/ref",
	"/usr/local/share/argyllcms/ref",
}

var volumePattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s+cubic\s+colorspace\s+units`)

// Runner runs one-shot tools.
type Runner interface {
	Run(ctx context.Context, spec command.Spec, capture bool) (runner.Result, error)
}

// Option customizes a Calculator.
type Option func(*Calculator)

// WithReferenceDir searches dir for reference gamuts before the defaults.
func WithReferenceDir(dir string) Option {
	return func(c *Calculator) {
		if dir = strings.TrimSpace(dir); dir != "" {
			c.refDirs = append([]string{dir}, c.refDirs...)
		}
	}
}

// WithReferenceDirs replaces the reference search path.
func WithReferenceDirs(dirs ...string) Option {
	return func(c *Calculator) {
		c.refDirs = append([]string(nil), dirs...)
	}
}

// WithReferences replaces the reference colorspaces.
func WithReferences(refs ...Reference) Option {
	return func(c *Calculator) {
		c.refs = append([]Reference(nil), refs...)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Calculator) {
		c.logger = logging.OrDiscard(logger)
	}
}

// Calculator computes gamut volume and coverage for profiles.
type Calculator struct {
	runner  Runner
	finder  command.Finder
	refDirs []string
	refs    []Reference
	logger  *log.Logger
}

// New builds a Calculator running tools through r and resolving them with finder.
func New(r Runner, finder command.Finder, opts ...Option) *Calculator {
	c := &Calculator{
		runner:  r,
		finder:  finder,
		refDirs: append([]string(nil), DefaultReferenceDirs...),
		refs:    append([]Reference(nil), DefaultReferences...),
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Report is what Calculate found. Files are the compressed artifacts, by
// name, inside the work directory.
type Report struct {
	Gamut run.Gamut
	Files []string
}

// Calculate measures name.icc in dir. A missing viewgam or reference only
// drops the matching coverage figure. Errors from iccgamut, and every
// cancellation, are returned.
func (c *Calculator) Calculate(ctx context.Context, dir, name string) (Report, error) {
	iccgamut, err := c.finder.Find(iccgamutTool)
	if err != nil {
		return Report{}, err
	}
	result, err := c.runner.Run(ctx, command.Spec{
		Tool:    iccgamutTool,
		Path:    iccgamut,
		Args:    []string{"-v", "-w", "-ir", name + ".icc"},
		WorkDir: dir,
	}, true)
	if err != nil {
		return Report{}, err
	}

	report := Report{Gamut: run.Gamut{Coverage: map[string]float64{}}}
	if volume, ok := ParseVolume(result.Stdout); ok {
		report.Gamut.Volume = volume / SRGBVolume
	}
	scratch := []string{name + ".gam", name + ".wrl"}

	viewgam, err := c.finder.Find(viewgamTool)
	if err != nil {
		c.logger.Warn("gamut coverage skipped", "error", err)
	} else {
		for _, ref := range c.refs {
			view, coverage, ok, err := c.compare(ctx, iccgamut, viewgam, dir, name, ref)
			if runerr.IsCancelled(err) {
				return Report{}, err
			}
			if err != nil {
				c.logger.Warn("gamut comparison failed", "reference", ref.Name, "error", err)
				continue
			}
			if view != "" {
				scratch = append(scratch, view)
			}
			if ok {
				report.Gamut.Coverage[ref.Key] = coverage
			}
		}
	}

	for _, file := range scratch {
		compressed, err := compress(dir, file)
		if err != nil {
			return Report{}, err
		}
		if compressed != "" {
			report.Files = append(report.Files, compressed)
		}
	}
	return report, nil
}

// compare intersects name.gam with ref and returns the view it wrote and
// the covered fraction. A reference that cannot be found is skipped.
func (c *Calculator) compare(ctx context.Context, iccgamut, viewgam, dir, name string, ref Reference) (string, float64, bool, error) {
	refGam, err := c.referenceGamut(ctx, iccgamut, dir, ref)
	if err != nil || refGam == "" {
		return "", 0, false, err
	}
	view := fmt.Sprintf("%s vs %s.wrl", name, ref.Name)
	result, err := c.runner.Run(ctx, command.Spec{
		Tool: viewgamTool,
		Path: viewgam,
		Args: []string{
			"-cw", "-t.75", "-s", refGam,
			"-cn", "-t.25", "-s", name + ".gam",
			"-i", view,
		},
		WorkDir: dir,
	}, true)
	if err != nil {
		return "", 0, false, err
	}
	percent, ok := ParseCoverage(result.Stdout, filepath.Base(refGam))
	return view, percent / 100, ok, nil
}

// referenceGamut returns the path of ref's .gam. A reference shipped only
// as a profile is copied into dir and run through iccgamut there.
func (c *Calculator) referenceGamut(ctx context.Context, iccgamut, dir string, ref Reference) (string, error) {
	for _, refDir := range c.refDirs {
		if gam := filepath.Join(refDir, ref.Name+".gam"); isFile(gam) {
			return gam, nil
		}
		for _, ext := range []string{".icm", ".icc"} {
			profile := filepath.Join(refDir, ref.Name+ext)
			if !isFile(profile) {
				continue
			}
			local := derivedPrefix + ref.Name + ext
			if err := copyFile(profile, filepath.Join(dir, local)); err != nil {
				return "", err
			}
			if _, err := c.runner.Run(ctx, command.Spec{
				Tool:    iccgamutTool,
				Path:    iccgamut,
				Args:    []string{"-ir", local},
				WorkDir: dir,
			}, false); err != nil {
				return "", err
			}
			_ = os.Remove(filepath.Join(dir, local))
			return filepath.Join(dir, derivedPrefix+ref.Name+".gam"), nil
		}
	}
	c.logger.Debug("reference gamut not found", "reference", ref.Name, "dirs", c.refDirs)
	return "", nil
}

// ParseVolume reads "Total volume of gamut is N cubic colorspace units".
func ParseVolume(lines []string) (float64, bool) {
	for _, line := range lines {
		if match := volumePattern.FindStringSubmatch(line); match != nil {
			value, err := strconv.ParseFloat(match[1], 64)
			return value, err == nil
		}
	}
	return 0, false
}

// ParseCoverage reads the intersect percentage viewgam reports for the
// gamut file named base, from a line like
// "'path/base' volume = 1234.5 cubic units, intersect = 97.12%".
func ParseCoverage(lines []string, base string) (float64, bool) {
	pattern := regexp.MustCompile(`(?:^|[\\/'])` + regexp.QuoteMeta(base) +
		`'\s+volume\s*=\s*\d+(?:\.\d+)?\s+cubic\s+units,?\s+intersect\s*=\s*(\d+(?:\.\d+)?)`)
	for _, line := range lines {
		if match := pattern.FindStringSubmatch(line); match != nil {
			value, err := strconv.ParseFloat(match[1], 64)
			return value, err == nil
		}
	}
	return 0, false
}

// compress gzips file in dir to file.gz, or to .wrz for VRML views, and
// removes the original. A missing file is not an error.
func compress(dir, file string) (string, error) {
	src := filepath.Join(dir, file)
	if !isFile(src) {
		return "", nil
	}
	target := file + ".gz"
	if strings.HasSuffix(file, ".wrl") {
		target = strings.TrimSuffix(file, ".wrl") + ".wrz"
	}

	in, err := os.Open(src) // #nosec G304 -- file lives in the run workspace.
	if err != nil {
		return "", fmt.Errorf("open %s: %w", file, err)
	}
	defer in.Close()
	out, err := os.OpenFile(filepath.Join(dir, target), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", target, err)
	}
	gz := gzip.NewWriter(out)
	gz.Name = file
	if _, err := io.Copy(gz, in); err != nil {
		_ = gz.Close()
		_ = out.Close()
		return "", fmt.Errorf("compress %s: %w", file, err)
	}
	if err := gz.Close(); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("compress %s: %w", file, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", target, err)
	}
	if err := os.Remove(src); err != nil {
		return "", fmt.Errorf("remove %s: %w", file, err)
	}
	return target, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src) // #nosec G304 -- reference directories come from config.
	if err != nil {
		return fmt.Errorf("read reference %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, 0o600); err != nil {
		return fmt.Errorf("stage reference %s: %w", filepath.Base(dst), err)
	}
	return nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
