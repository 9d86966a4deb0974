package command

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/colorkit/calrun/internal/config"
	"github.com/colorkit/calrun/internal/document"
	"github.com/colorkit/calrun/internal/run"
	"github.com/colorkit/calrun/internal/runerr"
)

// Finder resolves a tool name to an executable path.
type Finder interface {
	Find(name string) (string, error)
}

// reusedDispcalFlags are carried from an existing calibration into verification.
var reusedDispcalFlags = []string{"-q", "-y", "-w", "-t", "-b", "-g", "-G", "-f", "-a", "-k", "-B"}

// Option customizes a Builder.
type Option func(*Builder)

// WithGOOS overrides the platform used for platform-specific environment.
func WithGOOS(goos string) Option {
	return func(b *Builder) {
		b.goos = goos
	}
}

// Builder turns run requests into command specs. It never spawns processes
// or writes files.
type Builder struct {
	finder Finder
	reader document.Reader
	goos   string
}

// NewBuilder returns a Builder resolving executables through finder.
func NewBuilder(finder Finder, reader document.Reader, opts ...Option) *Builder {
	if reader == nil {
		reader = document.FileReader{}
	}
	b := &Builder{finder: finder, reader: reader, goos: runtime.GOOS}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ToolFor returns the tool a mode drives.
func ToolFor(mode run.Mode) string {
	switch mode {
	case run.ModeCalibrate, run.ModeVerify:
		return "dispcal"
	case run.ModeReadPatches:
		return "dispread"
	case run.ModeBuildProfile:
		return "colprof"
	case run.ModeGenerateChart:
		return "targen"
	case run.ModeInstallProfile:
		return "dispwin"
	default:
		return ""
	}
}

// Build resolves req into a Spec. All errors are *runerr.ConfigurationError.
func (b *Builder) Build(req run.Request) (Spec, error) {
	if err := req.Validate(); err != nil {
		return Spec{}, err
	}
	if b.finder == nil {
		return Spec{}, &runerr.ConfigurationError{Reason: "no tool locator configured"}
	}

	tool := ToolFor(req.Mode)
	path, err := b.finder.Find(tool)
	if err != nil {
		var cfgErr *runerr.ConfigurationError
		if errors.As(err, &cfgErr) {
			return Spec{}, err
		}
		return Spec{}, &runerr.ConfigurationError{Path: tool, Reason: "locate executable", Err: err}
	}

	spec := Spec{
		Tool:        tool,
		Path:        path,
		Interactive: req.Mode.Interactive(),
	}
	opts := req.Options

	var derived []group
	var positional []string
	switch req.Mode {
	case run.ModeCalibrate:
		derived = append(derived, group{"-v2"})
		measure, err := b.measurementFlags(req, &spec)
		if err != nil {
			return Spec{}, err
		}
		derived = append(derived, measure...)
		derived = append(derived, calibrationFlags(opts, true)...)
		positional = []string{req.Name}
		spec.Outputs = []string{".cal"}
	case run.ModeVerify:
		cal := req.InputPath(".cal")
		if err := requireFile("calibration", cal); err != nil {
			return Spec{}, err
		}
		spec.Stage = append(spec.Stage, cal)
		derived = append(derived, group{"-v2"})
		measure, err := b.measurementFlags(req, &spec)
		if err != nil {
			return Spec{}, err
		}
		derived = append(derived, measure...)
		derived = append(derived, calibrationFlags(opts, false)...)
		previous, err := b.previousDispcalFlags(cal, &spec)
		if err != nil {
			return Spec{}, err
		}
		var dropped []string
		derived, dropped = overlay(derived, previous)
		spec.Used.Suppressed = append(spec.Used.Suppressed, dropped...)
		derived = append(derived, group{"-E"})
	case run.ModeReadPatches:
		ti1 := req.InputPath(".ti1")
		if err := requireFile("test chart", ti1); err != nil {
			return Spec{}, err
		}
		spec.Stage = append(spec.Stage, ti1)
		derived = append(derived, group{"-v"})
		measure, err := b.measurementFlags(req, &spec)
		if err != nil {
			return Spec{}, err
		}
		derived = append(derived, measure...)
		if cal := req.InputPath(".cal"); fileExists(cal) {
			spec.Stage = append(spec.Stage, cal)
			derived = append(derived, group{"-k", req.Name + ".cal"})
		}
		positional = []string{req.Name}
		spec.Outputs = []string{".ti3"}
	case run.ModeBuildProfile:
		ti3 := req.InputPath(".ti3")
		if err := requireFile("measurement data", ti3); err != nil {
			return Spec{}, err
		}
		spec.Stage = append(spec.Stage, ti3)
		derived = append(derived, profileFlags(opts)...)
		positional = []string{req.Name}
		spec.Outputs = []string{".icc"}
	case run.ModeGenerateChart:
		derived = append(derived, chartFlags(opts)...)
		positional = []string{req.Name}
		spec.Outputs = []string{".ti1"}
	case run.ModeInstallProfile:
		icc := req.InputPath(".icc")
		if err := requireFile("profile", icc); err != nil {
			return Spec{}, err
		}
		spec.Stage = append(spec.Stage, icc)
		derived = append(derived, group{"-d" + strconv.Itoa(displayOrDefault(req.Display))}, group{"-I"})
		if scope := opts.InstallScope; scope != "" && scope != "u" {
			derived = append(derived, group{"-S" + scope})
			spec.Elevate = scope == "l" || scope == "n"
		}
		positional = []string{req.Name + ".icc"}
	}

	user := groupArgs(ParseArgumentString(opts.ExtraArgs[tool]))
	flags, dropped := overlay(derived, user)
	spec.Used.Suppressed = append(spec.Used.Suppressed, dropped...)
	spec.Used.Flags = flatten(flags)
	spec.Args = append(flatten(flags), positional...)
	spec.Env, spec.Unset = b.environment(spec.Interactive)
	return spec, nil
}

// measurementFlags are shared by every tool that drives the instrument.
func (b *Builder) measurementFlags(req run.Request, spec *Spec) ([]group, error) {
	opts := req.Options
	flags := []group{
		{"-d" + strconv.Itoa(displayOrDefault(req.Display))},
		{"-c" + strconv.Itoa(displayOrDefault(req.Instrument))},
	}
	if mode := strings.TrimSpace(opts.MeasurementMode); mode != "" {
		flags = append(flags, group{"-y" + mode[:1]})
	}
	if opts.Projector {
		flags = append(flags, group{"-p"})
	}
	if opts.AdaptiveMode {
		flags = append(flags, group{"-V"})
	}
	if opts.HighResolution {
		flags = append(flags, group{"-H"})
	}
	if drift := opts.DriftCompensation; drift != "" {
		flags = append(flags, group{"-I" + drift})
	}
	if ccmx := strings.TrimSpace(opts.CorrectionMatrix); ccmx != "" {
		g, err := b.correctionFlag(req, ccmx, spec)
		if err != nil {
			return nil, err
		}
		if g != nil {
			flags = append(flags, g)
		}
	}
	return flags, nil
}

// correctionFlag stages the correction file and returns -X with its base
// name, or nil when the file was made for a different instrument.
func (b *Builder) correctionFlag(req run.Request, ccmx string, spec *Spec) (group, error) {
	if err := requireFile("correction matrix", ccmx); err != nil {
		return nil, err
	}
	isSpectral := strings.EqualFold(filepath.Ext(ccmx), ".ccss")
	if name := strings.TrimSpace(req.InstrumentName); name != "" && !isSpectral {
		doc, err := b.reader.Open(ccmx)
		instrument := ""
		if err == nil {
			instrument, _ = doc.QueryField(document.InstrumentField)
		}
		if !instrumentMatches(name, instrument) {
			spec.Used.Notes = append(spec.Used.Notes,
				fmt.Sprintf("correction %s dropped: made for %q, not %q", filepath.Base(ccmx), instrument, name))
			return nil, nil
		}
	}
	spec.Stage = append(spec.Stage, ccmx)
	return group{"-X", filepath.Base(ccmx)}, nil
}

// previousDispcalFlags reads the flags an existing calibration was made with.
func (b *Builder) previousDispcalFlags(cal string, spec *Spec) ([]group, error) {
	doc, err := b.reader.Open(cal)
	if err != nil {
		spec.Used.Notes = append(spec.Used.Notes, "previous calibration arguments unavailable: "+err.Error())
		return nil, nil
	}
	value, ok := doc.QueryField(document.DispcalArgsField)
	if !ok {
		return nil, nil
	}
	return filterKeys(groupArgs(ParseArgumentString(value)), reusedDispcalFlags...), nil
}

func calibrationFlags(opts config.Options, calibrate bool) []group {
	var flags []group
	if calibrate && opts.Quality != "" {
		flags = append(flags, group{"-q" + opts.Quality})
	}
	if calibrate && opts.SkipAdjustment {
		flags = append(flags, group{"-m"})
	}
	switch kind, value, _ := config.ParseWhitepoint(opts.Whitepoint); kind {
	case config.WhitepointTemperature:
		flags = append(flags, group{"-t" + value})
	case config.WhitepointChromaticity:
		flags = append(flags, group{"-w" + value})
	}
	if opts.Luminance > 0 {
		flags = append(flags, group{"-b" + formatFloat(opts.Luminance)})
	}
	if opts.TRC != "" {
		trcType := opts.TRCType
		if trcType == "" {
			trcType = "g"
		}
		flags = append(flags, group{"-" + trcType + opts.TRC})
	}
	if opts.AmbientLux > 0 {
		flags = append(flags, group{"-a" + formatFloat(opts.AmbientLux)})
	}
	if opts.BlackLuminance > 0 {
		flags = append(flags, group{"-B" + formatFloat(opts.BlackLuminance)})
	}
	return flags
}

func profileFlags(opts config.Options) []group {
	flags := []group{{"-v"}}
	if opts.Quality != "" {
		flags = append(flags, group{"-q" + opts.Quality})
	}
	if opts.ProfileType != "" {
		flags = append(flags, group{"-a" + opts.ProfileType})
	}
	if c := strings.TrimSpace(opts.Copyright); c != "" {
		flags = append(flags, group{"-C", c})
	}
	if d := strings.TrimSpace(opts.Description); d != "" {
		flags = append(flags, group{"-D", d})
	}
	return flags
}

func chartFlags(opts config.Options) []group {
	return []group{
		{"-v"},
		{"-d3"},
		{"-e" + strconv.Itoa(opts.ChartWhite)},
		{"-s" + strconv.Itoa(opts.ChartSingle)},
		{"-g" + strconv.Itoa(opts.ChartGray)},
		{"-m" + strconv.Itoa(opts.ChartMultiSteps)},
		{"-f" + strconv.Itoa(opts.ChartPatches)},
	}
}

func (b *Builder) environment(interactive bool) ([]string, []string) {
	env := map[string]string{}
	var unset []string
	if interactive {
		unset = []string{NotInteractiveEnv}
	} else {
		env[NotInteractiveEnv] = "1"
	}
	if b.goos == "linux" {
		env["ENABLE_COLORHUG"] = "1"
	}
	return sortedEnv(env), unset
}

func instrumentMatches(want, documented string) bool {
	normalize := func(value string) string {
		value = strings.ToLower(strings.ReplaceAll(value, " ", ""))
		return strings.ReplaceAll(value, "eye-one", "i1")
	}
	documented = normalize(documented)
	return documented != "" && strings.Contains(documented, normalize(want))
}

func requireFile(kind, path string) error {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return runerr.Missing(kind, path)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func displayOrDefault(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
