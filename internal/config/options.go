package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Options is the typed, immutable snapshot of measurement and profiling settings.
// Zero values mean "let the tool decide".
type Options struct {
	Quality           string            `toml:"quality"`
	MeasurementMode   string            `toml:"measurement_mode"`
	Projector         bool              `toml:"projector"`
	AdaptiveMode      bool              `toml:"adaptive_mode"`
	HighResolution    bool              `toml:"high_resolution"`
	DriftCompensation string            `toml:"drift_compensation"`
	CorrectionMatrix  string            `toml:"correction_matrix"`
	Whitepoint        string            `toml:"whitepoint"`
	Luminance         float64           `toml:"luminance"`
	BlackLuminance    float64           `toml:"black_luminance"`
	TRC               string            `toml:"trc"`
	TRCType           string            `toml:"trc_type"`
	AmbientLux        float64           `toml:"ambient_lux"`
	SkipAdjustment    bool              `toml:"skip_adjustment"`
	ProfileType       string            `toml:"profile_type"`
	Copyright         string            `toml:"copyright"`
	Description       string            `toml:"description"`
	ChartWhite        int               `toml:"chart_white_patches"`
	ChartSingle       int               `toml:"chart_single_channel_patches"`
	ChartGray         int               `toml:"chart_gray_patches"`
	ChartMultiSteps   int               `toml:"chart_multi_steps"`
	ChartPatches      int               `toml:"chart_patches"`
	InstallScope      string            `toml:"install_scope"`
	ExtraArgs         map[string]string `toml:"extra_args"`
}

// DefaultOptions returns the options used when no config file overrides them.
func DefaultOptions() Options {
	return Options{
		Quality:        defaultQuality,
		SkipAdjustment: true,
		ProfileType:    defaultProfileType,
		ChartWhite:     4,
		ChartPatches:   defaultChartPatches,
		InstallScope:   defaultInstallScope,
		ExtraArgs:      map[string]string{},
	}
}

// Validate checks option values once so command construction can trust them.
func (o Options) Validate() error {
	var errs []error
	if !oneOf(o.Quality, "", "v", "l", "m", "h", "u") {
		errs = append(errs, fmt.Errorf("quality %q must be one of v, l, m, h, u", o.Quality))
	}
	if !oneOf(o.DriftCompensation, "", "b", "w", "bw", "wb") {
		errs = append(errs, fmt.Errorf("drift_compensation %q must be b, w or bw", o.DriftCompensation))
	}
	if !oneOf(o.TRCType, "", "g", "G") {
		errs = append(errs, fmt.Errorf("trc_type %q must be g or G", o.TRCType))
	}
	if !oneOf(o.ProfileType, "", "l", "x", "X", "g", "G", "s", "S") {
		errs = append(errs, fmt.Errorf("profile_type %q is not a known profile type", o.ProfileType))
	}
	if !oneOf(o.InstallScope, "", "u", "l", "n", "p") {
		errs = append(errs, fmt.Errorf("install_scope %q must be one of u, l, n, p", o.InstallScope))
	}
	if o.Whitepoint != "" {
		if _, _, err := ParseWhitepoint(o.Whitepoint); err != nil {
			errs = append(errs, err)
		}
	}
	if o.Luminance < 0 || o.BlackLuminance < 0 || o.AmbientLux < 0 {
		errs = append(errs, errors.New("luminance values must not be negative"))
	}
	for name, value := range map[string]int{
		"chart_white_patches":          o.ChartWhite,
		"chart_single_channel_patches": o.ChartSingle,
		"chart_gray_patches":           o.ChartGray,
		"chart_multi_steps":            o.ChartMultiSteps,
		"chart_patches":                o.ChartPatches,
	} {
		if value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy so callers cannot mutate a snapshot through shared maps.
func (o Options) Clone() Options {
	out := o
	out.ExtraArgs = make(map[string]string, len(o.ExtraArgs))
	for key, value := range o.ExtraArgs {
		out.ExtraArgs[key] = value
	}
	return out
}

// WhitepointKind tells the command builder which dispcal flag a whitepoint needs.
type WhitepointKind int

const (
	// WhitepointNative keeps the display's native white.
	WhitepointNative WhitepointKind = iota
	// WhitepointTemperature targets a correlated color temperature in kelvin.
	WhitepointTemperature
	// WhitepointChromaticity targets an x,y chromaticity.
	WhitepointChromaticity
)

// ParseWhitepoint classifies a whitepoint setting ("", "6500" or "0.3127,0.3290").
func ParseWhitepoint(value string) (WhitepointKind, string, error) {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, "native") {
		return WhitepointNative, "", nil
	}
	if x, y, ok := strings.Cut(value, ","); ok {
		for _, part := range []string{x, y} {
			if _, err := strconv.ParseFloat(strings.TrimSpace(part), 64); err != nil {
				return WhitepointNative, "", fmt.Errorf("whitepoint %q: chromaticity must be x,y", value)
			}
		}
		return WhitepointChromaticity, strings.TrimSpace(x) + "," + strings.TrimSpace(y), nil
	}
	kelvin, err := strconv.ParseFloat(value, 64)
	if err != nil || kelvin < 1000 || kelvin > 15000 {
		return WhitepointNative, "", fmt.Errorf("whitepoint %q: temperature must be between 1000 and 15000", value)
	}
	return WhitepointTemperature, strconv.FormatFloat(kelvin, 'f', -1, 64), nil
}

func oneOf(value string, allowed ...string) bool {
	for _, candidate := range allowed {
		if value == candidate {
			return true
		}
	}
	return false
}
