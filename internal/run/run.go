package run

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/colorkit/calrun/internal/config"
	"github.com/colorkit/calrun/internal/runerr"
	"github.com/colorkit/calrun/internal/state"
)

// Mode selects which tool a run drives and how.
type Mode string

const (
	ModeCalibrate      Mode = "calibrate"
	ModeVerify         Mode = "verify"
	ModeReadPatches    Mode = "read"
	ModeBuildProfile   Mode = "profile"
	ModeGenerateChart  Mode = "chart"
	ModeInstallProfile Mode = "install"
)

const (
	// ExitCodeNotStarted is reported when no subprocess was ever spawned.
	ExitCodeNotStarted = -1
	// ExitCodeCancelled is reported instead of a process exit status for cancelled runs.
	ExitCodeCancelled = -2
)

// Interactive reports whether the mode needs a live session rather than a one-shot run.
func (m Mode) Interactive() bool {
	switch m {
	case ModeCalibrate, ModeVerify, ModeReadPatches:
		return true
	default:
		return false
	}
}

// ParseMode converts user input into a Mode.
func ParseMode(value string) (Mode, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(value)))
	switch mode {
	case ModeCalibrate, ModeVerify, ModeReadPatches, ModeBuildProfile, ModeGenerateChart, ModeInstallProfile:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown run mode %q", value)
	}
}

// Request describes one orchestration run. It is passed by value and never mutated.
type Request struct {
	Mode           Mode
	Options        config.Options
	Display        int
	Instrument     int
	InstrumentName string
	Name           string
	Source         string
	Destination    string
}

// Validate checks the request once, before any command is built.
func (r Request) Validate() error {
	if _, err := ParseMode(string(r.Mode)); err != nil {
		return &runerr.ConfigurationError{Reason: "invalid run mode", Err: err}
	}
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return &runerr.ConfigurationError{Reason: "artifact name is required"}
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return &runerr.ConfigurationError{Reason: "artifact name must not contain path separators", Path: name}
	}
	if strings.TrimSpace(r.Destination) == "" {
		return &runerr.ConfigurationError{Reason: "destination directory is required"}
	}
	if r.Display < 0 || r.Instrument < 0 {
		return &runerr.ConfigurationError{Reason: "display and instrument numbers must not be negative"}
	}
	if err := r.Options.Validate(); err != nil {
		return &runerr.ConfigurationError{Reason: "invalid options", Err: err}
	}
	return nil
}

// SourceDir returns the directory holding input documents, defaulting to Destination.
func (r Request) SourceDir() string {
	if strings.TrimSpace(r.Source) != "" {
		return filepath.Clean(r.Source)
	}
	return filepath.Clean(r.Destination)
}

// InputPath returns the path of <Name><ext> in the source directory.
func (r Request) InputPath(ext string) string {
	return filepath.Join(r.SourceDir(), r.Name+ext)
}

// ProgressEvent is a normalized progress update. Percentage is nil when progress is indeterminate.
type ProgressEvent struct {
	Percentage *float64
	Current    int
	Total      int
	Message    string
}

// Indeterminate reports whether the event carries no numeric progress.
func (e ProgressEvent) Indeterminate() bool {
	return e.Percentage == nil
}

// PromptKind tells the caller what kind of answer a prompt expects.
type PromptKind string

const (
	PromptInstrumentAction PromptKind = "instrument_action"
	PromptCredential       PromptKind = "credential"
)

const (
	ResponseContinue = "continue"
	ResponseCancel   = "cancel"
)

// PromptRequest asks the caller for a human decision.
type PromptRequest struct {
	ID             string
	Kind           PromptKind
	Message        string
	ValidResponses []string
}

// PromptResponse answers a PromptRequest. Secret is only set for credential prompts.
type PromptResponse struct {
	ID       string
	Response string
	Secret   []byte
}

// ValidateResponse checks a response against the request it answers.
func ValidateResponse(request PromptRequest, response PromptResponse) error {
	if strings.TrimSpace(response.ID) == "" {
		return fmt.Errorf("prompt id is required")
	}
	if response.ID != request.ID {
		return fmt.Errorf("response prompt id %q does not match %q", response.ID, request.ID)
	}
	if request.Kind == PromptCredential && response.Response != ResponseCancel {
		return nil
	}
	for _, valid := range request.ValidResponses {
		if valid == response.Response {
			return nil
		}
	}
	return fmt.Errorf("response %q is not one of %s", response.Response, strings.Join(request.ValidResponses, ", "))
}

// Result is the terminal outcome of a run.
type Result struct {
	RunID     string
	Mode      Mode
	State     state.State
	ExitCode  int
	Artifacts []string
	Retries   int
	Tail      []string
	Err       error
	// Gamut is set for profile builds whose gamut could be measured.
	Gamut *Gamut
}

// Gamut describes the colorspace a built profile covers.
type Gamut struct {
	// Volume is relative to the sRGB gamut volume.
	Volume float64 `yaml:"volume"`
	// Coverage is the covered fraction of each reference colorspace, by key.
	Coverage map[string]float64 `yaml:"coverage,omitempty"`
}

// Cancelled reports whether the run ended by user request.
func (r Result) Cancelled() bool {
	return r.State == state.Cancelled
}
