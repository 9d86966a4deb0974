package runerr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCancelled marks a run that ended because the user asked it to stop.
// It is a terminal outcome, not a failure.
var ErrCancelled = errors.New("cancelled by user")

// ConfigurationError reports a request that cannot be turned into a valid command.
type ConfigurationError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "invalid configuration"
	}
	var b strings.Builder
	b.WriteString(reason)
	if e.Path != "" {
		fmt.Fprintf(&b, ": %s", e.Path)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Is enables errors.Is checks against an empty *ConfigurationError.
func (e *ConfigurationError) Is(target error) bool {
	_, ok := target.(*ConfigurationError)
	return ok
}

// TransientMeasurementError describes one instrument misread that was retried in place.
type TransientMeasurementError struct {
	Patch   int
	Count   int
	Message string
}

func (e *TransientMeasurementError) Error() string {
	return fmt.Sprintf("instrument misread on patch %d (retry %d): %s", e.Patch, e.Count, e.Message)
}

// Is enables errors.Is checks against an empty *TransientMeasurementError.
func (e *TransientMeasurementError) Is(target error) bool {
	_, ok := target.(*TransientMeasurementError)
	return ok
}

// FatalSubprocessError reports a subprocess failure that no retry rule recognized.
type FatalSubprocessError struct {
	Tool     string
	ExitCode int
	Reason   string
	Tail     []string
}

func (e *FatalSubprocessError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = fmt.Sprintf("exit status %d", e.ExitCode)
	}
	msg := fmt.Sprintf("%s failed: %s", e.Tool, reason)
	if last := lastLine(e.Tail); last != "" {
		msg += " (" + last + ")"
	}
	return msg
}

// Is enables errors.Is checks against an empty *FatalSubprocessError.
func (e *FatalSubprocessError) Is(target error) bool {
	_, ok := target.(*FatalSubprocessError)
	return ok
}

// PrivilegeError reports a denied or abandoned elevation attempt.
type PrivilegeError struct {
	Cancelled bool
	Err       error
}

func (e *PrivilegeError) Error() string {
	if e.Cancelled {
		return "privilege elevation cancelled"
	}
	if e.Err != nil {
		return fmt.Sprintf("privilege elevation failed: %v", e.Err)
	}
	return "privilege elevation failed"
}

func (e *PrivilegeError) Unwrap() error {
	if e.Cancelled && e.Err == nil {
		return ErrCancelled
	}
	return e.Err
}

// Is enables errors.Is checks against an empty *PrivilegeError.
func (e *PrivilegeError) Is(target error) bool {
	_, ok := target.(*PrivilegeError)
	return ok
}

// IsCancelled reports whether err represents a user cancellation anywhere in its chain.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// Missing builds the ConfigurationError returned for an absent input document.
func Missing(kind, path string) *ConfigurationError {
	return &ConfigurationError{
		Path:   path,
		Reason: fmt.Sprintf("%s missing", strings.TrimSpace(kind)),
	}
}

func lastLine(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
