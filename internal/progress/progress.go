package progress

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/colorkit/calrun/internal/run"
)

var (
	percentPattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)%`)
	patchPattern   = regexp.MustCompile(`(?i)^\s*Patch (\d+) of (\d+)`)
	addedPattern   = regexp.MustCompile(`(?i)^\s*Added (\d+)/(\d+)`)
)

// setupMessages are replaced by the numeric progress once measuring starts.
var setupMessages = []string{
	"Setting up the instrument",
	"Commencing device calibration",
	"Calibration complete",
}

// InitializingMessage is shown while the instrument is being set up.
const InitializingMessage = "Initializing instrument"

// Parse classifies the latest message. recent is the surrounding context
// (the last few meaningful lines) and becomes part of the event message.
func Parse(recent, latest string) run.ProgressEvent {
	recent = strings.TrimSpace(recent)
	latest = strings.TrimSpace(latest)

	event := run.ProgressEvent{}
	switch {
	case percentPattern.MatchString(latest):
		value, err := strconv.ParseFloat(percentPattern.FindStringSubmatch(latest)[1], 64)
		if err == nil {
			event.Percentage = clamp(value)
		}
	case patchPattern.MatchString(latest):
		match := patchPattern.FindStringSubmatch(latest)
		event.Current, event.Total, event.Percentage = ratio(match[1], match[2])
	case addedPattern.MatchString(latest):
		match := addedPattern.FindStringSubmatch(latest)
		event.Current, event.Total, event.Percentage = ratio(match[1], match[2])
	}

	if event.Percentage != nil {
		if containsAny(recent, setupMessages) {
			recent = ""
		}
		event.Message = joinNonEmpty(recent, latest)
		return event
	}

	if strings.Contains(latest, "Setting up the instrument") {
		event.Message = InitializingMessage
		return event
	}
	event.Message = recent
	return event
}

// Changed reports whether next carries anything prev did not.
func Changed(prev, next run.ProgressEvent) bool {
	if prev.Message != next.Message || prev.Current != next.Current || prev.Total != next.Total {
		return true
	}
	if (prev.Percentage == nil) != (next.Percentage == nil) {
		return true
	}
	return prev.Percentage != nil && *prev.Percentage != *next.Percentage
}

// Latch flips once, the first time numeric progress shows up while the
// caller still presents a live keyboard view. It never resets.
type Latch struct {
	passive atomic.Bool
}

// Observe feeds one event. It returns true only on the call that flips the latch.
func (l *Latch) Observe(event run.ProgressEvent, interactive bool) bool {
	if event.Percentage == nil || !interactive {
		return false
	}
	return l.passive.CompareAndSwap(false, true)
}

// ShouldSwitchToPassiveDisplay reports whether the latch has flipped.
func (l *Latch) ShouldSwitchToPassiveDisplay() bool {
	return l.passive.Load()
}

func ratio(current, total string) (int, int, *float64) {
	c, errC := strconv.Atoi(current)
	t, errT := strconv.Atoi(total)
	if errC != nil || errT != nil || t <= 0 || c < 0 || c > t {
		return 0, 0, nil
	}
	return c, t, clamp(float64(c) / float64(t) * 100)
}

func clamp(value float64) *float64 {
	value = math.Max(0, math.Min(100, value))
	return &value
}

func containsAny(text string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}

func joinNonEmpty(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, "\n")
}
