// Package output filters and fans out subprocess output.
//
// Measurement tools write progress spinners with carriage returns, echo
// keyboard prompts meant for a terminal user and interleave both with the
// messages the orchestrator needs to see. A Sink decodes the raw stream once
// and hands the text to every registered consumer: line caches that keep the
// last few meaningful lines, loggers, tails for error reports.
package output

import (
	"regexp"
	"strings"
)

// InstrumentCalibrationMessages are the prompts tools print when the instrument
// itself needs a physical action before measuring.
var InstrumentCalibrationMessages = []string{
	"Do a reflective white calibration",
	"Do a transmissive white calibration",
	"Do a transmissive dark calibration",
	"Place the instrument on its reflective white reference",
	"Place the instrument on its white reference",
	"Place the instrument on its white calibration tile",
	"Place cap on the instrument",
	"or place on a dark surface",
	"or place on the white calibration reference",
	"Set instrument sensor to calibration position",
	"Place the instrument in the dark",
	"Change filter on instrument to",
}

// PromptTriggers hide keyboard prompts aimed at a terminal user.
var PromptTriggers = append([]string{
	"Place instrument on test window",
	"key to continue",
	"key to retry",
	"key to take a reading",
	" or Q to ",
}, InstrumentCalibrationMessages...)

var (
	// RecentDiscard drops adjustment readouts, progress counters and spinner noise.
	RecentDiscard = regexp.MustCompile(`(?i)^\s*(?:Adjusted )?(Current|[Tt]arget) (?:Brightness|50% Level|white|(?:Near )?[Bb]lack|(?:advertised )?gamma) .+|^Gamma curve .+|^Display adjustment menu:|^Press|^\d\).+|^(?:1%|Black|Red|Green|Blue|White)\s+=.+|^\s*patch \d+ of \d+.*|^\s*point \d+.*|^\s*Added \d+/\d+|[\*\.]+|\s*\d*%?`)

	// LastMessageDiscard drops spinner dots and stars only.
	LastMessageDiscard = regexp.MustCompile(`[\*\.]+`)
)

// DefaultSubstitutions rewrite tool jargon into readable text.
var DefaultSubstitutions = []Substitution{
	{Pattern: regexp.MustCompile(` peqDE `), Replace: " previous pass DE "},
	{Pattern: regexp.MustCompile(`patch `), Replace: "Patch "},
	{Pattern: regexp.MustCompile(`(?i)Point (\d+ Delta E)`), Replace: " point $1"},
}

// Substitution is one regexp rewrite applied to kept lines.
type Substitution struct {
	Pattern *regexp.Regexp
	Replace string
}

// Filter decides which lines survive and how they read.
type Filter struct {
	Discard       *regexp.Regexp
	Triggers      []string
	Substitutions []Substitution
}

// RecentFilter is the filter for the multi-line "what just happened" cache.
func RecentFilter() Filter {
	return Filter{Discard: RecentDiscard, Triggers: PromptTriggers, Substitutions: DefaultSubstitutions}
}

// LastMessageFilter is the filter for the single latest-message cache that feeds progress.
func LastMessageFilter() Filter {
	return Filter{Discard: LastMessageDiscard, Substitutions: DefaultSubstitutions}
}

// Apply returns the rewritten line and whether it should be kept.
// Lines containing a trigger, or reduced to nothing by Discard, are dropped.
func (f Filter) Apply(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", false
	}
	if ContainsAny(line, f.Triggers) {
		return "", false
	}
	if f.Discard != nil && strings.TrimSpace(f.Discard.ReplaceAllString(line, "")) == "" {
		return "", false
	}
	for _, sub := range f.Substitutions {
		if sub.Pattern == nil {
			continue
		}
		line = sub.Pattern.ReplaceAllString(line, sub.Replace)
	}
	if strings.TrimSpace(line) == "" {
		return "", false
	}
	return line, true
}

// ContainsAny reports whether text contains any needle, ignoring case.
func ContainsAny(text string, needles []string) bool {
	if len(needles) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, needle := range needles {
		if needle == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(needle)) {
			return true
		}
	}
	return false
}
