package ui

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/colorkit/calrun/internal/run"
	"github.com/colorkit/calrun/internal/state"
)

const summaryTailLines = 10

// SummaryMarkdown describes a finished run as markdown.
func SummaryMarkdown(result run.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s %s\n\n", titleFor(result.Mode), outcomeWord(result.State))

	fmt.Fprintf(&b, "- run: `%s`\n", result.RunID)
	if result.ExitCode >= 0 {
		fmt.Fprintf(&b, "- exit code: %d\n", result.ExitCode)
	}
	if result.Retries > 0 {
		fmt.Fprintf(&b, "- misread retries: %d\n", result.Retries)
	}
	if result.Err != nil && !result.Cancelled() {
		fmt.Fprintf(&b, "- error: %s\n", result.Err)
	}
	if g := result.Gamut; g != nil {
		fmt.Fprintf(&b, "- gamut volume: %.1f%% of sRGB\n", g.Volume*100)
		keys := make([]string, 0, len(g.Coverage))
		for key := range g.Coverage {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(&b, "- %s coverage: %.1f%%\n", referenceLabel(key), g.Coverage[key]*100)
		}
	}

	if len(result.Artifacts) > 0 {
		b.WriteString("\n### Artifacts\n\n")
		for _, artifact := range result.Artifacts {
			fmt.Fprintf(&b, "- `%s` (%s)\n", filepath.Base(artifact), filepath.Dir(artifact))
		}
	}

	if result.State == state.Failed && len(result.Tail) > 0 {
		tail := result.Tail
		if len(tail) > summaryTailLines {
			tail = tail[len(tail)-summaryTailLines:]
		}
		b.WriteString("\n### Last output\n\n```\n")
		for _, line := range tail {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteString("```\n")
	}
	return b.String()
}

// RenderSummary renders SummaryMarkdown for a terminal of the given width.
// The raw markdown is returned if rendering fails.
func RenderSummary(result run.Result, width int) string {
	markdown := SummaryMarkdown(result)
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(40, width)),
	)
	if err != nil {
		return markdown
	}
	rendered, err := renderer.Render(markdown)
	if err != nil {
		return markdown
	}
	return rendered
}

func referenceLabel(key string) string {
	switch key {
	case "srgb":
		return "sRGB"
	case "adobe-rgb":
		return "Adobe RGB"
	default:
		return key
	}
}

func titleFor(mode run.Mode) string {
	switch mode {
	case run.ModeCalibrate:
		return "Calibration"
	case run.ModeVerify:
		return "Verification"
	case run.ModeReadPatches:
		return "Patch reading"
	case run.ModeBuildProfile:
		return "Profile build"
	case run.ModeGenerateChart:
		return "Chart generation"
	case run.ModeInstallProfile:
		return "Profile install"
	default:
		return "Run"
	}
}

func outcomeWord(s state.State) string {
	switch s {
	case state.Completed:
		return "completed"
	case state.Cancelled:
		return "cancelled"
	case state.Failed:
		return "failed"
	default:
		return string(s)
	}
}
