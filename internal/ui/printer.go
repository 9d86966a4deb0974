package ui

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/colorkit/calrun/internal/events"
	"github.com/colorkit/calrun/internal/run"
)

// Printer writes run events as plain lines, for pipes and log captures.
// Progress is printed once per whole percent.
type Printer struct {
	w       io.Writer
	verbose bool
	lastPct int
	lastMsg string
}

// NewPrinter returns a Printer. Subprocess output lines are only printed
// when verbose is set.
func NewPrinter(w io.Writer, verbose bool) *Printer {
	return &Printer{w: w, verbose: verbose, lastPct: -1}
}

// Handle prints one event. It is meant to be called from a single goroutine.
func (p *Printer) Handle(event events.Event) {
	switch event.Type {
	case events.EventTypeStateTransition:
		if change, ok := event.Payload.(events.StateChange); ok {
			line := "state: " + change.To
			if reason := strings.TrimSpace(change.Reason); reason != "" {
				line += " (" + reason + ")"
			}
			p.println(line)
		}
	case events.EventTypeProgressUpdate:
		if ev, ok := event.Payload.(run.ProgressEvent); ok {
			p.progress(ev)
		}
	case events.EventTypePromptRequested:
		if request, ok := event.Payload.(run.PromptRequest); ok {
			p.println(fmt.Sprintf("prompt: %s [%s]", request.Message, strings.Join(request.ValidResponses, "/")))
		}
	case events.EventTypeMisreadRetry:
		if retry, ok := event.Payload.(events.Retry); ok {
			p.println(fmt.Sprintf("retry: patch %d attempt %d: %s", retry.Patch, retry.Count, retry.Message))
		}
	case events.EventTypeRetryCounterReset:
		if reset, ok := event.Payload.(events.RetryReset); ok {
			p.println(fmt.Sprintf("retry: patch %d read after %d retries", reset.Patch, reset.Previous))
		}
	case events.EventTypeOutputLine:
		if line, ok := event.Payload.(string); ok && p.verbose {
			p.println("  " + line)
		}
	}
}

// Summary prints the final outcome of result.
func (p *Printer) Summary(result run.Result) {
	p.println(strings.TrimRight(SummaryMarkdown(result), "\n"))
}

func (p *Printer) progress(ev run.ProgressEvent) {
	if ev.Indeterminate() {
		message := strings.TrimSpace(ev.Message)
		if message == "" || message == p.lastMsg {
			return
		}
		p.lastMsg = message
		p.println("progress: " + message)
		return
	}
	pct := int(math.Floor(*ev.Percentage))
	if pct == p.lastPct {
		return
	}
	p.lastPct = pct
	line := fmt.Sprintf("progress: %d%%", pct)
	if ev.Total > 0 {
		line += fmt.Sprintf(" (%d/%d)", ev.Current, ev.Total)
	}
	p.println(line)
}

func (p *Printer) println(line string) {
	_, _ = fmt.Fprintln(p.w, line)
}
