package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/colorkit/calrun/internal/events"
	"github.com/colorkit/calrun/internal/run"
	"github.com/colorkit/calrun/internal/state"
)

func TestJournalRecordsRunEvents(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := log.NewWithOptions(&buf, log.Options{Level: log.InfoLevel, Formatter: log.LogfmtFormatter})
	journal := Journal(logger)

	journal(events.Event{Type: events.EventTypeStateTransition, RunID: "r1", Payload: events.StateChange{From: "STARTING", To: "MEASURING"}})
	journal(events.Event{Type: events.EventTypeMisreadRetry, RunID: "r1", Payload: events.Retry{Patch: 7, Count: 2}})
	journal(events.Event{Type: events.EventTypeOutputLine, RunID: "r1", Payload: "Patch 7 of 40"})
	journal(events.Event{
		Type:     events.EventTypeRunFinished,
		RunID:    "r1",
		Severity: events.SeverityError,
		Payload:  run.Result{State: state.Failed, ExitCode: 1, Err: errors.New("instrument lost")},
	})

	out := buf.String()
	for _, want := range []string{"state transition", "to=MEASURING", "misread retry", "patch=7", "run finished", "instrument lost", "run_id=r1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("journal missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Patch 7 of 40") {
		t.Fatalf("tool output should only be logged at debug level:\n%s", out)
	}
	if !strings.Contains(out, "level=error") {
		t.Fatalf("failed run should log at error level:\n%s", out)
	}
}
