package logging

import (
	"github.com/charmbracelet/log"

	"github.com/colorkit/calrun/internal/events"
	"github.com/colorkit/calrun/internal/run"
)

// Journal returns an event handler that records run events in logger.
// Progress and tool output are logged at debug level only.
func Journal(logger *log.Logger) events.Handler {
	logger = OrDiscard(logger)
	return func(event events.Event) {
		l := logger.With("run_id", event.RunID, "source", event.Source)
		switch payload := event.Payload.(type) {
		case events.StateChange:
			l.Info("state transition", "from", payload.From, "to", payload.To, "reason", payload.Reason)
		case events.Retry:
			l.Warn("misread retry", "patch", payload.Patch, "count", payload.Count, "message", payload.Message)
		case events.RetryReset:
			l.Info("retry counter reset", "patch", payload.Patch, "previous", payload.Previous)
		case events.DisplayMode:
			l.Info("display mode changed", "passive", payload.Passive)
		case run.ProgressEvent:
			l.Debug("progress", "current", payload.Current, "total", payload.Total, "message", payload.Message)
		case run.PromptRequest:
			l.Info("prompt", "id", payload.ID, "kind", payload.Kind, "message", payload.Message)
		case run.Result:
			fields := []any{"state", payload.State, "exit_code", payload.ExitCode, "retries", payload.Retries, "artifacts", len(payload.Artifacts)}
			if payload.Err != nil {
				fields = append(fields, "error", payload.Err)
			}
			if event.Severity == events.SeverityError {
				l.Error("run finished", fields...)
			} else {
				l.Info("run finished", fields...)
			}
		case string:
			if event.Type == events.EventTypeOutputLine {
				l.Debug("tool output", "line", payload)
			} else {
				l.Warn(event.Type, "detail", payload)
			}
		default:
			l.Debug(event.Type)
		}
	}
}
