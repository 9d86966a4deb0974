package events

import "time"

const (
	// EventTypeStateTransition identifies session state changes.
	EventTypeStateTransition = "StateTransition"
	// EventTypeProgressUpdate identifies parsed progress markers.
	EventTypeProgressUpdate = "ProgressUpdate"
	// EventTypePromptRequested identifies prompts waiting for a human answer.
	EventTypePromptRequested = "PromptRequested"
	// EventTypeMisreadRetry identifies an automatic instrument misread retry.
	EventTypeMisreadRetry = "MisreadRetry"
	// EventTypeRetryCounterReset identifies a successful read after misreads.
	EventTypeRetryCounterReset = "RetryCounterReset"
	// EventTypeDisplayModeChanged identifies the one-way switch to passive progress display.
	EventTypeDisplayModeChanged = "DisplayModeChanged"
	// EventTypeOutputLine identifies one filtered subprocess output line.
	EventTypeOutputLine = "OutputLine"
	// EventTypeCallbackSlow identifies a caller callback that exceeded the watchdog budget.
	EventTypeCallbackSlow = "CallbackSlow"
	// EventTypeRunFinished identifies the terminal event of a run. Nothing follows it.
	EventTypeRunFinished = "RunFinished"
)

const (
	SeverityInfo  = "INFO"
	SeverityWarn  = "WARN"
	SeverityError = "ERROR"
)

// Event is one notification about a run.
type Event struct {
	Type      string
	Timestamp time.Time
	RunID     string
	Source    string
	Payload   any
	Severity  string
}

// Terminal reports whether the event ends its run.
func (e Event) Terminal() bool {
	return e.Type == EventTypeRunFinished
}

// Handler consumes a published event.
type Handler func(Event)

// Publisher is the narrow interface components use to emit events.
type Publisher interface {
	Publish(event Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

// Publish calls f(event).
func (f PublisherFunc) Publish(event Event) {
	f(event)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = PublisherFunc(func(Event) {})
