package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is one step of the interactive session lifecycle.
type State string

const (
	Starting                 State = "starting"
	AwaitingInstrumentAction State = "awaiting_instrument_action"
	Measuring                State = "measuring"
	RetryingMisread          State = "retrying_misread"
	Completed                State = "completed"
	Failed                   State = "failed"
	Cancelled                State = "cancelled"
)

// Terminal reports whether no further transition may leave s.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Measuring and RetryingMisread form the only cycle. Cancelled is added for
// every non-terminal state in isAllowed.
var allowedTransitions = map[State]map[State]struct{}{
	Starting: {
		AwaitingInstrumentAction: {},
		Measuring:                {},
		Completed:                {},
		Failed:                   {},
	},
	AwaitingInstrumentAction: {
		Measuring: {},
		Completed: {},
		Failed:    {},
	},
	Measuring: {
		RetryingMisread: {},
		Completed:       {},
		Failed:          {},
	},
	RetryingMisread: {
		Measuring: {},
		Completed: {},
		Failed:    {},
	},
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithObserver registers a callback invoked after every accepted transition.
func WithObserver(observer func(TransitionRecord)) Option {
	return func(machine *Machine) {
		machine.observer = observer
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	RunID     string
	FromState State
	ToState   State
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	RunID     string
	FromState State
	ToState   State
	Reason    string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for session lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition session %q from %q to %q: %s",
		e.RunID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine validates session state transitions. One goroutine writes; any may read.
type Machine struct {
	mu       sync.RWMutex
	runID    string
	current  State
	tracer   trace.Tracer
	now      func() time.Time
	observer func(TransitionRecord)
	history  []TransitionRecord
}

// NewMachine builds a machine positioned at Starting.
func NewMachine(runID string, options ...Option) *Machine {
	machine := &Machine{
		runID:   strings.TrimSpace(runID),
		current: Starting,
		tracer:  otel.Tracer("calrun/state"),
		now:     time.Now,
		history: []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	return machine
}

// Current returns the latest state.
func (m *Machine) Current() State {
	if m == nil {
		return ""
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition validates and records one state change.
func (m *Machine) Transition(ctx context.Context, toState State, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)
	fromState := m.Current()

	_, span := m.tracer.Start(ctx, "state.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()
	span.SetAttributes(
		attribute.String("run_id", m.runID),
		attribute.String("from_state", string(fromState)),
		attribute.String("to_state", string(toState)),
		attribute.String("reason", normalizedReason),
	)

	if !isAllowed(fromState, toState) {
		err := &IllegalTransitionError{
			RunID:     m.runID,
			FromState: fromState,
			ToState:   toState,
			Reason:    "illegal transition for session lifecycle",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := TransitionRecord{
		RunID:     m.runID,
		FromState: fromState,
		ToState:   toState,
		Reason:    normalizedReason,
		Timestamp: m.now().UTC(),
	}

	m.mu.Lock()
	m.current = toState
	m.history = append(m.history, record)
	m.mu.Unlock()

	if m.observer != nil {
		m.observer(record)
	}
	span.SetStatus(codes.Ok, "state transition recorded")
	return nil
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(fromState, toState State) bool {
	return isAllowed(fromState, toState)
}

func isAllowed(fromState, toState State) bool {
	if fromState.Terminal() {
		return false
	}
	if toState == Cancelled {
		return true
	}
	nextStates, ok := allowedTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}
