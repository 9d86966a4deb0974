package state

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTransitionFollowsSessionLifecycle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		sequence []State
	}{
		{
			name:     "calibration with misreads",
			sequence: []State{AwaitingInstrumentAction, Measuring, RetryingMisread, Measuring, RetryingMisread, Measuring, Completed},
		},
		{
			name:     "no interaction needed",
			sequence: []State{Completed},
		},
		{
			name:     "fatal during measurement",
			sequence: []State{Measuring, Failed},
		},
		{
			name:     "cancel while awaiting",
			sequence: []State{AwaitingInstrumentAction, Cancelled},
		},
		{
			name:     "cancel while retrying",
			sequence: []State{Measuring, RetryingMisread, Cancelled},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			machine := NewMachine("run-1")
			for _, next := range tt.sequence {
				if err := machine.Transition(context.Background(), next, "step"); err != nil {
					t.Fatalf("transition to %s: %v", next, err)
				}
			}
			if got, want := machine.Current(), tt.sequence[len(tt.sequence)-1]; got != want {
				t.Fatalf("current = %s, want %s", got, want)
			}
			if len(machine.History()) != len(tt.sequence) {
				t.Fatalf("history = %d entries, want %d", len(machine.History()), len(tt.sequence))
			}
		})
	}
}

func TestCancelledReachableFromEveryNonTerminalState(t *testing.T) {
	t.Parallel()

	for _, from := range []State{Starting, AwaitingInstrumentAction, Measuring, RetryingMisread} {
		if !CanTransition(from, Cancelled) {
			t.Fatalf("CanTransition(%s, cancelled) = false", from)
		}
	}
	for _, from := range []State{Completed, Failed, Cancelled} {
		if CanTransition(from, Cancelled) {
			t.Fatalf("CanTransition(%s, cancelled) = true, want terminal", from)
		}
	}
}

func TestTransitionRejectsBackwardStepsWithTypedError(t *testing.T) {
	t.Parallel()

	machine := NewMachine("run-7")
	if err := machine.Transition(context.Background(), Measuring, "first patch"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	err := machine.Transition(context.Background(), AwaitingInstrumentAction, "recalibrate")
	if err == nil {
		t.Fatal("expected illegal transition error, got nil")
	}
	var illegalErr *IllegalTransitionError
	if !errors.As(err, &illegalErr) {
		t.Fatalf("error = %T, want *IllegalTransitionError", err)
	}
	if !errors.Is(err, &IllegalTransitionError{}) {
		t.Fatal("errors.Is(IllegalTransitionError{}) = false")
	}
	if illegalErr.FromState != Measuring || illegalErr.ToState != AwaitingInstrumentAction {
		t.Fatalf("illegal transition = %s -> %s", illegalErr.FromState, illegalErr.ToState)
	}
	if machine.Current() != Measuring {
		t.Fatalf("state changed after rejected transition: %s", machine.Current())
	}
	if !strings.Contains(err.Error(), "run-7") {
		t.Fatalf("error %q does not name the run", err.Error())
	}
}

func TestTransitionNotifiesObserverWithTimestamp(t *testing.T) {
	t.Parallel()

	var seen []TransitionRecord
	machine := NewMachine("run-2", WithObserver(func(record TransitionRecord) {
		seen = append(seen, record)
	}))
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	machine.now = func() time.Time { return fixed }

	if err := machine.Transition(context.Background(), Completed, "exit 0"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("observer calls = %d, want 1", len(seen))
	}
	if seen[0].FromState != Starting || seen[0].ToState != Completed {
		t.Fatalf("record = %+v", seen[0])
	}
	if seen[0].Timestamp != fixed {
		t.Fatalf("timestamp = %s, want %s", seen[0].Timestamp, fixed)
	}
	if seen[0].Reason != "exit 0" {
		t.Fatalf("reason = %q, want exit 0", seen[0].Reason)
	}
}

func TestTransitionCreatesSpanWithRequiredAttributes(t *testing.T) {
	t.Parallel()

	spanRecorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown tracer provider: %v", err)
		}
	})

	machine := NewMachine("run-3", WithTracer(provider.Tracer("state-test")))
	if err := machine.Transition(context.Background(), Measuring, "patch 1"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := machine.Transition(context.Background(), Starting, "rewind"); err == nil {
		t.Fatal("expected rewind to fail")
	}

	ended := spanRecorder.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(ended))
	}
	first := attributesToMap(ended[0].Attributes())
	if ended[0].Name() != "state.transition" {
		t.Fatalf("span name = %q, want state.transition", ended[0].Name())
	}
	if first["run_id"] != "run-3" || first["from_state"] != string(Starting) || first["to_state"] != string(Measuring) {
		t.Fatalf("span attributes = %v", first)
	}
	if _, ok := first["duration_ms"]; !ok {
		t.Fatal("duration_ms attribute missing")
	}
	if ended[1].Status().Code != codes.Error {
		t.Fatalf("rejected transition status = %v, want error", ended[1].Status().Code)
	}
}

func attributesToMap(attrs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, attr := range attrs {
		out[string(attr.Key)] = attr.Value.Emit()
	}
	return out
}
