package events

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func TestBusFiltersByType(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	var mu sync.Mutex
	var retries, all []string
	bus.Subscribe("retries", func(e Event) {
		mu.Lock()
		retries = append(retries, e.Type)
		mu.Unlock()
	}, EventTypeMisreadRetry, EventTypeRetryCounterReset)
	bus.Subscribe("all", func(e Event) {
		mu.Lock()
		all = append(all, e.Type)
		mu.Unlock()
	})

	for _, eventType := range []string{EventTypeStateTransition, EventTypeMisreadRetry, EventTypeOutputLine, EventTypeRetryCounterReset} {
		bus.Publish(Event{Type: eventType, RunID: "r1"})
	}
	bus.Close()

	if strings.Join(retries, ",") != "MisreadRetry,RetryCounterReset" {
		t.Fatalf("retries subscriber got %v", retries)
	}
	if len(all) != 4 {
		t.Fatalf("wildcard subscriber got %d events, want 4", len(all))
	}
}

func TestBusDropsForSlowSubscriberWithoutBlocking(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	bus := NewBus(WithQueueSize(1), WithDropLogger(log.New(&logs)))
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	bus.Subscribe("stuck", func(Event) {
		once.Do(func() { close(started) })
		<-release
	})

	bus.Publish(Event{Type: EventTypeOutputLine})
	<-started

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: EventTypeOutputLine, RunID: "r1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a stuck subscriber")
	}

	close(release)
	bus.Close()

	if bus.Dropped() != 9 {
		t.Fatalf("dropped = %d, want 9", bus.Dropped())
	}
	if !strings.Contains(logs.String(), "subscriber=stuck") {
		t.Fatalf("drop warning missing: %q", logs.String())
	}
}

func TestBusStampsTimestampAndIgnoresPublishAfterClose(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	got := make(chan Event, 2)
	bus.Subscribe("capture", func(e Event) { got <- e })

	bus.Publish(Event{Type: EventTypeStateTransition, Payload: StateChange{From: "STARTING", To: "MEASURING"}})
	bus.Close()
	bus.Publish(Event{Type: EventTypeRunFinished})
	bus.Subscribe("late", func(Event) { t.Error("subscriber added after Close ran") })

	if len(got) != 1 {
		t.Fatalf("delivered %d events, want 1", len(got))
	}
	event := <-got
	if event.Timestamp.IsZero() {
		t.Fatal("timestamp not populated")
	}
	if change, ok := event.Payload.(StateChange); !ok || change.To != "MEASURING" {
		t.Fatalf("payload = %#v", event.Payload)
	}
}
