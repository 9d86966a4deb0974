package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultQueueSize is the per-subscriber queue capacity.
const DefaultQueueSize = 256

// BusOption customizes a Bus.
type BusOption func(*Bus)

// WithQueueSize sets the per-subscriber queue capacity.
func WithQueueSize(size int) BusOption {
	return func(b *Bus) {
		if size > 0 {
			b.queueSize = size
		}
	}
}

// WithDropLogger receives a warning for every dropped event.
func WithDropLogger(logger *log.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// Bus fans events out to any number of observers. Each subscriber drains
// its own queue on its own goroutine; when a queue is full the event is
// dropped for that subscriber only and Publish returns immediately.
//
// Run callbacks never go through a Bus. They use a Dispatcher, which keeps
// every event in order.
type Bus struct {
	queueSize int
	logger    *log.Logger
	dropped   atomic.Int64

	mu     sync.RWMutex
	subs   []*subscription
	closed bool
	wg     sync.WaitGroup
}

type subscription struct {
	name  string
	types []string
	queue chan Event
}

func (s *subscription) wants(eventType string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, eventType)
}

// NewBus creates an empty Bus.
func NewBus(options ...BusOption) *Bus {
	b := &Bus{queueSize: DefaultQueueSize}
	for _, option := range options {
		if option != nil {
			option(b)
		}
	}
	return b
}

// Subscribe starts delivering events to handler. With no types every event
// is delivered. name only appears in drop warnings.
func (b *Bus) Subscribe(name string, handler Handler, types ...string) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	sub := &subscription{
		name:  name,
		types: slices.Clone(types),
		queue: make(chan Event, b.queueSize),
	}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range sub.queue {
			handler(event)
		}
	}()
}

// Publish queues event for every interested subscriber. It never blocks.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			b.dropped.Add(1)
			if b.logger != nil {
				b.logger.Warn("observer queue full, event dropped",
					"subscriber", sub.name, "type", event.Type, "run_id", event.RunID)
			}
		}
	}
}

// Dropped counts events lost to full queues.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close waits for subscribers to drain what is already queued. Later
// publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.queue)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
