package events

import (
	"sync"
	"time"
)

// DefaultCallbackWarnAfter is how long a handler may run before the watchdog reports it.
const DefaultCallbackWarnAfter = 250 * time.Millisecond

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWarnAfter sets the watchdog budget for one handler call. Zero disables the watchdog.
func WithWarnAfter(d time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if d >= 0 {
			dispatcher.warnAfter = d
		}
	}
}

// WithSlowHandler registers the watchdog report callback. It runs on a timer goroutine.
func WithSlowHandler(fn func(Event, time.Duration)) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.onSlow = fn
	}
}

// Dispatcher delivers events to one handler in publish order on a single goroutine.
// The queue is unbounded so publishers never block and nothing is dropped.
// Once a terminal event is queued every later event is discarded.
type Dispatcher struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Event
	closed    bool
	handler   Handler
	warnAfter time.Duration
	onSlow    func(Event, time.Duration)
	done      chan struct{}
}

// NewDispatcher starts the delivery goroutine.
func NewDispatcher(handler Handler, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handler:   handler,
		warnAfter: DefaultCallbackWarnAfter,
		done:      make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	for _, option := range options {
		if option != nil {
			option(d)
		}
	}
	go d.loop()
	return d
}

// Publish queues an event. It never blocks on the handler.
func (d *Dispatcher) Publish(event Event) {
	d.Offer(event)
}

// Offer is Publish that reports whether the event was queued.
func (d *Dispatcher) Offer(event Event) bool {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.queue = append(d.queue, event)
	if event.Terminal() {
		d.closed = true
	}
	d.cond.Signal()
	return true
}

// Close stops accepting events. Queued events are still delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
}

// Done is closed after the last queued event has been handled.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		event := d.queue[0]
		d.queue[0] = Event{}
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.handle(event)
	}
}

func (d *Dispatcher) handle(event Event) {
	if d.handler == nil {
		return
	}
	if d.warnAfter <= 0 || d.onSlow == nil {
		d.handler(event)
		return
	}
	budget := d.warnAfter
	timer := time.AfterFunc(budget, func() { d.onSlow(event, budget) })
	defer timer.Stop()
	d.handler(event)
}
