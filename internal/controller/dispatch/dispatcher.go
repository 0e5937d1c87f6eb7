// Package dispatch routes events between the controller subsystems. A single
// dispatch goroutine delivers events in publish order, which gives every
// state machine a consistent view of the world without per-machine locks
// having to order cross-machine traffic.
package dispatch

import (
	"sync"

	"github.com/gridmr/gridmr/internal/controller/core"
	"github.com/gridmr/gridmr/internal/shared/logging"
)

// Handler consumes events of one topic.
type Handler interface {
	Handle(event core.Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(event core.Event)

func (f HandlerFunc) Handle(event core.Event) { f(event) }

// Stats counts dispatcher traffic.
type Stats struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
}

// Dispatcher is the event fabric contract shared by the async and inline
// implementations.
type Dispatcher interface {
	core.EventSink
	Register(topic core.Topic, handler Handler)
	Stats() Stats
}

// Async delivers events on a dedicated goroutine in FIFO order. Events
// published while stopped are dropped. Handlers may publish follow-up events
// from within Handle.
type Async struct {
	logger logging.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []core.Event
	handlers map[core.Topic][]Handler
	stats    Stats
	inFlight int
	started  bool
	stopped  bool

	done chan struct{}
}

// NewAsync returns a dispatcher which will deliver once Start is called.
func NewAsync(logger logging.Logger) *Async {
	d := &Async{
		logger:   logger,
		handlers: make(map[core.Topic][]Handler),
		done:     make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Register adds a handler for a topic. Every registered handler of the
// topic receives every event published to it.
func (d *Async) Register(topic core.Topic, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[topic] = append(d.handlers[topic], handler)
}

// Publish enqueues the event for delivery.
func (d *Async) Publish(event core.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		d.stats.Dropped++
		d.logger.Warn("event dropped after dispatcher stop",
			"topic", string(event.Topic()))
		return
	}
	d.stats.Published++
	d.queue = append(d.queue, event)
	d.cond.Broadcast()
}

// Start launches the dispatch goroutine.
func (d *Async) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()
	go d.loop()
}

// Stop drains the queue and terminates the dispatch goroutine. Events
// published after Stop are dropped.
func (d *Async) Stop() {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}

// Drain blocks until every published event has been delivered, including
// events published by handlers during the drain.
func (d *Async) Drain() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queue) > 0 || d.inFlight > 0 {
		d.cond.Wait()
	}
}

// Stats returns a snapshot of the traffic counters.
func (d *Async) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Async) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.stopped {
			d.mu.Unlock()
			return
		}
		event := d.queue[0]
		d.queue = d.queue[1:]
		d.inFlight++
		handlers := d.handlers[event.Topic()]
		d.mu.Unlock()

		deliver(event, handlers, d.logger)

		d.mu.Lock()
		d.inFlight--
		d.stats.Delivered++
		d.cond.Broadcast()
		d.mu.Unlock()
	}
}

// deliver invokes the handlers, keeping the dispatch goroutine alive if one
// of them panics. State machines turn their own panics into internal-error
// transitions before this backstop is reached.
func deliver(event core.Event, handlers []Handler, logger logging.Logger) {
	if len(handlers) == 0 {
		logger.Warn("no handler registered for topic", "topic", string(event.Topic()))
		return
	}
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("event handler panicked",
						"topic", string(event.Topic()), "panic", r)
				}
			}()
			h.Handle(event)
		}()
	}
}

// Inline delivers events synchronously on the publishing goroutine. Intended
// for tests that want deterministic, immediate delivery.
type Inline struct {
	logger logging.Logger

	mu       sync.Mutex
	handlers map[core.Topic][]Handler
	stats    Stats
}

func NewInline(logger logging.Logger) *Inline {
	return &Inline{
		logger:   logger,
		handlers: make(map[core.Topic][]Handler),
	}
}

func (d *Inline) Register(topic core.Topic, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[topic] = append(d.handlers[topic], handler)
}

func (d *Inline) Publish(event core.Event) {
	d.mu.Lock()
	d.stats.Published++
	handlers := d.handlers[event.Topic()]
	d.mu.Unlock()

	deliver(event, handlers, d.logger)

	d.mu.Lock()
	d.stats.Delivered++
	d.mu.Unlock()
}

func (d *Inline) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

var (
	_ Dispatcher = (*Async)(nil)
	_ Dispatcher = (*Inline)(nil)
)
