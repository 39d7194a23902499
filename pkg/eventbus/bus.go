// Package eventbus is the orchestration core's only inter-agent channel.
// Agents never hold references to each other; all coordination between
// the Conversation Agent, Workflow Agent, and Coordinator happens by
// publishing and subscribing to typed events here. Publication is
// cooperatively single-threaded per bus: Publish runs the middleware
// chain and then every registered subscriber, in registration order,
// before returning.
package eventbus

import (
	"log/slog"
	"reflect"
	"sync"
)

// Event is implemented by every event type published on the bus. Name
// identifies the event class for logging; it is not used for dispatch
// (dispatch keys on the event's concrete Go type).
type Event interface {
	Name() string
}

// Middleware wraps publication. Returning ok=false suppresses dispatch to
// subscribers entirely; returning a different event than was passed in
// substitutes it (e.g. a middleware could replace a DecisionMade with one
// carrying a corrected payload).
type Middleware func(Event) (out Event, ok bool)

type handler func(Event)

// Bus is a typed publish/subscribe registry with an ordered middleware
// chain. The zero value is not usable; construct with New.
type Bus struct {
	mu          sync.Mutex
	subscribers map[reflect.Type][]handler
	middlewares []Middleware
	logger      *slog.Logger
}

// New creates a Bus. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[reflect.Type][]handler),
		logger:      logger,
	}
}

// Use appends a middleware to the chain. Middlewares run in the order
// they were added, once per Publish call.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, mw)
}

// Subscribe registers h to receive every event of type T, in the order
// subscriptions were made. T must be a concrete type implementing Event
// (not an interface), since dispatch keys on the event's dynamic type.
func Subscribe[T Event](b *Bus, h func(T)) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], func(e Event) {
		h(e.(T))
	})
}

// Publish runs the middleware chain over e, then dispatches to every
// subscriber registered for e's concrete type, in registration order. A
// subscriber that panics or whose handler logic the caller wrapped in an
// error is isolated: the panic is recovered and logged, and dispatch
// continues to the remaining subscribers.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	mws := append([]Middleware(nil), b.middlewares...)
	b.mu.Unlock()

	for _, mw := range mws {
		var ok bool
		e, ok = mw(e)
		if !ok {
			return
		}
	}

	t := reflect.TypeOf(e)
	b.mu.Lock()
	hs := append([]handler(nil), b.subscribers[t]...)
	b.mu.Unlock()

	for _, h := range hs {
		b.dispatch(h, e)
	}
}

func (b *Bus) dispatch(h handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus: subscriber panic, isolated", "event", e.Name(), "panic", r)
		}
	}()
	h(e)
}
