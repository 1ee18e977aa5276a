package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event name.
	ErrNoHandler = errors.New("no handlers registered for event")
)

// All subscribes a handler to every event name.
const All = "*"

// Event is a telemetry record: a name, numeric measurements and free-form metadata.
type Event struct {
	Name         string                 // e.g. "workflow.step.stop", "deadletter.insert"
	Measurements map[string]float64     // e.g. {"duration_ms": 12}
	Metadata     map[string]interface{} // e.g. {"workflow": "etl", "step": "load"}
	Time         time.Time
}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// SubscriptionID identifies a subscription for Unsubscribe.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler EventHandler
}

// EventBus fans events out to subscribers on a background goroutine.
type EventBus struct {
	handlers   map[string][]subscription
	mu         sync.RWMutex
	eventCh    chan Event
	nextID     atomic.Uint64
	logger     *zap.Logger
	errHandler func(event Event, err error)
	wg         sync.WaitGroup
	closed     bool
	closeMu    sync.RWMutex
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler sets a custom handler for errors returned by subscribers.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.errHandler = handler
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(logger *zap.Logger) EventBusOption {
	return func(eb *EventBus) {
		eb.logger = logger.With(zap.String("component", "event_bus"))
	}
}

// NewEventBus creates a new EventBus with async processing.
// The default buffer size is 256 and handler errors are logged.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers: make(map[string][]subscription),
		eventCh:  make(chan Event, 256),
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		option(eb)
	}
	if eb.errHandler == nil {
		eb.errHandler = eb.logError
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

// Subscribe subscribes a handler to an event name, or to All.
func (eb *EventBus) Subscribe(name string, handler EventHandler) SubscriptionID {
	id := SubscriptionID(eb.nextID.Add(1))
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[name] = append(eb.handlers[name], subscription{id: id, handler: handler})
	return id
}

// SubscribeFunc subscribes a function as a handler to an event name.
func (eb *EventBus) SubscribeFunc(name string, fn func(ctx context.Context, event Event) error) SubscriptionID {
	return eb.Subscribe(name, EventHandlerFunc(fn))
}

// Unsubscribe removes a subscription. It reports whether it was found.
func (eb *EventBus) Unsubscribe(id SubscriptionID) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for name, subs := range eb.handlers {
		for i, s := range subs {
			if s.id != id {
				continue
			}
			eb.handlers[name] = append(subs[:i:i], subs[i+1:]...)
			if len(eb.handlers[name]) == 0 {
				delete(eb.handlers, name)
			}
			return true
		}
	}
	return false
}

// HasSubscribers reports whether any handler would receive an event with this name.
func (eb *EventBus) HasSubscribers(name string) bool {
	return len(eb.handlersFor(name)) > 0
}

func (eb *EventBus) handlersFor(name string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	subs := eb.handlers[name]
	wild := eb.handlers[All]
	if len(subs)+len(wild) == 0 {
		return nil
	}
	out := make([]EventHandler, 0, len(subs)+len(wild))
	for _, s := range subs {
		out = append(out, s.handler)
	}
	for _, s := range wild {
		out = append(out, s.handler)
	}
	return out
}

// Publish enqueues an event for asynchronous delivery. It never blocks:
// a full buffer yields ErrChannelFull.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	if !eb.HasSubscribers(event.Name) {
		return ErrNoHandler
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	select {
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// Emit is the fire-and-forget form of Publish used by producers that do not
// care whether anyone listens.
func (eb *EventBus) Emit(name string, measurements map[string]float64, metadata map[string]interface{}) {
	if eb == nil {
		return
	}
	err := eb.Publish(context.Background(), Event{Name: name, Measurements: measurements, Metadata: metadata})
	if errors.Is(err, ErrChannelFull) {
		eb.logger.Warn("dropping event", zap.String("event", name))
	}
}

// PublishSync delivers an event on the caller's goroutine and returns all
// handler errors. Delivery is bounded by a 5-second timeout.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.closeMu.RLock()
	closed := eb.closed
	eb.closeMu.RUnlock()
	if closed {
		return []error{ErrBusClosed}
	}

	handlers := eb.handlersFor(event.Name)
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return eb.executeHandlers(timeoutCtx, handlers, event)
}

// Stop delivers already-queued events and stops the processing goroutine.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		handlers := eb.handlersFor(event.Name)
		if len(handlers) == 0 {
			continue
		}
		for _, err := range eb.executeHandlers(context.Background(), handlers, event) {
			eb.errHandler(event, err)
		}
	}
}

// executeHandlers runs all handlers concurrently and collects their errors.
func (eb *EventBus) executeHandlers(ctx context.Context, handlers []EventHandler, event Event) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errCh <- errors.New("event handler panicked")
				}
			}()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errs
}

func (eb *EventBus) logError(event Event, err error) {
	eb.logger.Error("event handler failed",
		zap.String("event", event.Name),
		zap.Any("metadata", event.Metadata),
		zap.Error(err),
	)
}
