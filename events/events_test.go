package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEventBus_SubscribeUnsubscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	id1 := eb.Subscribe("workflow.step.stop", &mockHandler{})
	id2 := eb.Subscribe("workflow.step.stop", &mockHandler{})

	eb.mu.RLock()
	if len(eb.handlers["workflow.step.stop"]) != 2 {
		t.Fatalf("Expected 2 handlers, got %d", len(eb.handlers["workflow.step.stop"]))
	}
	eb.mu.RUnlock()

	if !eb.Unsubscribe(id1) {
		t.Fatal("Unsubscribe should return true for existing subscription")
	}
	if eb.Unsubscribe(id1) {
		t.Fatal("Unsubscribe should return false the second time")
	}
	if !eb.HasSubscribers("workflow.step.stop") {
		t.Fatal("Second subscription should still be registered")
	}
	eb.Unsubscribe(id2)
	if eb.HasSubscribers("workflow.step.stop") {
		t.Fatal("HasSubscribers should return false after unsubscribing everything")
	}
}

func TestEventBus_Publish(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	var wg sync.WaitGroup
	wg.Add(1)

	eb.SubscribeFunc("deadletter.insert", func(ctx context.Context, event Event) error {
		defer wg.Done()
		if event.Name != "deadletter.insert" {
			t.Errorf("Expected event name 'deadletter.insert', got '%s'", event.Name)
		}
		if event.Measurements["count"] != 1 {
			t.Errorf("Expected count measurement 1, got %v", event.Measurements["count"])
		}
		if event.Metadata["queue"] != "mailers" {
			t.Errorf("Expected queue metadata 'mailers', got %v", event.Metadata["queue"])
		}
		if event.Time.IsZero() {
			t.Error("Expected Publish to stamp the event time")
		}
		return nil
	})

	err := eb.Publish(context.Background(), Event{
		Name:         "deadletter.insert",
		Measurements: map[string]float64{"count": 1},
		Metadata:     map[string]interface{}{"queue": "mailers"},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if !waitWithTimeout(&wg, time.Second) {
		t.Fatal("handler was not called")
	}
}

func TestEventBus_WildcardSubscriber(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	var mu sync.Mutex
	var seen []string
	var wg sync.WaitGroup
	wg.Add(2)

	eb.SubscribeFunc(All, func(ctx context.Context, event Event) error {
		defer wg.Done()
		mu.Lock()
		seen = append(seen, event.Name)
		mu.Unlock()
		return nil
	})

	eb.Emit("a", nil, nil)
	eb.Emit("b", nil, nil)

	if !waitWithTimeout(&wg, time.Second) {
		t.Fatal("wildcard handler did not receive both events")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("Expected 2 events, got %v", seen)
	}
}

func TestEventBus_PublishSync(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe("scheduler.job.insert", &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			return errors.New("test error")
		},
	})
	eb.Subscribe("scheduler.job.insert", &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			panic("boom")
		},
	})

	errs := eb.PublishSync(context.Background(), Event{Name: "scheduler.job.insert"})
	if len(errs) != 2 {
		t.Fatalf("Expected 2 errors, got %d", len(errs))
	}
}

func TestEventBus_PublishNoHandlers(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	err := eb.Publish(context.Background(), Event{Name: "unknown_event"})
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("Expected ErrNoHandler, got %v", err)
	}
}

func TestEventBus_PublishAfterStop(t *testing.T) {
	eb := NewEventBus()
	eb.Stop()

	err := eb.Publish(context.Background(), Event{Name: "test_event"})
	if !errors.Is(err, ErrBusClosed) {
		t.Fatalf("Expected ErrBusClosed, got %v", err)
	}
	if errs := eb.PublishSync(context.Background(), Event{Name: "test_event"}); !errors.Is(errs[0], ErrBusClosed) {
		t.Fatalf("Expected ErrBusClosed from PublishSync, got %v", errs)
	}
}

func TestEventBus_ChannelFull(t *testing.T) {
	block := make(chan struct{})
	eb := NewEventBus(WithBufferSize(1))
	defer eb.Stop()
	defer close(block)

	started := make(chan struct{}, 1)
	eb.SubscribeFunc("slow", func(ctx context.Context, event Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil
	})

	if err := eb.Publish(context.Background(), Event{Name: "slow"}); err != nil {
		t.Fatalf("first publish failed: %v", err)
	}
	<-started
	if err := eb.Publish(context.Background(), Event{Name: "slow"}); err != nil {
		t.Fatalf("second publish should fit in the buffer: %v", err)
	}
	if err := eb.Publish(context.Background(), Event{Name: "slow"}); !errors.Is(err, ErrChannelFull) {
		t.Fatalf("Expected ErrChannelFull, got %v", err)
	}
}

func TestEventBus_WithErrorHandler(t *testing.T) {
	var mu sync.Mutex
	var called bool
	var wg sync.WaitGroup
	wg.Add(1)

	eb := NewEventBus(
		WithBufferSize(200),
		WithErrorHandler(func(event Event, err error) {
			defer wg.Done()
			mu.Lock()
			called = true
			mu.Unlock()
		}),
	)
	defer eb.Stop()

	if cap(eb.eventCh) != 200 {
		t.Fatalf("Expected buffer size 200, got %d", cap(eb.eventCh))
	}

	eb.SubscribeFunc("test_event", func(ctx context.Context, event Event) error {
		return errors.New("test error")
	})

	if err := eb.Publish(context.Background(), Event{Name: "test_event"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if !waitWithTimeout(&wg, time.Second) {
		t.Fatal("custom error handler was not called")
	}
	mu.Lock()
	defer mu.Unlock()
	if !called {
		t.Fatal("Custom error handler was not called")
	}
}

func TestEventBus_CancelledContext(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe("test_event", &mockHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := eb.Publish(ctx, Event{Name: "test_event"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled error, got %v", err)
	}
}

func TestEventBus_EmitOnNilBus(t *testing.T) {
	var eb *EventBus
	eb.Emit("nothing", nil, nil)
}

type mockHandler struct {
	handleFunc func(ctx context.Context, event Event) error
}

func (m *mockHandler) Handle(ctx context.Context, event Event) error {
	if m.handleFunc != nil {
		return m.handleFunc(ctx, event)
	}
	return nil
}

func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
