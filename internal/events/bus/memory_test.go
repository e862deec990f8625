package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)

	if bus == nil {
		t.Fatal("Expected non-nil bus")
	}
	if !bus.IsConnected() {
		t.Error("Expected bus to be connected")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := bus.Subscribe("session.state_changed.sess-1", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := NewEvent("session.state_changed", "session-service", map[string]interface{}{"state": "running"})
	if err := bus.Publish(ctx, "session.state_changed.sess-1", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("Expected event ID %s, got %s", event.ID, e.ID)
		}
		if e.Type != event.Type {
			t.Errorf("Expected event type %s, got %s", event.Type, e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestMemoryEventBus_MultipleSubscribers(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	for i := 0; i < 3; i++ {
		sub, err := bus.Subscribe("task.state_changed", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()
	}

	event := NewEvent("task.state_changed", "taskboard", nil)
	if err := bus.Publish(ctx, "task.state_changed", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond) // Allow goroutines to complete

	if atomic.LoadInt32(&count) != 3 {
		t.Errorf("Expected 3 handlers to be called, got %d", count)
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("mailbox.delivered.sess-2", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}

	event := NewEvent("mailbox.delivered", "mailbox", nil)
	if err := bus.Publish(ctx, "mailbox.delivered.sess-2", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&count) != 0 {
		t.Errorf("Expected 0 handler calls after unsubscribe, got %d", count)
	}
}

func TestMemoryEventBus_SingleTokenWildcard(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	received := make(chan string, 4)

	sub, err := bus.Subscribe("session.stream.*", func(ctx context.Context, event *Event) error {
		received <- event.Type
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	// Matches one token after the prefix
	if err := bus.Publish(ctx, "session.stream.sess-1", NewEvent("session.stream", "runner", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	// Two trailing tokens must not match a single-token wildcard
	if err := bus.Publish(ctx, "session.stream.sess-1.extra", NewEvent("session.stream", "runner", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for wildcard match")
	}

	select {
	case <-received:
		t.Error("Single-token wildcard matched a multi-token suffix")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryEventBus_MultiTokenWildcard(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("workflow.execution.>", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	subjects := []string{
		"workflow.execution.started.exec-1",
		"workflow.execution.awaiting_approval.exec-1",
		"workflow.execution.completed.exec-2",
	}
	for _, subject := range subjects {
		if err := bus.Publish(ctx, subject, NewEvent(subject, "workflow", nil)); err != nil {
			t.Fatalf("Publish to %s failed: %v", subject, err)
		}
	}

	time.Sleep(100 * time.Millisecond)

	if got := atomic.LoadInt32(&count); got != 3 {
		t.Errorf("Expected 3 deliveries via > wildcard, got %d", got)
	}
}

func TestMemoryEventBus_QueueSubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var total int32
	var mu sync.Mutex
	perSub := make(map[int]int)

	for i := 0; i < 3; i++ {
		idx := i
		sub, err := bus.QueueSubscribe("task.created", "workers", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&total, 1)
			mu.Lock()
			perSub[idx]++
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("QueueSubscribe %d failed: %v", i, err)
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()
	}

	const published = 6
	for i := 0; i < published; i++ {
		if err := bus.Publish(ctx, "task.created", NewEvent("task.created", "taskboard", nil)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	time.Sleep(200 * time.Millisecond)

	if got := atomic.LoadInt32(&total); got != published {
		t.Fatalf("Expected %d total queue deliveries, got %d", published, got)
	}

	// Round-robin spreads messages across the group
	mu.Lock()
	defer mu.Unlock()
	for idx, n := range perSub {
		if n != 2 {
			t.Errorf("Subscriber %d received %d messages, expected 2", idx, n)
		}
	}
}

func TestMemoryEventBus_Request(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()

	sub, err := bus.Subscribe("runner.connected", func(ctx context.Context, event *Event) error {
		reply, _ := event.Data["_reply"].(string)
		if reply == "" {
			t.Error("Expected _reply subject in request data")
			return nil
		}
		return bus.Publish(ctx, reply, NewEvent("runner.connected.ack", "runner", nil))
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	response, err := bus.Request(ctx, "runner.connected", NewEvent("runner.connected", "gateway", nil), time.Second)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if response.Type != "runner.connected.ack" {
		t.Errorf("Expected ack response, got %s", response.Type)
	}
}

func TestMemoryEventBus_RequestTimeout(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()

	_, err := bus.Request(ctx, "nobody.listening", NewEvent("ping", "test", nil), 50*time.Millisecond)
	if err == nil {
		t.Fatal("Expected timeout error for request with no responder")
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)

	sub, err := bus.Subscribe("session.created", func(ctx context.Context, event *Event) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Close()

	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after close")
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after close")
	}
	if err := bus.Publish(context.Background(), "session.created", NewEvent("session.created", "test", nil)); err == nil {
		t.Error("Expected publish on closed bus to fail")
	}
}
