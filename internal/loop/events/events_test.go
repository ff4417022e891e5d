package events

import (
	"context"
	"sync"
	"testing"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (c *captureEmitter) Emit(ctx context.Context, e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureEmitter) Close() error {
	c.closed = true
	return nil
}

func TestProgressMessage(t *testing.T) {
	if got := ProgressMessage(2, 5, "3 failures"); got != "Iteration 2 of 5: 3 failures" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestBus_DeliversToEmittersAndSubscribers(t *testing.T) {
	capture := &captureEmitter{}
	bus := NewBus(capture)
	ch, unsubscribe := bus.Subscribe(4)

	_ = bus.Emit(context.Background(), Event{SessionID: "s1", Kind: KindProgress, Message: "hello"})

	got := <-ch
	if got.Message != "hello" || got.At.IsZero() {
		t.Errorf("unexpected event %+v", got)
	}
	if len(capture.events) != 1 {
		t.Errorf("expected emitter to receive event, got %d", len(capture.events))
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Error("expected channel closed after unsubscribe")
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	_, unsubscribe := bus.Subscribe(1)
	defer unsubscribe()

	for i := 0; i < 5; i++ {
		_ = bus.Emit(context.Background(), Event{Kind: KindTransition})
	}
	if bus.Dropped() != 4 {
		t.Errorf("expected 4 dropped events, got %d", bus.Dropped())
	}
}

func TestBus_Close(t *testing.T) {
	capture := &captureEmitter{}
	bus := NewBus(capture)
	ch, unsubscribe := bus.Subscribe(1)

	_ = bus.Close()
	unsubscribe()

	if _, ok := <-ch; ok {
		t.Error("expected subscriber channel closed")
	}
	if !capture.closed {
		t.Error("expected emitter closed")
	}
}
