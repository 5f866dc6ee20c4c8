package events

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	evt := &Event{EventID: "evt-1", Type: TypeOrderMatched, Market: "mkt"}
	if err := bus.Publish(context.Background(), evt); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMemoryBusPublishNilEvent(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	if err := bus.Publish(context.Background(), nil); err != nil {
		t.Errorf("expected no error for nil event, got %v", err)
	}
}

func TestMemoryBusPublishEmptyType(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	if err := bus.Publish(context.Background(), &Event{EventID: "evt-1"}); err == nil {
		t.Error("expected error for empty event type")
	}
}

func TestMemoryBusSubscribeAndPublish(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10, FanoutWorkers: 2})
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	subID, eventsCh, err := bus.Subscribe(ctx, TypeOrderMatched)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer bus.Unsubscribe(subID)

	evt := &Event{
		EventID: "evt-1",
		Type:    TypeOrderMatched,
		Market:  "mkt",
		Payload: OrderMatched{Amount: 50, Price: 400},
	}
	if err := bus.Publish(ctx, evt); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case received := <-eventsCh:
		if received == nil {
			t.Fatal("received nil event")
		}
		if received.EventID != "evt-1" {
			t.Errorf("expected EventID evt-1, got %s", received.EventID)
		}
		payload, ok := received.Payload.(OrderMatched)
		if !ok {
			t.Fatalf("unexpected payload type %T", received.Payload)
		}
		if payload.Amount != 50 || payload.Price != 400 {
			t.Errorf("payload = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryBusSubscriberIsolation(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	ctx := context.Background()
	_, ch1, err := bus.Subscribe(ctx, TypeAuctionResolved)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	_, ch2, err := bus.Subscribe(ctx, TypeAuctionResolved)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	evt := &Event{EventID: "evt-7", Type: TypeAuctionResolved, Market: "mkt"}
	if err := bus.Publish(ctx, evt); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	recv := func(ch <-chan *Event) *Event {
		select {
		case e := <-ch:
			return e
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
			return nil
		}
	}
	e1, e2 := recv(ch1), recv(ch2)
	if e1 == e2 {
		t.Error("subscribers must receive independent copies")
	}
	if e1.EventID != e2.EventID {
		t.Errorf("event IDs diverge: %s vs %s", e1.EventID, e2.EventID)
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	subID, eventsCh, err := bus.Subscribe(context.Background(), TypeOrderMatched)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	bus.Unsubscribe(subID)

	select {
	case _, ok := <-eventsCh:
		if ok {
			t.Error("expected channel to be closed")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for channel close")
	}
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})

	_, eventsCh, err := bus.Subscribe(context.Background(), TypeOrderMatched)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	bus.Close()

	select {
	case _, ok := <-eventsCh:
		if ok {
			t.Error("expected channel to be closed after bus close")
		}
	case <-time.After(100 * time.Millisecond):
	}
}
