package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/domain/outboxstore"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/events"
)

type memoryStore struct {
	mu      sync.Mutex
	pending []outboxstore.EventRecord
	failed  map[int64]string
	listErr error
}

func (s *memoryStore) ListPending(context.Context, int) ([]outboxstore.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]outboxstore.EventRecord, len(s.pending))
	copy(out, s.pending)
	return out, nil
}

func (s *memoryStore) MarkDelivered(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, record := range s.pending {
		if record.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return nil
		}
	}
	return errors.New("not found")
}

func (s *memoryStore) MarkFailed(_ context.Context, id int64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == nil {
		s.failed = make(map[int64]string)
	}
	s.failed[id] = lastError
	return nil
}

type captureBus struct {
	mu        sync.Mutex
	published []*events.Event
	failTypes map[events.Type]error
}

func (b *captureBus) Publish(_ context.Context, evt *events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.failTypes[evt.Type]; ok {
		return err
	}
	b.published = append(b.published, evt)
	return nil
}

func (b *captureBus) Subscribe(context.Context, events.Type) (events.SubscriptionID, <-chan *events.Event, error) {
	return "", nil, errors.New("not implemented")
}

func (b *captureBus) Unsubscribe(events.SubscriptionID) {}
func (b *captureBus) Close()                            {}

func record(id int64, typ events.Type) outboxstore.EventRecord {
	return outboxstore.EventRecord{
		ID:          id,
		Market:      "grid-main",
		EventID:     "evt-" + string(typ),
		EventType:   string(typ),
		Payload:     json.RawMessage(`{"order_id":"ord-1"}`),
		AvailableAt: time.Unix(1_700_000_000, 0),
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	bus := &captureBus{}
	if _, err := New(Config{}, nil, bus); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := New(Config{}, &memoryStore{}, nil); err == nil {
		t.Fatal("expected error for nil bus")
	}
}

func TestDrainOnceDeliversAndClears(t *testing.T) {
	store := &memoryStore{pending: []outboxstore.EventRecord{
		record(1, events.TypeOrderMatched),
		record(2, events.TypeBatchClosed),
	}}
	bus := &captureBus{}
	relay, err := New(Config{Workers: 2}, store, bus)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}

	n, err := relay.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 delivered, got %d", n)
	}
	if len(store.pending) != 0 {
		t.Fatalf("expected pending cleared, got %d", len(store.pending))
	}
	if len(bus.published) != 2 {
		t.Fatalf("expected 2 published events, got %d", len(bus.published))
	}
	for _, evt := range bus.published {
		if evt.Market != "grid-main" || evt.EventID == "" {
			t.Fatalf("unexpected event %+v", evt)
		}
	}
}

func TestDrainOnceMarksFailures(t *testing.T) {
	store := &memoryStore{pending: []outboxstore.EventRecord{
		record(1, events.TypeOrderMatched),
		record(2, events.TypeBatchClosed),
	}}
	bus := &captureBus{failTypes: map[events.Type]error{
		events.TypeBatchClosed: errors.New("subscriber wedged"),
	}}
	relay, err := New(Config{}, store, bus)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}

	n, err := relay.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 delivered, got %d", n)
	}
	if store.failed[2] != "subscriber wedged" {
		t.Fatalf("expected failure recorded for id 2, got %+v", store.failed)
	}
	if len(store.pending) != 1 || store.pending[0].ID != 2 {
		t.Fatalf("expected id 2 still pending, got %+v", store.pending)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := &memoryStore{}
	bus := &captureBus{}
	relay, err := New(Config{PollInterval: 10 * time.Millisecond}, store, bus)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after cancel")
	}
}
