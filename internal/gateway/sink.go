package gateway

import (
	"context"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/domain/outboxstore"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/events"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/observability"
)

// OutboxEnqueuer is the slice of the outbox store the gateway needs for
// durable event publication.
type OutboxEnqueuer interface {
	Enqueue(ctx context.Context, evt outboxstore.Event) (outboxstore.EventRecord, error)
}

// recordingSink buffers events emitted by core aggregates during one
// operation. The core calls Emit while the gateway lock is held, so no
// further synchronization is needed.
type recordingSink struct {
	pending []events.Event
}

func (s *recordingSink) Emit(evt events.Event) {
	s.pending = append(s.pending, evt)
}

func (s *recordingSink) drain() []events.Event {
	out := s.pending
	s.pending = nil
	return out
}

// publisher assigns event identifiers and forwards drained events to the
// durable outbox and the in-memory bus. Failures are logged, never
// propagated: settlement outcomes are already final when events dispatch.
type publisher struct {
	market string
	bus    events.Bus
	outbox OutboxEnqueuer
}

func newPublisher(market string, bus events.Bus, outbox OutboxEnqueuer) *publisher {
	return &publisher{market: market, bus: bus, outbox: outbox}
}

func (p *publisher) dispatch(ctx context.Context, pending []events.Event) {
	for i := range pending {
		evt := &pending[i]
		if evt.EventID == "" {
			evt.EventID = uuid.NewString()
		}
		p.enqueue(ctx, evt)
		p.publishToBus(ctx, evt)
	}
}

func (p *publisher) enqueue(ctx context.Context, evt *events.Event) {
	if p.outbox == nil {
		return
	}
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		observability.Log().Error("marshal event payload",
			observability.Field{Key: "event_type", Value: string(evt.Type)},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	_, err = p.outbox.Enqueue(ctx, outboxstore.Event{
		Market:      p.market,
		EventID:     evt.EventID,
		EventType:   string(evt.Type),
		Payload:     payload,
		AvailableAt: evt.OccurredAt,
	})
	if err != nil {
		observability.Log().Error("enqueue outbox event",
			observability.Field{Key: "event_id", Value: evt.EventID},
			observability.Field{Key: "event_type", Value: string(evt.Type)},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

func (p *publisher) publishToBus(ctx context.Context, evt *events.Event) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, evt); err != nil {
		observability.Log().Error("publish event",
			observability.Field{Key: "event_id", Value: evt.EventID},
			observability.Field{Key: "event_type", Value: string(evt.Type)},
			observability.Field{Key: "error", Value: err.Error()})
	}
}
