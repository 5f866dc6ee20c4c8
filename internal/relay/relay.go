// Package relay replays durable outbox events onto the in-memory bus. It is
// the recovery path for events recorded while the bus (or its subscribers)
// was unavailable.
package relay

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	concpool "github.com/sourcegraph/conc/pool"

	"github.com/NakaSato/gridtokenx-anchor-sub005/errs"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/domain/outboxstore"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/events"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/observability"
)

const maxListBackoff = 30 * time.Second

// Store is the slice of the outbox contract the relay depends on.
type Store interface {
	ListPending(ctx context.Context, limit int) ([]outboxstore.EventRecord, error)
	MarkDelivered(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
}

// Config sizes the relay loop.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Workers      int
}

func (c Config) normalize() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 128
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// Relay drains pending outbox records and publishes them to the bus.
type Relay struct {
	cfg   Config
	store Store
	bus   events.Bus
}

// New constructs a relay.
func New(cfg Config, store Store, bus events.Bus) (*Relay, error) {
	const op = "relay.New"
	if store == nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("outbox store required"))
	}
	if bus == nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("event bus required"))
	}
	return &Relay{cfg: cfg.normalize(), store: store, bus: bus}, nil
}

// Run polls the outbox until the context is cancelled. List failures back off
// exponentially; successful drains reset the backoff.
func (r *Relay) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxListBackoff

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		delivered, err := r.DrainOnce(ctx)
		if err != nil {
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = maxListBackoff
			}
			observability.Log().Error("outbox drain",
				observability.Field{Key: "error", Value: err.Error()})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
			continue
		}
		backoffCfg.Reset()

		if delivered == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.PollInterval):
			}
		}
	}
}

// DrainOnce publishes one batch of pending events. It returns the number of
// events delivered; per-event publish failures are recorded on the outbox
// entry for the next pass rather than failing the drain.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	const op = "relay.DrainOnce"
	records, err := r.store.ListPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, errs.New(op, errs.CodeUnavailable,
			errs.WithMessage("list pending outbox events"), errs.WithCause(err))
	}
	if len(records) == 0 {
		return 0, nil
	}

	delivered := make([]bool, len(records))
	workers := concpool.New().WithMaxGoroutines(r.cfg.Workers)
	for i := range records {
		workers.Go(func() {
			delivered[i] = r.replay(ctx, records[i])
		})
	}
	workers.Wait()

	count := 0
	for _, ok := range delivered {
		if ok {
			count++
		}
	}
	observability.Telemetry().IncCounter("relay.events.delivered", float64(count), map[string]string{})
	return count, nil
}

func (r *Relay) replay(ctx context.Context, record outboxstore.EventRecord) bool {
	evt := &events.Event{
		EventID:    record.EventID,
		Type:       events.Type(strings.TrimSpace(record.EventType)),
		Market:     record.Market,
		OccurredAt: record.AvailableAt,
		Payload:    record.Payload,
	}
	if err := r.bus.Publish(ctx, evt); err != nil {
		if markErr := r.store.MarkFailed(ctx, record.ID, err.Error()); markErr != nil {
			observability.Log().Error("mark outbox event failed",
				observability.Field{Key: "event_id", Value: record.EventID},
				observability.Field{Key: "error", Value: markErr.Error()})
		}
		return false
	}
	if err := r.store.MarkDelivered(ctx, record.ID); err != nil {
		observability.Log().Error("mark outbox event delivered",
			observability.Field{Key: "event_id", Value: record.EventID},
			observability.Field{Key: "error", Value: err.Error()})
		return false
	}
	return true
}
