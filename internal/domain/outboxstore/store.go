// Package outboxstore defines persistence contracts for durable settlement
// event publishing.
package outboxstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Event encapsulates a single outbox entry ready to be enqueued.
type Event struct {
	Market      string
	EventID     string
	EventType   string
	Payload     json.RawMessage
	AvailableAt time.Time
}

// EventRecord captures the persisted state of an outbox entry.
type EventRecord struct {
	ID          int64
	Market      string
	EventID     string
	EventType   string
	Payload     json.RawMessage
	AvailableAt time.Time
	PublishedAt *time.Time
	Attempts    int
	LastError   string
	Delivered   bool
	CreatedAt   time.Time
}

// Store abstracts persistence operations for the outbox.
type Store interface {
	Enqueue(ctx context.Context, evt Event) (EventRecord, error)
	ListPending(ctx context.Context, limit int) ([]EventRecord, error)
	MarkDelivered(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
	Delete(ctx context.Context, id int64) error
}
