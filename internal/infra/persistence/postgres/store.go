package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/infra/persistence"
)

// Store bundles the PostgreSQL-backed settlement repositories sharing one
// connection pool.
type Store struct {
	*persistence.Store

	Trades    *TradeStore
	Snapshots *SnapshotStore
	Outbox    *OutboxStore
}

// New constructs the PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:     persistence.NewStore(pool),
		Trades:    NewTradeStore(pool),
		Snapshots: NewSnapshotStore(pool),
		Outbox:    NewOutboxStore(pool),
	}
}
