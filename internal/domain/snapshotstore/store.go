// Package snapshotstore defines persistence contracts for dynamic price
// snapshots produced by the pricing oracle.
package snapshotstore

import "context"

// Snapshot is one computed price with its component breakdown.
type Snapshot struct {
	Market        string `json:"market"`
	Price         int64  `json:"price"`
	BasePrice     int64  `json:"basePrice"`
	TOUMultiplier int64  `json:"touMultiplier"`
	Seasonal      int64  `json:"seasonal"`
	Congestion    int64  `json:"congestion"`
	SupplyDemand  int64  `json:"supplyDemand"`
	ConfigVersion int64  `json:"configVersion"`
	Timestamp     int64  `json:"timestamp"`
}

// SnapshotRecord is a stored snapshot enriched with audit timestamps.
type SnapshotRecord struct {
	Snapshot
	CreatedAt int64 `json:"createdAt"`
}

// Query scopes snapshot lookups.
type Query struct {
	Market string `json:"market"`
	Since  int64  `json:"since,omitempty"`
	Until  int64  `json:"until,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Store defines the contract for price snapshot persistence. RecordSnapshot
// upserts on (market, timestamp) so oracle dedupe stays idempotent here too.
type Store interface {
	RecordSnapshot(ctx context.Context, snap Snapshot) (SnapshotRecord, error)
	ListSnapshots(ctx context.Context, query Query) ([]SnapshotRecord, error)
}
