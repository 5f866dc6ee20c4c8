package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/domain/snapshotstore"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SnapshotStore persists dynamic price snapshots produced by the pricing oracle.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore constructs a SnapshotStore backed by the provided pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

const (
	defaultSnapshotLimit = 100
	maxSnapshotLimit     = 1000
)

const (
	snapshotUpsertSQL = `
INSERT INTO price_snapshots (
    market,
    price,
    base_price,
    tou_multiplier,
    seasonal,
    congestion,
    supply_demand,
    config_version,
    snapshot_at
)
VALUES (
    @market,
    @price,
    @base_price,
    @tou_multiplier,
    @seasonal,
    @congestion,
    @supply_demand,
    @config_version,
    @snapshot_at
)
ON CONFLICT (market, snapshot_at) DO UPDATE
SET price = EXCLUDED.price,
    base_price = EXCLUDED.base_price,
    tou_multiplier = EXCLUDED.tou_multiplier,
    seasonal = EXCLUDED.seasonal,
    congestion = EXCLUDED.congestion,
    supply_demand = EXCLUDED.supply_demand,
    config_version = EXCLUDED.config_version
RETURNING ` + snapshotColumns + `;
`

	snapshotColumns = `
    market,
    price,
    base_price,
    tou_multiplier,
    seasonal,
    congestion,
    supply_demand,
    config_version,
    snapshot_at,
    EXTRACT(EPOCH FROM created_at)::bigint`

	snapshotSelectBase = `
SELECT` + snapshotColumns + `
FROM price_snapshots`
)

// RecordSnapshot upserts a price snapshot keyed on (market, snapshot_at).
func (s *SnapshotStore) RecordSnapshot(ctx context.Context, snap snapshotstore.Snapshot) (snapshotstore.SnapshotRecord, error) {
	if s.pool == nil {
		return snapshotstore.SnapshotRecord{}, fmt.Errorf("snapshot store: nil pool")
	}
	market := strings.TrimSpace(snap.Market)
	if market == "" {
		return snapshotstore.SnapshotRecord{}, fmt.Errorf("snapshot store: market required")
	}
	args := pgx.NamedArgs{
		"market":         market,
		"price":          snap.Price,
		"base_price":     snap.BasePrice,
		"tou_multiplier": snap.TOUMultiplier,
		"seasonal":       snap.Seasonal,
		"congestion":     snap.Congestion,
		"supply_demand":  snap.SupplyDemand,
		"config_version": snap.ConfigVersion,
		"snapshot_at":    snap.Timestamp,
	}
	row := s.pool.QueryRow(ctx, snapshotUpsertSQL, args)
	return scanSnapshotRecord(row)
}

// ListSnapshots retrieves persisted snapshots matching the supplied query filters.
func (s *SnapshotStore) ListSnapshots(ctx context.Context, query snapshotstore.Query) ([]snapshotstore.SnapshotRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("snapshot store: nil pool")
	}
	limit := clampStoreLimit(query.Limit, defaultSnapshotLimit, maxSnapshotLimit)

	builder := strings.Builder{}
	builder.WriteString(snapshotSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 4)
	argPos := 1

	if trimmed := strings.TrimSpace(query.Market); trimmed != "" {
		fmt.Fprintf(&builder, " AND market = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if query.Since != 0 {
		fmt.Fprintf(&builder, " AND snapshot_at >= $%d", argPos)
		args = append(args, query.Since)
		argPos++
	}
	if query.Until != 0 {
		fmt.Fprintf(&builder, " AND snapshot_at <= $%d", argPos)
		args = append(args, query.Until)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY snapshot_at DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("snapshot store: list snapshots: %w", err)
	}
	defer rows.Close()

	var records []snapshotstore.SnapshotRecord
	for rows.Next() {
		record, err := scanSnapshotRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot store: iterate snapshots: %w", err)
	}
	return records, nil
}

func scanSnapshotRecord(row rowScanner) (snapshotstore.SnapshotRecord, error) {
	var record snapshotstore.SnapshotRecord
	if err := row.Scan(
		&record.Market,
		&record.Price,
		&record.BasePrice,
		&record.TOUMultiplier,
		&record.Seasonal,
		&record.Congestion,
		&record.SupplyDemand,
		&record.ConfigVersion,
		&record.Timestamp,
		&record.CreatedAt,
	); err != nil {
		return snapshotstore.SnapshotRecord{}, fmt.Errorf("snapshot store: scan record: %w", err)
	}
	return record, nil
}

var _ snapshotstore.Store = (*SnapshotStore)(nil)
