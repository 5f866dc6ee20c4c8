package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/domain/tradestore"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TradeStore persists the audit trail of settled trades.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore constructs a TradeStore backed by the provided pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const (
	defaultTradeLimit = 100
	maxTradeLimit     = 500
)

const (
	tradeInsertSQL = `
INSERT INTO trades (
    trade_id,
    market,
    venue,
    batch,
    buy_order_id,
    sell_order_id,
    buyer,
    seller,
    amount,
    price,
    total_value,
    fee,
    wheeling,
    executed_at
)
VALUES (
    @trade_id,
    @market,
    @venue,
    @batch,
    @buy_order_id,
    @sell_order_id,
    @buyer,
    @seller,
    @amount,
    @price,
    @total_value,
    @fee,
    @wheeling,
    @executed_at
)
RETURNING ` + tradeColumns + `;
`

	tradeColumns = `
    trade_id,
    market,
    venue,
    batch,
    buy_order_id,
    sell_order_id,
    buyer,
    seller,
    amount,
    price,
    total_value,
    fee,
    wheeling,
    executed_at,
    EXTRACT(EPOCH FROM created_at)::bigint`

	tradeSelectBase = `
SELECT` + tradeColumns + `
FROM trades`
)

// RecordTrade inserts a settled trade into the audit trail.
func (s *TradeStore) RecordTrade(ctx context.Context, trade tradestore.Trade) (tradestore.TradeRecord, error) {
	if s.pool == nil {
		return tradestore.TradeRecord{}, fmt.Errorf("trade store: nil pool")
	}
	tradeID := strings.TrimSpace(trade.TradeID)
	if tradeID == "" {
		return tradestore.TradeRecord{}, fmt.Errorf("trade store: trade id required")
	}
	market := strings.TrimSpace(trade.Market)
	if market == "" {
		return tradestore.TradeRecord{}, fmt.Errorf("trade store: market required")
	}
	venue := strings.TrimSpace(trade.Venue)
	if venue == "" {
		return tradestore.TradeRecord{}, fmt.Errorf("trade store: venue required")
	}
	args := pgx.NamedArgs{
		"trade_id":      tradeID,
		"market":        market,
		"venue":         venue,
		"batch":         trade.Batch,
		"buy_order_id":  strings.TrimSpace(trade.BuyOrderID),
		"sell_order_id": strings.TrimSpace(trade.SellOrderID),
		"buyer":         strings.TrimSpace(trade.Buyer),
		"seller":        strings.TrimSpace(trade.Seller),
		"amount":        trade.Amount,
		"price":         trade.Price,
		"total_value":   trade.TotalValue,
		"fee":           trade.Fee,
		"wheeling":      trade.Wheeling,
		"executed_at":   trade.ExecutedAt,
	}
	row := s.pool.QueryRow(ctx, tradeInsertSQL, args)
	return scanTradeRecord(row)
}

// ListTrades retrieves persisted trades matching the supplied query filters.
func (s *TradeStore) ListTrades(ctx context.Context, query tradestore.Query) ([]tradestore.TradeRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("trade store: nil pool")
	}
	limit := clampStoreLimit(query.Limit, defaultTradeLimit, maxTradeLimit)

	builder := strings.Builder{}
	builder.WriteString(tradeSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 4)
	argPos := 1

	if trimmed := strings.TrimSpace(query.Market); trimmed != "" {
		fmt.Fprintf(&builder, " AND market = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if trimmed := strings.TrimSpace(query.Venue); trimmed != "" {
		fmt.Fprintf(&builder, " AND venue = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if trimmed := strings.TrimSpace(query.Party); trimmed != "" {
		fmt.Fprintf(&builder, " AND (buyer = $%d OR seller = $%d)", argPos, argPos)
		args = append(args, trimmed)
		argPos++
	}
	if query.Batch != 0 {
		fmt.Fprintf(&builder, " AND batch = $%d", argPos)
		args = append(args, query.Batch)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY executed_at DESC, trade_id DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("trade store: list trades: %w", err)
	}
	defer rows.Close()

	var records []tradestore.TradeRecord
	for rows.Next() {
		record, err := scanTradeRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trade store: iterate trades: %w", err)
	}
	return records, nil
}

func scanTradeRecord(row rowScanner) (tradestore.TradeRecord, error) {
	var record tradestore.TradeRecord
	if err := row.Scan(
		&record.TradeID,
		&record.Market,
		&record.Venue,
		&record.Batch,
		&record.BuyOrderID,
		&record.SellOrderID,
		&record.Buyer,
		&record.Seller,
		&record.Amount,
		&record.Price,
		&record.TotalValue,
		&record.Fee,
		&record.Wheeling,
		&record.ExecutedAt,
		&record.CreatedAt,
	); err != nil {
		return tradestore.TradeRecord{}, fmt.Errorf("trade store: scan record: %w", err)
	}
	return record, nil
}

func clampStoreLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}

var _ tradestore.Store = (*TradeStore)(nil)
