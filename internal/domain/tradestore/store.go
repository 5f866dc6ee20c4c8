// Package tradestore defines persistence contracts for the settlement audit
// trail of executed trades.
package tradestore

import "context"

// Trade is the persisted record of one settled exchange.
type Trade struct {
	TradeID     string `json:"tradeId"`
	Market      string `json:"market"`
	Venue       string `json:"venue"`
	Batch       int64  `json:"batch"`
	BuyOrderID  string `json:"buyOrderId"`
	SellOrderID string `json:"sellOrderId"`
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	Amount      int64  `json:"amount"`
	Price       int64  `json:"price"`
	TotalValue  int64  `json:"totalValue"`
	Fee         int64  `json:"fee"`
	Wheeling    int64  `json:"wheeling"`
	ExecutedAt  int64  `json:"executedAt"`
}

// TradeRecord is a stored trade enriched with audit timestamps.
type TradeRecord struct {
	Trade
	CreatedAt int64 `json:"createdAt"`
}

// Query scopes trade lookups.
type Query struct {
	Market string `json:"market"`
	Venue  string `json:"venue,omitempty"`
	Party  string `json:"party,omitempty"`
	Batch  int64  `json:"batch,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Store defines the contract for trade audit persistence.
type Store interface {
	RecordTrade(ctx context.Context, trade Trade) (TradeRecord, error)
	ListTrades(ctx context.Context, query Query) ([]TradeRecord, error)
}
