// Package events defines the settlement event envelope, the typed payloads
// emitted by the core, and the pub/sub bus that distributes them.
package events

import "time"

// Type classifies a settlement event.
type Type string

const (
	TypeMarketInitialized     Type = "market_initialized"
	TypeSellOrderCreated      Type = "sell_order_created"
	TypeBuyOrderCreated       Type = "buy_order_created"
	TypeOrderMatched          Type = "order_matched"
	TypeOrderCancelled        Type = "order_cancelled"
	TypeMarketParamsUpdated   Type = "market_params_updated"
	TypeAuctionInitialized    Type = "auction_initialized"
	TypeAuctionOrderSubmitted Type = "auction_order_submitted"
	TypeAuctionOrderCancelled Type = "auction_order_cancelled"
	TypeAuctionResolved       Type = "auction_resolved"
	TypeAuctionSettled        Type = "auction_settled"
	TypeBatchClosed           Type = "batch_closed"
	TypePricingConfigured     Type = "pricing_configured"
	TypePriceUpdated          Type = "price_updated"
)

// Event is the envelope published on the bus and written to the outbox.
type Event struct {
	EventID    string    `json:"event_id"`
	Type       Type      `json:"type"`
	Market     string    `json:"market"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// Sink receives events produced by the core as side effects of operations.
// Implementations must not block; the core calls Emit while holding its lock.
type Sink interface {
	Emit(evt Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(evt Event)

// Emit calls the wrapped function.
func (f SinkFunc) Emit(evt Event) { f(evt) }

// NopSink discards every event.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(Event) {}

// MarketInitialized reports a freshly created market aggregate.
type MarketInitialized struct {
	Authority string `json:"authority"`
	FeeBps    uint16 `json:"fee_bps"`
}

// OrderCreated reports a new resting order on either side of the book.
type OrderCreated struct {
	OrderID     string `json:"order_id"`
	Owner       string `json:"owner"`
	Side        string `json:"side"`
	Amount      uint64 `json:"amount"`
	Price       uint64 `json:"price"`
	Certificate string `json:"certificate,omitempty"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
}

// OrderMatched reports a settled continuous-mode trade.
type OrderMatched struct {
	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id"`
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	Amount      uint64 `json:"amount"`
	Price       uint64 `json:"price"`
	TotalValue  uint64 `json:"total_value"`
	Fee         uint64 `json:"fee"`
	Wheeling    uint64 `json:"wheeling"`
}

// OrderCancelled reports a cancelled order and the escrow returned.
type OrderCancelled struct {
	OrderID        string `json:"order_id"`
	Owner          string `json:"owner"`
	RefundedAmount uint64 `json:"refunded_amount"`
	RefundedAsset  string `json:"refunded_asset"`
}

// MarketParamsUpdated reports an authority change to market parameters.
type MarketParamsUpdated struct {
	FeeBps          uint16 `json:"fee_bps"`
	ClearingEnabled bool   `json:"clearing_enabled"`
}

// AuctionInitialized reports a new batch accepting orders.
type AuctionInitialized struct {
	Batch     uint64 `json:"batch"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
}

// AuctionOrderSubmitted reports a sealed order locked into a batch vault.
type AuctionOrderSubmitted struct {
	Batch       uint64 `json:"batch"`
	Owner       string `json:"owner"`
	Side        string `json:"side"`
	Amount      uint64 `json:"amount"`
	Price       uint64 `json:"price"`
	LockedValue uint64 `json:"locked_value"`
}

// AuctionOrderCancelled reports a pre-lock cancellation and its refund.
type AuctionOrderCancelled struct {
	Batch          uint64 `json:"batch"`
	Owner          string `json:"owner"`
	RefundedAmount uint64 `json:"refunded_amount"`
	RefundedAsset  string `json:"refunded_asset"`
}

// AuctionResolved reports the uniform clearing outcome of a batch.
type AuctionResolved struct {
	Batch          uint64 `json:"batch"`
	ClearingPrice  uint64 `json:"clearing_price"`
	ClearingVolume uint64 `json:"clearing_volume"`
	MatchedBids    int    `json:"matched_bids"`
	MatchedAsks    int    `json:"matched_asks"`
}

// AuctionSettled reports one settled pair inside a cleared batch.
type AuctionSettled struct {
	Batch  uint64 `json:"batch"`
	Buyer  string `json:"buyer"`
	Seller string `json:"seller"`
	Amount uint64 `json:"amount"`
	Price  uint64 `json:"price"`
	Fee    uint64 `json:"fee"`
}

// BatchClosed reports full settlement of a batch and the refunds released.
type BatchClosed struct {
	Batch            uint64 `json:"batch"`
	SettledVolume    uint64 `json:"settled_volume"`
	RefundedCurrency uint64 `json:"refunded_currency"`
	RefundedEnergy   uint64 `json:"refunded_energy"`
}

// PricingConfigured reports installed oracle parameters.
type PricingConfigured struct {
	BasePrice uint64 `json:"base_price"`
	MinPrice  uint64 `json:"min_price"`
	MaxPrice  uint64 `json:"max_price"`
}

// PriceUpdated reports a recomputed dynamic price snapshot.
type PriceUpdated struct {
	Price         uint64 `json:"price"`
	BasePrice     uint64 `json:"base_price"`
	TOUMultiplier uint64 `json:"tou_multiplier"`
	Seasonal      uint64 `json:"seasonal_multiplier"`
	Congestion    uint64 `json:"congestion_factor"`
	SupplyDemand  int64  `json:"supply_demand_adjustment"`
	Timestamp     int64  `json:"timestamp"`
}
