// Package market implements the continuous order book and the atomic
// settlement engine for a single energy market.
package market

import (
	"strconv"

	"github.com/NakaSato/gridtokenx-anchor-sub005/errs"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/ledger"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/numeric"
)

const (
	// DefaultFeeBps is the market fee applied when no override is configured.
	DefaultFeeBps uint16 = 25
	// MaxFeeBps caps the configurable market fee at 10%.
	MaxFeeBps uint16 = 1_000
	// priceHistoryLen bounds the rolling window used for the VWAP.
	priceHistoryLen = 24
	// depthLevels bounds the aggregated depth kept per side.
	depthLevels = 20
)

// PricePoint is one traded price observation in the rolling history.
type PricePoint struct {
	Price     uint64
	Volume    uint64
	Timestamp int64
}

// PriceLevel aggregates open remaining amount at one price.
type PriceLevel struct {
	Price  uint64
	Amount uint64
}

// Params are the authority-adjustable market parameters.
type Params struct {
	FeeBps          uint16
	ClearingEnabled bool
}

// Market is the per-market aggregate: identity, fees, trade statistics,
// rolling price history, and aggregated book depth.
type Market struct {
	Name              string
	Authority         ledger.Party
	FeeCollector      ledger.Party
	WheelingCollector ledger.Party

	feeBps            uint16
	clearingEnabled   bool
	sequence          uint64
	activeOrders      uint64
	totalVolume       uint64
	totalTrades       uint64
	lastClearingPrice uint64

	history      [priceHistoryLen]PricePoint
	historyLen   int
	historyStart int

	buyDepth  []PriceLevel
	sellDepth []PriceLevel

	version uint64
}

// NewMarket initializes a market aggregate. A zero feeBps selects the default.
func NewMarket(name string, authority, feeCollector, wheelingCollector ledger.Party, feeBps uint16) (*Market, error) {
	const op = "market.NewMarket"
	if name == "" || authority == "" {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("market name and authority required"))
	}
	if feeBps == 0 {
		feeBps = DefaultFeeBps
	}
	if feeBps > MaxFeeBps {
		return nil, errs.New(op, errs.CodeInvalid,
			errs.WithMessage("fee exceeds maximum"),
			errs.WithMeta("fee_bps", strconv.Itoa(int(feeBps))))
	}
	return &Market{
		Name:              name,
		Authority:         authority,
		FeeCollector:      feeCollector,
		WheelingCollector: wheelingCollector,
		feeBps:            feeBps,
		clearingEnabled:   true,
		version:           1,
	}, nil
}

// FeeBps returns the current market fee in basis points.
func (m *Market) FeeBps() uint16 { return m.feeBps }

// ClearingEnabled reports whether trade settlement is currently allowed.
func (m *Market) ClearingEnabled() bool { return m.clearingEnabled }

// Version returns the aggregate's optimistic concurrency counter.
func (m *Market) Version() uint64 { return m.version }

// ActiveOrders returns the count of open orders on the book.
func (m *Market) ActiveOrders() uint64 { return m.activeOrders }

// TotalVolume returns the cumulative traded value in currency minor units.
func (m *Market) TotalVolume() uint64 { return m.totalVolume }

// TotalTrades returns the cumulative number of settled trades.
func (m *Market) TotalTrades() uint64 { return m.totalTrades }

// LastClearingPrice returns the price of the most recent settlement.
func (m *Market) LastClearingPrice() uint64 { return m.lastClearingPrice }

// UpdateParams applies authority changes to the adjustable parameters.
func (m *Market) UpdateParams(actor ledger.Party, p Params) error {
	const op = "market.UpdateParams"
	if actor != m.Authority {
		return errs.New(op, errs.CodeUnauthorized,
			errs.WithMessage("only the market authority may update parameters"))
	}
	if p.FeeBps > MaxFeeBps {
		return errs.New(op, errs.CodeInvalid,
			errs.WithMessage("fee exceeds maximum"),
			errs.WithMeta("fee_bps", strconv.Itoa(int(p.FeeBps))))
	}
	m.feeBps = p.FeeBps
	m.clearingEnabled = p.ClearingEnabled
	m.version++
	return nil
}

// nextOrderID advances the order sequence.
func (m *Market) nextOrderID() OrderID {
	m.sequence++
	return OrderID(m.sequence)
}

// RecordTrade folds a settled trade into the market statistics. Callers
// precompute the checked totals so this cannot fail after funds moved.
func (m *Market) RecordTrade(price, volume, totalValue uint64, now int64) {
	m.totalVolume += totalValue
	m.totalTrades++
	m.lastClearingPrice = price
	m.pushPrice(PricePoint{Price: price, Volume: volume, Timestamp: now})
	m.version++
}

// CanAbsorbTrade verifies the statistics counters will not overflow.
func (m *Market) CanAbsorbTrade(totalValue uint64) bool {
	_, ok := ledger.CheckedAdd(m.totalVolume, totalValue)
	return ok && m.totalTrades != ^uint64(0)
}

func (m *Market) pushPrice(p PricePoint) {
	if m.historyLen < priceHistoryLen {
		m.history[(m.historyStart+m.historyLen)%priceHistoryLen] = p
		m.historyLen++
		return
	}
	m.history[m.historyStart] = p
	m.historyStart = (m.historyStart + 1) % priceHistoryLen
}

// PriceHistory returns the rolling window oldest-first.
func (m *Market) PriceHistory() []PricePoint {
	out := make([]PricePoint, 0, m.historyLen)
	for i := 0; i < m.historyLen; i++ {
		out = append(out, m.history[(m.historyStart+i)%priceHistoryLen])
	}
	return out
}

// VWAP returns the volume-weighted average price over the rolling window.
func (m *Market) VWAP() uint64 {
	prices := make([]uint64, 0, m.historyLen)
	volumes := make([]uint64, 0, m.historyLen)
	for _, p := range m.PriceHistory() {
		prices = append(prices, p.Price)
		volumes = append(volumes, p.Volume)
	}
	return numeric.WeightedAverage(prices, volumes)
}

// Depth returns the aggregated book depth, bids then asks.
func (m *Market) Depth() (bids, asks []PriceLevel) {
	bids = make([]PriceLevel, len(m.buyDepth))
	copy(bids, m.buyDepth)
	asks = make([]PriceLevel, len(m.sellDepth))
	copy(asks, m.sellDepth)
	return bids, asks
}

func (m *Market) replaceDepth(bids, asks []PriceLevel) {
	m.buyDepth = bids
	m.sellDepth = asks
}
