package market

import "github.com/NakaSato/gridtokenx-anchor-sub005/internal/ledger"

// Venue distinguishes where a trade was struck.
const (
	VenueOrderBook = "orderbook"
	VenueAuction   = "auction"
)

// Trade is the audit record of one settled exchange of energy for currency.
// TradeID is assigned by the persistence layer.
type Trade struct {
	TradeID     string
	Venue       string
	Batch       uint64
	BuyOrderID  string
	SellOrderID string
	Buyer       ledger.Party
	Seller      ledger.Party
	Amount      uint64
	Price       uint64
	TotalValue  uint64
	Fee         uint64
	Wheeling    uint64
	ExecutedAt  int64
}

// Match is a validated pairing of a buy and a sell order, priced at the
// seller's ask, ready for atomic settlement.
type Match struct {
	BuyOrderID  OrderID
	SellOrderID OrderID
	Amount      uint64
	Price       uint64
	TotalValue  uint64
}
