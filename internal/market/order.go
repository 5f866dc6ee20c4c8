package market

import (
	"strconv"

	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/ledger"
)

// OrderID identifies an order inside one market. IDs come from the market
// sequence counter and never repeat.
type OrderID uint64

func (id OrderID) String() string { return "ord-" + strconv.FormatUint(uint64(id), 10) }

// Side distinguishes energy sellers from buyers.
type Side uint8

const (
	SideSell Side = iota
	SideBuy
)

func (s Side) String() string {
	if s == SideBuy {
		return "buy"
	}
	return "sell"
}

// Status tracks the order lifecycle.
type Status uint8

const (
	StatusOpen Status = iota
	StatusPartiallyFilled
	StatusCompleted
	StatusCancelled
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPartiallyFilled:
		return "partially_filled"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusExpired:
		return "expired"
	default:
		return "open"
	}
}

// VersionAny skips the optimistic version check on mutating operations.
const VersionAny uint64 = 0

// Order is one resting intent on the book. Amount and Price are minor units;
// locked tracks the escrow still backing the unfilled remainder.
type Order struct {
	ID          OrderID
	Owner       ledger.Party
	Side        Side
	Amount      uint64
	Price       uint64
	Filled      uint64
	Certificate string
	Status      Status
	CreatedAt   int64
	ExpiresAt   int64
	Version     uint64

	locked uint64
}

// Remaining reports the unfilled energy amount.
func (o *Order) Remaining() uint64 { return o.Amount - o.Filled }

// LockedRemaining reports the escrow still reserved for this order.
func (o *Order) LockedRemaining() uint64 { return o.locked }

// open reports whether the order can still trade.
func (o *Order) open() bool {
	return o.Status == StatusOpen || o.Status == StatusPartiallyFilled
}

// expired reports whether the order has passed its expiry, if it has one.
func (o *Order) expired(now int64) bool {
	return o.ExpiresAt != 0 && now >= o.ExpiresAt
}

// escrowAsset names the asset this order locks.
func (o *Order) escrowAsset() ledger.Asset {
	if o.Side == SideBuy {
		return ledger.AssetCurrency
	}
	return ledger.AssetEnergy
}
