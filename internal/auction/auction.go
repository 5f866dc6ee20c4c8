// Package auction implements the periodic batch auction: sealed order
// submission into per-batch vaults, uniform-price clearing, and settlement
// that reuses the market's fee accounting.
package auction

import (
	"sort"
	"strconv"
	"time"

	"github.com/NakaSato/gridtokenx-anchor-sub005/errs"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/events"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/ledger"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/market"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/numeric"
)

// MaxOrders caps how many orders one batch accepts.
const MaxOrders = 50

// State tracks the batch lifecycle.
type State uint8

const (
	StateOpen State = iota
	StateLocked
	StateCleared
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateCleared:
		return "cleared"
	case StateSettled:
		return "settled"
	default:
		return "open"
	}
}

// Order is one sealed intent inside a batch. Matched is the allocation from
// clearing; Settled tracks crank progress; locked is the value still held in
// the batch vault on this order's behalf.
type Order struct {
	Seq         int
	Owner       ledger.Party
	IsBid       bool
	Amount      uint64
	Price       uint64
	SubmittedAt int64
	Cancelled   bool
	Matched     uint64
	Settled     uint64

	locked uint64
}

// LockedRemaining reports the vault value still reserved for this order.
func (o *Order) LockedRemaining() uint64 { return o.locked }

func (o *Order) asset() ledger.Asset {
	if o.IsBid {
		return ledger.AssetCurrency
	}
	return ledger.AssetEnergy
}

// Batch is one auction round. It is not safe for concurrent use; callers
// serialize access.
type Batch struct {
	ID        uint64
	StartTime int64
	EndTime   int64

	state          State
	clearingPrice  uint64
	clearingVolume uint64
	settledVolume  uint64
	orders         []*Order
	version        uint64

	market *market.Market
	ledger *ledger.Ledger
	sink   events.Sink
}

// NewBatch opens an auction round for the market. Only the market authority
// may start a batch.
func NewBatch(actor ledger.Party, m *market.Market, l *ledger.Ledger, sink events.Sink, id uint64, start, end int64) (*Batch, error) {
	const op = "auction.NewBatch"
	if actor != m.Authority {
		return nil, errs.New(op, errs.CodeUnauthorized,
			errs.WithMessage("only the market authority may open a batch"))
	}
	if end <= start {
		return nil, errs.New(op, errs.CodeInvalid,
			errs.WithMessage("batch must end after it starts"))
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	b := &Batch{
		ID:        id,
		StartTime: start,
		EndTime:   end,
		state:     StateOpen,
		version:   1,
		market:    m,
		ledger:    l,
		sink:      sink,
	}
	b.emit(events.TypeAuctionInitialized, start, events.AuctionInitialized{
		Batch:     id,
		StartTime: start,
		EndTime:   end,
	})
	return b, nil
}

// State returns the current lifecycle state.
func (b *Batch) State() State { return b.state }

// Version returns the batch's optimistic concurrency counter.
func (b *Batch) Version() uint64 { return b.version }

// ClearingPrice returns the uniform price fixed by Resolve.
func (b *Batch) ClearingPrice() uint64 { return b.clearingPrice }

// ClearingVolume returns the total matched quantity fixed by Resolve.
func (b *Batch) ClearingVolume() uint64 { return b.clearingVolume }

// SettledVolume returns the quantity settled so far by the crank.
func (b *Batch) SettledVolume() uint64 { return b.settledVolume }

// Orders returns copies of the submitted orders in submission sequence.
func (b *Batch) Orders() []Order {
	out := make([]Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, *o)
	}
	return out
}

// Submit locks the order's backing value into the batch vault and seals the
// order into the batch. Bids lock price*amount currency; asks lock the
// energy amount.
func (b *Batch) Submit(owner ledger.Party, amount, price uint64, isBid bool, now int64) (Order, error) {
	const op = "auction.Submit"
	if b.state != StateOpen {
		return Order{}, errs.New(op, errs.CodeState,
			errs.WithMessage("batch is not accepting orders"),
			errs.WithMeta("state", b.state.String()))
	}
	if now >= b.EndTime {
		return Order{}, errs.New(op, errs.CodeState,
			errs.WithMessage("batch submission window has closed"))
	}
	if owner == "" || amount == 0 || price == 0 {
		return Order{}, errs.New(op, errs.CodeInvalid,
			errs.WithMessage("owner, amount, and price required"))
	}
	if b.activeCount() >= MaxOrders {
		return Order{}, errs.New(op, errs.CodeState,
			errs.WithMessage("batch is full"),
			errs.WithMeta("max_orders", strconv.Itoa(MaxOrders)))
	}

	locked := amount
	if isBid {
		var ok bool
		locked, ok = ledger.CheckedMul(amount, price)
		if !ok {
			return Order{}, errs.New(op, errs.CodeArithmetic,
				errs.WithMessage("bid value overflows"))
		}
	}
	o := &Order{
		Seq:         len(b.orders),
		Owner:       owner,
		IsBid:       isBid,
		Amount:      amount,
		Price:       price,
		SubmittedAt: now,
		locked:      locked,
	}
	lock := []ledger.Movement{{
		From:   ledger.Available(owner, o.asset()),
		To:     ledger.Vault(b.ID, o.asset()),
		Amount: locked,
	}}
	if err := b.ledger.Apply(op, lock); err != nil {
		return Order{}, err
	}
	b.orders = append(b.orders, o)
	b.version++
	side := "ask"
	if isBid {
		side = "bid"
	}
	b.emit(events.TypeAuctionOrderSubmitted, now, events.AuctionOrderSubmitted{
		Batch:       b.ID,
		Owner:       string(owner),
		Side:        side,
		Amount:      amount,
		Price:       price,
		LockedValue: locked,
	})
	return *o, nil
}

// Cancel withdraws an order while the batch is still open and refunds its
// locked value from the vault.
func (b *Batch) Cancel(owner ledger.Party, seq int, now int64) error {
	const op = "auction.Cancel"
	if b.state != StateOpen {
		return errs.New(op, errs.CodeState,
			errs.WithMessage("batch no longer accepts cancellations"),
			errs.WithMeta("state", b.state.String()))
	}
	if seq < 0 || seq >= len(b.orders) {
		return errs.New(op, errs.CodeNotFound,
			errs.WithMessage("order not found"),
			errs.WithMeta("seq", strconv.Itoa(seq)))
	}
	o := b.orders[seq]
	if o.Owner != owner {
		return errs.New(op, errs.CodeUnauthorized,
			errs.WithMessage("order belongs to another party"))
	}
	if o.Cancelled {
		return errs.New(op, errs.CodeState,
			errs.WithMessage("order already cancelled"))
	}
	refund := []ledger.Movement{{
		From:   ledger.Vault(b.ID, o.asset()),
		To:     ledger.Available(owner, o.asset()),
		Amount: o.locked,
	}}
	if err := b.ledger.Apply(op, refund); err != nil {
		return err
	}
	amount := o.locked
	o.Cancelled = true
	o.locked = 0
	b.version++
	b.emit(events.TypeAuctionOrderCancelled, now, events.AuctionOrderCancelled{
		Batch:          b.ID,
		Owner:          string(owner),
		RefundedAmount: amount,
		RefundedAsset:  string(o.asset()),
	})
	return nil
}

// Lock freezes submissions once the window has elapsed. Resolve locks
// implicitly, so calling Lock is optional.
func (b *Batch) Lock(now int64) error {
	const op = "auction.Lock"
	if b.state != StateOpen {
		return errs.New(op, errs.CodeState,
			errs.WithMessage("batch is not open"),
			errs.WithMeta("state", b.state.String()))
	}
	if now < b.EndTime {
		return errs.New(op, errs.CodeState,
			errs.WithMessage("batch window has not elapsed"))
	}
	b.state = StateLocked
	b.version++
	return nil
}

// Resolve fixes the uniform clearing price and volume. Bids are walked from
// the highest price down, asks from the lowest up, ties broken by submission
// order; the clearing price is the ask price of the last crossing pair. Any
// caller may resolve once the window has elapsed. A batch with no crossing
// orders settles immediately with full refunds.
func (b *Batch) Resolve(now int64) error {
	const op = "auction.Resolve"
	if b.state == StateOpen {
		if err := b.Lock(now); err != nil {
			return err
		}
	}
	if b.state != StateLocked {
		return errs.New(op, errs.CodeState,
			errs.WithMessage("batch already resolved"),
			errs.WithMeta("state", b.state.String()))
	}

	bids, asks := b.sides()
	bi, ai := 0, 0
	var bidFilled, askFilled uint64
	for bi < len(bids) && ai < len(asks) && bids[bi].Price >= asks[ai].Price {
		bidRem := bids[bi].Amount - bidFilled
		askRem := asks[ai].Amount - askFilled
		q := bidRem
		if askRem < q {
			q = askRem
		}
		bids[bi].Matched += q
		asks[ai].Matched += q
		bidFilled += q
		askFilled += q
		b.clearingVolume += q
		b.clearingPrice = asks[ai].Price
		if bidFilled == bids[bi].Amount {
			bi++
			bidFilled = 0
		}
		if askFilled == asks[ai].Amount {
			ai++
			askFilled = 0
		}
	}

	b.state = StateCleared
	b.version++
	b.emit(events.TypeAuctionResolved, now, events.AuctionResolved{
		Batch:          b.ID,
		ClearingPrice:  b.clearingPrice,
		ClearingVolume: b.clearingVolume,
		MatchedBids:    countMatched(bids),
		MatchedAsks:    countMatched(asks),
	})
	if b.clearingVolume == 0 {
		return b.finalize(op, now)
	}
	return nil
}

// ExecuteSettlement settles part of a cleared batch: one bid/ask pair for
// the given amount at the clearing price, using the market's fee accounting.
// Only the market authority cranks settlement. When the full clearing volume
// has settled, all remaining locked value is refunded and the batch closes.
func (b *Batch) ExecuteSettlement(actor ledger.Party, bidSeq, askSeq int, amount, wheeling uint64, now int64) (market.Trade, error) {
	const op = "auction.ExecuteSettlement"
	if actor != b.market.Authority {
		return market.Trade{}, errs.New(op, errs.CodeUnauthorized,
			errs.WithMessage("only the market authority settles batches"))
	}
	if b.state != StateCleared {
		return market.Trade{}, errs.New(op, errs.CodeState,
			errs.WithMessage("batch is not cleared"),
			errs.WithMeta("state", b.state.String()))
	}
	bid, err := b.order(op, bidSeq, true)
	if err != nil {
		return market.Trade{}, err
	}
	ask, err := b.order(op, askSeq, false)
	if err != nil {
		return market.Trade{}, err
	}
	if amount == 0 || amount > bid.Matched-bid.Settled || amount > ask.Matched-ask.Settled {
		return market.Trade{}, errs.New(op, errs.CodeInvalid,
			errs.WithMessage("amount exceeds unsettled allocation"),
			errs.WithMeta("amount", strconv.FormatUint(amount, 10)))
	}

	cp := b.clearingPrice
	total, ok := ledger.CheckedMul(amount, cp)
	if !ok {
		return market.Trade{}, errs.New(op, errs.CodeArithmetic,
			errs.WithMessage("settlement value overflows"))
	}
	fee := numeric.Bps(total, b.market.FeeBps())
	deductions, ok := ledger.CheckedAdd(fee, wheeling)
	if !ok || deductions > total {
		return market.Trade{}, errs.New(op, errs.CodeInvalid,
			errs.WithMessage("fee and wheeling exceed settlement value"))
	}
	// Bid surplus: the bid locked amount*bid.Price but pays amount*cp.
	surplus, ok := ledger.CheckedMul(amount, bid.Price-cp)
	if !ok {
		return market.Trade{}, errs.New(op, errs.CodeArithmetic,
			errs.WithMessage("bid surplus overflows"))
	}
	if !b.market.CanAbsorbTrade(total) {
		return market.Trade{}, errs.New(op, errs.CodeArithmetic,
			errs.WithMessage("market volume counters would overflow"))
	}

	plan := []ledger.Movement{
		{
			From:   ledger.Vault(b.ID, ledger.AssetCurrency),
			To:     ledger.Available(ask.Owner, ledger.AssetCurrency),
			Amount: total - deductions,
		},
		{
			From:   ledger.Vault(b.ID, ledger.AssetCurrency),
			To:     ledger.Available(b.market.FeeCollector, ledger.AssetCurrency),
			Amount: fee,
		},
		{
			From:   ledger.Vault(b.ID, ledger.AssetCurrency),
			To:     ledger.Available(b.market.WheelingCollector, ledger.AssetCurrency),
			Amount: wheeling,
		},
		{
			From:   ledger.Vault(b.ID, ledger.AssetCurrency),
			To:     ledger.Available(bid.Owner, ledger.AssetCurrency),
			Amount: surplus,
		},
		{
			From:   ledger.Vault(b.ID, ledger.AssetEnergy),
			To:     ledger.Available(bid.Owner, ledger.AssetEnergy),
			Amount: amount,
		},
	}
	if err := b.ledger.Apply(op, plan); err != nil {
		return market.Trade{}, err
	}

	bid.Settled += amount
	bid.locked -= total + surplus
	ask.Settled += amount
	ask.locked -= amount
	b.settledVolume += amount
	b.market.RecordTrade(cp, amount, total, now)
	b.version++

	trade := market.Trade{
		Venue:       market.VenueAuction,
		Batch:       b.ID,
		BuyOrderID:  b.orderRef(bidSeq),
		SellOrderID: b.orderRef(askSeq),
		Buyer:       bid.Owner,
		Seller:      ask.Owner,
		Amount:      amount,
		Price:       cp,
		TotalValue:  total,
		Fee:         fee,
		Wheeling:    wheeling,
		ExecutedAt:  now,
	}
	b.emit(events.TypeAuctionSettled, now, events.AuctionSettled{
		Batch:  b.ID,
		Buyer:  string(bid.Owner),
		Seller: string(ask.Owner),
		Amount: amount,
		Price:  cp,
		Fee:    fee,
	})

	if b.settledVolume == b.clearingVolume {
		if err := b.finalize(op, now); err != nil {
			return market.Trade{}, err
		}
	}
	return trade, nil
}

// finalize refunds every remaining locked value and closes the batch.
func (b *Batch) finalize(op string, now int64) error {
	var refunds []ledger.Movement
	var refundedCurrency, refundedEnergy uint64
	for _, o := range b.orders {
		if o.locked == 0 {
			continue
		}
		refunds = append(refunds, ledger.Movement{
			From:   ledger.Vault(b.ID, o.asset()),
			To:     ledger.Available(o.Owner, o.asset()),
			Amount: o.locked,
		})
		if o.IsBid {
			refundedCurrency += o.locked
		} else {
			refundedEnergy += o.locked
		}
	}
	if len(refunds) > 0 {
		if err := b.ledger.Apply(op, refunds); err != nil {
			return err
		}
	}
	for _, o := range b.orders {
		o.locked = 0
	}
	b.state = StateSettled
	b.version++
	b.emit(events.TypeBatchClosed, now, events.BatchClosed{
		Batch:            b.ID,
		SettledVolume:    b.settledVolume,
		RefundedCurrency: refundedCurrency,
		RefundedEnergy:   refundedEnergy,
	})
	return nil
}

func (b *Batch) activeCount() int {
	n := 0
	for _, o := range b.orders {
		if !o.Cancelled {
			n++
		}
	}
	return n
}

// sides returns the active bids and asks in clearing order: bids by price
// descending, asks by price ascending, ties by submission sequence.
func (b *Batch) sides() (bids, asks []*Order) {
	for _, o := range b.orders {
		if o.Cancelled {
			continue
		}
		if o.IsBid {
			bids = append(bids, o)
		} else {
			asks = append(asks, o)
		}
	}
	sort.SliceStable(bids, func(i, j int) bool {
		if bids[i].Price != bids[j].Price {
			return bids[i].Price > bids[j].Price
		}
		return bids[i].Seq < bids[j].Seq
	})
	sort.SliceStable(asks, func(i, j int) bool {
		if asks[i].Price != asks[j].Price {
			return asks[i].Price < asks[j].Price
		}
		return asks[i].Seq < asks[j].Seq
	})
	return bids, asks
}

func (b *Batch) order(op string, seq int, wantBid bool) (*Order, error) {
	if seq < 0 || seq >= len(b.orders) {
		return nil, errs.New(op, errs.CodeNotFound,
			errs.WithMessage("order not found"),
			errs.WithMeta("seq", strconv.Itoa(seq)))
	}
	o := b.orders[seq]
	if o.Cancelled {
		return nil, errs.New(op, errs.CodeState,
			errs.WithMessage("order was cancelled"))
	}
	if o.IsBid != wantBid {
		return nil, errs.New(op, errs.CodeInvalid,
			errs.WithMessage("order is on the wrong side"))
	}
	return o, nil
}

func (b *Batch) orderRef(seq int) string {
	return "auc-" + strconv.FormatUint(b.ID, 10) + "-" + strconv.Itoa(seq)
}

func countMatched(orders []*Order) int {
	n := 0
	for _, o := range orders {
		if o.Matched > 0 {
			n++
		}
	}
	return n
}

func (b *Batch) emit(typ events.Type, now int64, payload any) {
	b.sink.Emit(events.Event{
		Type:       typ,
		Market:     b.market.Name,
		OccurredAt: time.Unix(now, 0).UTC(),
		Payload:    payload,
	})
}
