package market

import (
	"sort"
	"time"

	"github.com/NakaSato/gridtokenx-anchor-sub005/errs"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/events"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/ledger"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/registry"
)

// Book holds the open orders of one market and settles matches against the
// ledger. It is not safe for concurrent use; callers serialize access.
type Book struct {
	market *Market
	ledger *ledger.Ledger
	certs  registry.CertificateAuthority
	sink   events.Sink
	orders map[OrderID]*Order
}

// NewBook wires a book to its market aggregate, ledger, and certificate
// authority. A nil sink discards events.
func NewBook(m *Market, l *ledger.Ledger, certs registry.CertificateAuthority, sink events.Sink) *Book {
	if sink == nil {
		sink = events.NopSink{}
	}
	b := &Book{
		market: m,
		ledger: l,
		certs:  certs,
		sink:   sink,
		orders: make(map[OrderID]*Order),
	}
	b.emit(events.TypeMarketInitialized, time.Now().Unix(), events.MarketInitialized{
		Authority: string(m.Authority),
		FeeBps:    m.FeeBps(),
	})
	return b
}

// Market exposes the aggregate for read access.
func (b *Book) Market() *Market { return b.market }

// Order returns a copy of the order with the given ID.
func (b *Book) Order(id OrderID) (Order, error) {
	o, ok := b.orders[id]
	if !ok {
		return Order{}, errs.New("market.Order", errs.CodeNotFound,
			errs.WithMessage("order not found"),
			errs.WithMeta("order", id.String()))
	}
	return *o, nil
}

// OpenOrders returns copies of all open orders, ordered by ID.
func (b *Book) OpenOrders() []Order {
	out := make([]Order, 0, len(b.orders))
	for _, o := range b.orders {
		if o.open() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateSellOrder escrows the offered energy and rests an ask on the book.
// A non-empty certificate must vouch for the offered amount.
func (b *Book) CreateSellOrder(owner ledger.Party, amount, price uint64, certificate string, expiresAt, now int64) (Order, error) {
	const op = "market.CreateSellOrder"
	if err := b.validateNewOrder(op, owner, amount, price, expiresAt, now); err != nil {
		return Order{}, err
	}
	if certificate != "" {
		if err := registry.ValidateCertificate(op, b.certs, certificate, owner, amount, now); err != nil {
			return Order{}, err
		}
	}
	lock := []ledger.Movement{{
		From:   ledger.Available(owner, ledger.AssetEnergy),
		To:     ledger.Escrow(owner, ledger.AssetEnergy),
		Amount: amount,
	}}
	if err := b.ledger.Apply(op, lock); err != nil {
		return Order{}, err
	}
	o := &Order{
		ID:          b.market.nextOrderID(),
		Owner:       owner,
		Side:        SideSell,
		Amount:      amount,
		Price:       price,
		Certificate: certificate,
		Status:      StatusOpen,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		Version:     1,
		locked:      amount,
	}
	b.orders[o.ID] = o
	b.market.activeOrders++
	b.market.version++
	b.refreshDepth()
	b.emit(events.TypeSellOrderCreated, now, events.OrderCreated{
		OrderID:     o.ID.String(),
		Owner:       string(owner),
		Side:        o.Side.String(),
		Amount:      amount,
		Price:       price,
		Certificate: certificate,
		ExpiresAt:   expiresAt,
	})
	return *o, nil
}

// CreateBuyOrder escrows price*amount currency and rests a bid on the book.
func (b *Book) CreateBuyOrder(owner ledger.Party, amount, price uint64, expiresAt, now int64) (Order, error) {
	const op = "market.CreateBuyOrder"
	if err := b.validateNewOrder(op, owner, amount, price, expiresAt, now); err != nil {
		return Order{}, err
	}
	total, ok := ledger.CheckedMul(amount, price)
	if !ok {
		return Order{}, errs.New(op, errs.CodeArithmetic,
			errs.WithMessage("order value overflows"),
			errs.WithMeta("amount", itoa64(amount)),
			errs.WithMeta("price", itoa64(price)))
	}
	lock := []ledger.Movement{{
		From:   ledger.Available(owner, ledger.AssetCurrency),
		To:     ledger.Escrow(owner, ledger.AssetCurrency),
		Amount: total,
	}}
	if err := b.ledger.Apply(op, lock); err != nil {
		return Order{}, err
	}
	o := &Order{
		ID:        b.market.nextOrderID(),
		Owner:     owner,
		Side:      SideBuy,
		Amount:    amount,
		Price:     price,
		Status:    StatusOpen,
		CreatedAt: now,
		ExpiresAt: expiresAt,
		Version:   1,
		locked:    total,
	}
	b.orders[o.ID] = o
	b.market.activeOrders++
	b.market.version++
	b.refreshDepth()
	b.emit(events.TypeBuyOrderCreated, now, events.OrderCreated{
		OrderID:   o.ID.String(),
		Owner:     string(owner),
		Side:      o.Side.String(),
		Amount:    amount,
		Price:     price,
		ExpiresAt: expiresAt,
	})
	return *o, nil
}

// CancelOrder returns the unconsumed escrow to the owner and closes the
// order. version guards against concurrent modification; VersionAny skips
// the check. Past-expiry orders close as expired rather than cancelled.
func (b *Book) CancelOrder(owner ledger.Party, id OrderID, version uint64, now int64) (Order, error) {
	const op = "market.CancelOrder"
	o, ok := b.orders[id]
	if !ok {
		return Order{}, errs.New(op, errs.CodeNotFound,
			errs.WithMessage("order not found"),
			errs.WithMeta("order", id.String()))
	}
	if o.Owner != owner {
		return Order{}, errs.New(op, errs.CodeUnauthorized,
			errs.WithMessage("order belongs to another party"),
			errs.WithMeta("order", id.String()))
	}
	if version != VersionAny && version != o.Version {
		return Order{}, errs.New(op, errs.CodeConflict,
			errs.WithMessage("order changed since it was read"),
			errs.WithMeta("order", id.String()),
			errs.WithMeta("expected", itoa64(version)),
			errs.WithMeta("actual", itoa64(o.Version)))
	}
	if !o.open() {
		return Order{}, errs.New(op, errs.CodeState,
			errs.WithMessage("order is no longer open"),
			errs.WithMeta("order", id.String()),
			errs.WithMeta("status", o.Status.String()))
	}
	refund := o.locked
	if refund > 0 {
		moves := []ledger.Movement{{
			From:   ledger.Escrow(owner, o.escrowAsset()),
			To:     ledger.Available(owner, o.escrowAsset()),
			Amount: refund,
		}}
		if err := b.ledger.Apply(op, moves); err != nil {
			return Order{}, err
		}
	}
	o.locked = 0
	if o.expired(now) {
		o.Status = StatusExpired
	} else {
		o.Status = StatusCancelled
	}
	o.Version++
	b.market.activeOrders--
	b.market.version++
	b.refreshDepth()
	b.emit(events.TypeOrderCancelled, now, events.OrderCancelled{
		OrderID:        o.ID.String(),
		Owner:          string(owner),
		RefundedAmount: refund,
		RefundedAsset:  string(o.escrowAsset()),
	})
	return *o, nil
}

// UpdateParams applies authority parameter changes and announces them.
func (b *Book) UpdateParams(actor ledger.Party, p Params, now int64) error {
	if err := b.market.UpdateParams(actor, p); err != nil {
		return err
	}
	b.emit(events.TypeMarketParamsUpdated, now, events.MarketParamsUpdated{
		FeeBps:          p.FeeBps,
		ClearingEnabled: p.ClearingEnabled,
	})
	return nil
}

// MatchOrders validates that the two orders can trade the given amount and
// returns the match terms. The fill price is always the seller's ask, so a
// buyer never pays more than they bid.
func (b *Book) MatchOrders(buyID, sellID OrderID, amount uint64, now int64) (Match, error) {
	const op = "market.MatchOrders"
	if !b.market.ClearingEnabled() {
		return Match{}, errs.New(op, errs.CodeState,
			errs.WithMessage("clearing is disabled"))
	}
	buy, sell, err := b.matchable(op, buyID, sellID, amount, now)
	if err != nil {
		return Match{}, err
	}
	total, ok := ledger.CheckedMul(amount, sell.Price)
	if !ok {
		return Match{}, errs.New(op, errs.CodeArithmetic,
			errs.WithMessage("trade value overflows"))
	}
	return Match{
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		Amount:      amount,
		Price:       sell.Price,
		TotalValue:  total,
	}, nil
}

// ExecuteAtomicSettlement performs all four settlement legs of a match in a
// single transactional boundary: either every balance moves or none does.
// wheeling is deducted from the seller's proceeds alongside the market fee.
func (b *Book) ExecuteAtomicSettlement(m Match, wheeling uint64, now int64) (Trade, error) {
	const op = "market.ExecuteAtomicSettlement"
	if !b.market.ClearingEnabled() {
		return Trade{}, errs.New(op, errs.CodeState,
			errs.WithMessage("clearing is disabled"))
	}
	buy, sell, err := b.matchable(op, m.BuyOrderID, m.SellOrderID, m.Amount, now)
	if err != nil {
		return Trade{}, err
	}
	if m.Price != sell.Price {
		return Trade{}, errs.New(op, errs.CodeConflict,
			errs.WithMessage("ask price changed since the match was made"))
	}
	plan, trade, err := settlementPlan(op, b.market, buy, sell, m.Amount, wheeling, now)
	if err != nil {
		return Trade{}, err
	}
	if !b.market.CanAbsorbTrade(trade.TotalValue) {
		return Trade{}, errs.New(op, errs.CodeArithmetic,
			errs.WithMessage("market volume counters would overflow"))
	}
	if err := b.ledger.Apply(op, plan); err != nil {
		return Trade{}, err
	}
	b.applyFill(buy, m.Amount, m.Amount*buy.Price)
	b.applyFill(sell, m.Amount, m.Amount)
	b.market.RecordTrade(trade.Price, trade.Amount, trade.TotalValue, now)
	b.refreshDepth()
	b.emit(events.TypeOrderMatched, now, events.OrderMatched{
		BuyOrderID:  buy.ID.String(),
		SellOrderID: sell.ID.String(),
		Buyer:       string(buy.Owner),
		Seller:      string(sell.Owner),
		Amount:      trade.Amount,
		Price:       trade.Price,
		TotalValue:  trade.TotalValue,
		Fee:         trade.Fee,
		Wheeling:    trade.Wheeling,
	})
	return trade, nil
}

func (b *Book) validateNewOrder(op string, owner ledger.Party, amount, price uint64, expiresAt, now int64) error {
	if owner == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("owner required"))
	}
	if amount == 0 {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("amount must be positive"))
	}
	if price == 0 {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("price must be positive"))
	}
	if expiresAt != 0 && expiresAt <= now {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("expiry is in the past"))
	}
	return nil
}

func (b *Book) matchable(op string, buyID, sellID OrderID, amount uint64, now int64) (*Order, *Order, error) {
	buy, ok := b.orders[buyID]
	if !ok {
		return nil, nil, errs.New(op, errs.CodeNotFound,
			errs.WithMessage("buy order not found"),
			errs.WithMeta("order", buyID.String()))
	}
	sell, ok := b.orders[sellID]
	if !ok {
		return nil, nil, errs.New(op, errs.CodeNotFound,
			errs.WithMessage("sell order not found"),
			errs.WithMeta("order", sellID.String()))
	}
	if buy.Side != SideBuy || sell.Side != SideSell {
		return nil, nil, errs.New(op, errs.CodeInvalid,
			errs.WithMessage("orders are on the wrong sides"))
	}
	if !buy.open() || buy.expired(now) {
		return nil, nil, errs.New(op, errs.CodeState,
			errs.WithMessage("buy order cannot trade"),
			errs.WithMeta("order", buyID.String()),
			errs.WithMeta("status", buy.Status.String()))
	}
	if !sell.open() || sell.expired(now) {
		return nil, nil, errs.New(op, errs.CodeState,
			errs.WithMessage("sell order cannot trade"),
			errs.WithMeta("order", sellID.String()),
			errs.WithMeta("status", sell.Status.String()))
	}
	if buy.Price < sell.Price {
		return nil, nil, errs.New(op, errs.CodeInvalid,
			errs.WithMessage("bid does not cross the ask"),
			errs.WithMeta("bid", itoa64(buy.Price)),
			errs.WithMeta("ask", itoa64(sell.Price)))
	}
	if amount == 0 {
		return nil, nil, errs.New(op, errs.CodeInvalid,
			errs.WithMessage("match amount must be positive"))
	}
	if amount > buy.Remaining() || amount > sell.Remaining() {
		return nil, nil, errs.New(op, errs.CodeInvalid,
			errs.WithMessage("match amount exceeds open remainder"),
			errs.WithMeta("amount", itoa64(amount)))
	}
	return buy, sell, nil
}

// applyFill advances an order's filled amount and releases lockedSpent from
// its escrow accounting.
func (b *Book) applyFill(o *Order, amount, lockedSpent uint64) {
	o.Filled += amount
	o.locked -= lockedSpent
	if o.Filled == o.Amount {
		o.Status = StatusCompleted
		b.market.activeOrders--
	} else {
		o.Status = StatusPartiallyFilled
	}
	o.Version++
}

// refreshDepth rebuilds the aggregated depth from the open orders.
func (b *Book) refreshDepth() {
	buyLevels := make(map[uint64]uint64)
	sellLevels := make(map[uint64]uint64)
	for _, o := range b.orders {
		if !o.open() {
			continue
		}
		if o.Side == SideBuy {
			buyLevels[o.Price] += o.Remaining()
		} else {
			sellLevels[o.Price] += o.Remaining()
		}
	}
	bids := flattenLevels(buyLevels, true)
	asks := flattenLevels(sellLevels, false)
	b.market.replaceDepth(bids, asks)
}

func flattenLevels(levels map[uint64]uint64, descending bool) []PriceLevel {
	out := make([]PriceLevel, 0, len(levels))
	for price, amount := range levels {
		out = append(out, PriceLevel{Price: price, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	if len(out) > depthLevels {
		out = out[:depthLevels]
	}
	return out
}

func (b *Book) emit(typ events.Type, now int64, payload any) {
	b.sink.Emit(events.Event{
		Type:       typ,
		Market:     b.market.Name,
		OccurredAt: time.Unix(now, 0).UTC(),
		Payload:    payload,
	})
}
