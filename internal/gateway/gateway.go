// Package gateway exposes the settlement core behind a single serialized
// facade: participant admission, rate limiting, wheeling policy evaluation,
// durable event publication, and audit persistence.
package gateway

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/NakaSato/gridtokenx-anchor-sub005/errs"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/auction"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/domain/snapshotstore"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/domain/tradestore"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/events"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/ledger"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/market"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/observability"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/policy"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/pricing"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/registry"
)

// Config carries the market identity and admission limits for a Gateway.
type Config struct {
	MarketName        string
	Authority         ledger.Party
	FeeCollector      ledger.Party
	WheelingCollector ledger.Party
	FeeBps            uint16

	// OrdersPerSecond and Burst bound each participant's submission rate.
	OrdersPerSecond float64
	Burst           int

	// AuctionInterval is the submission window length for each batch.
	AuctionInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.OrdersPerSecond <= 0 {
		c.OrdersPerSecond = 5
	}
	if c.Burst <= 0 {
		c.Burst = 3
	}
	if c.AuctionInterval <= 0 {
		c.AuctionInterval = 15 * time.Minute
	}
}

// Deps wires the gateway's collaborators. Bus, Trades, and Snapshots are
// optional; a nil store disables that persistence concern.
type Deps struct {
	Registry  *registry.Static
	Policy    policy.WheelingPolicy
	Bus       events.Bus
	Outbox    OutboxEnqueuer
	Trades    tradestore.Store
	Snapshots snapshotstore.Store
	Clock     func() time.Time
}

// Gateway serializes all access to the in-memory settlement core. Core
// aggregates are single-writer; every exported method takes the gateway lock.
type Gateway struct {
	mu sync.Mutex

	cfg    Config
	ledger *ledger.Ledger
	book   *market.Book
	oracle *pricing.Oracle

	registry *registry.Static
	wheeling policy.WheelingPolicy

	batches     map[uint64]*auction.Batch
	nextBatchID uint64

	limiterMu sync.Mutex
	limiters  map[ledger.Party]*rate.Limiter

	sink    *recordingSink
	publish *publisher
	trades  tradestore.Store
	snaps   snapshotstore.Store
	metrics *observability.RuntimeMetrics
	clock   func() time.Time
}

// New constructs a gateway, initializing the market aggregate and the
// pricing oracle. The market_initialized and pricing_configured events are
// flushed before New returns.
func New(ctx context.Context, cfg Config, pricingCfg pricing.Config, deps Deps) (*Gateway, error) {
	const op = "gateway.New"
	cfg.applyDefaults()
	if deps.Registry == nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("participant registry required"))
	}
	if deps.Policy == nil {
		deps.Policy = policy.Zero{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	g := &Gateway{
		cfg:      cfg,
		ledger:   ledger.New(),
		registry: deps.Registry,
		wheeling: deps.Policy,
		batches:  make(map[uint64]*auction.Batch),
		limiters: make(map[ledger.Party]*rate.Limiter),
		sink:     &recordingSink{},
		publish:  newPublisher(cfg.MarketName, deps.Bus, deps.Outbox),
		trades:   deps.Trades,
		snaps:    deps.Snapshots,
		metrics:  observability.NewRuntimeMetrics(),
		clock:    clock,
	}

	m, err := market.NewMarket(cfg.MarketName, cfg.Authority, cfg.FeeCollector, cfg.WheelingCollector, cfg.FeeBps)
	if err != nil {
		return nil, err
	}
	g.book = market.NewBook(m, g.ledger, deps.Registry.Certificates(), g.sink)

	oracle, err := pricing.NewOracle(cfg.Authority, cfg.Authority, cfg.MarketName, pricingCfg, g.sink)
	if err != nil {
		return nil, err
	}
	g.oracle = oracle

	g.flush(ctx)
	return g, nil
}

// Metrics exposes the gateway's runtime settlement counters.
func (g *Gateway) Metrics() *observability.RuntimeMetrics { return g.metrics }

// Deposit credits freshly bridged value to a participant's available pocket.
// Only the market authority may mint.
func (g *Gateway) Deposit(ctx context.Context, actor, owner ledger.Party, asset ledger.Asset, amount uint64) error {
	const op = "gateway.Deposit"
	if actor != g.cfg.Authority {
		return errs.New(op, errs.CodeUnauthorized,
			errs.WithMessage("only the market authority may credit deposits"))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.flush(ctx)
	return g.ledger.Mint(op, owner, asset, amount)
}

// Balance reports a participant's available pocket for the given asset.
func (g *Gateway) Balance(owner ledger.Party, asset ledger.Asset) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ledger.AvailableBalance(owner, asset)
}

// SubmitSellOrder admits, throttles, and places an energy ask on the book.
func (g *Gateway) SubmitSellOrder(ctx context.Context, owner ledger.Party, amount, price uint64, certificate string, expiresAt int64) (market.Order, error) {
	const op = "gateway.SubmitSellOrder"
	if err := g.admit(ctx, op, owner); err != nil {
		return market.Order{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.flush(ctx)
	order, err := g.book.CreateSellOrder(owner, amount, price, certificate, expiresAt, g.now())
	if err != nil {
		g.metrics.IncrementRejected(market.VenueOrderBook)
	}
	return order, err
}

// SubmitBuyOrder admits, throttles, and places a currency-funded bid on the book.
func (g *Gateway) SubmitBuyOrder(ctx context.Context, owner ledger.Party, amount, price uint64, expiresAt int64) (market.Order, error) {
	const op = "gateway.SubmitBuyOrder"
	if err := g.admit(ctx, op, owner); err != nil {
		return market.Order{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.flush(ctx)
	order, err := g.book.CreateBuyOrder(owner, amount, price, expiresAt, g.now())
	if err != nil {
		g.metrics.IncrementRejected(market.VenueOrderBook)
	}
	return order, err
}

// CancelOrder cancels a resting order and refunds its escrow.
func (g *Gateway) CancelOrder(ctx context.Context, owner ledger.Party, id market.OrderID, version uint64) (market.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.flush(ctx)
	return g.book.CancelOrder(owner, id, version, g.now())
}

// UpdateMarketParams applies authority-gated market parameter changes.
func (g *Gateway) UpdateMarketParams(ctx context.Context, actor ledger.Party, p market.Params) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.flush(ctx)
	return g.book.UpdateParams(actor, p, g.now())
}

// SettleMatch crosses two resting orders and settles the trade atomically.
// The wheeling charge is computed from the buyer's and seller's grid zones
// via the configured policy script before any funds move. Only the market
// authority may crank settlement.
func (g *Gateway) SettleMatch(ctx context.Context, actor ledger.Party, buyID, sellID market.OrderID, amount uint64) (market.Trade, error) {
	const op = "gateway.SettleMatch"
	if actor != g.cfg.Authority {
		return market.Trade{}, errs.New(op, errs.CodeUnauthorized,
			errs.WithMessage("only the market authority may crank settlement"))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.flush(ctx)

	m, err := g.book.MatchOrders(buyID, sellID, amount, g.now())
	if err != nil {
		g.metrics.IncrementRejected(market.VenueOrderBook)
		return market.Trade{}, err
	}

	buy, err := g.book.Order(buyID)
	if err != nil {
		return market.Trade{}, err
	}
	sell, err := g.book.Order(sellID)
	if err != nil {
		return market.Trade{}, err
	}
	wheeling, err := g.wheelingCharge(buy.Owner, sell.Owner, m.Amount, m.Price, m.TotalValue)
	if err != nil {
		g.metrics.IncrementRejected(market.VenueOrderBook)
		return market.Trade{}, err
	}

	trade, err := g.book.ExecuteAtomicSettlement(m, wheeling, g.now())
	if err != nil {
		g.metrics.IncrementRejected(market.VenueOrderBook)
		return market.Trade{}, err
	}
	trade.TradeID = uuid.NewString()
	g.metrics.RecordTrade(market.VenueOrderBook, int64(trade.Amount))
	g.persistTrade(ctx, trade)
	return trade, nil
}

// OpenBatch starts a new auction round whose submission window begins now.
func (g *Gateway) OpenBatch(ctx context.Context, actor ledger.Party) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.flush(ctx)

	g.nextBatchID++
	id := g.nextBatchID
	start := g.now()
	end := start + int64(g.cfg.AuctionInterval/time.Second)
	batch, err := auction.NewBatch(actor, g.book.Market(), g.ledger, g.sink, id, start, end)
	if err != nil {
		g.nextBatchID--
		return 0, err
	}
	g.batches[id] = batch
	return id, nil
}

// SubmitBatchOrder admits, throttles, and seals an order into an open batch.
func (g *Gateway) SubmitBatchOrder(ctx context.Context, batchID uint64, owner ledger.Party, amount, price uint64, isBid bool) (auction.Order, error) {
	const op = "gateway.SubmitBatchOrder"
	if err := g.admit(ctx, op, owner); err != nil {
		return auction.Order{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.flush(ctx)
	batch, err := g.batch(op, batchID)
	if err != nil {
		return auction.Order{}, err
	}
	order, err := batch.Submit(owner, amount, price, isBid, g.now())
	if err != nil {
		g.metrics.IncrementRejected(market.VenueAuction)
	}
	return order, err
}

// CancelBatchOrder withdraws a sealed order while the batch is still open.
func (g *Gateway) CancelBatchOrder(ctx context.Context, batchID uint64, owner ledger.Party, seq int) error {
	const op = "gateway.CancelBatchOrder"
	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.flush(ctx)
	batch, err := g.batch(op, batchID)
	if err != nil {
		return err
	}
	return batch.Cancel(owner, seq, g.now())
}

// ResolveBatch locks and clears a batch once its window has elapsed.
func (g *Gateway) ResolveBatch(ctx context.Context, batchID uint64) error {
	const op = "gateway.ResolveBatch"
	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.flush(ctx)
	batch, err := g.batch(op, batchID)
	if err != nil {
		return err
	}
	return batch.Resolve(g.now())
}

// SettleBatchPair cranks settlement for one matched bid/ask pair at the
// uniform clearing price. Only the market authority may crank.
func (g *Gateway) SettleBatchPair(ctx context.Context, actor ledger.Party, batchID uint64, bidSeq, askSeq int, amount uint64) (market.Trade, error) {
	const op = "gateway.SettleBatchPair"
	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.flush(ctx)

	batch, err := g.batch(op, batchID)
	if err != nil {
		return market.Trade{}, err
	}

	var bidOwner, askOwner ledger.Party
	for _, o := range batch.Orders() {
		if o.IsBid && o.Seq == bidSeq {
			bidOwner = o.Owner
		}
		if !o.IsBid && o.Seq == askSeq {
			askOwner = o.Owner
		}
	}
	price := batch.ClearingPrice()
	total, ok := ledger.CheckedMul(amount, price)
	if !ok {
		return market.Trade{}, errs.New(op, errs.CodeArithmetic,
			errs.WithMessage("trade value overflows"))
	}
	wheeling, err := g.wheelingCharge(bidOwner, askOwner, amount, price, total)
	if err != nil {
		g.metrics.IncrementRejected(market.VenueAuction)
		return market.Trade{}, err
	}

	trade, err := batch.ExecuteSettlement(actor, bidSeq, askSeq, amount, wheeling, g.now())
	if err != nil {
		g.metrics.IncrementRejected(market.VenueAuction)
		return market.Trade{}, err
	}
	trade.TradeID = uuid.NewString()
	g.metrics.RecordTrade(market.VenueAuction, int64(trade.Amount))
	g.persistTrade(ctx, trade)
	return trade, nil
}

// BatchState reports the lifecycle state and clearing results of a batch.
func (g *Gateway) BatchState(batchID uint64) (auction.State, uint64, uint64, error) {
	const op = "gateway.BatchState"
	g.mu.Lock()
	defer g.mu.Unlock()
	batch, err := g.batch(op, batchID)
	if err != nil {
		return auction.StateOpen, 0, 0, err
	}
	return batch.State(), batch.ClearingPrice(), batch.ClearingVolume(), nil
}

// BatchOrders returns the sealed orders of a batch in submission sequence.
func (g *Gateway) BatchOrders(batchID uint64) ([]auction.Order, error) {
	const op = "gateway.BatchOrders"
	g.mu.Lock()
	defer g.mu.Unlock()
	batch, err := g.batch(op, batchID)
	if err != nil {
		return nil, err
	}
	return batch.Orders(), nil
}

// ConfigurePricing replaces the oracle tariff configuration.
func (g *Gateway) ConfigurePricing(ctx context.Context, actor ledger.Party, cfg pricing.Config) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.flush(ctx)
	return g.oracle.Configure(actor, cfg, g.now())
}

// UpdateMarketData reports grid supply, demand, and congestion to the
// pricing oracle.
func (g *Gateway) UpdateMarketData(ctx context.Context, actor ledger.Party, supply, demand, congestion uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.flush(ctx)
	return g.oracle.UpdateMarketData(actor, supply, demand, congestion, g.now())
}

// CreatePriceSnapshot records the price computed from the stored grid
// signals for the given timestamp and persists it.
func (g *Gateway) CreatePriceSnapshot(ctx context.Context, actor ledger.Party, ts int64) (pricing.Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.flush(ctx)
	snap, err := g.oracle.CreatePriceSnapshot(actor, ts)
	if err != nil {
		return pricing.Snapshot{}, err
	}
	g.persistSnapshot(ctx, snap)
	return snap, nil
}

// CurrentPrice returns the most recent dynamic price snapshot.
func (g *Gateway) CurrentPrice() (pricing.Snapshot, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.oracle.CurrentPrice()
}

// OpenOrders lists the book's resting orders.
func (g *Gateway) OpenOrders() []market.Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.book.OpenOrders()
}

// Order returns one resting or historical order by identifier.
func (g *Gateway) Order(id market.OrderID) (market.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.book.Order(id)
}

// Depth returns the aggregated bid and ask price levels.
func (g *Gateway) Depth() (bids, asks []market.PriceLevel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.book.Market().Depth()
}

// PriceHistory returns the rolling trade price history, oldest first.
func (g *Gateway) PriceHistory() []market.PricePoint {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.book.Market().PriceHistory()
}

// Trades queries the persisted trade audit trail.
func (g *Gateway) Trades(ctx context.Context, query tradestore.Query) ([]tradestore.TradeRecord, error) {
	const op = "gateway.Trades"
	if g.trades == nil {
		return nil, errs.New(op, errs.CodeUnavailable, errs.WithMessage("trade persistence not configured"))
	}
	if query.Market == "" {
		query.Market = g.cfg.MarketName
	}
	return g.trades.ListTrades(ctx, query)
}

// admit validates the participant against the meter registry and applies the
// per-participant rate limit. Throttle waits happen before the gateway lock
// is taken so a throttled caller never stalls settlement.
func (g *Gateway) admit(ctx context.Context, op string, owner ledger.Party) error {
	if err := registry.ValidateParticipant(op, g.registry, owner); err != nil {
		return err
	}
	limiter := g.limiter(owner)
	start := g.clock()
	if err := limiter.Wait(ctx); err != nil {
		return errs.New(op, errs.CodeUnavailable,
			errs.WithMessage("rate limit wait aborted"), errs.WithCause(err))
	}
	if waited := g.clock().Sub(start); waited > 0 {
		g.metrics.AddThrottleWait(string(owner), waited.Milliseconds())
	}
	return nil
}

func (g *Gateway) limiter(owner ledger.Party) *rate.Limiter {
	g.limiterMu.Lock()
	defer g.limiterMu.Unlock()
	limiter, ok := g.limiters[owner]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(g.cfg.OrdersPerSecond), g.cfg.Burst)
		g.limiters[owner] = limiter
	}
	return limiter
}

func (g *Gateway) batch(op string, id uint64) (*auction.Batch, error) {
	batch, ok := g.batches[id]
	if !ok {
		return nil, errs.New(op, errs.CodeNotFound,
			errs.WithMessage("unknown batch"),
			errs.WithMeta("batch", strconv.FormatUint(id, 10)))
	}
	return batch, nil
}

func (g *Gateway) wheelingCharge(buyer, seller ledger.Party, amount, price, total uint64) (uint64, error) {
	buyerZone, sellerZone := "", ""
	if meter, ok := g.registry.Lookup(buyer); ok {
		buyerZone = meter.GridZone
	}
	if meter, ok := g.registry.Lookup(seller); ok {
		sellerZone = meter.GridZone
	}
	return g.wheeling.Charge(policy.Input{
		Amount:     amount,
		Price:      price,
		TotalValue: total,
		BuyerZone:  buyerZone,
		SellerZone: sellerZone,
	})
}

func (g *Gateway) persistTrade(ctx context.Context, trade market.Trade) {
	if g.trades == nil {
		return
	}
	record := tradestore.Trade{
		TradeID:     trade.TradeID,
		Market:      g.cfg.MarketName,
		Venue:       trade.Venue,
		Batch:       int64(trade.Batch),
		BuyOrderID:  trade.BuyOrderID,
		SellOrderID: trade.SellOrderID,
		Buyer:       string(trade.Buyer),
		Seller:      string(trade.Seller),
		Amount:      int64(trade.Amount),
		Price:       int64(trade.Price),
		TotalValue:  int64(trade.TotalValue),
		Fee:         int64(trade.Fee),
		Wheeling:    int64(trade.Wheeling),
		ExecutedAt:  trade.ExecutedAt,
	}
	if _, err := g.trades.RecordTrade(ctx, record); err != nil {
		observability.Log().Error("persist trade",
			observability.Field{Key: "trade_id", Value: trade.TradeID},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

func (g *Gateway) persistSnapshot(ctx context.Context, snap pricing.Snapshot) {
	if g.snaps == nil {
		return
	}
	record := snapshotstore.Snapshot{
		Market:        g.cfg.MarketName,
		Price:         int64(snap.Price),
		BasePrice:     int64(snap.BasePrice),
		TOUMultiplier: int64(snap.TOUMultiplier),
		Seasonal:      int64(snap.Seasonal),
		Congestion:    int64(snap.Congestion),
		SupplyDemand:  snap.SupplyDemand,
		ConfigVersion: int64(snap.ConfigVersion),
		Timestamp:     snap.Timestamp,
	}
	if _, err := g.snaps.RecordSnapshot(ctx, record); err != nil {
		observability.Log().Error("persist price snapshot",
			observability.Field{Key: "market", Value: g.cfg.MarketName},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

// flush drains events recorded during the current operation through the
// outbox and bus. Called with the gateway lock held, after the core mutation
// completed.
func (g *Gateway) flush(ctx context.Context) {
	pending := g.sink.drain()
	if len(pending) == 0 {
		return
	}
	g.publish.dispatch(ctx, pending)
}

func (g *Gateway) now() int64 {
	return g.clock().Unix()
}
