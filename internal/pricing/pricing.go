// Package pricing implements the dynamic price oracle: a configurable base
// price shaped by time-of-use tiers, seasonal multipliers, supply/demand
// imbalance, and grid congestion, clamped to a configured band.
package pricing

import (
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/NakaSato/gridtokenx-anchor-sub005/errs"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/events"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/ledger"
)

// TOUTier maps a daily hour range to a price multiplier in percent
// (100 = 1.0x). A tier whose StartHour exceeds its EndHour wraps midnight.
type TOUTier struct {
	StartHour  uint8
	EndHour    uint8
	Multiplier uint64
}

// covers reports whether the tier applies at the given local hour.
func (t TOUTier) covers(hour int) bool {
	start, end := int(t.StartHour), int(t.EndHour)
	if start <= end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// Season indexes the four seasonal multipliers.
type Season int

const (
	SeasonWinter Season = iota
	SeasonSpring
	SeasonSummer
	SeasonAutumn
)

// seasonOf maps a month to its season: Dec-Feb winter, Mar-May spring,
// Jun-Aug summer, Sep-Nov autumn.
func seasonOf(month time.Month) Season {
	switch month {
	case time.December, time.January, time.February:
		return SeasonWinter
	case time.March, time.April, time.May:
		return SeasonSpring
	case time.June, time.July, time.August:
		return SeasonSummer
	default:
		return SeasonAutumn
	}
}

// Config holds the oracle parameters. Prices are currency minor units per
// kWh minor unit; multipliers are percentages with 100 meaning identity.
type Config struct {
	BasePrice uint64
	MinPrice  uint64
	MaxPrice  uint64
	// Tiers partition the day; hours not covered use multiplier 100.
	Tiers []TOUTier
	// Seasonal multipliers indexed by Season.
	Seasonal [4]uint64
	// SensitivityBps scales the supply/demand adjustment (500 = 5% of base
	// at full imbalance).
	SensitivityBps uint16
	// CongestionFactor scales the final price in percent.
	CongestionFactor uint64
	// TimezoneOffset shifts UTC into grid-local time, in hundredths of an
	// hour east of UTC (700 means UTC+7).
	TimezoneOffset int32
}

// DefaultConfig returns the stock tariff profile: peak hours 09:00-22:00 at
// 1.25x, overnight at 0.85x, UTC+7 grid time.
func DefaultConfig(basePrice, minPrice, maxPrice uint64) Config {
	return Config{
		BasePrice: basePrice,
		MinPrice:  minPrice,
		MaxPrice:  maxPrice,
		Tiers: []TOUTier{
			{StartHour: 9, EndHour: 22, Multiplier: 125},
			{StartHour: 22, EndHour: 9, Multiplier: 85},
		},
		Seasonal:         [4]uint64{95, 100, 115, 100},
		SensitivityBps:   500,
		CongestionFactor: 100,
		TimezoneOffset:   700,
	}
}

func (c Config) validate(op string) error {
	if c.BasePrice == 0 {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("base price must be positive"))
	}
	if c.MinPrice > c.BasePrice || c.BasePrice > c.MaxPrice {
		return errs.New(op, errs.CodeInvalid,
			errs.WithMessage("base price must sit inside the clamp band"),
			errs.WithMeta("min", strconv.FormatUint(c.MinPrice, 10)),
			errs.WithMeta("base", strconv.FormatUint(c.BasePrice, 10)),
			errs.WithMeta("max", strconv.FormatUint(c.MaxPrice, 10)))
	}
	for _, tier := range c.Tiers {
		if tier.StartHour > 23 || tier.EndHour > 23 {
			return errs.New(op, errs.CodeInvalid,
				errs.WithMessage("tier hours must be 0-23"))
		}
		if tier.Multiplier == 0 {
			return errs.New(op, errs.CodeInvalid,
				errs.WithMessage("tier multiplier must be positive"))
		}
	}
	for _, s := range c.Seasonal {
		if s == 0 {
			return errs.New(op, errs.CodeInvalid,
				errs.WithMessage("seasonal multiplier must be positive"))
		}
	}
	if c.SensitivityBps > 10_000 {
		return errs.New(op, errs.CodeInvalid,
			errs.WithMessage("sensitivity exceeds 10000 bps"))
	}
	if c.CongestionFactor == 0 {
		return errs.New(op, errs.CodeInvalid,
			errs.WithMessage("congestion factor must be positive"))
	}
	if c.TimezoneOffset < -1_200 || c.TimezoneOffset > 1_400 {
		return errs.New(op, errs.CodeInvalid,
			errs.WithMessage("timezone offset outside -1200..1400"))
	}
	return nil
}

// offsetSeconds converts the hundredths-of-an-hour offset to seconds.
func (c Config) offsetSeconds() int64 {
	return int64(c.TimezoneOffset) * 36
}

// Snapshot is one computed price with its component breakdown.
type Snapshot struct {
	Price         uint64
	BasePrice     uint64
	TOUMultiplier uint64
	Seasonal      uint64
	Congestion    uint64
	SupplyDemand  int64
	ConfigVersion uint64
	Timestamp     int64
}

// snapKey identifies one immutable snapshot: the configuration generation it
// was computed under and the grid timestamp it covers.
type snapKey struct {
	config uint64
	ts     int64
}

// Oracle computes and records dynamic prices for one market. It is not safe
// for concurrent use; callers serialize access.
type Oracle struct {
	marketName string
	authority  ledger.Party
	cfg        Config
	cfgVersion uint64

	// Rolling grid signals, overwritten by each market data report.
	supply uint64
	demand uint64

	snapshots map[snapKey]Snapshot
	latest    snapKey
	sink      events.Sink
	version   uint64
}

// NewOracle installs the initial pricing configuration. Only the market
// authority may configure pricing.
func NewOracle(actor, authority ledger.Party, marketName string, cfg Config, sink events.Sink) (*Oracle, error) {
	const op = "pricing.NewOracle"
	if actor != authority {
		return nil, errs.New(op, errs.CodeUnauthorized,
			errs.WithMessage("only the market authority configures pricing"))
	}
	if err := cfg.validate(op); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	o := &Oracle{
		marketName: marketName,
		authority:  authority,
		cfg:        cfg,
		cfgVersion: 1,
		snapshots:  make(map[snapKey]Snapshot),
		sink:       sink,
		version:    1,
	}
	o.emitConfigured(time.Now().Unix())
	return o, nil
}

// Config returns the active configuration.
func (o *Oracle) Config() Config { return o.cfg }

// ConfigVersion returns the configuration generation counter.
func (o *Oracle) ConfigVersion() uint64 { return o.cfgVersion }

// Version returns the oracle's optimistic concurrency counter.
func (o *Oracle) Version() uint64 { return o.version }

// Configure replaces the oracle parameters. Earlier snapshots keep their
// config version so stale reads remain detectable.
func (o *Oracle) Configure(actor ledger.Party, cfg Config, now int64) error {
	const op = "pricing.Configure"
	if actor != o.authority {
		return errs.New(op, errs.CodeUnauthorized,
			errs.WithMessage("only the market authority configures pricing"))
	}
	if err := cfg.validate(op); err != nil {
		return err
	}
	o.cfg = cfg
	o.cfgVersion++
	o.version++
	o.emitConfigured(now)
	return nil
}

// UpdateMarketData overwrites the rolling grid signals the price is computed
// from. Signals carry no history; each report replaces the last. Only the
// market authority may report grid conditions.
func (o *Oracle) UpdateMarketData(actor ledger.Party, supply, demand, congestion uint64, now int64) error {
	const op = "pricing.UpdateMarketData"
	if actor != o.authority {
		return errs.New(op, errs.CodeUnauthorized,
			errs.WithMessage("only the market authority reports grid conditions"))
	}
	if congestion == 0 {
		return errs.New(op, errs.CodeInvalid,
			errs.WithMessage("congestion factor must be positive"))
	}
	o.supply = supply
	o.demand = demand
	o.cfg.CongestionFactor = congestion
	o.version++
	snap := o.compute(now)
	o.sink.Emit(events.Event{
		Type:       events.TypePriceUpdated,
		Market:     o.marketName,
		OccurredAt: time.Unix(now, 0).UTC(),
		Payload: events.PriceUpdated{
			Price:         snap.Price,
			BasePrice:     snap.BasePrice,
			TOUMultiplier: snap.TOUMultiplier,
			Seasonal:      snap.Seasonal,
			Congestion:    snap.Congestion,
			SupplyDemand:  snap.SupplyDemand,
			Timestamp:     now,
		},
	})
	return nil
}

// CreatePriceSnapshot computes the price for the given timestamp from the
// stored grid signals and records it. Snapshots are immutable: a second
// snapshot for the same configuration and timestamp is rejected. Only the
// market authority may record snapshots.
func (o *Oracle) CreatePriceSnapshot(actor ledger.Party, ts int64) (Snapshot, error) {
	const op = "pricing.CreatePriceSnapshot"
	if actor != o.authority {
		return Snapshot{}, errs.New(op, errs.CodeUnauthorized,
			errs.WithMessage("only the market authority records snapshots"))
	}
	key := snapKey{config: o.cfgVersion, ts: ts}
	if _, ok := o.snapshots[key]; ok {
		return Snapshot{}, errs.New(op, errs.CodeState,
			errs.WithMessage("snapshot already recorded for this configuration and timestamp"),
			errs.WithMeta("timestamp", strconv.FormatInt(ts, 10)))
	}
	snap := o.compute(ts)
	o.snapshots[key] = snap
	if o.latest.config == 0 || ts >= o.latest.ts {
		o.latest = key
	}
	o.version++
	return snap, nil
}

// CurrentPrice returns the most recent snapshot.
func (o *Oracle) CurrentPrice() (Snapshot, bool) {
	if o.latest.config == 0 {
		return Snapshot{}, false
	}
	snap, ok := o.snapshots[o.latest]
	return snap, ok
}

// SnapshotAt returns the snapshot recorded for a timestamp under the active
// configuration.
func (o *Oracle) SnapshotAt(ts int64) (Snapshot, bool) {
	snap, ok := o.snapshots[snapKey{config: o.cfgVersion, ts: ts}]
	return snap, ok
}

// compute applies the tariff pipeline:
//
//	price = base x TOU/100 x seasonal/100 + supply/demand adjustment
//	price = price x congestion/100, clamped to [min, max]
func (o *Oracle) compute(now int64) Snapshot {
	local := time.Unix(now+o.cfg.offsetSeconds(), 0).UTC()
	tou := o.touMultiplier(local.Hour())
	seasonal := o.cfg.Seasonal[seasonOf(local.Month())]
	adj := supplyDemandAdjustment(o.cfg.BasePrice, o.supply, o.demand, o.cfg.SensitivityBps)

	p := new(big.Int).SetUint64(o.cfg.BasePrice)
	p.Mul(p, new(big.Int).SetUint64(tou))
	p.Div(p, big.NewInt(100))
	p.Mul(p, new(big.Int).SetUint64(seasonal))
	p.Div(p, big.NewInt(100))
	p.Add(p, big.NewInt(adj))
	if p.Sign() < 0 {
		p.SetInt64(0)
	}
	p.Mul(p, new(big.Int).SetUint64(o.cfg.CongestionFactor))
	p.Div(p, big.NewInt(100))

	price := clampToBand(p, o.cfg.MinPrice, o.cfg.MaxPrice)
	return Snapshot{
		Price:         price,
		BasePrice:     o.cfg.BasePrice,
		TOUMultiplier: tou,
		Seasonal:      seasonal,
		Congestion:    o.cfg.CongestionFactor,
		SupplyDemand:  adj,
		ConfigVersion: o.cfgVersion,
		Timestamp:     now,
	}
}

func (o *Oracle) touMultiplier(hour int) uint64 {
	for _, tier := range o.cfg.Tiers {
		if tier.covers(hour) {
			return tier.Multiplier
		}
	}
	return 100
}

// supplyDemandAdjustment returns a signed price shift: positive when demand
// outstrips supply, proportional to the deviation of the demand/supply ratio
// from parity. Either signal at zero means no usable imbalance reading and
// the adjustment is zero.
func supplyDemandAdjustment(base, supply, demand uint64, sensitivityBps uint16) int64 {
	if supply == 0 || demand == 0 {
		return 0
	}
	// Ratio scaled by 1000, each step truncating toward zero.
	ratio := new(big.Int).SetUint64(demand)
	ratio.Mul(ratio, big.NewInt(1000))
	ratio.Quo(ratio, new(big.Int).SetUint64(supply))
	deviation := ratio.Sub(ratio, big.NewInt(1000))

	adj := new(big.Int).Mul(deviation, big.NewInt(int64(sensitivityBps)))
	adj.Quo(adj, big.NewInt(10_000))
	adj.Mul(adj, new(big.Int).SetUint64(base))
	adj.Quo(adj, big.NewInt(1000))
	if !adj.IsInt64() {
		if adj.Sign() > 0 {
			return math.MaxInt64
		}
		return math.MinInt64
	}
	return adj.Int64()
}

func clampToBand(p *big.Int, min, max uint64) uint64 {
	if p.Sign() < 0 {
		return min
	}
	if !p.IsUint64() {
		return max
	}
	v := p.Uint64()
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func (o *Oracle) emitConfigured(now int64) {
	o.sink.Emit(events.Event{
		Type:       events.TypePricingConfigured,
		Market:     o.marketName,
		OccurredAt: time.Unix(now, 0).UTC(),
		Payload: events.PricingConfigured{
			BasePrice: o.cfg.BasePrice,
			MinPrice:  o.cfg.MinPrice,
			MaxPrice:  o.cfg.MaxPrice,
		},
	})
}
