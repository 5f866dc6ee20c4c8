// Command marketd launches the settlement daemon: the in-memory settlement
// core behind its gateway, the audit persistence stores, the outbox relay,
// and the websocket event feed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/events"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/feed"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/gateway"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/infra/config"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/infra/persistence/migrations"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/infra/persistence/postgres"
	infratelemetry "github.com/NakaSato/gridtokenx-anchor-sub005/internal/infra/telemetry"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/ledger"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/observability"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/policy"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/relay"
	"github.com/NakaSato/gridtokenx-anchor-sub005/lib/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	marketdLoggerPrefix      = "marketd "
	defaultMigrationsDir     = "db/migrations"
	shutdownTimeout          = 30 * time.Second
	feedShutdownTimeout      = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	busShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newDaemonLogger()

	appCfg, err := config.Load(ctx, cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, market=%s", appCfg.Environment, appCfg.Market.Name)

	infratelemetry.SetEnvironment(string(appCfg.Environment))
	providers, shutdownTelemetry, err := telemetry.Init(ctx, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	observability.SetLogger(stdLogger{logger})
	observability.SetMetrics(infratelemetry.NewOTelMetrics(providers.MeterProvider.Meter("settlement")))

	pool, err := openDatabase(ctx, logger, appCfg.Database)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer pool.Close()
	postgres.ObservePoolMetrics(pool, "settlement")

	bus := events.NewMemoryBus(events.MemoryConfig{
		BufferSize:    appCfg.Eventbus.BufferSize,
		FanoutWorkers: appCfg.Eventbus.FanoutWorkerCount(),
	})

	wheeling, err := loadWheelingPolicy(appCfg.Policy)
	if err != nil {
		logger.Fatalf("compile wheeling policy: %v", err)
	}

	reg := appCfg.BuildRegistry(time.Now())
	logger.Printf("registry seeded: meters=%d, certificates=%d",
		len(appCfg.Registry.Meters), len(appCfg.Registry.Certificates))

	store := postgres.New(pool)
	gw, err := gateway.New(ctx, gateway.Config{
		MarketName:        appCfg.Market.Name,
		Authority:         ledger.Party(appCfg.Market.Authority),
		FeeCollector:      ledger.Party(appCfg.Market.FeeCollector),
		WheelingCollector: ledger.Party(appCfg.Market.WheelingCollector),
		FeeBps:            appCfg.Market.FeeBps,
		OrdersPerSecond:   appCfg.Throttle.OrdersPerSecond,
		Burst:             appCfg.Throttle.Burst,
		AuctionInterval:   appCfg.Auction.Interval,
	}, appCfg.PricingOracleConfig(), gateway.Deps{
		Registry:  reg,
		Policy:    wheeling,
		Bus:       bus,
		Outbox:    store.Outbox,
		Trades:    store.Trades,
		Snapshots: store.Snapshots,
	})
	if err != nil {
		logger.Fatalf("initialise market gateway: %v", err)
	}

	var lifecycle conc.WaitGroup

	relaySvc, err := relay.New(relay.Config{
		PollInterval: appCfg.Relay.PollInterval,
		BatchSize:    appCfg.Relay.BatchSize,
	}, store.Outbox, bus)
	if err != nil {
		logger.Fatalf("initialise outbox relay: %v", err)
	}
	lifecycle.Go(func() {
		if err := relaySvc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("outbox relay stopped: %v", err)
		}
	})

	var feedSrv *feed.Server
	if appCfg.Feed.Addr != "" {
		feedSrv, err = feed.New(feed.Config{Addr: appCfg.Feed.Addr}, bus)
		if err != nil {
			logger.Fatalf("initialise event feed: %v", err)
		}
		lifecycle.Go(func() {
			if err := feedSrv.Run(ctx); err != nil {
				logger.Printf("event feed stopped: %v", err)
			}
		})
		logger.Printf("event feed listening on %s", appCfg.Feed.Addr)
	}

	authority := ledger.Party(appCfg.Market.Authority)
	congestion := appCfg.PricingOracleConfig().CongestionFactor
	lifecycle.Go(func() {
		runPricingLoop(ctx, logger, gw, authority, congestion, appCfg.Pricing.UpdateInterval)
	})

	if appCfg.Auction.Enabled {
		lifecycle.Go(func() {
			runAuctionLoop(ctx, logger, gw, authority, appCfg.Auction.Interval)
		})
		logger.Printf("batch auction enabled: interval=%s", appCfg.Auction.Interval)
	}

	logger.Print("marketd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		feed:       feedSrv,
		bus:        bus,
		telemetry:  shutdownTelemetry,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", defaultConfigPath, "Path to application configuration file")
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newDaemonLogger() *log.Logger {
	return log.New(os.Stdout, marketdLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

// stdLogger adapts the daemon's log.Logger to the observability indirection.
type stdLogger struct {
	logger *log.Logger
}

func (l stdLogger) Debug(msg string, fields ...observability.Field) { l.print("DEBUG", msg, fields) }
func (l stdLogger) Info(msg string, fields ...observability.Field)  { l.print("INFO", msg, fields) }
func (l stdLogger) Error(msg string, fields ...observability.Field) { l.print("ERROR", msg, fields) }

func (l stdLogger) print(level, msg string, fields []observability.Field) {
	if len(fields) == 0 {
		l.logger.Printf("%s %s", level, msg)
		return
	}
	buf := make([]byte, 0, 64)
	for _, f := range fields {
		buf = append(buf, ' ')
		buf = append(buf, f.Key...)
		buf = append(buf, '=')
		buf = fmt.Appendf(buf, "%v", f.Value)
	}
	l.logger.Printf("%s %s%s", level, msg, buf)
}

func openDatabase(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.RunMigrations {
		if err := migrations.Apply(ctx, cfg.DSN, defaultMigrationsDir, logger); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func loadWheelingPolicy(cfg config.PolicyConfig) (policy.WheelingPolicy, error) {
	source := policy.DefaultWheelingScript
	if cfg.WheelingScript != "" {
		raw, err := os.ReadFile(cfg.WheelingScript) // #nosec G304 -- path is operator controlled.
		if err != nil {
			return nil, fmt.Errorf("read wheeling script: %w", err)
		}
		source = string(raw)
	}
	return policy.Compile(source)
}

// runPricingLoop refreshes the oracle on a fixed cadence, deriving supply
// and demand from resting order book depth, then records the snapshot.
func runPricingLoop(ctx context.Context, logger *log.Logger, gw *gateway.Gateway, authority ledger.Party, congestion uint64, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bids, asks := gw.Depth()
			var supply, demand uint64
			for _, level := range asks {
				supply += level.Amount
			}
			for _, level := range bids {
				demand += level.Amount
			}
			if supply == 0 && demand == 0 {
				continue
			}
			if err := gw.UpdateMarketData(ctx, authority, supply, demand, congestion); err != nil {
				logger.Printf("market data update failed: %v", err)
				continue
			}
			snap, err := gw.CreatePriceSnapshot(ctx, authority, time.Now().Unix())
			if err != nil {
				logger.Printf("price snapshot failed: %v", err)
				continue
			}
			logger.Printf("price updated: price=%d supply=%d demand=%d", snap.Price, supply, demand)
		}
	}
}

// runAuctionLoop opens a batch each interval, then resolves and cranks the
// previous batch once its submission window has elapsed.
func runAuctionLoop(ctx context.Context, logger *log.Logger, gw *gateway.Gateway, authority ledger.Party, interval time.Duration) {
	batchID, err := gw.OpenBatch(ctx, authority)
	if err != nil {
		logger.Printf("open batch failed: %v", err)
	} else {
		logger.Printf("batch %d open for submissions", batchID)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if batchID != 0 {
				finalizeBatch(ctx, logger, gw, authority, batchID)
			}
			batchID, err = gw.OpenBatch(ctx, authority)
			if err != nil {
				logger.Printf("open batch failed: %v", err)
				batchID = 0
				continue
			}
			logger.Printf("batch %d open for submissions", batchID)
		}
	}
}

func finalizeBatch(ctx context.Context, logger *log.Logger, gw *gateway.Gateway, authority ledger.Party, batchID uint64) {
	if err := gw.ResolveBatch(ctx, batchID); err != nil {
		logger.Printf("resolve batch %d failed: %v", batchID, err)
		return
	}
	_, price, volume, err := gw.BatchState(batchID)
	if err != nil {
		logger.Printf("inspect batch %d failed: %v", batchID, err)
		return
	}
	logger.Printf("batch %d cleared: price=%d volume=%d", batchID, price, volume)
	if volume == 0 {
		return
	}
	if err := crankBatch(ctx, gw, authority, batchID); err != nil {
		logger.Printf("settle batch %d failed: %v", batchID, err)
	}
}

// crankBatch settles every matched bid/ask pair of a cleared batch by
// walking both sides in sequence order.
func crankBatch(ctx context.Context, gw *gateway.Gateway, authority ledger.Party, batchID uint64) error {
	orders, err := gw.BatchOrders(batchID)
	if err != nil {
		return err
	}

	type remaining struct {
		seq  int
		left uint64
	}
	var bids, asks []remaining
	for _, order := range orders {
		if order.Matched <= order.Settled {
			continue
		}
		r := remaining{seq: order.Seq, left: order.Matched - order.Settled}
		if order.IsBid {
			bids = append(bids, r)
		} else {
			asks = append(asks, r)
		}
	}

	bi, ai := 0, 0
	for bi < len(bids) && ai < len(asks) {
		amount := bids[bi].left
		if asks[ai].left < amount {
			amount = asks[ai].left
		}
		if _, err := gw.SettleBatchPair(ctx, authority, batchID, bids[bi].seq, asks[ai].seq, amount); err != nil {
			return err
		}
		bids[bi].left -= amount
		asks[ai].left -= amount
		if bids[bi].left == 0 {
			bi++
		}
		if asks[ai].left == 0 {
			ai++
		}
	}
	return nil
}

type gracefulShutdownConfig struct {
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	feed       *feed.Server
	bus        *events.MemoryBus
	telemetry  func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.feed != nil {
		shutdownStep("stopping event feed", feedShutdownTimeout, cfg.feed.Shutdown)
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.bus != nil {
		shutdownStep("closing event bus", busShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.bus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("flushing telemetry", telemetryShutdownTimeout, cfg.telemetry)
	}
}
