// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/ledger"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/market"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/pricing"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/registry"
)

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize    int                 `yaml:"bufferSize"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

// FanoutWorkerSetting encapsulates the fanout worker configuration allowing both numeric and symbolic values.
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{kind: fanoutWorkerUnset, value: 0}
		return nil
	}

	text := strings.TrimSpace(node.Value)
	if text == "" {
		s.kind = fanoutWorkerUnset
		s.value = 0
		return nil
	}

	switch strings.ToLower(text) {
	case "auto":
		s.kind = fanoutWorkerAuto
		s.value = 0
		return nil
	case "default":
		s.kind = fanoutWorkerDefault
		s.value = 0
		return nil
	}

	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	s.kind = fanoutWorkerExplicit
	s.value = val
	return nil
}

func (s FanoutWorkerSetting) resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 4
	default:
		return 4
	}
}

// FanoutWorkerCount returns the resolved worker count for use by runtime components.
func (c EventbusConfig) FanoutWorkerCount() int {
	return c.FanoutWorkers.resolve()
}

// MarketConfig identifies the market and its settlement parties.
type MarketConfig struct {
	Name              string `yaml:"name"`
	Authority         string `yaml:"authority"`
	FeeCollector      string `yaml:"feeCollector"`
	WheelingCollector string `yaml:"wheelingCollector"`
	FeeBps            uint16 `yaml:"feeBps"`
}

// AuctionConfig controls the periodic batch auction cadence.
type AuctionConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// TOUTierConfig describes one time-of-use tariff window.
type TOUTierConfig struct {
	StartHour  uint8  `yaml:"startHour"`
	EndHour    uint8  `yaml:"endHour"`
	Multiplier uint64 `yaml:"multiplier"`
}

// PricingConfig seeds the dynamic pricing oracle.
type PricingConfig struct {
	BasePrice        uint64          `yaml:"basePrice"`
	MinPrice         uint64          `yaml:"minPrice"`
	MaxPrice         uint64          `yaml:"maxPrice"`
	Tiers            []TOUTierConfig `yaml:"tiers"`
	Seasonal         []uint64        `yaml:"seasonal"`
	SensitivityBps   uint16          `yaml:"sensitivityBps"`
	CongestionFactor uint64          `yaml:"congestionFactor"`
	TimezoneOffset   int32           `yaml:"timezoneOffset"`
	UpdateInterval   time.Duration   `yaml:"updateInterval"`
}

// PolicyConfig locates the wheeling charge script.
type PolicyConfig struct {
	WheelingScript string `yaml:"wheelingScript"`
}

// MeterConfig seeds one smart meter registration.
type MeterConfig struct {
	Owner    string `yaml:"owner"`
	MeterID  string `yaml:"meterId"`
	Status   string `yaml:"status"`
	GridZone string `yaml:"gridZone"`
}

// CertificateConfig seeds one renewable generation certificate.
type CertificateConfig struct {
	ID           string `yaml:"id"`
	Owner        string `yaml:"owner"`
	Status       string `yaml:"status"`
	EnergyAmount uint64 `yaml:"energyAmount"`
	ExpiresAt    int64  `yaml:"expiresAt"`
	Validated    bool   `yaml:"validated"`
}

// RegistryConfig seeds the static meter registry and certificate authority.
type RegistryConfig struct {
	Meters       []MeterConfig       `yaml:"meters"`
	Certificates []CertificateConfig `yaml:"certificates"`
}

// ThrottleConfig bounds per-participant order submission rates.
type ThrottleConfig struct {
	OrdersPerSecond float64 `yaml:"ordersPerSecond"`
	Burst           int     `yaml:"burst"`
}

// FeedConfig configures the websocket event feed.
type FeedConfig struct {
	Addr string `yaml:"addr"`
}

// RelayConfig controls outbox-to-bus replay behaviour.
type RelayConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	BatchSize    int           `yaml:"batchSize"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/settlement"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// AppConfig is the unified settlement application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Market      MarketConfig    `yaml:"market"`
	Auction     AuctionConfig   `yaml:"auction"`
	Pricing     PricingConfig   `yaml:"pricing"`
	Policy      PolicyConfig    `yaml:"policy"`
	Registry    RegistryConfig  `yaml:"registry"`
	Throttle    ThrottleConfig  `yaml:"throttle"`
	Eventbus    EventbusConfig  `yaml:"eventbus"`
	Feed        FeedConfig      `yaml:"feed"`
	Relay       RelayConfig     `yaml:"relay"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Database    DatabaseConfig  `yaml:"database"`
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))

	c.Market.Name = strings.TrimSpace(c.Market.Name)
	c.Market.Authority = strings.TrimSpace(c.Market.Authority)
	c.Market.FeeCollector = strings.TrimSpace(c.Market.FeeCollector)
	c.Market.WheelingCollector = strings.TrimSpace(c.Market.WheelingCollector)
	if c.Market.FeeBps == 0 {
		c.Market.FeeBps = market.DefaultFeeBps
	}

	if c.Auction.Interval <= 0 {
		c.Auction.Interval = 15 * time.Minute
	}

	if c.Pricing.UpdateInterval <= 0 {
		c.Pricing.UpdateInterval = time.Minute
	}

	if c.Throttle.OrdersPerSecond <= 0 {
		c.Throttle.OrdersPerSecond = 5
	}
	if c.Throttle.Burst <= 0 {
		c.Throttle.Burst = 3
	}

	if c.Eventbus.BufferSize <= 0 {
		c.Eventbus.BufferSize = 64
	}

	c.Feed.Addr = strings.TrimSpace(c.Feed.Addr)

	if c.Relay.PollInterval <= 0 {
		c.Relay.PollInterval = 5 * time.Second
	}
	if c.Relay.BatchSize <= 0 {
		c.Relay.BatchSize = 128
	}

	c.Policy.WheelingScript = strings.TrimSpace(c.Policy.WheelingScript)
	if c.Policy.WheelingScript != "" {
		c.Policy.WheelingScript = filepath.Clean(c.Policy.WheelingScript)
	}

	for i := range c.Registry.Meters {
		m := &c.Registry.Meters[i]
		m.Owner = strings.TrimSpace(m.Owner)
		m.MeterID = strings.TrimSpace(m.MeterID)
		m.GridZone = strings.TrimSpace(m.GridZone)
		m.Status = strings.ToLower(strings.TrimSpace(m.Status))
		if m.Status == "" {
			m.Status = string(registry.MeterStatusActive)
		}
	}
	for i := range c.Registry.Certificates {
		cert := &c.Registry.Certificates[i]
		cert.ID = strings.TrimSpace(cert.ID)
		cert.Owner = strings.TrimSpace(cert.Owner)
		cert.Status = strings.ToLower(strings.TrimSpace(cert.Status))
		if cert.Status == "" {
			cert.Status = string(registry.CertificateStatusValid)
		}
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	c.Database.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Market.Name == "" {
		return fmt.Errorf("market name required")
	}
	if c.Market.Authority == "" {
		return fmt.Errorf("market authority required")
	}
	if c.Market.FeeCollector == "" {
		return fmt.Errorf("market feeCollector required")
	}
	if c.Market.WheelingCollector == "" {
		return fmt.Errorf("market wheelingCollector required")
	}
	if c.Market.FeeBps > market.MaxFeeBps {
		return fmt.Errorf("market feeBps must be <= %d", market.MaxFeeBps)
	}

	if c.Pricing.BasePrice == 0 {
		return fmt.Errorf("pricing basePrice required")
	}
	if c.Pricing.MinPrice > c.Pricing.BasePrice || c.Pricing.BasePrice > c.Pricing.MaxPrice {
		return fmt.Errorf("pricing basePrice must sit between minPrice and maxPrice")
	}
	if len(c.Pricing.Seasonal) != 0 && len(c.Pricing.Seasonal) != 4 {
		return fmt.Errorf("pricing seasonal must list exactly 4 multipliers")
	}
	for _, tier := range c.Pricing.Tiers {
		if tier.StartHour > 23 || tier.EndHour > 24 {
			return fmt.Errorf("pricing tier hours must fall within a day")
		}
		if tier.Multiplier == 0 {
			return fmt.Errorf("pricing tier multiplier must be >0")
		}
	}

	if c.Throttle.OrdersPerSecond <= 0 {
		return fmt.Errorf("throttle ordersPerSecond must be > 0")
	}
	if c.Throttle.Burst <= 0 {
		return fmt.Errorf("throttle burst must be > 0")
	}

	if c.Eventbus.BufferSize <= 0 {
		return fmt.Errorf("eventbus bufferSize must be >0")
	}
	if c.Eventbus.FanoutWorkerCount() <= 0 {
		return fmt.Errorf("eventbus fanoutWorkers must be >0")
	}

	for _, m := range c.Registry.Meters {
		if m.Owner == "" || m.MeterID == "" {
			return fmt.Errorf("registry meters require owner and meterId")
		}
		switch registry.MeterStatus(m.Status) {
		case registry.MeterStatusActive, registry.MeterStatusSuspended, registry.MeterStatusRetired:
		default:
			return fmt.Errorf("registry meter %s: unknown status %q", m.MeterID, m.Status)
		}
	}
	for _, cert := range c.Registry.Certificates {
		if cert.ID == "" || cert.Owner == "" {
			return fmt.Errorf("registry certificates require id and owner")
		}
		switch registry.CertificateStatus(cert.Status) {
		case registry.CertificateStatusValid, registry.CertificateStatusSuspended, registry.CertificateStatusRevoked:
		default:
			return fmt.Errorf("registry certificate %s: unknown status %q", cert.ID, cert.Status)
		}
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	return nil
}

// PricingOracleConfig maps the YAML pricing section onto the oracle's native
// configuration, falling back to the stock tariff profile for omitted fields.
func (c AppConfig) PricingOracleConfig() pricing.Config {
	cfg := pricing.DefaultConfig(c.Pricing.BasePrice, c.Pricing.MinPrice, c.Pricing.MaxPrice)
	if len(c.Pricing.Tiers) > 0 {
		tiers := make([]pricing.TOUTier, 0, len(c.Pricing.Tiers))
		for _, tier := range c.Pricing.Tiers {
			tiers = append(tiers, pricing.TOUTier{
				StartHour:  tier.StartHour,
				EndHour:    tier.EndHour,
				Multiplier: tier.Multiplier,
			})
		}
		cfg.Tiers = tiers
	}
	if len(c.Pricing.Seasonal) == 4 {
		copy(cfg.Seasonal[:], c.Pricing.Seasonal)
	}
	if c.Pricing.SensitivityBps != 0 {
		cfg.SensitivityBps = c.Pricing.SensitivityBps
	}
	if c.Pricing.CongestionFactor != 0 {
		cfg.CongestionFactor = c.Pricing.CongestionFactor
	}
	if c.Pricing.TimezoneOffset != 0 {
		cfg.TimezoneOffset = c.Pricing.TimezoneOffset
	}
	return cfg
}

// BuildRegistry seeds a static meter registry and certificate authority from
// the registry section.
func (c AppConfig) BuildRegistry(now time.Time) *registry.Static {
	static := registry.NewStatic()
	for _, m := range c.Registry.Meters {
		static.RegisterMeter(registry.Meter{
			Owner:      ledger.Party(m.Owner),
			MeterID:    m.MeterID,
			Status:     registry.MeterStatus(m.Status),
			GridZone:   m.GridZone,
			Registered: now.Unix(),
		})
	}
	for _, cert := range c.Registry.Certificates {
		static.RegisterCertificate(registry.Certificate{
			ID:                  cert.ID,
			Owner:               ledger.Party(cert.Owner),
			Status:              registry.CertificateStatus(cert.Status),
			EnergyAmount:        cert.EnergyAmount,
			ExpiresAt:           cert.ExpiresAt,
			ValidatedForTrading: cert.Validated,
		})
	}
	return static
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
