package observability

import "sync"

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)        {}

// SettlementMetricsSnapshot captures settlement-focused runtime counters.
type SettlementMetricsSnapshot struct {
	TradesSettled   map[string]int   `json:"trades_settled"`
	VolumeSettled   map[string]int64 `json:"volume_settled"`
	RejectedOrders  map[string]int   `json:"rejected_orders"`
	ThrottleWaitsMs map[string]int64 `json:"throttle_waits_ms"`
}

// RuntimeMetrics accumulates settlement metrics in-memory for periodic export.
type RuntimeMetrics struct {
	mu         sync.Mutex
	settlement SettlementMetricsSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	metrics := new(RuntimeMetrics)
	metrics.settlement = SettlementMetricsSnapshot{
		TradesSettled:   make(map[string]int),
		VolumeSettled:   make(map[string]int64),
		RejectedOrders:  make(map[string]int),
		ThrottleWaitsMs: make(map[string]int64),
	}
	return metrics
}

// RecordTrade tracks a settled trade and its energy volume for a venue key.
func (m *RuntimeMetrics) RecordTrade(venue string, volume int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlement.TradesSettled[venue]++
	m.settlement.VolumeSettled[venue] += volume
}

// IncrementRejected increments the rejected-order counter for a venue key.
func (m *RuntimeMetrics) IncrementRejected(venue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlement.RejectedOrders[venue]++
}

// AddThrottleWait accumulates time spent waiting on submission throttles.
func (m *RuntimeMetrics) AddThrottleWait(venue string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlement.ThrottleWaitsMs[venue] += delta
}

// Snapshot copies the current settlement metrics state for reporting.
func (m *RuntimeMetrics) Snapshot() SettlementMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := SettlementMetricsSnapshot{
		TradesSettled:   make(map[string]int, len(m.settlement.TradesSettled)),
		VolumeSettled:   make(map[string]int64, len(m.settlement.VolumeSettled)),
		RejectedOrders:  make(map[string]int, len(m.settlement.RejectedOrders)),
		ThrottleWaitsMs: make(map[string]int64, len(m.settlement.ThrottleWaitsMs)),
	}
	for k, v := range m.settlement.TradesSettled {
		snapshot.TradesSettled[k] = v
	}
	for k, v := range m.settlement.VolumeSettled {
		snapshot.VolumeSettled[k] = v
	}
	for k, v := range m.settlement.RejectedOrders {
		snapshot.RejectedOrders[k] = v
	}
	for k, v := range m.settlement.ThrottleWaitsMs {
		snapshot.ThrottleWaitsMs[k] = v
	}
	return snapshot
}
