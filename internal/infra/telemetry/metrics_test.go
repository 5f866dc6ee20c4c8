package telemetry

import (
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
)

func TestOTelMetricsInstrumentsAreReused(t *testing.T) {
	m := NewOTelMetrics(noop.NewMeterProvider().Meter("test"))

	labels := map[string]string{"venue": "orderbook"}
	m.IncCounter("trades.settled", 1, labels)
	m.IncCounter("trades.settled", 2, labels)
	m.ObserveHistogram("settle.duration_ms", 4.2, nil)
	m.ObserveHistogram("settle.duration_ms", 1.1, nil)
	m.SetGauge("book.depth", 12, labels)
	m.SetGauge("book.depth", 9, labels)

	if len(m.counters) != 1 || len(m.histograms) != 1 || len(m.gauges) != 1 {
		t.Fatalf("expected one instrument per name, got %d/%d/%d",
			len(m.counters), len(m.histograms), len(m.gauges))
	}
}
