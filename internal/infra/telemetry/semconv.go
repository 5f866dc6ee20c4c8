// Package telemetry provides semantic conventions for settlement observability.
package telemetry

import (
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for settlement-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEventType annotates counters/histograms with the settlement event classification (e.g. order_matched).
	AttrEventType = attribute.Key("event.type")
	// AttrMarket identifies the market whose authority produced the signal.
	AttrMarket = attribute.Key("market")
	// AttrOperation differentiates specific settlement operations (e.g. match_orders, resolve_auction).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
)

var globalEnvironment atomic.Value

// SetEnvironment records the deployment environment attached to every metric.
func SetEnvironment(env string) {
	globalEnvironment.Store(env)
}

// Environment returns the configured deployment environment, defaulting to development.
func Environment() string {
	if v, ok := globalEnvironment.Load().(string); ok && v != "" {
		return v
	}
	return "development"
}

// EventAttributes returns common attributes for event metrics.
func EventAttributes(environment, eventType, market string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
		AttrMarket.String(market),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, market, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrMarket.String(market),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
