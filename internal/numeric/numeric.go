// Package numeric provides helpers for minor-unit and decimal conversions
// used across the settlement core.
package numeric

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// FromMinor converts a minor-unit amount into an exact decimal.
func FromMinor(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// ToMinor converts an integral, non-negative decimal back into minor units.
// It reports false when the value is fractional, negative, or out of range.
func ToMinor(d decimal.Decimal) (uint64, bool) {
	if d.Sign() < 0 {
		return 0, false
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, false
	}
	i := d.BigInt()
	if !i.IsUint64() {
		return 0, false
	}
	return i.Uint64(), true
}

// Bps returns value*bps/10000 with intermediate math wide enough that the
// product cannot overflow. The result always fits because bps <= 10000 in
// every caller.
func Bps(value uint64, bps uint16) uint64 {
	p := new(big.Int).SetUint64(value)
	p.Mul(p, big.NewInt(int64(bps)))
	p.Div(p, big.NewInt(10_000))
	return p.Uint64()
}

// ApplyPermille scales value by factor/100 (a percentage expressed with two
// implied decimal places, e.g. 125 means 1.25x), saturating at MaxUint64.
func ApplyPermille(value, factor uint64) uint64 {
	p := new(big.Int).SetUint64(value)
	p.Mul(p, new(big.Int).SetUint64(factor))
	p.Div(p, big.NewInt(100))
	if !p.IsUint64() {
		return math.MaxUint64
	}
	return p.Uint64()
}

// WeightedAverage returns the volume-weighted mean of the price points,
// truncated toward zero. Zero volume yields zero.
func WeightedAverage(prices, volumes []uint64) uint64 {
	if len(prices) != len(volumes) || len(prices) == 0 {
		return 0
	}
	sum := decimal.Zero
	weight := decimal.Zero
	for i := range prices {
		if volumes[i] == 0 {
			continue
		}
		v := FromMinor(volumes[i])
		sum = sum.Add(FromMinor(prices[i]).Mul(v))
		weight = weight.Add(v)
	}
	if weight.IsZero() {
		return 0
	}
	out, ok := ToMinor(sum.Div(weight).Truncate(0))
	if !ok {
		return 0
	}
	return out
}
