package numeric

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestMinorRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 10_000, math.MaxUint64} {
		d := FromMinor(v)
		back, ok := ToMinor(d)
		if !ok || back != v {
			t.Fatalf("round trip %d -> %s -> %d ok=%v", v, d, back, ok)
		}
	}
}

func TestToMinorRejections(t *testing.T) {
	if _, ok := ToMinor(decimal.NewFromFloat(1.5)); ok {
		t.Fatal("fractional value accepted")
	}
	if _, ok := ToMinor(decimal.NewFromInt(-1)); ok {
		t.Fatal("negative value accepted")
	}
	huge := FromMinor(math.MaxUint64).Add(decimal.NewFromInt(1))
	if _, ok := ToMinor(huge); ok {
		t.Fatal("out-of-range value accepted")
	}
}

func TestBps(t *testing.T) {
	// 25 bps of 20000 is 50.
	if got := Bps(20_000, 25); got != 50 {
		t.Fatalf("Bps(20000, 25)=%d want 50", got)
	}
	if got := Bps(0, 25); got != 0 {
		t.Fatalf("Bps(0, 25)=%d want 0", got)
	}
	// Intermediate product exceeds uint64 but the result must not.
	if got := Bps(math.MaxUint64, 10_000); got != math.MaxUint64 {
		t.Fatalf("Bps(max, 10000)=%d want max", got)
	}
	if got := Bps(999, 25); got != 2 {
		t.Fatalf("Bps(999, 25)=%d want 2 (floor)", got)
	}
}

func TestApplyPermille(t *testing.T) {
	if got := ApplyPermille(400, 125); got != 500 {
		t.Fatalf("ApplyPermille(400,125)=%d want 500", got)
	}
	if got := ApplyPermille(400, 100); got != 400 {
		t.Fatalf("identity factor: %d", got)
	}
	if got := ApplyPermille(math.MaxUint64, 200); got != math.MaxUint64 {
		t.Fatalf("saturation: %d", got)
	}
}

func TestWeightedAverage(t *testing.T) {
	// (10*50 + 8*30) / 80 = 740/80 = 9 (truncated).
	if got := WeightedAverage([]uint64{10, 8}, []uint64{50, 30}); got != 9 {
		t.Fatalf("vwap=%d want 9", got)
	}
	if got := WeightedAverage(nil, nil); got != 0 {
		t.Fatalf("empty vwap=%d want 0", got)
	}
	if got := WeightedAverage([]uint64{10}, []uint64{0}); got != 0 {
		t.Fatalf("zero-volume vwap=%d want 0", got)
	}
}
