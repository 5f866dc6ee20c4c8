package ledger

import "math"

// CheckedAdd returns a+b and reports whether the sum stayed within uint64.
func CheckedAdd(a, b uint64) (uint64, bool) {
	if b > math.MaxUint64-a {
		return 0, false
	}
	return a + b, true
}

// CheckedMul returns a*b and reports whether the product stayed within uint64.
func CheckedMul(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > math.MaxUint64/b {
		return 0, false
	}
	return a * b, true
}

// CheckedSub returns a-b and reports whether the difference is non-negative.
func CheckedSub(a, b uint64) (uint64, bool) {
	if b > a {
		return 0, false
	}
	return a - b, true
}
