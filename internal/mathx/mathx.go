package mathx

import (
	"math"

	"golang.org/x/exp/constraints"
)

// Clamp limits v to [lo, hi]. If lo > hi, the bounds are swapped.
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if hi < lo {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// AtLeast returns v, or lo when v is below it.
func AtLeast[T constraints.Ordered](v, lo T) T {
	if v < lo {
		return lo
	}
	return v
}

// SaturatingAdd returns a+b, pinned to the type maximum instead of wrapping.
func SaturatingAdd[T constraints.Unsigned](a, b T) T {
	s := a + b
	if s < a {
		return ^T(0)
	}
	return s
}

// SaturatingAddFloat returns a+b, pinned to ±MaxFloat64 instead of overflowing
// to infinity.
func SaturatingAddFloat(a, b float64) float64 {
	s := a + b
	switch {
	case math.IsInf(s, 1):
		return math.MaxFloat64
	case math.IsInf(s, -1):
		return -math.MaxFloat64
	}
	return s
}
