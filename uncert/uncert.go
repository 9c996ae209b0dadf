// Package uncert provides values carrying a gaussian measurement
// uncertainty and first-order (linear) error propagation for the handful
// of arithmetic operations the signal chain needs.
package uncert

import "math"

// Value is a measured quantity with a one-sigma uncertainty.
// Sigma is never negative.
type Value struct {
	Nominal float64 `json:"nominal"`
	Sigma   float64 `json:"sigma"`
}

// New builds a Value, clamping the sigma to be non-negative and mapping
// non-finite inputs to zero so downstream arithmetic cannot produce NaN
func New(nominal, sigma float64) Value {
	if math.IsNaN(nominal) || math.IsInf(nominal, 0) {
		nominal = 0
	}
	if math.IsNaN(sigma) || math.IsInf(sigma, 0) {
		sigma = 0
	}
	if sigma < 0 {
		sigma = -sigma
	}
	return Value{Nominal: nominal, Sigma: sigma}
}

// Scale multiplies by an exact (uncertainty-free) constant
func (v Value) Scale(k float64) Value {
	return New(v.Nominal*k, v.Sigma*math.Abs(k))
}

// Add sums two values, combining sigmas in quadrature
func Add(a, b Value) Value {
	return New(a.Nominal+b.Nominal, Quad(a.Sigma, b.Sigma))
}

// Mul multiplies two values.  The propagated sigma is
// sqrt((a.Nominal*b.Sigma)^2 + (b.Nominal*a.Sigma)^2), the first-order
// expansion of the product
func Mul(a, b Value) Value {
	return New(a.Nominal*b.Nominal, Quad(a.Nominal*b.Sigma, b.Nominal*a.Sigma))
}

// Div divides a by b.  ok is false when b.Nominal is zero; the returned
// value is then exactly zero, leaving the fail-soft decision to the
// caller rather than raising or returning NaN
func Div(a, b Value) (Value, bool) {
	if b.Nominal == 0 {
		return Value{}, false
	}
	n := a.Nominal / b.Nominal
	// relative sigmas in quadrature; guard a.Nominal == 0, where only
	// the numerator noise survives
	var s float64
	if a.Nominal == 0 {
		s = a.Sigma / math.Abs(b.Nominal)
	} else {
		s = math.Abs(n) * Quad(a.Sigma/a.Nominal, b.Sigma/b.Nominal)
	}
	return New(n, s), true
}

// Quad combines terms in quadrature: sqrt(a^2 + b^2 + ...)
func Quad(terms ...float64) float64 {
	var ss float64
	for _, t := range terms {
		ss += t * t
	}
	return math.Sqrt(ss)
}
