// Package util contains misc internal utilities.
package util

// Limiter is an inclusive soft range on a scalar quantity, e.g. the
// travel of a stage axis in millimeters
type Limiter struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Check reports whether v lies within the limits.  The zero value imposes
// no limit.
func (l Limiter) Check(v float64) bool {
	if l.Min == 0 && l.Max == 0 {
		return true
	}
	return v >= l.Min && v <= l.Max
}

// Clamp returns v forced into the limits
func (l Limiter) Clamp(v float64) float64 {
	if l.Min == 0 && l.Max == 0 {
		return v
	}
	if v < l.Min {
		return l.Min
	}
	if v > l.Max {
		return l.Max
	}
	return v
}
