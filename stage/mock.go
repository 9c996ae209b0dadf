package stage

import (
	"fmt"
	"sync"

	"github.com/silab-bonn/irradgo/fault"
	"github.com/silab-bonn/irradgo/util"
)

// Mock is an in-memory Positioner for tests and the daemon's mock mode.
// Moves are instantaneous; an injected error makes the next motion fail,
// which is how the scan tests exercise abort-on-hardware-fault.
type Mock struct {
	mu     sync.Mutex
	x, y   float64
	limits map[string]util.Limiter
	err    error
	moves  int
}

// NewMock returns a Mock at the origin with the given soft limits
func NewMock(limits map[string]util.Limiter) *Mock {
	return &Mock{limits: limits}
}

// Fail makes every subsequent motion command return err; nil restores
// normal operation
func (m *Mock) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Moves returns the number of motion commands accepted so far
func (m *Mock) Moves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moves
}

// Pos returns the current logical position in millimeters
func (m *Mock) Pos() (float64, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.x, m.y, nil
}

// MoveAbs moves one axis to mm
func (m *Mock) MoveAbs(axis string, mm float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if lim, ok := m.limits[axis]; ok && !lim.Check(mm) {
		return &fault.HardwareFault{
			Device: "stage",
			Op:     "MoveAbs",
			Detail: fmt.Sprintf("%s=%g mm outside travel range [%g, %g]", axis, mm, lim.Min, lim.Max),
		}
	}
	switch axis {
	case "x":
		m.x = mm
	case "y":
		m.y = mm
	default:
		return &fault.ConfigError{Op: "stage", Detail: "unknown axis " + axis}
	}
	m.moves++
	return nil
}

// MoveRel moves one axis by mm
func (m *Mock) MoveRel(axis string, mm float64) error {
	m.mu.Lock()
	cur := m.x
	if axis == "y" {
		cur = m.y
	}
	m.mu.Unlock()
	return m.MoveAbs(axis, cur+mm)
}

// Home drives both axes to the origin
func (m *Mock) Home() error {
	if err := m.MoveAbs("y", 0); err != nil {
		return err
	}
	return m.MoveAbs("x", 0)
}
