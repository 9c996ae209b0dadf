// Package beam converts raw digitized beam-monitor voltages into
// calibrated physical quantities: beam current, per-channel fractional
// contributions and the beam centroid shift, with first-order uncertainty
// propagation on every step.
package beam

import (
	"fmt"
	"time"

	"github.com/silab-bonn/irradgo/uncert"
)

// Channel identifies one analog beam-monitor signal
type Channel uint8

// The monitor channels of the readout electronics.  The four SEM foil
// segments surround the beam; their sum is proportional to the current and
// their asymmetry to the centroid position.
const (
	NoChannel Channel = iota
	SemLeft
	SemRight
	SemUp
	SemDown
	SemSum
	SemHShift
	SemVShift
	CupIntegrated
)

var channelNames = map[Channel]string{
	NoChannel:     "none",
	SemLeft:       "sem_left",
	SemRight:      "sem_right",
	SemUp:         "sem_up",
	SemDown:       "sem_down",
	SemSum:        "sem_sum",
	SemHShift:     "sem_h_shift",
	SemVShift:     "sem_v_shift",
	CupIntegrated: "cup_integrated",
}

func (c Channel) String() string {
	if s, ok := channelNames[c]; ok {
		return s
	}
	return fmt.Sprintf("channel(%d)", int(c))
}

// ParseChannel maps a config label to its Channel, erroring on unknown
// labels so a typo in the readout config fails at startup
func ParseChannel(s string) (Channel, error) {
	for c, name := range channelNames {
		if name == s {
			return c, nil
		}
	}
	return NoChannel, fmt.Errorf("unknown beam channel %q", s)
}

// Sample is one digitized voltage on one channel
type Sample struct {
	Channel Channel
	Voltage float64
}

// Frame is one synchronous acquisition across all configured channels,
// sharing a single timestamp.  Frames are immutable once produced by the
// DAQ loop.
type Frame struct {
	Timestamp time.Time
	Samples   []Sample
}

// Voltage returns the voltage of the given channel and whether the frame
// contains it
func (f Frame) Voltage(c Channel) (float64, bool) {
	for _, s := range f.Samples {
		if s.Channel == c {
			return s.Voltage, true
		}
	}
	return 0, false
}

// Reading is the calibrated physical result of one frame.
//
// Degenerate flags a frame whose sum voltage (or a centroid denominator)
// was zero, i.e. beam off or below threshold.  A degenerate reading is not
// an error: fractions and shifts are defined as zero and the DAQ loop
// continues uninterrupted.  Integrators must treat degenerate cycles as
// zero dose.
type Reading struct {
	Timestamp time.Time

	// Current is the beam current in nanoamps
	Current uncert.Value

	// Fractions holds the per-channel contribution relative to the sum
	Fractions map[Channel]uncert.Value

	// HShift and VShift are the normalized centroid asymmetries,
	// (left-right)/(left+right) and (up-down)/(up+down), in [-1, 1]
	HShift float64
	VShift float64

	Degenerate bool
}
