package beam

import (
	"fmt"
	"math"
	"sync"

	"github.com/silab-bonn/irradgo/calib"
	"github.com/silab-bonn/irradgo/fault"
	"github.com/silab-bonn/irradgo/uncert"
)

// Converter turns Frames into Readings under one calibration record and
// one current full-scale setting.
//
// The active record is an immutable snapshot; Switch installs a new one
// atomically and serializes against Convert, so a reading is always
// computed entirely under a single calibration.
type Converter struct {
	mu sync.RWMutex

	rec       calib.Record
	fullScale float64

	// noise is the instrument voltage noise floor in volts, a fixed
	// property of the readout electronics
	noise float64

	// scales is the set of legal full-scale settings (ifs_scales)
	scales []float64
}

// NewConverter builds a Converter.  fullScale must be one of scales, the
// ordered ifs_scales table of the readout electronics; anything else is a
// configuration error.
func NewConverter(rec calib.Record, fullScale, noise float64, scales []float64) (*Converter, error) {
	if !scaleKnown(fullScale, scales) {
		return nil, &fault.ConfigError{
			Op:     "beam.NewConverter",
			Detail: fmt.Sprintf("full scale %g nA is not one of the readout scales %v", fullScale, scales),
		}
	}
	return &Converter{rec: rec, fullScale: fullScale, noise: noise, scales: scales}, nil
}

func scaleKnown(fs float64, scales []float64) bool {
	for _, s := range scales {
		if s == fs {
			return true
		}
	}
	return false
}

// Switch atomically installs a new calibration record and full-scale
// setting.  In-flight Convert calls finish under the old snapshot; new
// calls block until the swap completes.
func (c *Converter) Switch(rec calib.Record, fullScale float64) error {
	if !scaleKnown(fullScale, c.scales) {
		return &fault.ConfigError{
			Op:     "beam.Switch",
			Detail: fmt.Sprintf("full scale %g nA is not one of the readout scales %v", fullScale, c.scales),
		}
	}
	c.mu.Lock()
	c.rec = rec
	c.fullScale = fullScale
	c.mu.Unlock()
	return nil
}

// Active returns the calibration record and full-scale currently installed
func (c *Converter) Active() (calib.Record, float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rec, c.fullScale
}

// Convert derives the physical reading for one frame.
//
// The beam current is lambda * fullScale * V(sem_sum) in nanoamps, with
// sigma^2 = (fullScale*V*lambda_sigma)^2 + (lambda*fullScale*noise)^2.
// Fractions and centroid shifts fail soft to zero on a zero denominator,
// setting Degenerate instead of erroring, so a momentary beam-off never
// interrupts the DAQ loop.  No NaN or Inf ever escapes; sigmas are
// non-negative.
func (c *Converter) Convert(f Frame) Reading {
	c.mu.RLock()
	rec := c.rec
	fs := c.fullScale
	noise := c.noise
	c.mu.RUnlock()

	r := Reading{
		Timestamp: f.Timestamp,
		Fractions: make(map[Channel]uncert.Value, len(f.Samples)),
	}

	vSum, _ := f.Voltage(SemSum)
	vSum = finite(vSum)

	r.Current = uncert.New(
		rec.Nominal*fs*vSum,
		uncert.Quad(fs*vSum*rec.Sigma, rec.Nominal*fs*noise),
	)

	sum := uncert.New(vSum, noise)
	for _, s := range f.Samples {
		switch s.Channel {
		case SemSum, SemHShift, SemVShift, NoChannel:
			continue
		}
		frac, ok := uncert.Div(uncert.New(finite(s.Voltage), noise), sum)
		if !ok {
			r.Degenerate = true
			frac = uncert.Value{}
		}
		r.Fractions[s.Channel] = frac
	}
	if vSum == 0 {
		r.Degenerate = true
	}

	r.HShift, r.Degenerate = shift(f, SemLeft, SemRight, r.Degenerate)
	r.VShift, r.Degenerate = shift(f, SemUp, SemDown, r.Degenerate)
	return r
}

// shift computes a normalized opposing-channel asymmetry, failing soft to
// zero when the pair sums to zero
func shift(f Frame, plus, minus Channel, degenerate bool) (float64, bool) {
	a, okA := f.Voltage(plus)
	b, okB := f.Voltage(minus)
	if !okA || !okB {
		return 0, degenerate
	}
	a, b = finite(a), finite(b)
	den := a + b
	if den == 0 {
		return 0, true
	}
	return (a - b) / den, degenerate
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
