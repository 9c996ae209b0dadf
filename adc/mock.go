package adc

import (
	"sync"

	"github.com/silab-bonn/irradgo/beam"
	"github.com/silab-bonn/irradgo/fault"
)

// Mock is an in-memory stand-in for the readout electronics, used by the
// server's mock mode and by tests of the acquisition machinery.  It is
// concurrent-safe so a test can change voltages while a DAQ loop reads.
type Mock struct {
	mu       sync.Mutex
	cfg      Config
	channels []beam.Channel
	volts    map[beam.Channel]float64
	selector int
	err      error
}

// NewMock returns a Mock with the given configuration; all voltages start
// at zero
func NewMock(cfg Config) (*Mock, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	chans := make([]beam.Channel, len(cfg.Channels))
	volts := make(map[beam.Channel]float64, len(cfg.Channels))
	for i, label := range cfg.Channels {
		ch, _ := beam.ParseChannel(label)
		chans[i] = ch
		volts[ch] = 0
	}
	return &Mock{cfg: cfg, channels: chans, volts: volts}, nil
}

// SetVoltage sets the voltage reported for one channel
func (m *Mock) SetVoltage(ch beam.Channel, v float64) {
	m.mu.Lock()
	m.volts[ch] = v
	m.mu.Unlock()
}

// Fail makes every subsequent ReadChannels return err; nil restores
// normal operation
func (m *Mock) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Channels returns the configured channel order
func (m *Mock) Channels() []beam.Channel {
	out := make([]beam.Channel, len(m.channels))
	copy(out, m.channels)
	return out
}

// FullScale returns the active full-scale setting in nanoamps
func (m *Mock) FullScale() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.IFSScales[m.selector]
}

// Scales returns the ifs_scales table
func (m *Mock) Scales() []float64 {
	out := make([]float64, len(m.cfg.IFSScales))
	copy(out, m.cfg.IFSScales)
	return out
}

// SetFullScale selects a full-scale by table index
func (m *Mock) SetFullScale(selector int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if selector < 0 || selector >= len(m.cfg.IFSScales) {
		return &fault.ConfigError{Op: "adc.SetFullScale", Detail: "selector outside ifs_scales table"}
	}
	m.selector = selector
	return nil
}

// ReadChannels returns the current voltages, or the injected error
func (m *Mock) ReadChannels() (map[beam.Channel]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[beam.Channel]float64, len(m.volts))
	for ch, v := range m.volts {
		out[ch] = v
	}
	return out, nil
}
