// Package adc drives the beam-monitor readout electronics: a multi
// channel ADC frontend that streams the SEM foil voltages over a serial
// or TCP link, with a selectable current full-scale (I_FS) per decade.
//
// The wire protocol is line oriented.  A sample request ('R') is answered
// with one frame
//
//	*<v0>,<v1>,...,<vN>;<crc>
//
// where the voltages are ASCII floats in channel-configuration order and
// crc is the XMODEM CRC16 of the payload between '*' and ';' as four hex
// digits.  Full-scale selection ('S<index>') is acknowledged with "OK".
package adc

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/snksoft/crc"

	"github.com/silab-bonn/irradgo/beam"
	"github.com/silab-bonn/irradgo/comm"
	"github.com/silab-bonn/irradgo/fault"
)

var crcTable = crc.NewTable(crc.XMODEM)

// checksum computes the XMODEM CRC16 of a frame payload in a concurrent
// safe way
func checksum(payload []byte) uint16 {
	c := crcTable.InitCrc()
	c = crcTable.UpdateCrc(c, payload)
	return crcTable.CRC16(c)
}

// Config is the immutable lookup table describing the readout
// electronics, loaded once at startup
type Config struct {
	// IFSScales is the ordered table of current full-scale settings in
	// nanoamps; the index is the hardware selector position
	IFSScales []float64 `yaml:"ifs_scales"`

	// GainFactors is the per-channel gain correction divided out of the
	// raw voltages; len must equal len(Channels)
	GainFactors []float64 `yaml:"gain_factors"`

	// Channels is the ordered list of channel labels as they appear in a
	// frame, e.g. sem_left
	Channels []string `yaml:"channels"`
}

// DefaultConfig matches the readout electronics at the irradiation site
func DefaultConfig() Config {
	return Config{
		IFSScales:   []float64{1, 3.3, 10, 33, 100, 330, 1000},
		GainFactors: []float64{1, 1, 1, 1, 1},
		Channels:    []string{"sem_left", "sem_right", "sem_up", "sem_down", "sem_sum"},
	}
}

// Validate checks internal consistency of the table
func (c Config) Validate() error {
	if len(c.IFSScales) == 0 {
		return &fault.ConfigError{Op: "adc.Config", Detail: "ifs_scales is empty"}
	}
	if len(c.Channels) == 0 {
		return &fault.ConfigError{Op: "adc.Config", Detail: "no channels configured"}
	}
	if len(c.GainFactors) != len(c.Channels) {
		return &fault.ConfigError{
			Op:     "adc.Config",
			Detail: fmt.Sprintf("%d gain factors for %d channels", len(c.GainFactors), len(c.Channels)),
		}
	}
	for i, g := range c.GainFactors {
		if g == 0 {
			return &fault.ConfigError{Op: "adc.Config", Detail: fmt.Sprintf("gain factor %d is zero", i)}
		}
	}
	for _, label := range c.Channels {
		if _, err := beam.ParseChannel(label); err != nil {
			return &fault.ConfigError{Op: "adc.Config", Detail: err.Error()}
		}
	}
	return nil
}

// Electronics is the readout frontend device
type Electronics struct {
	*comm.Device

	cfg      Config
	channels []beam.Channel
	selector int
}

// New builds an Electronics on the given address.  serialLink selects
// RS232 vs TCP, mirroring the two ways the frontend is cabled up.
func New(addr string, serialLink bool, cfg Config) (*Electronics, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	chans := make([]beam.Channel, len(cfg.Channels))
	for i, label := range cfg.Channels {
		ch, _ := beam.ParseChannel(label)
		chans[i] = ch
	}
	return &Electronics{
		Device:   comm.NewDevice(addr, serialLink, 115200),
		cfg:      cfg,
		channels: chans,
	}, nil
}

// Channels returns the configured channel order
func (e *Electronics) Channels() []beam.Channel {
	out := make([]beam.Channel, len(e.channels))
	copy(out, e.channels)
	return out
}

// FullScale returns the active full-scale setting in nanoamps
func (e *Electronics) FullScale() float64 {
	return e.cfg.IFSScales[e.selector]
}

// Scales returns the ifs_scales table
func (e *Electronics) Scales() []float64 {
	out := make([]float64, len(e.cfg.IFSScales))
	copy(out, e.cfg.IFSScales)
	return out
}

// SetFullScale selects a full-scale by table index
func (e *Electronics) SetFullScale(selector int) error {
	if selector < 0 || selector >= len(e.cfg.IFSScales) {
		return &fault.ConfigError{
			Op:     "adc.SetFullScale",
			Detail: fmt.Sprintf("selector %d outside ifs_scales table of length %d", selector, len(e.cfg.IFSScales)),
		}
	}
	resp, err := e.SendRecv([]byte(fmt.Sprintf("S%d", selector)))
	if err != nil {
		return wireFault("SetFullScale", err)
	}
	if string(resp) != "OK" {
		return &fault.HardwareFault{Device: "readout", Op: "SetFullScale", Detail: "rejected: " + string(resp)}
	}
	e.selector = selector
	return nil
}

// ReadChannels acquires one frame of gain-corrected voltages, keyed by
// channel.  CRC failures and malformed frames are hardware faults;
// timeouts are flagged as such so the DAQ loop can count them.
func (e *Electronics) ReadChannels() (map[beam.Channel]float64, error) {
	resp, err := e.SendRecv([]byte("R"))
	if err != nil {
		return nil, wireFault("ReadChannels", err)
	}
	volts, err := ParseFrame(resp, len(e.channels))
	if err != nil {
		return nil, err
	}
	out := make(map[beam.Channel]float64, len(volts))
	for i, v := range volts {
		out[e.channels[i]] = v / e.cfg.GainFactors[i]
	}
	return out, nil
}

// ParseFrame validates and decodes one raw sample frame
func ParseFrame(raw []byte, nchan int) ([]float64, error) {
	if len(raw) < 2 || raw[0] != '*' {
		return nil, &fault.HardwareFault{Device: "readout", Op: "ReadChannels", Detail: "malformed frame: " + string(raw)}
	}
	sep := bytes.LastIndexByte(raw, ';')
	if sep < 0 {
		return nil, &fault.HardwareFault{Device: "readout", Op: "ReadChannels", Detail: "frame missing checksum"}
	}
	payload := raw[1:sep]
	want, err := strconv.ParseUint(string(raw[sep+1:]), 16, 16)
	if err != nil {
		return nil, &fault.HardwareFault{Device: "readout", Op: "ReadChannels", Detail: "unreadable checksum"}
	}
	if got := checksum(payload); uint64(got) != want {
		return nil, &fault.HardwareFault{
			Device: "readout",
			Op:     "ReadChannels",
			Detail: fmt.Sprintf("checksum mismatch: frame %04X, computed %04X", want, got),
		}
	}
	fields := strings.Split(string(payload), ",")
	if len(fields) != nchan {
		return nil, &fault.HardwareFault{
			Device: "readout",
			Op:     "ReadChannels",
			Detail: fmt.Sprintf("%d values in frame, %d channels configured", len(fields), nchan),
		}
	}
	volts := make([]float64, nchan)
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, &fault.HardwareFault{Device: "readout", Op: "ReadChannels", Detail: "unparseable voltage " + f}
		}
		volts[i] = v
	}
	return volts, nil
}

// BuildFrame encodes voltages into the wire format, including the CRC.
// The hardware does this on the real link; it lives here for the mock and
// the tests.
func BuildFrame(volts []float64) []byte {
	fields := make([]string, len(volts))
	for i, v := range volts {
		fields[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	payload := []byte(strings.Join(fields, ","))
	return []byte(fmt.Sprintf("*%s;%04X", payload, checksum(payload)))
}

func wireFault(op string, err error) error {
	return &fault.HardwareFault{
		Device:  "readout",
		Op:      op,
		Detail:  err.Error(),
		Timeout: comm.IsTimeout(err),
	}
}
