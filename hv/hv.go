// Package hv drives the iseg NHQ x0xx high-voltage supply that biases
// the secondary electron monitor.  The NHQ speaks a line protocol over
// RS232 at 9600 baud in which the module first echoes every command and
// then sends the answer, so each exchange is one write followed by two
// reads.  Both get and set commands are answered this way.
package hv

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/silab-bonn/irradgo/comm"
	"github.com/silab-bonn/irradgo/fault"
)

// error replies the module sends in place of an answer
var errorReplies = map[string]string{
	"????": "syntax error in command",
	"?WCN": "wrong channel number",
	"?TOT": "timeout error, unit re-initialises",
}

// statusDescriptions maps the S-command status words to prose
var statusDescriptions = map[string]string{
	"ON":  "output voltage according to set voltage",
	"OFF": "channel front panel switch off",
	"MAN": "channel is on, set to manual mode",
	"ERR": "voltage or current maximum was exceeded",
	"INH": "inhibit signal was or is active",
	"QUA": "quality of output voltage not guaranteed at present",
	"L2H": "output voltage increasing",
	"H2L": "output voltage decreasing",
	"LAS": "look at status, voltage change pending",
	"TRP": "current trip was active",
}

// Identity is the parsed answer to the identifier query, format
// "UNIT_NUMBER;SOFTWARE_REL;V_MAX;I_MAX"
type Identity struct {
	UnitNumber      string
	SoftwareRelease string

	// VoltageMax is the module ceiling in volts
	VoltageMax float64

	// CurrentMax is the module ceiling in the unit printed on the module
	// label; the M and N limit queries scale against these two
	CurrentMax float64
}

// Supply is one output channel of an NHQ module; every command
// addresses the channel in Channel
type Supply struct {
	*comm.Device

	// Channel is the addressed output, 1-based
	Channel int

	// Bias is the operating voltage applied by On; Off always ramps the
	// output back to zero
	Bias float64

	mu    sync.Mutex
	ident Identity
	known bool
}

// New returns a Supply for channel 1 on the given serial port or TCP
// address
func New(addr string, serialLink bool) *Supply {
	d := comm.NewDevice(addr, serialLink, 9600)
	d.Term = '\n'
	return &Supply{Device: d, Channel: 1}
}

// Open connects, aligns the command/echo framing and caches the module
// identity.  The NHQ wants a bare line terminator after connect before
// it accepts commands.
func (s *Supply) Open() error {
	if err := s.Device.Open(); err != nil {
		return err
	}
	if err := s.Device.Send([]byte("\r")); err != nil {
		return s.fault("sync", err)
	}
	ident, err := s.Identify()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ident = ident
	s.known = true
	s.mu.Unlock()
	return nil
}

// Identify queries and parses the module identifier
func (s *Supply) Identify() (Identity, error) {
	reply, err := s.exchange("#")
	if err != nil {
		return Identity{}, err
	}
	parts := strings.Split(reply, ";")
	if len(parts) != 4 {
		return Identity{}, &fault.HardwareFault{
			Device: "hv", Op: "#",
			Detail: fmt.Sprintf("malformed identifier %q", reply),
		}
	}
	vmax, err1 := strconv.ParseFloat(digits(parts[2]), 64)
	imax, err2 := strconv.ParseFloat(digits(parts[3]), 64)
	if err1 != nil || err2 != nil {
		return Identity{}, &fault.HardwareFault{
			Device: "hv", Op: "#",
			Detail: fmt.Sprintf("unparseable limits in identifier %q", reply),
		}
	}
	return Identity{
		UnitNumber:      parts[0],
		SoftwareRelease: parts[1],
		VoltageMax:      vmax,
		CurrentMax:      imax,
	}, nil
}

// Identity returns the identity cached by Open
func (s *Supply) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ident
}

// Voltage reads the measured output voltage in volts
func (s *Supply) Voltage() (float64, error) {
	return s.askNumber("U%d", s.Channel)
}

// Current reads the measured output current in amps.  The module packs
// it as mantissa and exponent, e.g. 4702-07 for 4702e-7.
func (s *Supply) Current() (float64, error) {
	return s.askNumber("I%d", s.Channel)
}

// TargetVoltage reads the set voltage the output ramps toward
func (s *Supply) TargetVoltage() (float64, error) {
	return s.askNumber("D%d", s.Channel)
}

// SetVoltage sets the target voltage.  Values above the module ceiling
// are refused locally; the module itself answers the same request with
// its UMAX error.
func (s *Supply) SetVoltage(v float64) error {
	s.mu.Lock()
	known, vmax := s.known, s.ident.VoltageMax
	s.mu.Unlock()
	if known && v > vmax {
		return &fault.ConfigError{
			Op:     "hv.SetVoltage",
			Detail: fmt.Sprintf("%g V exceeds the module maximum of %g V", v, vmax),
		}
	}
	_, err := s.exchange(fmt.Sprintf("D%d=%g", s.Channel, v))
	return err
}

// StartVoltageChange initiates the ramp toward the set voltage; only
// needed when autostart is off
func (s *Supply) StartVoltageChange() error {
	_, err := s.exchange(fmt.Sprintf("G%d", s.Channel))
	return err
}

// VoltageLimit reads the hardware voltage limit in volts.  The module
// reports it as a percentage of the maximum.
func (s *Supply) VoltageLimit() (float64, error) {
	pct, err := s.askNumber("M%d", s.Channel)
	if err != nil {
		return 0, err
	}
	return pct / 100 * s.Identity().VoltageMax, nil
}

// CurrentLimit reads the hardware current limit, scaled like
// VoltageLimit against the module maximum
func (s *Supply) CurrentLimit() (float64, error) {
	pct, err := s.askNumber("N%d", s.Channel)
	if err != nil {
		return 0, err
	}
	return pct / 100 * s.Identity().CurrentMax, nil
}

// RampSpeed reads the voltage ramp speed in V/s
func (s *Supply) RampSpeed() (int, error) {
	v, err := s.askNumber("V%d", s.Channel)
	return int(v), err
}

// SetRampSpeed sets the ramp speed; valid values are 1 to 255 V/s
func (s *Supply) SetRampSpeed(vps int) error {
	if vps < 1 || vps > 255 {
		return &fault.ConfigError{
			Op:     "hv.SetRampSpeed",
			Detail: fmt.Sprintf("ramp speed %d outside 1..255 V/s", vps),
		}
	}
	_, err := s.exchange(fmt.Sprintf("V%d=%d", s.Channel, vps))
	return err
}

// CurrentTrip reads the current trip threshold; zero means no trip
func (s *Supply) CurrentTrip() (int, error) {
	v, err := s.askNumber("L%d", s.Channel)
	return int(v), err
}

// SetCurrentTrip sets the current trip threshold
func (s *Supply) SetCurrentTrip(ct int) error {
	_, err := s.exchange(fmt.Sprintf("L%d=%d", s.Channel, ct))
	return err
}

// BreakTime reads the inter-character delay of the module in ms
func (s *Supply) BreakTime() (int, error) {
	v, err := s.askNumber("W")
	return int(v), err
}

// SetBreakTime sets the inter-character delay; valid values are 1 to
// 255 ms
func (s *Supply) SetBreakTime(ms int) error {
	if ms < 1 || ms > 255 {
		return &fault.ConfigError{
			Op:     "hv.SetBreakTime",
			Detail: fmt.Sprintf("break time %d outside 1..255 ms", ms),
		}
	}
	_, err := s.exchange(fmt.Sprintf("W=%d", ms))
	return err
}

// StatusWord reads the channel status word, e.g. ON, L2H, TRP
func (s *Supply) StatusWord() (string, error) {
	reply, err := s.exchange(fmt.Sprintf("S%d", s.Channel))
	if err != nil {
		return "", err
	}
	// the module prefixes the answer with "S<ch>="
	return strings.TrimSpace(strings.TrimPrefix(reply, fmt.Sprintf("S%d=", s.Channel))), nil
}

// StatusDescription reads the status word and returns its prose meaning
func (s *Supply) StatusDescription() (string, error) {
	w, err := s.StatusWord()
	if err != nil {
		return "", err
	}
	desc, ok := statusDescriptions[w]
	if !ok {
		return "", &fault.HardwareFault{
			Device: "hv", Op: "StatusDescription",
			Detail: fmt.Sprintf("unknown status word %q", w),
		}
	}
	return desc, nil
}

// ModuleStatus reads the module status byte
func (s *Supply) ModuleStatus() (uint8, error) {
	v, err := s.askNumber("T%d", s.Channel)
	return uint8(v), err
}

// Polarity reads the output polarity, +1 or -1.  The NHQ polarity is a
// hardware jumper reported in bit 2 of the module status; it cannot be
// set remotely.
func (s *Supply) Polarity() (int, error) {
	st, err := s.ModuleStatus()
	if err != nil {
		return 0, err
	}
	if st&0x04 != 0 {
		return 1, nil
	}
	return -1, nil
}

// Autostart reports whether setting a voltage starts the ramp without a
// StartVoltageChange
func (s *Supply) Autostart() (bool, error) {
	reply, err := s.exchange(fmt.Sprintf("A%d", s.Channel))
	if err != nil {
		return false, err
	}
	return reply == "8", nil
}

// SetAutostart enables or disables autostart
func (s *Supply) SetAutostart(on bool) error {
	v := 0
	if on {
		v = 8
	}
	_, err := s.exchange(fmt.Sprintf("A%d=%d", s.Channel, v))
	return err
}

// On ramps the output to the configured Bias voltage
func (s *Supply) On() error {
	s.mu.Lock()
	bias := s.Bias
	s.mu.Unlock()
	if bias == 0 {
		return &fault.ConfigError{Op: "hv.On", Detail: "bias voltage not configured"}
	}
	return s.SetVoltage(bias)
}

// Off ramps the output back to zero
func (s *Supply) Off() error {
	return s.SetVoltage(0)
}

// exchange performs one command round trip: write, read back the echo,
// read the answer.  A mismatched echo means the framing slipped and the
// answer cannot be trusted.
func (s *Supply) exchange(cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Device.Send([]byte(cmd + "\r")); err != nil {
		return "", s.fault(cmd, err)
	}
	echo, err := s.Device.Recv()
	if err != nil {
		return "", s.fault(cmd, err)
	}
	if got := strings.TrimSpace(string(echo)); got != cmd {
		return "", &fault.HardwareFault{
			Device: "hv", Op: cmd,
			Detail: fmt.Sprintf("echo %q does not match the issued command", got),
		}
	}
	ans, err := s.Device.Recv()
	if err != nil {
		return "", s.fault(cmd, err)
	}
	reply := strings.TrimSpace(string(ans))
	if detail, ok := errorReplies[reply]; ok {
		return "", &fault.HardwareFault{
			Device: "hv", Op: cmd,
			Detail:  detail,
			Timeout: reply == "?TOT",
		}
	}
	if strings.HasPrefix(reply, "? UMAX=") {
		return "", &fault.HardwareFault{
			Device: "hv", Op: cmd,
			Detail: "set voltage exceeds the voltage limit, " + strings.TrimPrefix(reply, "? "),
		}
	}
	return reply, nil
}

func (s *Supply) askNumber(format string, args ...interface{}) (float64, error) {
	cmd := fmt.Sprintf(format, args...)
	reply, err := s.exchange(cmd)
	if err != nil {
		return 0, err
	}
	v, err := parseNumber(reply)
	if err != nil {
		return 0, &fault.HardwareFault{
			Device: "hv", Op: cmd,
			Detail: "unparseable reply " + reply,
		}
	}
	return v, nil
}

func (s *Supply) fault(op string, err error) error {
	return &fault.HardwareFault{
		Device: "hv", Op: op,
		Detail:  err.Error(),
		Timeout: comm.IsTimeout(err),
	}
}

// parseNumber reads plain decimals as well as the packed
// mantissa-exponent form of the measured-current answer
func parseNumber(s string) (float64, error) {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	for i := 1; i < len(s); i++ {
		if s[i] != '+' && s[i] != '-' {
			continue
		}
		m, err1 := strconv.ParseFloat(s[:i], 64)
		e, err2 := strconv.ParseFloat(s[i:], 64)
		if err1 == nil && err2 == nil {
			return m * math.Pow(10, e), nil
		}
	}
	return 0, fmt.Errorf("hv: unparseable number %q", s)
}

// digits strips everything but digits, for the unit-bearing limit
// fields of the identifier
func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
