// Package freqcount talks to the auxiliary radiation-monitor frequency
// counter, a fixed serial peripheral with a two-letter text command set:
// 'g'+property reads, 's'+property writes, 'x' restarts the counter and
// 't' runs the self test.  Unknown commands answer the sentinel 9876543,
// which doubles as the connection handshake.
package freqcount

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/silab-bonn/irradgo/comm"
	"github.com/silab-bonn/irradgo/fault"
)

// handshake is the firmware's reply to any unknown command
const handshake = 9876543

// Counter is the frequency counter peripheral
type Counter struct {
	*comm.Device
}

// New returns a Counter on the given serial port or TCP address
func New(addr string, serialLink bool) *Counter {
	d := comm.NewDevice(addr, serialLink, 9600)
	d.Term = '\n'
	return &Counter{Device: d}
}

// Handshake verifies the firmware is alive by provoking the sentinel
// reply with an invalid command
func (c *Counter) Handshake() error {
	v, err := c.ask("fh")
	if err != nil {
		return err
	}
	if v != handshake {
		return &fault.HardwareFault{
			Device: "freqcount",
			Op:     "Handshake",
			Detail: fmt.Sprintf("expected sentinel %d, got %g", handshake, v),
		}
	}
	return nil
}

// Frequency reads the current count frequency in Hz
func (c *Counter) Frequency() (float64, error) {
	return c.ask("gf")
}

// SamplingPeriod reads the gate time in milliseconds
func (c *Counter) SamplingPeriod() (float64, error) {
	return c.ask("gt")
}

// SetSamplingPeriod sets the gate time in milliseconds
func (c *Counter) SetSamplingPeriod(ms int) error {
	_, err := c.ask(fmt.Sprintf("st %d", ms))
	return err
}

// Restart reboots the counter firmware
func (c *Counter) Restart() error {
	return c.Send([]byte("x"))
}

// SelfTest runs the firmware self test
func (c *Counter) SelfTest() error {
	v, err := c.ask("t")
	if err != nil {
		return err
	}
	if v != 0 {
		return &fault.HardwareFault{
			Device: "freqcount",
			Op:     "SelfTest",
			Detail: fmt.Sprintf("self test failed with code %g", v),
		}
	}
	return nil
}

func (c *Counter) ask(cmd string) (float64, error) {
	resp, err := c.SendRecv([]byte(cmd))
	if err != nil {
		return 0, &fault.HardwareFault{
			Device:  "freqcount",
			Op:      cmd,
			Detail:  err.Error(),
			Timeout: comm.IsTimeout(err),
		}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(resp)), 64)
	if err != nil {
		return 0, &fault.HardwareFault{
			Device: "freqcount",
			Op:     cmd,
			Detail: "unparseable reply " + string(resp),
		}
	}
	return v, nil
}
