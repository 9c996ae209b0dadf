package hv_test

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silab-bonn/irradgo/fault"
	"github.com/silab-bonn/irradgo/hv"
)

// fakeNHQ emulates the supply on a TCP socket: every command is echoed
// back before the answer, both lines in one burst the way the real
// module streams them.  Channel 1 exists, channel 2 answers ?WCN.
type fakeNHQ struct {
	mu       sync.Mutex
	target   float64
	ramp     int
	trip     int
	auto     int
	status   string
	modstat  int
	badEcho  bool
	timeouts bool
}

func (f *fakeNHQ) serve(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.session(conn)
		}
	}()
	return ln.Addr().String()
}

func (f *fakeNHQ) session(c net.Conn) {
	defer c.Close()
	r := bufio.NewReader(c)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		if cmd == "" {
			// sync terminator after connect, no echo
			continue
		}
		f.mu.Lock()
		echo := cmd
		if f.badEcho {
			echo = "garbage"
		}
		f.mu.Unlock()
		fmt.Fprintf(c, "%s\r\n%s\r\n", echo, f.answer(cmd))
	}
}

func (f *fakeNHQ) answer(cmd string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timeouts {
		return "?TOT"
	}
	if strings.HasPrefix(cmd, "D1=") {
		v, err := strconv.ParseFloat(cmd[3:], 64)
		if err != nil {
			return "????"
		}
		if v > 6000 {
			return "? UMAX=6000"
		}
		f.target = v
		return fmt.Sprintf("%g", v)
	}
	if strings.HasPrefix(cmd, "V1=") {
		f.ramp, _ = strconv.Atoi(cmd[3:])
		return cmd[3:]
	}
	if strings.HasPrefix(cmd, "L1=") {
		f.trip, _ = strconv.Atoi(cmd[3:])
		return cmd[3:]
	}
	if strings.HasPrefix(cmd, "A1=") {
		f.auto, _ = strconv.Atoi(cmd[3:])
		return cmd[3:]
	}
	switch cmd {
	case "#":
		return "485512;3.09;6000V;1mA"
	case "U1":
		return fmt.Sprintf("%+g", f.target)
	case "I1":
		return "4702-07"
	case "D1":
		return fmt.Sprintf("%g", f.target)
	case "V1":
		return strconv.Itoa(f.ramp)
	case "L1":
		return strconv.Itoa(f.trip)
	case "M1":
		return "80"
	case "N1":
		return "50"
	case "S1":
		return "S1=" + f.status
	case "T1":
		return strconv.Itoa(f.modstat)
	case "A1":
		return strconv.Itoa(f.auto)
	case "G1":
		return "S1=LAS"
	}
	if strings.HasSuffix(cmd, "2") {
		return "?WCN"
	}
	return "????"
}

func newSupply(t *testing.T, f *fakeNHQ) *hv.Supply {
	t.Helper()
	s := hv.New(f.serve(t), false)
	require.NoError(t, s.Open())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCachesIdentity(t *testing.T) {
	s := newSupply(t, &fakeNHQ{status: "ON"})
	id := s.Identity()
	assert.Equal(t, "485512", id.UnitNumber)
	assert.Equal(t, "3.09", id.SoftwareRelease)
	assert.Equal(t, 6000.0, id.VoltageMax)
	assert.Equal(t, 1.0, id.CurrentMax)
}

func TestVoltageRoundTrip(t *testing.T) {
	s := newSupply(t, &fakeNHQ{status: "ON"})
	require.NoError(t, s.SetVoltage(300))

	target, err := s.TargetVoltage()
	require.NoError(t, err)
	assert.Equal(t, 300.0, target)

	v, err := s.Voltage()
	require.NoError(t, err)
	assert.Equal(t, 300.0, v)
}

func TestCurrentUnpacksExponent(t *testing.T) {
	s := newSupply(t, &fakeNHQ{status: "ON"})
	i, err := s.Current()
	require.NoError(t, err)
	assert.InDelta(t, 4702e-7, i, 1e-12)
}

func TestOverLimitRefusedLocally(t *testing.T) {
	s := newSupply(t, &fakeNHQ{status: "ON"})
	err := s.SetVoltage(9000)
	var ce *fault.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Detail, "6000")
}

func TestLimitsScaleAgainstMaxima(t *testing.T) {
	s := newSupply(t, &fakeNHQ{status: "ON"})
	vl, err := s.VoltageLimit()
	require.NoError(t, err)
	assert.Equal(t, 4800.0, vl)

	il, err := s.CurrentLimit()
	require.NoError(t, err)
	assert.Equal(t, 0.5, il)
}

func TestRampTripAndAutostart(t *testing.T) {
	s := newSupply(t, &fakeNHQ{status: "ON"})
	require.NoError(t, s.SetRampSpeed(25))
	rs, err := s.RampSpeed()
	require.NoError(t, err)
	assert.Equal(t, 25, rs)

	var ce *fault.ConfigError
	assert.ErrorAs(t, s.SetRampSpeed(0), &ce)
	assert.ErrorAs(t, s.SetRampSpeed(256), &ce)

	require.NoError(t, s.SetCurrentTrip(4))
	ct, err := s.CurrentTrip()
	require.NoError(t, err)
	assert.Equal(t, 4, ct)

	require.NoError(t, s.SetAutostart(true))
	on, err := s.Autostart()
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, s.StartVoltageChange())
}

func TestStatusAndPolarity(t *testing.T) {
	s := newSupply(t, &fakeNHQ{status: "L2H", modstat: 0x04})
	w, err := s.StatusWord()
	require.NoError(t, err)
	assert.Equal(t, "L2H", w)

	desc, err := s.StatusDescription()
	require.NoError(t, err)
	assert.Contains(t, desc, "increasing")

	pol, err := s.Polarity()
	require.NoError(t, err)
	assert.Equal(t, 1, pol)
}

func TestWrongChannelIsHardwareFault(t *testing.T) {
	f := &fakeNHQ{status: "ON"}
	s := hv.New(f.serve(t), false)
	require.NoError(t, s.Open())
	defer s.Close()
	s.Channel = 2

	_, err := s.Voltage()
	var hf *fault.HardwareFault
	require.ErrorAs(t, err, &hf)
	assert.Contains(t, hf.Detail, "channel")
	assert.False(t, hf.Timeout)
}

func TestModuleTimeoutReply(t *testing.T) {
	f := &fakeNHQ{status: "ON"}
	s := newSupply(t, f)
	f.mu.Lock()
	f.timeouts = true
	f.mu.Unlock()

	_, err := s.Voltage()
	assert.True(t, fault.IsTimeout(err))
}

func TestEchoMismatchDetected(t *testing.T) {
	f := &fakeNHQ{status: "ON"}
	s := newSupply(t, f)
	f.mu.Lock()
	f.badEcho = true
	f.mu.Unlock()

	_, err := s.Voltage()
	var hf *fault.HardwareFault
	require.ErrorAs(t, err, &hf)
	assert.Contains(t, hf.Detail, "echo")
}

func TestBiasOnOff(t *testing.T) {
	f := &fakeNHQ{status: "ON"}
	s := newSupply(t, f)

	var ce *fault.ConfigError
	assert.ErrorAs(t, s.On(), &ce)

	s.Bias = 120
	require.NoError(t, s.On())
	target, err := s.TargetVoltage()
	require.NoError(t, err)
	assert.Equal(t, 120.0, target)

	require.NoError(t, s.Off())
	target, err = s.TargetVoltage()
	require.NoError(t, err)
	assert.Equal(t, 0.0, target)
}
