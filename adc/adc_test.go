package adc_test

import (
	"bufio"
	"bytes"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silab-bonn/irradgo/adc"
	"github.com/silab-bonn/irradgo/beam"
	"github.com/silab-bonn/irradgo/fault"
)

// fakeFrontend emulates the readout electronics on a TCP socket: answers
// 'R' with a frame built from volts and 'S<idx>' with OK
func fakeFrontend(t *testing.T, volts []float64, corrupt bool) string {
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
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadBytes('\r')
					if err != nil {
						return
					}
					cmd := string(bytes.TrimRight(line, "\r"))
					switch {
					case cmd == "R":
						frame := adc.BuildFrame(volts)
						if corrupt {
							frame[1] ^= 0x01
						}
						c.Write(append(frame, '\r'))
					case strings.HasPrefix(cmd, "S"):
						c.Write([]byte("OK\r"))
					default:
						c.Write([]byte("ERR\r"))
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestReadChannels(t *testing.T) {
	addr := fakeFrontend(t, []float64{1.5, 0.5, 1.0, 1.0, 2.0}, false)
	e, err := adc.New(addr, false, adc.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, e.Open())
	defer e.Close()

	volts, err := e.ReadChannels()
	require.NoError(t, err)
	assert.InDelta(t, 1.5, volts[beam.SemLeft], 1e-12)
	assert.InDelta(t, 2.0, volts[beam.SemSum], 1e-12)
	assert.Len(t, volts, 5)
}

func TestGainCorrectionApplied(t *testing.T) {
	cfg := adc.DefaultConfig()
	cfg.GainFactors = []float64{2, 1, 1, 1, 4}
	addr := fakeFrontend(t, []float64{1.0, 0.5, 1.0, 1.0, 2.0}, false)
	e, err := adc.New(addr, false, cfg)
	require.NoError(t, err)
	require.NoError(t, e.Open())
	defer e.Close()

	volts, err := e.ReadChannels()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, volts[beam.SemLeft], 1e-12)
	assert.InDelta(t, 0.5, volts[beam.SemSum], 1e-12)
}

func TestCorruptFrameIsHardwareFault(t *testing.T) {
	addr := fakeFrontend(t, []float64{1, 1, 1, 1, 4}, true)
	e, err := adc.New(addr, false, adc.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, e.Open())
	defer e.Close()

	_, err = e.ReadChannels()
	require.Error(t, err)
	var hf *fault.HardwareFault
	require.ErrorAs(t, err, &hf)
	assert.False(t, hf.Timeout)
	assert.Contains(t, hf.Detail, "checksum")
}

func TestSetFullScale(t *testing.T) {
	addr := fakeFrontend(t, []float64{0, 0, 0, 0, 0}, false)
	e, err := adc.New(addr, false, adc.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, e.Open())
	defer e.Close()

	assert.Equal(t, 1.0, e.FullScale())
	require.NoError(t, e.SetFullScale(5))
	assert.Equal(t, 330.0, e.FullScale())

	err = e.SetFullScale(99)
	var ce *fault.ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestParseFrameRoundTrip(t *testing.T) {
	in := []float64{0.906, -1.25e-3, 0, 3.3, 2}
	out, err := adc.ParseFrame(adc.BuildFrame(in), len(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParseFrameRejectsMalformed(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("no star"),
		[]byte("*1,2,3"),                // no checksum
		[]byte("*1,2,3;ZZZZ"),           // unreadable checksum
		adc.BuildFrame([]float64{1, 2}), // wrong channel count for 5
	}
	for _, raw := range cases {
		_, err := adc.ParseFrame(raw, 5)
		assert.Errorf(t, err, "frame %q", raw)
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := adc.DefaultConfig()
	cfg.GainFactors = cfg.GainFactors[:3]
	_, err := adc.NewMock(cfg)
	var ce *fault.ConfigError
	assert.ErrorAs(t, err, &ce)

	cfg = adc.DefaultConfig()
	cfg.Channels = append(cfg.Channels[:4], "sem_diagonal")
	cfg.GainFactors = []float64{1, 1, 1, 1, 1}
	_, err = adc.NewMock(cfg)
	assert.ErrorAs(t, err, &ce)
}

func TestMockInjectsVoltagesAndErrors(t *testing.T) {
	m, err := adc.NewMock(adc.DefaultConfig())
	require.NoError(t, err)
	m.SetVoltage(beam.SemSum, 2.0)

	volts, err := m.ReadChannels()
	require.NoError(t, err)
	assert.Equal(t, 2.0, volts[beam.SemSum])

	m.Fail(&fault.HardwareFault{Device: "readout", Op: "ReadChannels", Timeout: true})
	_, err = m.ReadChannels()
	assert.True(t, fault.IsTimeout(err))

	m.Fail(nil)
	_, err = m.ReadChannels()
	assert.NoError(t, err)
}
