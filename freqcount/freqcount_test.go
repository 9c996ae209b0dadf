package freqcount_test

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silab-bonn/irradgo/fault"
	"github.com/silab-bonn/irradgo/freqcount"
)

// fakeFirmware emulates the counter's command set over TCP
func fakeFirmware(t *testing.T) string {
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
				gate := 1000
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					cmd := strings.TrimSpace(line)
					switch {
					case cmd == "gf":
						fmt.Fprint(c, "440.5\n")
					case cmd == "gt":
						fmt.Fprintf(c, "%d\n", gate)
					case strings.HasPrefix(cmd, "st "):
						fmt.Sscanf(cmd, "st %d", &gate)
						fmt.Fprintf(c, "%d\n", gate)
					case cmd == "t":
						fmt.Fprint(c, "0\n")
					case cmd == "x":
						// restart: no reply
					default:
						fmt.Fprint(c, "9876543\n")
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func testCounter(t *testing.T) *freqcount.Counter {
	t.Helper()
	c := freqcount.New(fakeFirmware(t), false)
	require.NoError(t, c.Open())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestHandshake(t *testing.T) {
	c := testCounter(t)
	assert.NoError(t, c.Handshake())
}

func TestFrequency(t *testing.T) {
	c := testCounter(t)
	f, err := c.Frequency()
	require.NoError(t, err)
	assert.InDelta(t, 440.5, f, 1e-9)
}

func TestSamplingPeriodRoundTrip(t *testing.T) {
	c := testCounter(t)
	require.NoError(t, c.SetSamplingPeriod(250))
	ms, err := c.SamplingPeriod()
	require.NoError(t, err)
	assert.Equal(t, 250.0, ms)
}

func TestSelfTest(t *testing.T) {
	c := testCounter(t)
	assert.NoError(t, c.SelfTest())
}

func TestNotConnected(t *testing.T) {
	c := freqcount.New("127.0.0.1:1", false)
	_, err := c.Frequency()
	var hf *fault.HardwareFault
	assert.ErrorAs(t, err, &hf)
}
