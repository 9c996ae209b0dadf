/*Package comm provides the communication layer shared by the beamline
hardware: the readout electronics, the XY stage and the auxiliary
frequency counter.  All three are line-oriented devices reachable over
RS232 or a TCP terminal server.

Usage boils down to:
 1. embed Device in a type that represents your hardware
 2. override Terminator if the device does not use carriage returns
 3. write methods on top of SendRecv for the device's command set

Every exchange carries a deadline.  A missed deadline surfaces as an
error satisfying os.IsTimeout via net semantics, which the DAQ loop and
stage driver map onto the hardware-fault taxonomy.
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is returned when Send or Recv is called before Open
	ErrNotConnected = errors.New("comm: not connected to remote")

	// ErrTerminatorNotFound is returned when a response ends without the
	// expected termination byte
	ErrTerminatorNotFound = errors.New("comm: termination byte not found in response")
)

// timeoutError adapts serial reads, which signal a timeout by returning
// zero bytes, to net-style timeout errors
type timeoutError struct{ op string }

func (e timeoutError) Error() string   { return "comm: timeout during " + e.op }
func (e timeoutError) Timeout() bool   { return true }
func (e timeoutError) Temporary() bool { return true }

// IsTimeout reports whether err represents a communication timeout
func IsTimeout(err error) bool {
	if os.IsTimeout(err) {
		return true
	}
	var te timeoutError
	return errors.As(err, &te)
}

// Conn is the subset of a device link the drivers use
type Conn interface {
	Open() error
	Close() error
	SendRecv([]byte) ([]byte, error)
	Send([]byte) error
	Recv() ([]byte, error)
}

// Device is a line-oriented remote instrument on a serial port or TCP
// address.  It is concurrent-safe; an internal lock keeps command/response
// pairs from interleaving.
type Device struct {
	// Addr is either a serial port (e.g. /dev/ttyUSB0) or host:port
	Addr string

	// Serial selects RS232 (true) or TCP (false)
	Serial bool

	// Baud applies to serial links only
	Baud int

	// Timeout bounds connect, send and receive individually
	Timeout time.Duration

	// Term is the line terminator; zero value means carriage return
	Term byte

	mu   sync.Mutex
	conn connection
	rdr  *bufio.Reader
}

type connection interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// NewDevice returns a Device with the defaults used across the beamline:
// one second timeout, CR termination
func NewDevice(addr string, serialLink bool, baud int) *Device {
	return &Device{Addr: addr, Serial: serialLink, Baud: baud, Timeout: time.Second, Term: '\r'}
}

// Open establishes the connection, retrying with exponential backoff.
// Some of the terminal servers drop connections that are thrashed, so we
// back off rather than hammer.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return nil
	}
	op := func() error {
		conn, err := d.dial()
		if err != nil {
			// refused means nothing is listening; retrying won't help
			if strings.Contains(strings.ToLower(err.Error()), "refused") {
				return backoff.Permanent(err)
			}
			return err
		}
		d.conn = conn
		d.rdr = bufio.NewReader(conn)
		return nil
	}
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("comm: open %s: %w", d.Addr, err)
	}
	return nil
}

func (d *Device) dial() (connection, error) {
	if d.Serial {
		baud := d.Baud
		if baud == 0 {
			baud = 115200
		}
		return serial.OpenPort(&serial.Config{
			Name:        d.Addr,
			Baud:        baud,
			ReadTimeout: d.Timeout,
		})
	}
	conn, err := net.DialTimeout("tcp", d.Addr, d.Timeout)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Close tears down the connection; Open may be called again afterwards
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	d.rdr = nil
	return err
}

func (d *Device) terminator() byte {
	if d.Term == 0 {
		return '\r'
	}
	return d.Term
}

// Send writes b plus the terminator
func (d *Device) Send(b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.send(b)
}

func (d *Device) send(b []byte) error {
	if d.conn == nil {
		return ErrNotConnected
	}
	d.arm()
	_, err := d.conn.Write(append(b, d.terminator()))
	return err
}

// Recv reads one response line, stripping the terminator
func (d *Device) Recv() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recv()
}

func (d *Device) recv() ([]byte, error) {
	if d.conn == nil {
		return nil, ErrNotConnected
	}
	d.arm()
	term := d.terminator()
	// the reader persists across calls so a device that answers with
	// several lines in one burst loses nothing between Recvs
	buf, err := d.rdr.ReadBytes(term)
	if err != nil {
		if len(buf) == 0 && d.Serial {
			// tarm/serial returns io.EOF style short reads on timeout
			return nil, timeoutError{op: "recv"}
		}
		return nil, err
	}
	return bytes.TrimRight(bytes.TrimSuffix(buf, []byte{term}), "\n"), nil
}

// SendRecv performs one command/response exchange atomically with respect
// to other callers of this Device
func (d *Device) SendRecv(b []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.send(b); err != nil {
		return nil, err
	}
	return d.recv()
}

// arm pushes the read/write deadline forward on TCP links; serial links
// carry their timeout in the port config
func (d *Device) arm() {
	if nc, ok := d.conn.(net.Conn); ok {
		deadline := time.Now().Add(d.Timeout)
		nc.SetReadDeadline(deadline)
		nc.SetWriteDeadline(deadline)
	}
}
