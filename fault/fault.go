// Package fault defines the error taxonomy shared by the irradiation
// control packages.  Three classes exist: configuration errors (fatal at
// setup, no retry), hardware faults (abort the scan, finalize the session
// as partial) and lookup errors (fatal to the requesting call only).
//
// A degenerate beam reading is deliberately not represented here; it is a
// data quality flag on the reading itself, see package beam.
package fault

import (
	"errors"
	"fmt"
)

// ConfigError indicates bad or missing configuration, e.g. a calibration
// set whose default id does not exist, or scan geometry that cannot be
// tiled.  ConfigErrors are surfaced to the operator and never retried.
type ConfigError struct {
	// Op names the operation that rejected the configuration
	Op string

	// Detail is a human readable description of what is wrong
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %s: %s", e.Op, e.Detail)
}

// HardwareFault indicates a device timeout, an unreachable stage position
// or a tripped interlock.  Hardware faults during an active scan abort the
// session; the partial session is recorded before teardown.
type HardwareFault struct {
	// Device names the hardware that faulted, e.g. "stage" or "readout"
	Device string

	// Op names the command or operation in flight
	Op string

	// Detail is a human readable description
	Detail string

	// Timeout is true when the fault is a communication timeout rather
	// than a rejection or interlock
	Timeout bool
}

func (e *HardwareFault) Error() string {
	if e.Timeout {
		return fmt.Sprintf("hardware fault on %s during %s: timeout (%s)", e.Device, e.Op, e.Detail)
	}
	return fmt.Sprintf("hardware fault on %s during %s: %s", e.Device, e.Op, e.Detail)
}

// LookupError indicates a request for an unknown named thing, e.g. a
// calibration record id that is not in the registry.  It fails the
// requesting call without affecting anything in flight.
type LookupError struct {
	// Kind is the namespace searched, e.g. "calibration set"
	Kind string

	// Key is the id that was not found
	Key string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Kind, e.Key)
}

// IsTimeout returns true if err is (or wraps) a HardwareFault whose
// Timeout flag is set
func IsTimeout(err error) bool {
	var hf *HardwareFault
	return errors.As(err, &hf) && hf.Timeout
}

// IsHardware returns true if err is (or wraps) a HardwareFault
func IsHardware(err error) bool {
	var hf *HardwareFault
	return errors.As(err, &hf)
}

// IsConfig returns true if err is (or wraps) a ConfigError
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
