// Package stage drives the XY sample stage of the irradiation site, a
// two-axis linear gantry speaking a Zaber-flavored ASCII protocol on a
// shared serial chain (x is device 1, y is device 2).
//
// Public positions and speeds are in millimeters; the hardware counts
// microsteps.  The y axis is inverted relative to hardware coordinates so
// that increasing y moves the sample down in beam view.
package stage

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/silab-bonn/irradgo/comm"
	"github.com/silab-bonn/irradgo/fault"
	"github.com/silab-bonn/irradgo/util"
)

const (
	// Microstep is the linear travel per microstep in millimeters
	// (X-LRQ300BL lead screw, 200 steps/rev at 6.35 mm/rev, /64)
	Microstep = 0.49609375e-3

	// TravelRange is the physical travel of each axis in millimeters,
	// used to invert the y axis
	TravelRange = 300.0
)

// yMaxSteps is the y travel range expressed in microsteps
var travelRange float64 = TravelRange
var yMaxSteps = int64(travelRange / Microstep)

// axis addresses on the daisy chain
var axisAddr = map[string]int{"x": 1, "y": 2}

// Positioner is the motion surface the scan controller and the HTTP
// layer consume
type Positioner interface {
	Pos() (x, y float64, err error)
	MoveAbs(axis string, mm float64) error
	MoveRel(axis string, mm float64) error
	Home() error
}

// Stage is the physical gantry
type Stage struct {
	dev *comm.Device

	// Limits are the soft travel limits per axis in millimeters; motion
	// beyond them is rejected before any command reaches the hardware
	Limits map[string]util.Limiter

	// MotionTimeout bounds the busy-wait after a move command
	MotionTimeout time.Duration

	// PollInterval is the idle-poll cadence during a move
	PollInterval time.Duration

	mu     sync.Mutex
	travel *TravelLog
}

// New returns a Stage on the given serial port or TCP address.  travel
// may be nil to disable maintenance bookkeeping.
func New(addr string, serialLink bool, limits map[string]util.Limiter, travel *TravelLog) *Stage {
	dev := comm.NewDevice(addr, serialLink, 115200)
	dev.Term = '\n'
	return &Stage{
		dev:           dev,
		Limits:        limits,
		MotionTimeout: 30 * time.Second,
		PollInterval:  50 * time.Millisecond,
		travel:        travel,
	}
}

// Open connects to the stage and sets a moderate default speed on both
// axes
func (s *Stage) Open() error {
	if err := s.dev.Open(); err != nil {
		return err
	}
	for _, axis := range []string{"x", "y"} {
		if err := s.SetSpeed(axis, 10); err != nil {
			return err
		}
	}
	return nil
}

// Close saves the travel log and tears down the link
func (s *Stage) Close() error {
	if s.travel != nil {
		if err := s.travel.Save(); err != nil {
			log.Printf("stage: saving travel log: %v", err)
		}
	}
	return s.dev.Close()
}

// send issues one command to an axis and returns the reply data field
func (s *Stage) send(axis, cmd string) (string, error) {
	addr, ok := axisAddr[axis]
	if !ok {
		return "", &fault.ConfigError{Op: "stage", Detail: "unknown axis " + axis}
	}
	msg := fmt.Sprintf("/%d 1 %s", addr, cmd)
	resp, err := s.dev.SendRecv([]byte(msg))
	if err != nil {
		return "", &fault.HardwareFault{
			Device:  "stage",
			Op:      cmd,
			Detail:  err.Error(),
			Timeout: comm.IsTimeout(err),
		}
	}
	return parseReply(axis, cmd, string(resp))
}

// parseReply decodes a "@01 1 OK IDLE -- <data>" style reply
func parseReply(axis, cmd, raw string) (string, error) {
	fields := strings.Fields(strings.TrimSpace(raw))
	if len(fields) < 5 || !strings.HasPrefix(fields[0], "@") {
		return "", &fault.HardwareFault{Device: "stage", Op: cmd, Detail: "malformed reply: " + raw}
	}
	if fields[2] != "OK" {
		return "", &fault.HardwareFault{
			Device: "stage",
			Op:     cmd,
			Detail: fmt.Sprintf("%s-axis rejected command: %s", axis, raw),
		}
	}
	// fields[3] is BUSY or IDLE; callers that care re-poll
	return strings.Join(fields[5:], " "), nil
}

// status polls an axis and reports whether it is still moving
func (s *Stage) busy(axis string) (bool, error) {
	addr := axisAddr[axis]
	resp, err := s.dev.SendRecv([]byte(fmt.Sprintf("/%d 1", addr)))
	if err != nil {
		return false, &fault.HardwareFault{Device: "stage", Op: "status", Detail: err.Error(), Timeout: comm.IsTimeout(err)}
	}
	fields := strings.Fields(strings.TrimSpace(string(resp)))
	if len(fields) < 4 {
		return false, &fault.HardwareFault{Device: "stage", Op: "status", Detail: "malformed reply: " + string(resp)}
	}
	return fields[3] == "BUSY", nil
}

// awaitIdle blocks until the axis finishes moving or MotionTimeout passes
func (s *Stage) awaitIdle(axis string) error {
	deadline := time.Now().Add(s.MotionTimeout)
	for {
		moving, err := s.busy(axis)
		if err != nil {
			return err
		}
		if !moving {
			return nil
		}
		if time.Now().After(deadline) {
			return &fault.HardwareFault{
				Device:  "stage",
				Op:      "awaitIdle",
				Detail:  fmt.Sprintf("%s-axis still moving after %v", axis, s.MotionTimeout),
				Timeout: true,
			}
		}
		time.Sleep(s.PollInterval)
	}
}

// posSteps returns the raw hardware position of one axis in microsteps
func (s *Stage) posSteps(axis string) (int64, error) {
	data, err := s.send(axis, "get pos")
	if err != nil {
		return 0, err
	}
	steps, err := strconv.ParseInt(strings.TrimSpace(data), 10, 64)
	if err != nil {
		return 0, &fault.HardwareFault{Device: "stage", Op: "get pos", Detail: "unparseable position " + data}
	}
	return steps, nil
}

// GetPos returns the logical position of one axis in millimeters
func (s *Stage) GetPos(axis string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getPos(axis)
}

func (s *Stage) getPos(axis string) (float64, error) {
	steps, err := s.posSteps(axis)
	if err != nil {
		return 0, err
	}
	if axis == "y" {
		steps = yMaxSteps - steps
	}
	return float64(steps) * Microstep, nil
}

// Pos returns the logical x, y position in millimeters
func (s *Stage) Pos() (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	x, err := s.getPos("x")
	if err != nil {
		return 0, 0, err
	}
	y, err := s.getPos("y")
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

// MoveAbs moves one axis to the logical position mm, blocking until the
// move completes
func (s *Stage) MoveAbs(axis string, mm float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lim, ok := s.Limits[axis]; ok && !lim.Check(mm) {
		return &fault.HardwareFault{
			Device: "stage",
			Op:     "MoveAbs",
			Detail: fmt.Sprintf("%s=%g mm outside travel range [%g, %g]", axis, mm, lim.Min, lim.Max),
		}
	}
	steps := int64(mm / Microstep)
	if axis == "y" {
		steps = yMaxSteps - steps
	}
	return s.move(axis, fmt.Sprintf("move abs %d", steps))
}

// MoveRel moves one axis by mm relative to its current logical position
func (s *Stage) MoveRel(axis string, mm float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.getPos(axis)
	if err != nil {
		return err
	}
	target := cur + mm
	if lim, ok := s.Limits[axis]; ok && !lim.Check(target) {
		return &fault.HardwareFault{
			Device: "stage",
			Op:     "MoveRel",
			Detail: fmt.Sprintf("%s=%g mm outside travel range [%g, %g]", axis, target, lim.Min, lim.Max),
		}
	}
	steps := int64(mm / Microstep)
	if axis == "y" {
		steps = -steps
	}
	return s.move(axis, fmt.Sprintf("move rel %d", steps))
}

// move runs one motion command with travel bookkeeping
func (s *Stage) move(axis, cmd string) error {
	var start float64
	if s.travel != nil {
		p, err := s.getPos(axis)
		if err != nil {
			return err
		}
		start = p
	}
	if _, err := s.send(axis, cmd); err != nil {
		return err
	}
	if err := s.awaitIdle(axis); err != nil {
		return err
	}
	if s.travel != nil {
		stop, err := s.getPos(axis)
		if err != nil {
			return err
		}
		if s.travel.Add(axis, stop-start) {
			log.Printf("stage: %s-axis reached maintenance interval travel, service due", axis)
		}
	}
	return nil
}

// Home drives both axes to their logical origin, y first so the sample
// leaves the beam before x sweeps
func (s *Stage) Home() error {
	if err := s.MoveAbs("y", 0); err != nil {
		return err
	}
	return s.MoveAbs("x", 0)
}

// SetSpeed sets the axis target speed in mm/s.
// Conversion per the Zaber speed formula: steps/s = v * 1.6384 / microstep
// with microstep in the same length unit as v.
func (s *Stage) SetSpeed(axis string, mmps float64) error {
	steps := int64(mmps * 1.6384 / Microstep)
	_, err := s.send(axis, fmt.Sprintf("set maxspeed %d", steps))
	return err
}

// GetSpeed returns the axis target speed in mm/s
func (s *Stage) GetSpeed(axis string) (float64, error) {
	data, err := s.send(axis, "get maxspeed")
	if err != nil {
		return 0, err
	}
	steps, err := strconv.ParseInt(strings.TrimSpace(data), 10, 64)
	if err != nil {
		return 0, &fault.HardwareFault{Device: "stage", Op: "get maxspeed", Detail: "unparseable speed " + data}
	}
	return float64(steps) / 1.6384 * Microstep, nil
}
