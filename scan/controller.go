package scan

import (
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/silab-bonn/irradgo/beam"
	"github.com/silab-bonn/irradgo/fault"
)

// ParticlesPerCoulomb is the default charge-to-particle conversion for
// singly charged beams, 1/e
const ParticlesPerCoulomb = 6.241509074e18

// Mover is the stage surface the controller drives
type Mover interface {
	MoveAbs(axis string, mm float64) error
}

// Sink receives the controller's durable events.  Cell updates carry the
// full cell snapshot so a partial log alone reconstructs per-cell dose.
type Sink interface {
	CellUpdate(c Cell, ts time.Time) error
	StateChange(from, to State, ts time.Time) error
}

// Config tunes the controller
type Config struct {
	// ChargeToFluence converts integrated beam charge in coulombs to
	// fluence in particles per cm^2.  The physical derivation is
	// calibration data; it is injected, not computed here.
	ChargeToFluence float64 `yaml:"charge_to_fluence"`

	// BeamOffLimit is the number of consecutive degenerate DAQ cycles
	// tolerated while scanning before the beam-off interlock trips;
	// zero disables the interlock
	BeamOffLimit int `yaml:"beam_off_limit"`
}

// DefaultConfig returns the controller defaults
func DefaultConfig() Config {
	return Config{ChargeToFluence: ParticlesPerCoulomb, BeamOffLimit: 10}
}

// Controller drives one scan session.  OnReading is called once per DAQ
// cycle by the acquisition plumbing; all other methods are control
// signals or queries.
//
// Pause, Resume and Abort are asynchronous: they return immediately and
// take effect at the next OnReading boundary, within one DAQ cycle.
type Controller struct {
	mu sync.Mutex

	cfg   Config
	mover Mover
	sink  Sink

	state  State
	sess   *Session
	order  []int
	cursor int

	lastTS      time.Time
	tsValid     bool
	degenStreak int

	pendPause  atomic.Bool
	pendResume atomic.Bool
	pendAbort  atomic.Bool

	// interlockErr carries an externally raised interlock (e.g. DAQ
	// timeout escalation) into the next cycle
	interlockMu  sync.Mutex
	interlockErr error
}

// NewController builds a Controller.  sink may be nil, which drops all
// durable events (tests only; a real session always records).
func NewController(mover Mover, sink Sink, cfg Config) *Controller {
	if cfg.ChargeToFluence == 0 {
		cfg.ChargeToFluence = ParticlesPerCoulomb
	}
	return &Controller{cfg: cfg, mover: mover, sink: sink, state: Idle}
}

// Configure lays a cell grid over the target area and readies a new
// session.  The grid is rounded up: a step that does not evenly tile the
// area yields truncated last cells, recorded in the geometry.  A staged
// but unstarted grid may be reconfigured.
func (c *Controller) Configure(originX, originY, width, height, step, targetFluence float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle && c.state != Configuring && c.state != Completed {
		return &fault.ConfigError{
			Op:     "scan.Configure",
			Detail: fmt.Sprintf("cannot configure while %v", c.state),
		}
	}
	if width <= 0 || height <= 0 || step <= 0 || targetFluence <= 0 {
		return &fault.ConfigError{
			Op:     "scan.Configure",
			Detail: "area, step and target fluence must be positive",
		}
	}
	cols := int(math.Ceil(width / step))
	rows := int(math.Ceil(height / step))
	g := Geometry{
		OriginX: originX, OriginY: originY,
		Width: width, Height: height, Step: step,
		Rows: rows, Cols: cols,
		TruncatedCols: float64(cols)*step > width,
		TruncatedRows: float64(rows)*step > height,
	}
	cells := make([]Cell, rows*cols)
	for r := 0; r < rows; r++ {
		for col := 0; col < cols; col++ {
			cells[r*cols+col] = Cell{Row: r, Col: col, TargetFluence: targetFluence}
		}
	}
	c.setState(Configuring)
	c.sess = &Session{Geometry: g, Cells: cells}
	if ss, ok := c.sink.(interface {
		SessionStart(Geometry, time.Time) error
	}); ok {
		if err := ss.SessionStart(g, time.Now()); err != nil {
			log.Printf("scan: recording session geometry: %v", err)
		}
	}
	c.order = visitOrder(rows, cols)
	c.cursor = 0
	c.tsValid = false
	c.degenStreak = 0
	c.pendPause.Store(false)
	c.pendResume.Store(false)
	c.pendAbort.Store(false)
	return nil
}

// Start moves the stage to the first cell and begins scanning.  A motion
// fault here leaves the controller in Configuring so the operator can
// retry or reconfigure; the session is not finalized.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Configuring {
		return &fault.ConfigError{
			Op:     "scan.Start",
			Detail: fmt.Sprintf("cannot start while %v", c.state),
		}
	}
	if err := c.activateCell(c.order[0]); err != nil {
		return err
	}
	c.sess.Started = time.Now()
	c.setState(Scanning)
	return nil
}

// Pause freezes fluence integration without losing accumulated dose.
// Idempotent.
func (c *Controller) Pause() { c.pendPause.Store(true) }

// Resume continues a paused scan.  Idempotent.
func (c *Controller) Resume() { c.pendResume.Store(true) }

// Abort finalizes the session as partial.  Irreversible.
func (c *Controller) Abort() { c.pendAbort.Store(true) }

// Interlock raises an external interlock (e.g. acquisition timeout
// escalation); the scan aborts at the next cycle boundary
func (c *Controller) Interlock(err error) {
	c.interlockMu.Lock()
	if c.interlockErr == nil {
		c.interlockErr = err
	}
	c.interlockMu.Unlock()
}

// State returns the controller state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a snapshot of the current (or last) session, or nil if
// none was ever configured
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	cp := *c.sess
	cp.Cells = make([]Cell, len(c.sess.Cells))
	copy(cp.Cells, c.sess.Cells)
	return &cp
}

// Progress summarizes the scan for status queries
type Progress struct {
	State      string  `json:"state"`
	Rows       int     `json:"rows"`
	Cols       int     `json:"cols"`
	CellsDone  int     `json:"cells_done"`
	CellsTotal int     `json:"cells_total"`
	ActiveRow  int     `json:"active_row"`
	ActiveCol  int     `json:"active_col"`
	ActiveDose float64 `json:"active_accumulated_fluence"`
	TargetDose float64 `json:"target_fluence_per_cell"`
}

// Progress returns the current scan progress
func (c *Controller) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := Progress{State: c.state.String()}
	if c.sess == nil {
		return p
	}
	p.Rows = c.sess.Geometry.Rows
	p.Cols = c.sess.Geometry.Cols
	p.CellsTotal = len(c.sess.Cells)
	for _, cell := range c.sess.Cells {
		if cell.State == Done {
			p.CellsDone++
		}
	}
	if c.cursor < len(c.order) {
		cell := c.sess.Cells[c.order[c.cursor]]
		p.ActiveRow, p.ActiveCol = cell.Row, cell.Col
		p.ActiveDose = cell.Accumulated
		p.TargetDose = cell.TargetFluence
	}
	return p
}

// OnReading consumes one DAQ cycle.  Integration is in whole cycles: the
// interval between the previous and the current reading is credited to
// the active cell, degenerate cycles contribute zero dose, and a cell is
// declared done at the boundary after its target is reached.
func (c *Controller) OnReading(r beam.Reading) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.applySignals()
	if c.state != Scanning {
		c.tsValid = false
		return
	}

	if r.Degenerate {
		c.degenStreak++
		if c.cfg.BeamOffLimit > 0 && c.degenStreak >= c.cfg.BeamOffLimit {
			c.abortLocked(&fault.HardwareFault{
				Device: "beam",
				Op:     "scan",
				Detail: fmt.Sprintf("beam off for %d consecutive cycles", c.degenStreak),
			})
			return
		}
	} else {
		c.degenStreak = 0
	}

	cell := &c.sess.Cells[c.order[c.cursor]]
	if cell.Accumulated >= cell.TargetFluence {
		c.finishCell(cell, r.Timestamp)
		return
	}

	if !c.tsValid {
		c.lastTS = r.Timestamp
		c.tsValid = true
		return
	}
	dt := r.Timestamp.Sub(c.lastTS).Seconds()
	c.lastTS = r.Timestamp
	if dt <= 0 || r.Degenerate {
		return
	}
	// current is in nanoamps; integrated charge in coulombs
	cell.Accumulated += r.Current.Nominal * 1e-9 * dt * c.cfg.ChargeToFluence
	c.record(*cell, r.Timestamp)
}

// applySignals folds the pending asynchronous control signals into the
// state machine.  Abort wins over everything.
func (c *Controller) applySignals() {
	c.interlockMu.Lock()
	ierr := c.interlockErr
	c.interlockErr = nil
	c.interlockMu.Unlock()
	if ierr != nil && (c.state == Scanning || c.state == Paused) {
		c.abortLocked(ierr)
		return
	}
	if c.pendAbort.Swap(false) {
		if c.state == Scanning || c.state == Paused {
			c.abortLocked(nil)
		}
		return
	}
	if c.pendPause.Swap(false) && c.state == Scanning {
		c.setState(Paused)
		c.tsValid = false
	}
	if c.pendResume.Swap(false) && c.state == Paused {
		c.setState(Scanning)
		c.tsValid = false
	}
}

// finishCell marks the active cell done and advances to the next pending
// cell, completing the session when none remains
func (c *Controller) finishCell(cell *Cell, ts time.Time) {
	cell.State = Done
	c.record(*cell, ts)
	for c.cursor++; c.cursor < len(c.order); c.cursor++ {
		next := &c.sess.Cells[c.order[c.cursor]]
		if next.State == Pending {
			if err := c.activateCell(c.order[c.cursor]); err != nil {
				c.abortLocked(err)
				return
			}
			// motion time must not be credited as dose
			c.tsValid = false
			return
		}
	}
	c.sess.Finished = time.Now()
	c.sess.Final = Completed
	c.setState(Completed)
}

// activateCell moves the stage to a cell's center and marks it active
func (c *Controller) activateCell(idx int) error {
	cell := &c.sess.Cells[idx]
	x, y := c.sess.Geometry.CellCenter(cell.Row, cell.Col)
	if err := c.mover.MoveAbs("x", x); err != nil {
		return err
	}
	if err := c.mover.MoveAbs("y", y); err != nil {
		return err
	}
	cell.State = Active
	c.record(*cell, time.Now())
	return nil
}

// abortLocked finalizes the session as partial.  The active cell is
// marked skipped; everything already integrated stays recorded.
func (c *Controller) abortLocked(cause error) {
	if cause != nil {
		log.Printf("scan: aborting: %v", cause)
	}
	now := time.Now()
	if c.sess != nil && c.cursor < len(c.order) {
		cell := &c.sess.Cells[c.order[c.cursor]]
		if cell.State == Active {
			cell.State = Skipped
			c.record(*cell, now)
		}
	}
	c.setState(Aborting)
	if c.sess != nil {
		c.sess.Finished = now
		c.sess.Final = Aborting
	}
	c.setState(Idle)
}

// setState transitions the state machine, emitting the change
func (c *Controller) setState(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if c.sink != nil {
		if err := c.sink.StateChange(from, to, time.Now()); err != nil {
			log.Printf("scan: recording state change: %v", err)
		}
	}
}

func (c *Controller) record(cell Cell, ts time.Time) {
	if c.sink == nil {
		return
	}
	if err := c.sink.CellUpdate(cell, ts); err != nil {
		log.Printf("scan: recording cell update: %v", err)
	}
}
