// Package scan implements the irradiation scan controller: a state
// machine that rasters the XY stage over a target area in a boustrophedon
// pattern, integrating the live beam-current stream into per-cell fluence
// until every cell has received its target dose.
package scan

import (
	"fmt"
	"math"
	"time"
)

// State is the controller lifecycle state
type State int

const (
	Idle State = iota
	Configuring
	Scanning
	Paused
	Aborting
	Completed
)

var stateNames = map[State]string{
	Idle:        "idle",
	Configuring: "configuring",
	Scanning:    "scanning",
	Paused:      "paused",
	Aborting:    "aborting",
	Completed:   "completed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// CellState is the lifecycle of one grid cell
type CellState int

const (
	Pending CellState = iota
	Active
	Done
	Skipped
)

var cellStateNames = map[CellState]string{
	Pending: "pending",
	Active:  "active",
	Done:    "done",
	Skipped: "skipped",
}

func (s CellState) String() string {
	if n, ok := cellStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("CellState(%d)", int(s))
}

// Cell is one element of the scan grid.  Accumulated only grows while the
// cell is active; the transition to Done happens at a DAQ cycle boundary,
// never mid-integration.
type Cell struct {
	Row int `json:"row"`
	Col int `json:"col"`

	// TargetFluence and Accumulated are in particles per cm^2
	TargetFluence float64 `json:"target_fluence"`
	Accumulated   float64 `json:"accumulated_fluence"`

	State CellState `json:"state"`
}

// Geometry describes the cell grid laid over the target area.  All
// lengths are millimeters in stage coordinates.
type Geometry struct {
	OriginX float64 `json:"origin_x" yaml:"origin_x"`
	OriginY float64 `json:"origin_y" yaml:"origin_y"`
	Width   float64 `json:"width" yaml:"width"`
	Height  float64 `json:"height" yaml:"height"`
	Step    float64 `json:"step" yaml:"step"`

	Rows int `json:"rows" yaml:"rows"`
	Cols int `json:"cols" yaml:"cols"`

	// TruncatedCols/TruncatedRows record that the last column/row does
	// not span a full step; the grid is rounded up, never down
	TruncatedCols bool `json:"truncated_cols" yaml:"truncated_cols"`
	TruncatedRows bool `json:"truncated_rows" yaml:"truncated_rows"`
}

// CellCenter returns the stage position of a cell's center, accounting
// for truncated edge cells
func (g Geometry) CellCenter(row, col int) (x, y float64) {
	x0 := float64(col) * g.Step
	x1 := math.Min(x0+g.Step, g.Width)
	y0 := float64(row) * g.Step
	y1 := math.Min(y0+g.Step, g.Height)
	return g.OriginX + (x0+x1)/2, g.OriginY + (y0+y1)/2
}

// Session owns the cell grid of one irradiation.  It is created by
// Configure and finalized exactly once, at completion or abort.
type Session struct {
	Geometry Geometry  `json:"geometry"`
	Cells    []Cell    `json:"cells"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`

	// Final is the state the session ended in: Completed, or Aborting
	// for a partial session
	Final State `json:"final"`
}

// visitOrder returns row-major cell indices in boustrophedon order: even
// rows left to right, odd rows right to left
func visitOrder(rows, cols int) []int {
	order := make([]int, 0, rows*cols)
	for r := 0; r < rows; r++ {
		if r%2 == 0 {
			for c := 0; c < cols; c++ {
				order = append(order, r*cols+c)
			}
		} else {
			for c := cols - 1; c >= 0; c-- {
				order = append(order, r*cols+c)
			}
		}
	}
	return order
}
