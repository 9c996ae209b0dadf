// Package recorder persists an irradiation session as two correlated
// files sharing a base name: <base>.yaml holds the session metadata and
// <base>.jsonl is the append-only record log.  Both are required
// together for downstream analysis.
//
// The log is write-once: records are never rewritten, timestamps never
// go backwards, and Finalize closes the session exactly once.  A partial
// log from an aborted or crashed session still replays.
package recorder

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/silab-bonn/irradgo/adc"
	"github.com/silab-bonn/irradgo/beam"
	"github.com/silab-bonn/irradgo/calib"
	"github.com/silab-bonn/irradgo/daq"
	"github.com/silab-bonn/irradgo/scan"
)

// ErrFinalized is returned for writes after Finalize
var ErrFinalized = errors.New("recorder: session already finalized")

// Metadata is the session document written to <base>.yaml.  It is
// written at session creation, rewritten with the grid when a scan is
// configured, and completed at Finalize.
type Metadata struct {
	Base    string    `yaml:"base"`
	Created time.Time `yaml:"created"`

	Geometry    scan.Geometry `yaml:"geometry"`
	Calibration calib.Record  `yaml:"calibration"`
	FullScale   float64       `yaml:"full_scale"`
	Readout     adc.Config    `yaml:"readout"`

	Finalized  time.Time `yaml:"finalized,omitempty"`
	FinalState string    `yaml:"final_state,omitempty"`
	Closed     bool      `yaml:"closed"`
}

// Record is one line of the jsonl log
type Record struct {
	Kind string    `json:"kind"` // reading | cell | state
	TS   time.Time `json:"ts"`

	Reading *beam.Reading `json:"reading,omitempty"`
	Cell    *scan.Cell    `json:"cell,omitempty"`
	State   *StateRecord  `json:"state,omitempty"`
}

// StateRecord is a scan state transition
type StateRecord struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Recorder appends session records.  It implements scan.Sink and drains
// the DAQ reading queue.
type Recorder struct {
	mu     sync.Mutex
	base   string
	meta   Metadata
	f      *os.File
	w      *bufio.Writer
	lastTS time.Time
	closed bool
}

// New creates <base>.yaml and <base>.jsonl and returns a live Recorder.
// Both files are created exclusively before anything is written, so a
// refused duplicate base leaves an existing session untouched.
func New(base string, meta Metadata) (*Recorder, error) {
	meta.Base = base
	meta.Created = time.Now()
	meta.Closed = false
	yf, err := os.OpenFile(base+".yaml", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(base+".jsonl", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		yf.Close()
		os.Remove(base + ".yaml")
		return nil, err
	}
	buf, merr := yaml.Marshal(meta)
	if merr == nil {
		_, merr = yf.Write(buf)
	}
	if cerr := yf.Close(); merr == nil {
		merr = cerr
	}
	if merr != nil {
		f.Close()
		os.Remove(base + ".jsonl")
		os.Remove(base + ".yaml")
		return nil, merr
	}
	return &Recorder{base: base, meta: meta, f: f, w: bufio.NewWriter(f)}, nil
}

func writeMeta(base string, meta Metadata) error {
	buf, err := yaml.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(base+".yaml", buf, 0644)
}

// append writes one record, enforcing monotonic timestamps
func (r *Recorder) append(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrFinalized
	}
	if rec.TS.Before(r.lastTS) {
		rec.TS = r.lastTS
	}
	r.lastTS = rec.TS
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := r.w.Write(append(buf, '\n')); err != nil {
		return err
	}
	return nil
}

// SessionStart records the scan geometry once a scan is configured; the
// metadata document is rewritten with the grid.  The scan controller
// discovers this method on its sink.
func (r *Recorder) SessionStart(g scan.Geometry, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrFinalized
	}
	r.meta.Geometry = g
	return writeMeta(r.base, r.meta)
}

// Reading appends one physical reading
func (r *Recorder) Reading(rd beam.Reading) error {
	return r.append(Record{Kind: "reading", TS: rd.Timestamp, Reading: &rd})
}

// CellUpdate appends a cell snapshot; scan.Sink
func (r *Recorder) CellUpdate(c scan.Cell, ts time.Time) error {
	return r.append(Record{Kind: "cell", TS: ts, Cell: &c})
}

// StateChange appends a scan state transition; scan.Sink
func (r *Recorder) StateChange(from, to scan.State, ts time.Time) error {
	return r.append(Record{Kind: "state", TS: ts, State: &StateRecord{From: from.String(), To: to.String()}})
}

// Drain consumes a DAQ queue until it closes, recording every reading.
// Run it in its own goroutine; it returns when the queue is closed and
// fully drained.
func (r *Recorder) Drain(q *daq.Queue) {
	for {
		rd, ok := q.Pop()
		if !ok {
			return
		}
		if err := r.Reading(rd); err != nil {
			return
		}
	}
}

// Flush pushes buffered records to disk without closing the session
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if err := r.w.Flush(); err != nil {
		return err
	}
	return r.f.Sync()
}

// Finalize flushes the log, completes the metadata document with the
// final scan state, and closes the session.  Idempotent; the first call
// wins.
func (r *Recorder) Finalize(final scan.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.w.Flush(); err != nil {
		return err
	}
	if err := r.f.Sync(); err != nil {
		return err
	}
	if err := r.f.Close(); err != nil {
		return err
	}
	r.meta.Finalized = time.Now()
	r.meta.FinalState = final.String()
	r.meta.Closed = true
	return writeMeta(r.base, r.meta)
}
