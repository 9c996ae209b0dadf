// Package irradhttp exposes the irradiation control plane over HTTP:
// scan lifecycle, live readings, calibration switching and manual stage
// motion.
package irradhttp

import (
	"encoding/json"
	"errors"
	"go/types"
	"net/http"
	"sync"

	"goji.io/pat"

	"github.com/silab-bonn/irradgo/beam"
	"github.com/silab-bonn/irradgo/calib"
	"github.com/silab-bonn/irradgo/daq"
	"github.com/silab-bonn/irradgo/fault"
	"github.com/silab-bonn/irradgo/scan"
	"github.com/silab-bonn/irradgo/server"
	"github.com/silab-bonn/irradgo/stage"
)

// ConfigureRequest is the body of POST /scan/configure; lengths in
// millimeters, fluence in particles per cm^2
type ConfigureRequest struct {
	OriginX       float64 `json:"origin_x"`
	OriginY       float64 `json:"origin_y"`
	Width         float64 `json:"width"`
	Height        float64 `json:"height"`
	Step          float64 `json:"step"`
	TargetFluence float64 `json:"target_fluence"`
}

// SwitchRequest is the body of POST /calibration/switch; an empty ID
// selects the set default
type SwitchRequest struct {
	Set       string  `json:"set"`
	ID        string  `json:"id"`
	FullScale float64 `json:"full_scale"`
}

// CalibrationResponse is the body of GET /calibration
type CalibrationResponse struct {
	Record    calib.Record `json:"record"`
	FullScale float64      `json:"full_scale"`
}

// ControlPlane wraps the scan controller, the DAQ loop and the stage in
// an HTTP route table
type ControlPlane struct {
	RouteTable server.RouteTable

	ctl      *scan.Controller
	loop     *daq.Loop
	stage    stage.Positioner
	registry *calib.Registry

	mu        sync.Mutex
	latest    beam.Reading
	hasLatest bool
}

// New builds the control plane and subscribes it to the loop's reading
// stream so /reading/latest is always fresh
func New(ctl *scan.Controller, loop *daq.Loop, pos stage.Positioner, registry *calib.Registry) *ControlPlane {
	cp := &ControlPlane{ctl: ctl, loop: loop, stage: pos, registry: registry}
	loop.Subscribe("http", func(r beam.Reading) {
		cp.mu.Lock()
		cp.latest = r
		cp.hasLatest = true
		cp.mu.Unlock()
	})
	rt := server.RouteTable{
		pat.Post("/scan/configure"): cp.configure,
		pat.Post("/scan/start"):     cp.start,
		pat.Post("/scan/pause"):     cp.signal(cp.ctl.Pause),
		pat.Post("/scan/resume"):    cp.signal(cp.ctl.Resume),
		pat.Post("/scan/abort"):     cp.signal(cp.ctl.Abort),
		pat.Get("/scan/status"):     cp.status,
		pat.Get("/reading/latest"):  cp.latestReading,

		pat.Get("/calibration"):         cp.calibration,
		pat.Post("/calibration/switch"): cp.switchCalibration,

		pat.Get("/axis/:axis/pos"):  cp.getPos,
		pat.Post("/axis/:axis/pos"): cp.setPos,
		pat.Post("/home"):           cp.home,
	}
	cp.RouteTable = rt
	return cp
}

// RT satisfies server.HTTPer
func (cp *ControlPlane) RT() server.RouteTable {
	return cp.RouteTable
}

// httpError maps the fault taxonomy onto status codes
func httpError(w http.ResponseWriter, err error) {
	var (
		ce *fault.ConfigError
		le *fault.LookupError
	)
	switch {
	case errors.As(err, &ce):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &le):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (cp *ControlPlane) configure(w http.ResponseWriter, r *http.Request) {
	req := ConfigureRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	err := cp.ctl.Configure(req.OriginX, req.OriginY, req.Width, req.Height, req.Step, req.TargetFluence)
	if err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (cp *ControlPlane) start(w http.ResponseWriter, r *http.Request) {
	if err := cp.ctl.Start(); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// signal wraps the asynchronous scan signals, which cannot fail
func (cp *ControlPlane) signal(fn func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn()
		w.WriteHeader(http.StatusOK)
	}
}

func (cp *ControlPlane) status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(cp.ctl.Progress()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (cp *ControlPlane) latestReading(w http.ResponseWriter, r *http.Request) {
	cp.mu.Lock()
	reading, ok := cp.latest, cp.hasLatest
	cp.mu.Unlock()
	if !ok {
		http.Error(w, "no reading acquired yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reading); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (cp *ControlPlane) calibration(w http.ResponseWriter, r *http.Request) {
	rec, fs := cp.loop.Converter().Active()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(CalibrationResponse{Record: rec, FullScale: fs}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (cp *ControlPlane) switchCalibration(w http.ResponseWriter, r *http.Request) {
	req := SwitchRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	rec, err := cp.registry.Select(req.Set, req.ID)
	if err != nil {
		httpError(w, err)
		return
	}
	if err := cp.loop.Converter().Switch(rec, req.FullScale); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (cp *ControlPlane) getPos(w http.ResponseWriter, r *http.Request) {
	x, y, err := cp.stage.Pos()
	if err != nil {
		httpError(w, err)
		return
	}
	v := x
	if pat.Param(r, "axis") == "y" {
		v = y
	}
	hp := server.HumanPayload{T: types.Float64, Float: v}
	hp.EncodeAndRespond(w, r)
}

// scanning reports whether the controller owns the stage right now
func (cp *ControlPlane) scanning() bool {
	switch cp.ctl.State() {
	case scan.Scanning, scan.Paused:
		return true
	}
	return false
}

func (cp *ControlPlane) setPos(w http.ResponseWriter, r *http.Request) {
	if cp.scanning() {
		http.Error(w, "stage is owned by the active scan", http.StatusConflict)
		return
	}
	f := server.FloatT{}
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if err := cp.stage.MoveAbs(pat.Param(r, "axis"), f.F64); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (cp *ControlPlane) home(w http.ResponseWriter, r *http.Request) {
	if cp.scanning() {
		http.Error(w, "stage is owned by the active scan", http.StatusConflict)
		return
	}
	if err := cp.stage.Home(); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
