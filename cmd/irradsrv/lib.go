package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	goji "goji.io"

	"github.com/silab-bonn/irradgo/adc"
	"github.com/silab-bonn/irradgo/beam"
	"github.com/silab-bonn/irradgo/calib"
	"github.com/silab-bonn/irradgo/daq"
	"github.com/silab-bonn/irradgo/irradhttp"
	"github.com/silab-bonn/irradgo/recorder"
	"github.com/silab-bonn/irradgo/scan"
	"github.com/silab-bonn/irradgo/server/middleware/locker"
	"github.com/silab-bonn/irradgo/stage"
	"github.com/silab-bonn/irradgo/util"
)

// Minmax holds a min and max value
type Minmax struct {
	Min float64 `yaml:"Min"`
	Max float64 `yaml:"Max"`
}

// ReadoutSetup configures the beam-monitor readout electronics
type ReadoutSetup struct {
	// Addr is a serial port (e.g. /dev/ttyUSB1) or host:port of a
	// terminal server
	Addr   string `yaml:"Addr"`
	Serial bool   `yaml:"Serial"`

	// FullScaleIndex selects the startup current full-scale from IFSScales
	FullScaleIndex int `yaml:"FullScaleIndex"`

	// VoltageNoise is the instrument noise floor in volts
	VoltageNoise float64 `yaml:"VoltageNoise"`

	IFSScales   []float64 `yaml:"IFSScales"`
	GainFactors []float64 `yaml:"GainFactors"`
	Channels    []string  `yaml:"Channels"`
}

// StageSetup configures the XY stage
type StageSetup struct {
	Addr   string            `yaml:"Addr"`
	Serial bool              `yaml:"Serial"`
	Limits map[string]Minmax `yaml:"Limits"`

	// TravelLog is the YAML file tracking lead-screw travel for
	// maintenance; empty disables the bookkeeping
	TravelLog string `yaml:"TravelLog"`

	// MaintenanceInterval is the service interval in millimeters
	MaintenanceInterval float64 `yaml:"MaintenanceInterval"`
}

// DAQSetup configures the acquisition loop
type DAQSetup struct {
	PeriodMS     int `yaml:"PeriodMS"`
	TimeoutLimit int `yaml:"TimeoutLimit"`
}

// ScanSetup configures the scan controller
type ScanSetup struct {
	ChargeToFluence float64 `yaml:"ChargeToFluence"`
	BeamOffLimit    int     `yaml:"BeamOffLimit"`
}

// Config holds the daemon initialization parameters, populated from
// defaults and the YAML config file
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr"`

	// Mock replaces all hardware with in-memory stand-ins
	Mock bool `yaml:"Mock"`

	CalibrationFile string `yaml:"CalibrationFile"`
	CalibrationSet  string `yaml:"CalibrationSet"`

	// CalibrationID selects a record; empty means the set default
	CalibrationID string `yaml:"CalibrationID"`

	// SessionDir receives the session output file pairs
	SessionDir string `yaml:"SessionDir"`

	Readout ReadoutSetup `yaml:"Readout"`
	Stage   StageSetup   `yaml:"Stage"`
	DAQ     DAQSetup     `yaml:"DAQ"`
	Scan    ScanSetup    `yaml:"Scan"`
}

func defaultConfig() Config {
	rc := adc.DefaultConfig()
	return Config{
		Addr:            ":8877",
		Mock:            false,
		CalibrationFile: "calibration.yaml",
		CalibrationSet:  "lambda",
		SessionDir:      "sessions",
		Readout: ReadoutSetup{
			Addr:           "/dev/ttyUSB1",
			Serial:         true,
			FullScaleIndex: 5,
			VoltageNoise:   1e-3,
			IFSScales:      rc.IFSScales,
			GainFactors:    rc.GainFactors,
			Channels:       rc.Channels,
		},
		Stage: StageSetup{
			Addr:   "/dev/ttyUSB0",
			Serial: true,
			Limits: map[string]Minmax{
				"x": {Min: 0, Max: 300},
				"y": {Min: 0, Max: 300},
			},
			TravelLog:           "xy_stage_travel.yaml",
			MaintenanceInterval: 3e5,
		},
		DAQ:  DAQSetup{PeriodMS: 100, TimeoutLimit: 5},
		Scan: ScanSetup{ChargeToFluence: scan.ParticlesPerCoulomb, BeamOffLimit: 10},
	}
}

// instruments bundles everything BuildServer wires together, so run()
// can tear it down in order
type instruments struct {
	router   chi.Router
	loop     *daq.Loop
	rec      *recorder.Recorder
	ctl      *scan.Controller
	stopFeed context.CancelFunc
	shutdown []func() error
}

// BuildServer assembles the hardware stack, the acquisition plumbing and
// the HTTP control plane from the config
func BuildServer(c Config) (*instruments, error) {
	registry, err := calib.LoadFile(c.CalibrationFile)
	if err != nil {
		return nil, err
	}
	calRec, err := registry.Select(c.CalibrationSet, c.CalibrationID)
	if err != nil {
		return nil, err
	}

	readoutCfg := adc.Config{
		IFSScales:   c.Readout.IFSScales,
		GainFactors: c.Readout.GainFactors,
		Channels:    c.Readout.Channels,
	}
	if c.Readout.FullScaleIndex < 0 || c.Readout.FullScaleIndex >= len(readoutCfg.IFSScales) {
		return nil, fmt.Errorf("FullScaleIndex %d outside IFSScales table", c.Readout.FullScaleIndex)
	}

	inst := &instruments{}
	var sampler daq.Sampler
	if c.Mock {
		mock, err := adc.NewMock(readoutCfg)
		if err != nil {
			return nil, err
		}
		mock.SetVoltage(beam.SemSum, 2.0)
		sampler = mock
	} else {
		electronics, err := adc.New(c.Readout.Addr, c.Readout.Serial, readoutCfg)
		if err != nil {
			return nil, err
		}
		if err := electronics.Open(); err != nil {
			return nil, err
		}
		if err := electronics.SetFullScale(c.Readout.FullScaleIndex); err != nil {
			return nil, err
		}
		inst.shutdown = append(inst.shutdown, electronics.Close)
		sampler = electronics
	}

	fullScale := readoutCfg.IFSScales[c.Readout.FullScaleIndex]
	conv, err := beam.NewConverter(calRec, fullScale, c.Readout.VoltageNoise, readoutCfg.IFSScales)
	if err != nil {
		return nil, err
	}
	loop := daq.New(sampler, conv, daq.Config{
		Period:       time.Duration(c.DAQ.PeriodMS) * time.Millisecond,
		TimeoutLimit: c.DAQ.TimeoutLimit,
	})
	inst.loop = loop

	limits := map[string]util.Limiter{}
	for axis, mm := range c.Stage.Limits {
		limits[axis] = util.Limiter{Min: mm.Min, Max: mm.Max}
	}
	var positioner stage.Positioner
	if c.Mock {
		positioner = stage.NewMock(limits)
	} else {
		var travel *stage.TravelLog
		if c.Stage.TravelLog != "" {
			travel, err = stage.LoadTravelLog(c.Stage.TravelLog, c.Stage.MaintenanceInterval)
			if err != nil {
				return nil, err
			}
		}
		gantry := stage.New(c.Stage.Addr, c.Stage.Serial, limits, travel)
		if err := gantry.Open(); err != nil {
			return nil, err
		}
		inst.shutdown = append(inst.shutdown, gantry.Close)
		positioner = gantry
	}

	if err := os.MkdirAll(c.SessionDir, 0755); err != nil {
		return nil, err
	}
	base := filepath.Join(c.SessionDir, "session_"+time.Now().Format("2006-01-02_15-04-05"))
	rec, err := recorder.New(base, recorder.Metadata{
		Calibration: calRec,
		FullScale:   fullScale,
		Readout:     readoutCfg,
	})
	if err != nil {
		return nil, err
	}
	inst.rec = rec

	ctl := scan.NewController(positioner, rec, scan.Config{
		ChargeToFluence: c.Scan.ChargeToFluence,
		BeamOffLimit:    c.Scan.BeamOffLimit,
	})
	inst.ctl = ctl
	loop.OnInterlock(ctl.Interlock)
	go rec.Drain(loop.Queue())

	// the controller always sees the freshest reading, never a backlog
	ctx, cancel := context.WithCancel(context.Background())
	inst.stopFeed = cancel
	go func() {
		for {
			r, err := loop.Slot().Next(ctx)
			if err != nil {
				return
			}
			ctl.OnReading(r)
		}
	}()

	cp := irradhttp.New(ctl, loop, positioner, registry)
	lock := locker.New()
	locker.Inject(cp, lock)
	mux := goji.NewMux()
	mux.Use(lock.Check)
	cp.RT().Bind(mux)

	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Mount("/", mux)
	inst.router = root
	return inst, nil
}

// Close stops acquisition, finalizes the session pair and releases the
// hardware
func (i *instruments) Close() {
	i.loop.Stop()
	i.stopFeed()
	if err := i.rec.Finalize(i.ctl.State()); err != nil {
		log.Printf("finalizing session: %v", err)
	}
	for _, fn := range i.shutdown {
		if err := fn(); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}
