// Package daq runs the fixed-cadence acquisition loop: sample the
// readout electronics, timestamp, convert to physical quantities, and
// fan the readings out to the scan controller and the session recorder.
package daq

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/silab-bonn/irradgo/beam"
	"github.com/silab-bonn/irradgo/fault"
)

// Sampler is the acquisition hardware surface.  ReadChannels blocks up
// to the device timeout; timeout errors must satisfy fault.IsTimeout so
// the loop can count consecutive misses.
type Sampler interface {
	ReadChannels() (map[beam.Channel]float64, error)
}

// Config tunes the Loop
type Config struct {
	// Period is the sampling period
	Period time.Duration `yaml:"period"`

	// TimeoutLimit is the number of consecutive sampler timeouts before
	// the loop escalates a HardwareFault to the interlock callback
	TimeoutLimit int `yaml:"timeout_limit"`
}

// DefaultConfig samples at 10 Hz and escalates after 5 missed cycles
func DefaultConfig() Config {
	return Config{Period: 100 * time.Millisecond, TimeoutLimit: 5}
}

// Loop is the acquisition loop for one device.  Exactly one Loop drives
// one Sampler.
type Loop struct {
	cfg     Config
	sampler Sampler

	convMu sync.RWMutex
	conv   *beam.Converter

	slot  *Slot
	queue *Queue

	subMu sync.Mutex
	subs  []*subscriber

	interlockMu sync.Mutex
	interlock   func(error)

	cancel context.CancelFunc
	done   chan struct{}
}

type subscriber struct {
	name string
	ch   chan beam.Reading
}

// New builds a Loop publishing to a fresh Slot and Queue
func New(sampler Sampler, conv *beam.Converter, cfg Config) *Loop {
	if cfg.Period <= 0 {
		cfg.Period = DefaultConfig().Period
	}
	if cfg.TimeoutLimit <= 0 {
		cfg.TimeoutLimit = DefaultConfig().TimeoutLimit
	}
	return &Loop{
		cfg:     cfg,
		sampler: sampler,
		conv:    conv,
		slot:    NewSlot(),
		queue:   NewQueue(),
	}
}

// Slot returns the latest-value channel consumed by the scan controller
func (l *Loop) Slot() *Slot { return l.slot }

// Queue returns the monitored queue consumed by the session recorder
func (l *Loop) Queue() *Queue { return l.queue }

// Converter returns the active converter
func (l *Loop) Converter() *beam.Converter {
	l.convMu.RLock()
	defer l.convMu.RUnlock()
	return l.conv
}

// SwapConverter installs a new converter between cycles, so every
// published reading is computed entirely under one calibration
func (l *Loop) SwapConverter(conv *beam.Converter) {
	l.convMu.Lock()
	l.conv = conv
	l.convMu.Unlock()
}

// OnInterlock registers the callback invoked when sampling fails beyond
// the configured limit.  The scan controller's Interlock method is the
// intended target.
func (l *Loop) OnInterlock(fn func(error)) {
	l.interlockMu.Lock()
	l.interlock = fn
	l.interlockMu.Unlock()
}

// Subscribe registers a push callback.  Each subscriber gets its own
// worker; a callback still busy when the next reading arrives is warned
// and that reading dropped, bounding staleness instead of queueing.
func (l *Loop) Subscribe(name string, fn func(beam.Reading)) {
	sub := &subscriber{name: name, ch: make(chan beam.Reading, 1)}
	go func() {
		for r := range sub.ch {
			fn(r)
		}
	}()
	l.subMu.Lock()
	l.subs = append(l.subs, sub)
	l.subMu.Unlock()
}

// Start launches the loop in a goroutine; Stop ends it
func (l *Loop) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		l.Run(ctx)
	}()
}

// Stop ends a started loop and closes the queue
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
	l.queue.Close()
	l.subMu.Lock()
	for _, s := range l.subs {
		close(s.ch)
	}
	l.subs = nil
	l.subMu.Unlock()
}

// Run executes the loop until the context ends.  Cycles are paced by a
// rate limiter rather than a ticker so a slow cycle borrows from the
// next instead of bunching.
func (l *Loop) Run(ctx context.Context) error {
	lim := rate.NewLimiter(rate.Every(l.cfg.Period), 1)
	streak := 0
	for {
		if err := lim.Wait(ctx); err != nil {
			return ctx.Err()
		}
		volts, err := l.sampler.ReadChannels()
		if err != nil {
			if fault.IsTimeout(err) {
				streak++
				if streak >= l.cfg.TimeoutLimit {
					l.escalate(streak)
					streak = 0
				}
			} else {
				log.Printf("daq: sample failed: %v", err)
			}
			continue
		}
		streak = 0

		frame := beam.Frame{Timestamp: time.Now()}
		for ch, v := range volts {
			frame.Samples = append(frame.Samples, beam.Sample{Channel: ch, Voltage: v})
		}
		l.convMu.RLock()
		reading := l.conv.Convert(frame)
		l.convMu.RUnlock()
		l.publish(reading)
	}
}

func (l *Loop) publish(r beam.Reading) {
	l.slot.Put(r)
	l.queue.Push(r)
	l.subMu.Lock()
	subs := l.subs
	l.subMu.Unlock()
	for _, s := range subs {
		select {
		case s.ch <- r:
		default:
			log.Printf("daq: subscriber %s slower than one period, reading dropped", s.name)
		}
	}
}

func (l *Loop) escalate(streak int) {
	err := &fault.HardwareFault{
		Device:  "readout",
		Op:      "ReadChannels",
		Detail:  fmt.Sprintf("%d consecutive acquisition timeouts", streak),
		Timeout: true,
	}
	log.Printf("daq: %v", err)
	l.interlockMu.Lock()
	fn := l.interlock
	l.interlockMu.Unlock()
	if fn != nil {
		fn(err)
	}
}
