package daq

import (
	"context"
	"log"
	"sync"

	"github.com/silab-bonn/irradgo/beam"
)

// Slot is a single-element latest-value channel.  A producer overwrites
// the unconsumed reading, so the consumer always acts on the freshest
// data and never on a backlog.  This suits a control loop; an audit log
// wants the Queue instead.
type Slot struct {
	ch chan beam.Reading
}

// NewSlot returns an empty Slot
func NewSlot() *Slot {
	return &Slot{ch: make(chan beam.Reading, 1)}
}

// Put stores r, displacing an unconsumed reading if present
func (s *Slot) Put(r beam.Reading) {
	for {
		select {
		case s.ch <- r:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

// Next blocks until a reading is available or the context ends
func (s *Slot) Next(ctx context.Context) (beam.Reading, error) {
	select {
	case r := <-s.ch:
		return r, nil
	case <-ctx.Done():
		return beam.Reading{}, ctx.Err()
	}
}

// TryNext returns the pending reading without blocking
func (s *Slot) TryNext() (beam.Reading, bool) {
	select {
	case r := <-s.ch:
		return r, true
	default:
		return beam.Reading{}, false
	}
}

// Queue is an unbounded-but-monitored reading queue.  Every pushed
// reading is delivered in order; a depth beyond WarnDepth logs a warning
// once per excursion so a stuck consumer is visible long before memory
// becomes a problem.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []beam.Reading
	closed bool
	warned bool

	// WarnDepth is the depth that triggers the slow-consumer warning
	WarnDepth int
}

// NewQueue returns an empty Queue warning at depth 1000
func NewQueue() *Queue {
	q := &Queue{WarnDepth: 1000}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends r; pushes to a closed queue are dropped
func (q *Queue) Push(r beam.Reading) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, r)
	if len(q.items) >= q.WarnDepth {
		if !q.warned {
			q.warned = true
			log.Printf("daq: reading queue depth %d, consumer falling behind", len(q.items))
		}
	} else {
		q.warned = false
	}
	q.cond.Signal()
}

// Pop blocks until a reading is available; ok is false once the queue is
// closed and drained
func (q *Queue) Pop() (beam.Reading, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return beam.Reading{}, false
	}
	r := q.items[0]
	q.items = q.items[1:]
	return r, true
}

// Depth returns the number of queued readings
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue; queued readings remain poppable
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
