package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"libera/pkg/logger"
	"libera/pkg/protocol"
)

const (
	// DefaultLatencyMillis is the initial submission-to-playback budget.
	DefaultLatencyMillis = 50

	// pointBufferReserve is the capacity pre-allocated for the outbound point
	// buffer so the streaming path never grows it. Far larger than any DAC
	// FIFO this engine talks to.
	pointBufferReserve = 30000
)

// PointFillRequest describes one refill demand passed to the generator.
type PointFillRequest struct {
	// MinimumPointsRequired is the refill deficit. May be zero.
	MinimumPointsRequired int

	// MaximumPointsRequired is the free space in the device FIFO. Zero means
	// no upper bound.
	MaximumPointsRequired int

	// EstimatedFirstPointRenderTime is a host-side estimate of when the first
	// point of this batch reaches the mirrors. Advisory only.
	EstimatedFirstPointRenderTime time.Time

	// PointIndex is an absolute running counter across requests.
	PointIndex uint64
}

// NeedsPoints reports whether either bound says a batch of at least
// minPoints is worth asking for.
func (r PointFillRequest) NeedsPoints(minPoints int) bool {
	return r.MinimumPointsRequired >= minPoints || r.MaximumPointsRequired >= minPoints
}

// FillFunc generates points. It must append at least MinimumPointsRequired
// points to out and, when MaximumPointsRequired is non-zero, no more than
// that. It must not shrink out or re-slice it to a smaller backing array;
// the engine pre-sizes the buffer.
type FillFunc func(req PointFillRequest, out *[]protocol.LaserPoint)

// worker is what the generic harness runs: a device-specific loop body plus
// a name for log lines.
type worker interface {
	name() string
	runLoop()
}

// device carries the state shared by every laser device type: the generator
// callback, the outbound point buffer, the latency setting, and the worker
// goroutine lifecycle. Devices embedding it must not be copied once started.
type device struct {
	latencyMillis atomic.Int64
	running       atomic.Bool
	wg            sync.WaitGroup

	fill         FillFunc
	pointsToSend []protocol.LaserPoint
	pointIndex   uint64
}

func newDevice() device {
	d := device{
		pointsToSend: make([]protocol.LaserPoint, 0, pointBufferReserve),
	}
	d.latencyMillis.Store(DefaultLatencyMillis)
	return d
}

// SetCallback installs or replaces the point generator. Install before Start
// or while the device is not streaming.
func (d *device) SetCallback(fill FillFunc) {
	d.fill = fill
}

// SetLatency sets the latency budget in milliseconds. Values below 1 are
// clamped to 1 so deadlines never collapse to zero.
func (d *device) SetLatency(ms int64) {
	if ms < 1 {
		ms = 1
	}
	d.latencyMillis.Store(ms)
}

// GetLatency returns the latency budget in milliseconds.
func (d *device) GetLatency() int64 {
	return d.latencyMillis.Load()
}

// requestPoints clears the outbound buffer and asks the generator to refill
// it. Returns false when no generator is installed. The min/max contract on
// the result is checked by the caller before the batch is sent.
func (d *device) requestPoints(req PointFillRequest) bool {
	if d.fill == nil {
		return false
	}
	d.pointsToSend = d.pointsToSend[:0]
	d.fill(req, &d.pointsToSend)
	return true
}

func (d *device) resetPoints() {
	d.pointsToSend = d.pointsToSend[:0]
}

// start launches the worker goroutine running w's loop. Idempotent: calling
// start on a running device does nothing.
func (d *device) start(w worker) {
	if d.running.Swap(true) {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		logger.Infof("[%s] worker started", w.name())
		w.runLoop()
		logger.Infof("[%s] worker stopped", w.name())
	}()
}

// Stop signals the worker to exit after its current iteration and waits for
// it. Safe to call repeatedly and without a prior Start.
func (d *device) Stop() {
	d.running.Store(false)
	d.wg.Wait()
}

func (d *device) isRunning() bool {
	return d.running.Load()
}
