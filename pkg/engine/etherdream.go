package engine

import (
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"libera/pkg/errs"
	"libera/pkg/logger"
	"libera/pkg/protocol"
	"libera/pkg/transport"
)

// Streaming parameters for the Ether Dream DAC.
const (
	// TargetPointRate is the playback rate requested on begin.
	TargetPointRate uint32 = 30000

	// FIFOCapacity is the device FIFO depth in points.
	FIFOCapacity = 1799

	// MinPacketPoints is the smallest data frame worth shipping.
	MinPacketPoints = 150

	// MinBufferFloor is the floor on reported fullness assumed for refill
	// sizing; DACs of this generation cannot report below it.
	MinBufferFloor = 256

	// TickInterval paces the loop when there is no drain estimate to work
	// from (no status yet, or a zero point rate).
	TickInterval = 33 * time.Millisecond

	// MinSleep and MaxSleep bound the computed inter-iteration sleep.
	MinSleep = 1 * time.Millisecond
	MaxSleep = 5 * time.Millisecond
)

// EtherDream streams points to one Ether Dream DAC over TCP. It owns its
// transport client and worker goroutine exclusively; the only operations
// safe from other goroutines are SetLatency, GetLatency, Stop, Close,
// IsConnected and LastError. The value must not be copied.
type EtherDream struct {
	device

	client          *transport.Client
	hub             *StatusHub
	deviceName      string
	targetPointRate uint32

	mu         sync.Mutex // guards lastErr and remembered for outside readers
	lastErr    error
	remembered string

	// Worker-owned protocol state. Only the worker goroutine touches these.
	lastStatus        protocol.DeviceStatus
	lastReceive       time.Time
	clearRequired     bool
	prepareRequired   bool
	beginRequired     bool
	rateChangePending bool
	failure           bool

	cmd     protocol.CommandBuffer
	readBuf [protocol.AckFrameSize]byte
}

type EtherDreamOption func(*EtherDream)

// WithClient substitutes the transport client, mainly so tests can tune
// timeouts.
func WithClient(c *transport.Client) EtherDreamOption {
	return func(d *EtherDream) { d.client = c }
}

// WithStatusHub attaches a hub that receives every decoded status snapshot.
func WithStatusHub(h *StatusHub) EtherDreamOption {
	return func(d *EtherDream) { d.hub = h }
}

// WithTargetPointRate overrides the rate requested on begin.
func WithTargetPointRate(rate uint32) EtherDreamOption {
	return func(d *EtherDream) {
		if rate > 0 {
			d.targetPointRate = rate
		}
	}
}

// WithDeviceName labels status updates when several consumers share a hub.
func WithDeviceName(name string) EtherDreamOption {
	return func(d *EtherDream) {
		if name != "" {
			d.deviceName = name
		}
	}
}

func NewEtherDream(opts ...EtherDreamOption) *EtherDream {
	d := &EtherDream{
		device:          newDevice(),
		client:          transport.NewClient(),
		deviceName:      "etherdream",
		targetPointRate: TargetPointRate,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *EtherDream) name() string { return d.deviceName }

// Connect opens a deadline-bounded TCP connection to the DAC and enables
// low-latency socket options. host must be an IP literal; a port of 0 means
// protocol.DefaultPort.
func (d *EtherDream) Connect(host string, port int) error {
	if net.ParseIP(host) == nil {
		return fmt.Errorf("%w: invalid address %q", errs.ErrInvalidArgument, host)
	}
	if port == 0 {
		port = protocol.DefaultPort
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: invalid port %d", errs.ErrInvalidArgument, port)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if err := d.client.Connect(addr); err != nil {
		logger.Errorf("[%s] connect to %s failed: %v", d.deviceName, addr, err)
		return err
	}
	d.client.EnableLowLatency()

	d.mu.Lock()
	d.remembered = addr
	d.mu.Unlock()

	logger.Infof("[%s] connected to %s", d.deviceName, addr)
	return nil
}

// Close tears down the TCP connection. Idempotent.
func (d *EtherDream) Close() {
	d.client.Close()
	d.mu.Lock()
	d.remembered = ""
	d.mu.Unlock()
}

// IsConnected reports whether the TCP connection is open.
func (d *EtherDream) IsConnected() bool {
	return d.client.IsOpen()
}

// LastAddress returns the address of the most recent successful connect, or
// "" when the device has been closed since.
func (d *EtherDream) LastAddress() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remembered
}

// LastError returns the failure that ended the most recent streaming
// session, or nil.
func (d *EtherDream) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// Start launches the worker. Idempotent while running.
func (d *EtherDream) Start() {
	d.start(d)
}

// runLoop is the worker body: handshake, then the refill loop until Stop or
// a network failure.
func (d *EtherDream) runLoop() {
	d.failure = false

	if !d.client.IsOpen() {
		logger.Errorf("[%s] started without an active connection", d.deviceName)
		d.running.Store(false)
		return
	}

	// The DAC announces itself with an unsolicited ack for '?' as soon as
	// the connection opens. If that frame never arrives, ping explicitly.
	if _, err := d.readAck(protocol.OpPing); err != nil {
		if _, err := d.transmit(protocol.OpPing, (*protocol.CommandBuffer).Ping); err != nil {
			// fail clears running, so the loop is skipped and the failure
			// close below still applies.
			d.fail("initial ping", err)
		}
	}

	for d.isRunning() {
		if d.clearRequired {
			d.sendClear()
		}
		if d.prepareRequired {
			d.sendPrepare()
		}

		time.Sleep(d.computeSleep())

		req := d.fillRequest()
		if req.NeedsPoints(MinPacketPoints) {
			d.streamPoints(req)
		}

		if d.beginRequired {
			d.sendBegin()
		}

		d.ensureTargetPointRate()
	}

	if d.failure && d.client.IsOpen() {
		d.Close()
	}
}

// readAck reads and decodes one acknowledgement frame, feeding its status
// into the requirement flags whether or not the ack matches. A response code
// other than 'a' or a mismatched echoed opcode fails with errs.ErrProtocol.
func (d *EtherDream) readAck(expected byte) (protocol.Ack, error) {
	if !d.isRunning() {
		return protocol.Ack{}, errs.ErrCanceled
	}
	if !d.client.IsOpen() {
		return protocol.Ack{}, errs.ErrNotConnected
	}

	n, err := d.client.ReadExact(d.readBuf[:], d.opTimeout())
	if err != nil {
		logger.Errorf("[%s] rx error after %d bytes: %v", d.deviceName, n, err)
		return protocol.Ack{}, err
	}

	ack, err := protocol.DecodeAck(d.readBuf[:])
	if err != nil {
		logger.Errorf("[%s] undecodable ack for '%c': %s", d.deviceName, expected, protocol.HexLine(d.readBuf[:]))
		return protocol.Ack{}, err
	}

	matched := ack.Response == protocol.ResponseAck && ack.Command == expected
	d.updateRequirements(ack.Status, matched)

	if !matched {
		logger.Errorf("[%s] unexpected ack: want 'a' for '%c', got '%c' for '%c'",
			d.deviceName, expected, ack.Response, ack.Command)
		return protocol.Ack{}, fmt.Errorf("%w: ack mismatch for '%c'", errs.ErrProtocol, expected)
	}
	return ack, nil
}

// transmit frames one command, writes it, and waits for its ack.
func (d *EtherDream) transmit(op byte, build func(*protocol.CommandBuffer)) (protocol.Ack, error) {
	if !d.isRunning() {
		return protocol.Ack{}, errs.ErrCanceled
	}
	d.cmd.Reset()
	build(&d.cmd)
	if err := d.client.WriteAll(d.cmd.Bytes(), d.opTimeout()); err != nil {
		return protocol.Ack{}, err
	}
	return d.readAck(op)
}

func (d *EtherDream) sendClear() {
	logger.Infof("[%s] clear required -> 'c'", d.deviceName)
	if _, err := d.transmit(protocol.OpClear, (*protocol.CommandBuffer).Clear); err != nil {
		d.fail("clear command", err)
	}
}

func (d *EtherDream) sendPrepare() {
	logger.Infof("[%s] prepare required -> 'p'", d.deviceName)
	if _, err := d.transmit(protocol.OpPrepare, (*protocol.CommandBuffer).Prepare); err != nil {
		d.fail("prepare command", err)
	}
}

func (d *EtherDream) sendBegin() {
	rate := d.targetPointRate
	logger.Infof("[%s] begin required -> 'b' rate=%d", d.deviceName, rate)
	_, err := d.transmit(protocol.OpBegin, func(b *protocol.CommandBuffer) { b.Begin(rate) })
	if err != nil {
		d.fail("begin command", err)
	}
}

// ensureTargetPointRate queues a rate change when playback runs at the wrong
// rate. The change is applied by the first point of the next data frame.
func (d *EtherDream) ensureTargetPointRate() {
	if d.clearRequired || d.prepareRequired || d.beginRequired || d.rateChangePending {
		return
	}
	if d.lastStatus.Playback != protocol.PlaybackPlaying || d.lastStatus.PointRate == d.targetPointRate {
		return
	}

	rate := d.targetPointRate
	logger.Infof("[%s] rate %d != target %d -> 'q'", d.deviceName, d.lastStatus.PointRate, rate)
	_, err := d.transmit(protocol.OpQueueRateChange, func(b *protocol.CommandBuffer) { b.QueueRateChange(rate) })
	if err != nil {
		d.fail("point rate command", err)
		return
	}
	d.rateChangePending = true
}

// streamPoints asks the generator for a batch and ships it.
func (d *EtherDream) streamPoints(req PointFillRequest) {
	if !d.requestPoints(req) {
		return
	}

	produced := len(d.pointsToSend)
	if produced < req.MinimumPointsRequired {
		logger.Errorf("[%s] generator underfilled: produced %d of %d, frame withheld",
			d.deviceName, produced, req.MinimumPointsRequired)
		d.resetPoints()
		return
	}
	if req.MaximumPointsRequired > 0 && produced > req.MaximumPointsRequired {
		logger.Errorf("[%s] generator overfilled: produced %d, cap %d, frame withheld",
			d.deviceName, produced, req.MaximumPointsRequired)
		d.resetPoints()
		return
	}
	d.pointIndex += uint64(produced)

	d.sendPoints()
}

func (d *EtherDream) sendPoints() {
	if d.clearRequired || d.prepareRequired {
		d.resetPoints()
		return
	}
	if len(d.pointsToSend) == 0 {
		return
	}

	inject := d.rateChangePending
	d.cmd.Reset()
	d.cmd.Data(d.pointsToSend, inject)

	logger.Infof("[%s] tx data points=%d bytes=%d", d.deviceName, len(d.pointsToSend), d.cmd.Len())

	if err := d.client.WriteAll(d.cmd.Bytes(), d.opTimeout()); err != nil {
		d.fail("stream write", err)
		d.resetPoints()
		return
	}
	if _, err := d.readAck(protocol.OpData); err != nil {
		d.fail("waiting for data ack", err)
		d.resetPoints()
		return
	}

	if inject {
		d.rateChangePending = false
	}
	d.resetPoints()
}

// updateRequirements folds a decoded status into the requirement flags.
func (d *EtherDream) updateRequirements(status protocol.DeviceStatus, commandAcked bool) {
	d.lastStatus = status
	d.lastReceive = time.Now()

	estop := status.LightEngine == protocol.LightEngineEStop
	underflow := status.PlaybackFlags&protocol.PlaybackUnderflowFlag != 0
	d.clearRequired = estop || underflow || !commandAcked

	d.prepareRequired = !d.clearRequired &&
		status.LightEngine == protocol.LightEngineReady &&
		status.Playback == protocol.PlaybackIdle

	d.beginRequired = !d.clearRequired &&
		status.Playback == protocol.PlaybackPrepared &&
		int(status.BufferFullness) >= MinPacketPoints

	if d.hub != nil {
		d.hub.TryPublish(protocol.StatusUpdate{
			Device: d.deviceName,
			Time:   d.lastReceive,
			Status: status,
		})
	}
}

// fillRequest sizes the next refill from the estimated FIFO occupancy and
// the latency budget.
func (d *EtherDream) fillRequest() PointFillRequest {
	fullness := d.estimateBufferFullness()
	free := 0
	if FIFOCapacity > fullness {
		free = FIFOCapacity - fullness
	}
	minimum := d.calculateMinimumPoints()
	if minimum > free {
		minimum = free
	}

	return PointFillRequest{
		MinimumPointsRequired:         minimum,
		MaximumPointsRequired:         free,
		EstimatedFirstPointRenderTime: time.Now().Add(time.Duration(d.GetLatency()) * time.Millisecond),
		PointIndex:                    d.pointIndex,
	}
}

// calculateMinimumPoints returns how many points are needed right now to
// hold the latency budget, zero when the budget is already covered.
func (d *EtherDream) calculateMinimumPoints() int {
	latency := d.GetLatency()
	rate := d.lastStatus.PointRate
	if rate == 0 || latency <= 0 {
		return 0
	}

	fullness := float64(d.estimateBufferFullness())
	required := float64(MinBufferFloor) + float64(rate)*float64(latency)/1000.0
	if required > FIFOCapacity {
		required = FIFOCapacity
	}
	if required <= fullness {
		return 0
	}
	return int(math.Ceil(required - fullness))
}

// estimateBufferFullness projects the last reported fullness forward by the
// points played since that report arrived. Clamped to [0, FIFOCapacity].
// Working from the raw last report would oversend badly between acks.
func (d *EtherDream) estimateBufferFullness() int {
	rate := d.lastStatus.PointRate
	full := int(d.lastStatus.BufferFullness)
	if rate == 0 || d.lastReceive.IsZero() {
		return full
	}

	elapsed := time.Since(d.lastReceive)
	if elapsed <= 0 {
		return full
	}

	consumed := float64(rate) * elapsed.Seconds()
	estimated := float64(full) - consumed
	if estimated < 0 {
		estimated = 0
	} else if estimated > FIFOCapacity {
		estimated = FIFOCapacity
	}
	return int(math.Round(estimated))
}

// computeSleep returns how long to wait before the next refill check: the
// time until the FIFO drains to the latency floor, capped so the loop stays
// responsive.
func (d *EtherDream) computeSleep() time.Duration {
	latency := d.GetLatency()
	rate := d.lastStatus.PointRate
	if latency <= 0 || rate == 0 {
		return TickInterval
	}

	minPointsInBuffer := millisToPoints(float64(latency), rate)
	deficit := d.estimateBufferFullness() - minPointsInBuffer
	if deficit < 0 {
		deficit = 0
	}
	pointsToWait := deficit
	if pointsToWait > MinPacketPoints {
		pointsToWait = MinPacketPoints
	}

	sleep := time.Duration(pointsToMillis(pointsToWait, rate) * float64(time.Millisecond))
	if sleep > MaxSleep {
		sleep = MaxSleep
	}
	if sleep < MinSleep {
		sleep = MinSleep
	}
	return sleep
}

func (d *EtherDream) opTimeout() time.Duration {
	return time.Duration(d.GetLatency()) * time.Millisecond
}

func (d *EtherDream) fail(where string, err error) {
	logger.Errorf("[%s] %s failed: %v", d.deviceName, where, err)
	if !d.isRunning() {
		// Stop was requested or an earlier failure already ended the session;
		// commands cut short by that are not recorded as its cause.
		return
	}
	d.mu.Lock()
	d.lastErr = fmt.Errorf("%s: %w", where, err)
	d.mu.Unlock()
	d.running.Store(false)
	d.failure = true
}

// pointsToMillis converts a point count to playback milliseconds at rate.
func pointsToMillis(pointCount int, rate uint32) float64 {
	if rate == 0 || pointCount <= 0 {
		return 0
	}
	return float64(pointCount) * 1000.0 / float64(rate)
}

// millisToPoints converts a duration in milliseconds to a point count at
// rate, rounded to nearest.
func millisToPoints(millis float64, rate uint32) int {
	if rate == 0 || millis <= 0 {
		return 0
	}
	points := math.Round(millis / 1000.0 * float64(rate))
	if points <= 0 {
		return 0
	}
	if points > math.MaxInt32 {
		points = math.MaxInt32
	}
	return int(points)
}
