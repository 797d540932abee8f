package engine

import (
	"testing"
	"time"

	"libera/pkg/protocol"
)

// statusAt installs a status snapshot with a receive time slightly in the
// future so the drain estimate stays pinned to the reported fullness and the
// math below is deterministic.
func statusAt(d *EtherDream, status protocol.DeviceStatus) {
	d.lastStatus = status
	d.lastReceive = time.Now().Add(time.Second)
}

func TestRefillDecision(t *testing.T) {
	d := NewEtherDream()
	d.SetLatency(50)
	statusAt(d, protocol.DeviceStatus{PointRate: 30000, BufferFullness: 200})

	// required = min(1799, 256 + 30000*0.050) = 1756; deficit = 1556.
	if got := d.calculateMinimumPoints(); got != 1556 {
		t.Fatalf("minimum points %d, want 1556", got)
	}

	req := d.fillRequest()
	if req.MaximumPointsRequired != 1599 {
		t.Fatalf("maximum %d, want 1599 free", req.MaximumPointsRequired)
	}
	if req.MinimumPointsRequired != 1556 {
		t.Fatalf("minimum %d, want 1556", req.MinimumPointsRequired)
	}
	if req.MinimumPointsRequired > req.MaximumPointsRequired {
		t.Fatalf("minimum %d exceeds maximum %d", req.MinimumPointsRequired, req.MaximumPointsRequired)
	}
}

func TestRefillZeroRate(t *testing.T) {
	d := NewEtherDream()
	statusAt(d, protocol.DeviceStatus{PointRate: 0, BufferFullness: 100})

	if got := d.calculateMinimumPoints(); got != 0 {
		t.Fatalf("minimum points %d with zero rate, want 0", got)
	}
}

func TestRefillBufferAlreadyFull(t *testing.T) {
	d := NewEtherDream()
	d.SetLatency(50)
	statusAt(d, protocol.DeviceStatus{PointRate: 30000, BufferFullness: 1780})

	if got := d.calculateMinimumPoints(); got != 0 {
		t.Fatalf("minimum points %d with a covered budget, want 0", got)
	}
	req := d.fillRequest()
	if req.MinimumPointsRequired != 0 {
		t.Fatalf("minimum %d, want 0", req.MinimumPointsRequired)
	}
}

func TestRefillMinimumCappedByFreeSpace(t *testing.T) {
	d := NewEtherDream()
	d.SetLatency(1000) // demands far more than the FIFO holds
	statusAt(d, protocol.DeviceStatus{PointRate: 30000, BufferFullness: 1700})

	req := d.fillRequest()
	if req.MaximumPointsRequired != 99 {
		t.Fatalf("maximum %d, want 99", req.MaximumPointsRequired)
	}
	if req.MinimumPointsRequired != 99 {
		t.Fatalf("minimum %d, want capped to free space 99", req.MinimumPointsRequired)
	}
}

func TestEstimateDrainsOverTime(t *testing.T) {
	d := NewEtherDream()
	d.lastStatus = protocol.DeviceStatus{PointRate: 30000, BufferFullness: 1500}
	d.lastReceive = time.Now().Add(-20 * time.Millisecond)

	// ~600 points play out in 20 ms at 30 kpps.
	got := d.estimateBufferFullness()
	if got < 800 || got > 1000 {
		t.Fatalf("estimate %d, want roughly 900", got)
	}
}

func TestEstimateClampsAtZero(t *testing.T) {
	d := NewEtherDream()
	d.lastStatus = protocol.DeviceStatus{PointRate: 30000, BufferFullness: 300}
	d.lastReceive = time.Now().Add(-time.Second)

	if got := d.estimateBufferFullness(); got != 0 {
		t.Fatalf("estimate %d, want clamp to 0", got)
	}
}

func TestEstimateWithoutStatusIsRaw(t *testing.T) {
	d := NewEtherDream()
	d.lastStatus = protocol.DeviceStatus{PointRate: 30000, BufferFullness: 700}
	// lastReceive zero: no basis for drain projection.
	if got := d.estimateBufferFullness(); got != 700 {
		t.Fatalf("estimate %d, want raw 700", got)
	}
}

func TestComputeSleepBounds(t *testing.T) {
	d := NewEtherDream()
	d.SetLatency(50)

	// Zero rate: nominal tick pacing, not a busy spin.
	statusAt(d, protocol.DeviceStatus{PointRate: 0})
	if got := d.computeSleep(); got != TickInterval {
		t.Fatalf("sleep %v with zero rate, want %v", got, TickInterval)
	}

	// Deep buffer: capped at MaxSleep.
	statusAt(d, protocol.DeviceStatus{PointRate: 30000, BufferFullness: 1799})
	if got := d.computeSleep(); got != MaxSleep {
		t.Fatalf("sleep %v with a deep buffer, want %v", got, MaxSleep)
	}

	// Starved buffer: floored at MinSleep.
	statusAt(d, protocol.DeviceStatus{PointRate: 30000, BufferFullness: 0})
	if got := d.computeSleep(); got != MinSleep {
		t.Fatalf("sleep %v with a starved buffer, want %v", got, MinSleep)
	}
}

func TestUpdateRequirements(t *testing.T) {
	cases := []struct {
		name    string
		status  protocol.DeviceStatus
		acked   bool
		clear   bool
		prepare bool
		begin   bool
	}{
		{
			name:    "ready idle wants prepare",
			status:  protocol.DeviceStatus{LightEngine: protocol.LightEngineReady, Playback: protocol.PlaybackIdle},
			acked:   true,
			prepare: true,
		},
		{
			name:   "estop wants clear",
			status: protocol.DeviceStatus{LightEngine: protocol.LightEngineEStop, Playback: protocol.PlaybackIdle},
			acked:  true,
			clear:  true,
		},
		{
			name:   "underflow wants clear",
			status: protocol.DeviceStatus{LightEngine: protocol.LightEngineReady, PlaybackFlags: protocol.PlaybackUnderflowFlag},
			acked:  true,
			clear:  true,
		},
		{
			name:   "nack wants clear",
			status: protocol.DeviceStatus{LightEngine: protocol.LightEngineReady, Playback: protocol.PlaybackIdle},
			acked:  false,
			clear:  true,
		},
		{
			name:   "prepared with enough points wants begin",
			status: protocol.DeviceStatus{LightEngine: protocol.LightEngineReady, Playback: protocol.PlaybackPrepared, BufferFullness: 150},
			acked:  true,
			begin:  true,
		},
		{
			name:   "prepared but underfilled waits",
			status: protocol.DeviceStatus{LightEngine: protocol.LightEngineReady, Playback: protocol.PlaybackPrepared, BufferFullness: 149},
			acked:  true,
		},
		{
			name:   "playing needs nothing",
			status: protocol.DeviceStatus{LightEngine: protocol.LightEngineReady, Playback: protocol.PlaybackPlaying, BufferFullness: 1000},
			acked:  true,
		},
	}

	for _, tc := range cases {
		d := NewEtherDream()
		d.updateRequirements(tc.status, tc.acked)
		if d.clearRequired != tc.clear || d.prepareRequired != tc.prepare || d.beginRequired != tc.begin {
			t.Fatalf("%s: got clear=%v prepare=%v begin=%v, want clear=%v prepare=%v begin=%v",
				tc.name, d.clearRequired, d.prepareRequired, d.beginRequired, tc.clear, tc.prepare, tc.begin)
		}
	}
}

func TestUpdateRequirementsPublishesToHub(t *testing.T) {
	hub := NewStatusHub()
	d := NewEtherDream(WithStatusHub(hub), WithDeviceName("bench"))

	d.updateRequirements(protocol.DeviceStatus{PointRate: 30000}, true)

	select {
	case upd := <-hubDrain(hub):
		if upd.Device != "bench" || upd.Status.PointRate != 30000 {
			t.Fatalf("unexpected update: %+v", upd)
		}
	case <-time.After(time.Second):
		t.Fatalf("no status reached the hub")
	}
}

// hubDrain exposes the broadcast queue without running the hub loop.
func hubDrain(h *StatusHub) <-chan protocol.StatusUpdate {
	return h.broadcast
}

func TestPointsMillisConversions(t *testing.T) {
	if got := pointsToMillis(150, 30000); got != 5 {
		t.Fatalf("pointsToMillis(150, 30000) = %v, want 5", got)
	}
	if got := pointsToMillis(0, 30000); got != 0 {
		t.Fatalf("pointsToMillis(0, 30000) = %v, want 0", got)
	}
	if got := pointsToMillis(100, 0); got != 0 {
		t.Fatalf("pointsToMillis with zero rate = %v, want 0", got)
	}

	if got := millisToPoints(50, 30000); got != 1500 {
		t.Fatalf("millisToPoints(50, 30000) = %d, want 1500", got)
	}
	if got := millisToPoints(0, 30000); got != 0 {
		t.Fatalf("millisToPoints(0, 30000) = %d, want 0", got)
	}
	if got := millisToPoints(50, 0); got != 0 {
		t.Fatalf("millisToPoints with zero rate = %d, want 0", got)
	}
}
