package protocol

import (
	"fmt"
	"time"
)

// Wire constants for the Ether Dream DAC protocol. All multi-byte fields are
// little-endian on the wire.
const (
	// DefaultPort is the TCP port the DAC listens on.
	DefaultPort = 7765

	// AckFrameSize is the size of one acknowledgement frame: a 2-byte header
	// followed by a 20-byte status block.
	AckFrameSize = 22

	// StatusSize is the size of the device status block inside an ack.
	StatusSize = 20

	// PointWireSize is the encoded size of one point: 9 little-endian words.
	PointWireSize = 18

	// DataHeaderSize is the size of a data frame header: opcode + u16 count.
	DataHeaderSize = 3
)

// Command opcodes. The DAC also understands a single-byte emergency-stop
// frame that shares the 'd' opcode with data; only the data form is sent on
// this path.
const (
	OpPing            = '?'
	OpPrepare         = 'p'
	OpBegin           = 'b'
	OpQueueRateChange = 'q'
	OpStop            = 's'
	OpClear           = 'c'
	OpData            = 'd'
)

// ResponseAck is the response code the DAC sends for an accepted command.
const ResponseAck = 'a'

// RateChangeBit is set on the control word of the first point of a data
// frame when a queued rate change should take effect at that point.
const RateChangeBit uint16 = 0x8000

// PlaybackUnderflowFlag in DeviceStatus.PlaybackFlags means the FIFO ran dry
// while playing; the DAC stops and requires a clear.
const PlaybackUnderflowFlag uint16 = 0x04

// LaserPoint is one sample of the show stream. X and Y are in [-1, 1]; the
// colour, intensity and user channels are in [0, 1]. Out-of-range values are
// clamped by the encoder.
type LaserPoint struct {
	X, Y    float32
	R, G, B float32
	I       float32
	U1, U2  float32
}

// LightEngineState reports the laser interlock side of the DAC.
type LightEngineState uint8

const (
	LightEngineReady LightEngineState = iota
	LightEngineWarmup
	LightEngineCooldown
	LightEngineEStop
)

func (s LightEngineState) String() string {
	switch s {
	case LightEngineReady:
		return "ready"
	case LightEngineWarmup:
		return "warmup"
	case LightEngineCooldown:
		return "cooldown"
	case LightEngineEStop:
		return "estop"
	}
	return "unknown"
}

// PlaybackState reports the streaming side of the DAC.
type PlaybackState uint8

const (
	PlaybackIdle PlaybackState = iota
	PlaybackPrepared
	PlaybackPlaying
	PlaybackPaused
)

func (s PlaybackState) String() string {
	switch s {
	case PlaybackIdle:
		return "idle"
	case PlaybackPrepared:
		return "prepared"
	case PlaybackPlaying:
		return "playing"
	case PlaybackPaused:
		return "paused"
	}
	return "unknown"
}

// DeviceStatus is the 20-byte status block the DAC attaches to every ack.
type DeviceStatus struct {
	Protocol         uint8
	LightEngine      LightEngineState
	Playback         PlaybackState
	Source           uint8
	LightEngineFlags uint16
	PlaybackFlags    uint16
	SourceFlags      uint16
	BufferFullness   uint16
	PointRate        uint32
	PointCount       uint32
}

func (s DeviceStatus) String() string {
	return fmt.Sprintf("light=%s playback=%s buffer=%d rate=%d count=%d flags{L=0x%X P=0x%X S=0x%X}",
		s.LightEngine, s.Playback, s.BufferFullness, s.PointRate, s.PointCount,
		s.LightEngineFlags, s.PlaybackFlags, s.SourceFlags)
}

// Ack is one decoded acknowledgement frame.
type Ack struct {
	Response byte // 'a' means accepted
	Command  byte // opcode this reply acknowledges
	Status   DeviceStatus
}

// StatusUpdate pairs a decoded status with its receive time. This is the
// value that flows from the device worker to status consumers (JSONL log,
// monitor bridge).
type StatusUpdate struct {
	Device string
	Time   time.Time
	Status DeviceStatus
}
