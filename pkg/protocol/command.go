package protocol

import "encoding/binary"

const (
	coordScale   = 32767.0
	channelScale = 65535.0
)

// CommandBuffer builds outgoing command frames into a reusable byte slab.
// Only whole frames can be appended, so a partially written frame can never
// reach the wire. The zero value is ready to use.
type CommandBuffer struct {
	buf []byte
}

// Reset empties the buffer while retaining its capacity.
func (b *CommandBuffer) Reset() { b.buf = b.buf[:0] }

// Bytes returns the framed bytes accumulated so far. The slice is only valid
// until the next append or Reset.
func (b *CommandBuffer) Bytes() []byte { return b.buf }

// Len returns the number of framed bytes accumulated so far.
func (b *CommandBuffer) Len() int { return len(b.buf) }

// Ping appends a '?' frame.
func (b *CommandBuffer) Ping() { b.buf = append(b.buf, OpPing) }

// Prepare appends a 'p' frame.
func (b *CommandBuffer) Prepare() { b.buf = append(b.buf, OpPrepare) }

// Stop appends an 's' frame.
func (b *CommandBuffer) Stop() { b.buf = append(b.buf, OpStop) }

// Clear appends a 'c' frame.
func (b *CommandBuffer) Clear() { b.buf = append(b.buf, OpClear) }

// Begin appends a 'b' frame: u16 low-rate flags (always 0) + u32 point rate.
func (b *CommandBuffer) Begin(pointRate uint32) {
	b.buf = append(b.buf, OpBegin)
	b.buf = binary.LittleEndian.AppendUint16(b.buf, 0)
	b.buf = binary.LittleEndian.AppendUint32(b.buf, pointRate)
}

// QueueRateChange appends a 'q' frame: u32 point rate.
func (b *CommandBuffer) QueueRateChange(pointRate uint32) {
	b.buf = append(b.buf, OpQueueRateChange)
	b.buf = binary.LittleEndian.AppendUint32(b.buf, pointRate)
}

// Data appends a complete 'd' frame for the given points. When rateChange is
// set, the first point carries RateChangeBit in its control word so a queued
// rate change takes effect there.
func (b *CommandBuffer) Data(points []LaserPoint, rateChange bool) {
	b.buf = append(b.buf, OpData)
	b.buf = binary.LittleEndian.AppendUint16(b.buf, uint16(len(points)))
	for i := range points {
		var control uint16
		if rateChange && i == 0 {
			control = RateChangeBit
		}
		b.appendPoint(&points[i], control)
	}
}

func (b *CommandBuffer) appendPoint(p *LaserPoint, control uint16) {
	b.buf = binary.LittleEndian.AppendUint16(b.buf, control)
	b.buf = binary.LittleEndian.AppendUint16(b.buf, uint16(encodeCoordinate(p.X)))
	b.buf = binary.LittleEndian.AppendUint16(b.buf, uint16(encodeCoordinate(p.Y)))
	b.buf = binary.LittleEndian.AppendUint16(b.buf, encodeChannel(p.R))
	b.buf = binary.LittleEndian.AppendUint16(b.buf, encodeChannel(p.G))
	b.buf = binary.LittleEndian.AppendUint16(b.buf, encodeChannel(p.B))
	b.buf = binary.LittleEndian.AppendUint16(b.buf, encodeChannel(p.I))
	b.buf = binary.LittleEndian.AppendUint16(b.buf, encodeChannel(p.U1))
	b.buf = binary.LittleEndian.AppendUint16(b.buf, encodeChannel(p.U2))
}

// encodeCoordinate quantizes a [-1, 1] coordinate to a signed 16-bit word:
// clamp, scale by 32767, round half away from zero, saturate.
func encodeCoordinate(v float32) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	scaled := v * coordScale
	var rounded int32
	if scaled >= 0 {
		rounded = int32(scaled + 0.5)
	} else {
		rounded = int32(scaled - 0.5)
	}
	if rounded > 32767 {
		rounded = 32767
	} else if rounded < -32768 {
		rounded = -32768
	}
	return int16(rounded)
}

// encodeChannel quantizes a [0, 1] channel to an unsigned 16-bit word:
// clamp, scale by 65535, round half up, saturate.
func encodeChannel(v float32) uint16 {
	if v > 1 {
		v = 1
	} else if v < 0 {
		v = 0
	}
	rounded := int32(v*channelScale + 0.5)
	if rounded > 65535 {
		rounded = 65535
	} else if rounded < 0 {
		rounded = 0
	}
	return uint16(rounded)
}
