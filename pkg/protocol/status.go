package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"

	"libera/pkg/errs"
)

// DecodeAck parses a 22-byte acknowledgement frame. Frames that are too
// short, or that carry a light-engine or playback state outside the known
// range, fail with errs.ErrProtocol and expose no partial state.
func DecodeAck(data []byte) (Ack, error) {
	if len(data) < AckFrameSize {
		return Ack{}, fmt.Errorf("%w: ack frame is %d bytes, want %d", errs.ErrProtocol, len(data), AckFrameSize)
	}

	status := data[2:AckFrameSize]
	light := LightEngineState(status[1])
	playback := PlaybackState(status[2])
	if light > LightEngineEStop {
		return Ack{}, fmt.Errorf("%w: unknown light engine state %d", errs.ErrProtocol, status[1])
	}
	if playback > PlaybackPaused {
		return Ack{}, fmt.Errorf("%w: unknown playback state %d", errs.ErrProtocol, status[2])
	}

	return Ack{
		Response: data[0],
		Command:  data[1],
		Status: DeviceStatus{
			Protocol:         status[0],
			LightEngine:      light,
			Playback:         playback,
			Source:           status[3],
			LightEngineFlags: binary.LittleEndian.Uint16(status[4:6]),
			PlaybackFlags:    binary.LittleEndian.Uint16(status[6:8]),
			SourceFlags:      binary.LittleEndian.Uint16(status[8:10]),
			BufferFullness:   binary.LittleEndian.Uint16(status[10:12]),
			PointRate:        binary.LittleEndian.Uint32(status[12:16]),
			PointCount:       binary.LittleEndian.Uint32(status[16:20]),
		},
	}, nil
}

// EncodeAck renders an acknowledgement frame. It is the exact inverse of
// DecodeAck and is what DAC emulators use to answer commands.
func EncodeAck(ack Ack) []byte {
	buf := make([]byte, 0, AckFrameSize)
	buf = append(buf, ack.Response, ack.Command)
	buf = append(buf, ack.Status.Protocol, byte(ack.Status.LightEngine), byte(ack.Status.Playback), ack.Status.Source)
	buf = binary.LittleEndian.AppendUint16(buf, ack.Status.LightEngineFlags)
	buf = binary.LittleEndian.AppendUint16(buf, ack.Status.PlaybackFlags)
	buf = binary.LittleEndian.AppendUint16(buf, ack.Status.SourceFlags)
	buf = binary.LittleEndian.AppendUint16(buf, ack.Status.BufferFullness)
	buf = binary.LittleEndian.AppendUint32(buf, ack.Status.PointRate)
	buf = binary.LittleEndian.AppendUint32(buf, ack.Status.PointCount)
	return buf
}

// HexLine renders raw frame bytes as space-separated hex for log lines.
func HexLine(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, b := range data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", b)
	}
	return sb.String()
}
