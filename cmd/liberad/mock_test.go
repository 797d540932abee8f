package main

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"libera/pkg/protocol"
)

func dialMock(t *testing.T) (*mockDAC, net.Conn) {
	t.Helper()
	dac, err := startMockDAC("127.0.0.1:0")
	if err != nil {
		t.Fatalf("start mock: %v", err)
	}
	t.Cleanup(dac.Close)

	conn, err := net.Dial("tcp", dac.Addr())
	if err != nil {
		t.Fatalf("dial mock: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return dac, conn
}

func readMockAck(t *testing.T, conn net.Conn) protocol.Ack {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	raw := make([]byte, protocol.AckFrameSize)
	if _, err := io.ReadFull(conn, raw); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	ack, err := protocol.DecodeAck(raw)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	return ack
}

func TestMockGreetsWithPingAck(t *testing.T) {
	_, conn := dialMock(t)

	ack := readMockAck(t, conn)
	if ack.Response != 'a' || ack.Command != '?' {
		t.Fatalf("greeting %c/%c, want a/?", ack.Response, ack.Command)
	}
	if ack.Status.Playback != protocol.PlaybackIdle {
		t.Fatalf("fresh DAC playback %v, want idle", ack.Status.Playback)
	}
}

func TestMockPrepareBeginDataCycle(t *testing.T) {
	_, conn := dialMock(t)
	readMockAck(t, conn) // greeting

	// prepare
	if _, err := conn.Write([]byte{protocol.OpPrepare}); err != nil {
		t.Fatalf("write prepare: %v", err)
	}
	ack := readMockAck(t, conn)
	if ack.Command != 'p' || ack.Status.Playback != protocol.PlaybackPrepared {
		t.Fatalf("after prepare: %+v", ack)
	}

	// data: 200 points
	var cmd protocol.CommandBuffer
	cmd.Data(make([]protocol.LaserPoint, 200), false)
	if _, err := conn.Write(cmd.Bytes()); err != nil {
		t.Fatalf("write data: %v", err)
	}
	ack = readMockAck(t, conn)
	if ack.Command != 'd' || ack.Status.BufferFullness != 200 {
		t.Fatalf("after data: %+v", ack)
	}
	if ack.Status.PointCount != 200 {
		t.Fatalf("point count %d, want 200", ack.Status.PointCount)
	}

	// begin at 30000 pps
	begin := []byte{protocol.OpBegin}
	begin = binary.LittleEndian.AppendUint16(begin, 0)
	begin = binary.LittleEndian.AppendUint32(begin, 30000)
	if _, err := conn.Write(begin); err != nil {
		t.Fatalf("write begin: %v", err)
	}
	ack = readMockAck(t, conn)
	if ack.Command != 'b' || ack.Status.Playback != protocol.PlaybackPlaying {
		t.Fatalf("after begin: %+v", ack)
	}
	if ack.Status.PointRate != 30000 {
		t.Fatalf("rate %d, want 30000", ack.Status.PointRate)
	}
}

func TestMockAppliesQueuedRateOnFlaggedPoint(t *testing.T) {
	_, conn := dialMock(t)
	readMockAck(t, conn)

	conn.Write([]byte{protocol.OpPrepare})
	readMockAck(t, conn)

	var cmd protocol.CommandBuffer
	cmd.Data(make([]protocol.LaserPoint, 400), false)
	conn.Write(cmd.Bytes())
	readMockAck(t, conn)

	begin := []byte{protocol.OpBegin}
	begin = binary.LittleEndian.AppendUint16(begin, 0)
	begin = binary.LittleEndian.AppendUint32(begin, 30000)
	conn.Write(begin)
	readMockAck(t, conn)

	// queue a rate change
	q := []byte{protocol.OpQueueRateChange}
	q = binary.LittleEndian.AppendUint32(q, 20000)
	conn.Write(q)
	ack := readMockAck(t, conn)
	if ack.Status.PointRate != 30000 {
		t.Fatalf("rate changed before the flagged point: %d", ack.Status.PointRate)
	}

	// flagged data frame applies it
	cmd.Reset()
	cmd.Data(make([]protocol.LaserPoint, 200), true)
	conn.Write(cmd.Bytes())
	ack = readMockAck(t, conn)
	if ack.Status.PointRate != 20000 {
		t.Fatalf("rate %d after flagged frame, want 20000", ack.Status.PointRate)
	}
}

func TestMockCountsAccepts(t *testing.T) {
	dac, err := startMockDAC("127.0.0.1:0")
	if err != nil {
		t.Fatalf("start mock: %v", err)
	}
	defer dac.Close()

	for i := 0; i < 5; i++ {
		conn, err := net.Dial("tcp", dac.Addr())
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conn.Close()
	}

	deadline := time.Now().Add(2 * time.Second)
	for dac.Accepted() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("accepted %d connections, want 5", dac.Accepted())
		}
		time.Sleep(time.Millisecond)
	}
}
