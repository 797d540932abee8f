package main

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"libera/pkg/engine"
	"libera/pkg/protocol"
)

// mockDAC emulates one Ether Dream DAC on a loopback listener: it greets
// every connection with the unsolicited '?' ack, answers each command with a
// status-bearing ack, and drains its FIFO at the acked point rate so the
// refill scheduling in the engine behaves as it would against hardware.
type mockDAC struct {
	ln       net.Listener
	wg       sync.WaitGroup
	closed   atomic.Bool
	accepted atomic.Int64

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	mu          sync.Mutex
	lightEngine protocol.LightEngineState
	playback    protocol.PlaybackState
	flags       uint16
	fullness    float64
	rate        uint32
	pendingRate uint32
	count       uint32
	lastDrain   time.Time
}

func startMockDAC(addr string) (*mockDAC, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	m := &mockDAC{
		ln:          ln,
		conns:       make(map[net.Conn]struct{}),
		lightEngine: protocol.LightEngineReady,
		playback:    protocol.PlaybackIdle,
	}
	m.wg.Add(1)
	go m.serve()
	return m, nil
}

func (m *mockDAC) Addr() string { return m.ln.Addr().String() }

func (m *mockDAC) Port() int {
	return m.ln.Addr().(*net.TCPAddr).Port
}

func (m *mockDAC) Accepted() int64 { return m.accepted.Load() }

func (m *mockDAC) Close() {
	if m.closed.Swap(true) {
		return
	}
	_ = m.ln.Close()
	m.connMu.Lock()
	for conn := range m.conns {
		_ = conn.Close()
	}
	m.connMu.Unlock()
	m.wg.Wait()
}

func (m *mockDAC) serve() {
	defer m.wg.Done()
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		m.accepted.Add(1)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleConn(conn)
		}()
	}
}

func (m *mockDAC) handleConn(conn net.Conn) {
	m.connMu.Lock()
	m.conns[conn] = struct{}{}
	m.connMu.Unlock()
	defer func() {
		m.connMu.Lock()
		delete(m.conns, conn)
		m.connMu.Unlock()
		conn.Close()
	}()

	if _, err := conn.Write(m.ack(protocol.OpPing)); err != nil {
		return
	}

	var op [1]byte
	for {
		if _, err := io.ReadFull(conn, op[:]); err != nil {
			return
		}
		if !m.handleCommand(conn, op[0]) {
			return
		}
		if _, err := conn.Write(m.ack(op[0])); err != nil {
			return
		}
	}
}

// handleCommand consumes the command payload and applies its state change.
// Returns false on a malformed frame.
func (m *mockDAC) handleCommand(conn net.Conn, op byte) bool {
	switch op {
	case protocol.OpPing:
		return true

	case protocol.OpPrepare:
		m.mu.Lock()
		if m.playback == protocol.PlaybackIdle {
			m.playback = protocol.PlaybackPrepared
			m.fullness = 0
		}
		m.mu.Unlock()
		return true

	case protocol.OpBegin:
		var payload [6]byte
		if _, err := io.ReadFull(conn, payload[:]); err != nil {
			return false
		}
		rate := binary.LittleEndian.Uint32(payload[2:6])
		m.mu.Lock()
		if m.playback == protocol.PlaybackPrepared {
			m.playback = protocol.PlaybackPlaying
			m.rate = rate
			m.lastDrain = time.Now()
		}
		m.mu.Unlock()
		return true

	case protocol.OpQueueRateChange:
		var payload [4]byte
		if _, err := io.ReadFull(conn, payload[:]); err != nil {
			return false
		}
		m.mu.Lock()
		m.pendingRate = binary.LittleEndian.Uint32(payload[:])
		m.mu.Unlock()
		return true

	case protocol.OpStop:
		m.mu.Lock()
		m.playback = protocol.PlaybackIdle
		m.fullness = 0
		m.mu.Unlock()
		return true

	case protocol.OpClear:
		m.mu.Lock()
		m.playback = protocol.PlaybackIdle
		m.flags = 0
		m.fullness = 0
		m.mu.Unlock()
		return true

	case protocol.OpData:
		var header [2]byte
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return false
		}
		n := int(binary.LittleEndian.Uint16(header[:]))
		points := make([]byte, n*protocol.PointWireSize)
		if _, err := io.ReadFull(conn, points); err != nil {
			return false
		}

		m.mu.Lock()
		if n > 0 {
			control := binary.LittleEndian.Uint16(points[0:2])
			if control&protocol.RateChangeBit != 0 && m.pendingRate > 0 {
				m.rate = m.pendingRate
				m.pendingRate = 0
			}
		}
		m.drainLocked()
		m.fullness += float64(n)
		if m.fullness > engine.FIFOCapacity {
			m.fullness = engine.FIFOCapacity
		}
		m.count += uint32(n)
		m.mu.Unlock()
		return true

	default:
		return false
	}
}

// drainLocked consumes FIFO content for the time elapsed since the previous
// drain. An empty FIFO while playing trips the underflow flag, as the real
// hardware does.
func (m *mockDAC) drainLocked() {
	now := time.Now()
	if m.playback == protocol.PlaybackPlaying && m.rate > 0 && !m.lastDrain.IsZero() {
		m.fullness -= float64(m.rate) * now.Sub(m.lastDrain).Seconds()
		if m.fullness <= 0 {
			m.fullness = 0
			m.playback = protocol.PlaybackIdle
			m.flags |= protocol.PlaybackUnderflowFlag
		}
	}
	m.lastDrain = now
}

func (m *mockDAC) ack(command byte) []byte {
	m.mu.Lock()
	m.drainLocked()
	ack := protocol.Ack{
		Response: protocol.ResponseAck,
		Command:  command,
		Status: protocol.DeviceStatus{
			LightEngine:    m.lightEngine,
			Playback:       m.playback,
			PlaybackFlags:  m.flags,
			BufferFullness: uint16(m.fullness),
			PointRate:      m.rate,
			PointCount:     m.count,
		},
	}
	m.mu.Unlock()
	return protocol.EncodeAck(ack)
}
