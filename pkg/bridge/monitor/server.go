// Package monitor serves live DAC status over websocket so operators can
// watch a show run without attaching to the controller process.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"libera/pkg/engine"
	"libera/pkg/protocol"
)

// Config for the monitor bridge.
type Config struct {
	// WSAddr is the listen address for the websocket endpoint.
	WSAddr string

	// SendBuf is the per-client send queue depth; slow clients drop updates
	// rather than stalling the broadcast.
	SendBuf int
}

func DefaultConfig() Config {
	return Config{
		WSAddr:  "127.0.0.1:8765",
		SendBuf: 32,
	}
}

// HelloMsg is the first frame sent to a connecting client.
type HelloMsg struct {
	Op       string `json:"op"`
	Server   string `json:"server"`
	ClientID string `json:"client_id"`
}

// StatusMsg carries one status snapshot.
type StatusMsg struct {
	Op       string `json:"op"`
	Device   string `json:"device"`
	TS       string `json:"ts"`
	Light    string `json:"light"`
	Playback string `json:"playback"`
	Buffer   uint16 `json:"buffer"`
	Rate     uint32 `json:"rate"`
	Count    uint32 `json:"count"`
}

type Server struct {
	cfg     Config
	hub     *engine.StatusHub
	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func NewServer(cfg Config, hub *engine.StatusHub) *Server {
	defaults := DefaultConfig()
	if cfg.WSAddr == "" {
		cfg.WSAddr = defaults.WSAddr
	}
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = defaults.SendBuf
	}
	return &Server{
		cfg:     cfg,
		hub:     hub,
		clients: make(map[*client]struct{}),
	}
}

// Run serves the websocket endpoint until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	httpServer := &http.Server{
		Addr:    s.cfg.WSAddr,
		Handler: mux,
	}

	sub := s.hub.Subscribe()
	go s.broadcastLoop(ctx, sub)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, s.cfg.SendBuf),
	}
	s.addClient(c)

	hello, _ := json.Marshal(HelloMsg{Op: "hello", Server: "liberad", ClientID: c.id})
	c.trySend(hello)

	go c.writeLoop()
	c.readLoop()

	c.close()
	s.removeClient(c)
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) snapshotClients() []*client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	return clients
}

func (s *Server) broadcastLoop(ctx context.Context, sub <-chan protocol.StatusUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-sub:
			if !ok {
				return
			}
			s.broadcastStatus(upd)
		}
	}
}

func (s *Server) broadcastStatus(upd protocol.StatusUpdate) {
	ts := upd.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	payload, err := json.Marshal(StatusMsg{
		Op:       "status",
		Device:   upd.Device,
		TS:       ts.UTC().Format(time.RFC3339Nano),
		Light:    upd.Status.LightEngine.String(),
		Playback: upd.Status.Playback.String(),
		Buffer:   upd.Status.BufferFullness,
		Rate:     upd.Status.PointRate,
		Count:    upd.Status.PointCount,
	})
	if err != nil {
		return
	}
	for _, c := range s.snapshotClients() {
		c.trySend(payload)
	}
}

func (c *client) trySend(frame []byte) {
	// A broadcast can race close(): sending on the closed channel panics even
	// inside a select, so swallow it here instead of taking the process down.
	defer func() { _ = recover() }()
	select {
	case c.send <- frame:
	default:
	}
}

func (c *client) writeLoop() {
	for frame := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			// Closing the conn unblocks readLoop on a half-open socket.
			c.close()
			return
		}
	}
}

// readLoop drains and discards client frames until the peer goes away; the
// bridge is broadcast-only.
func (c *client) readLoop() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}
