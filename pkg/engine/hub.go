package engine

import (
	"context"

	"libera/pkg/protocol"
)

// StatusHub fans decoded device status snapshots out to any number of
// subscribers (JSONL log, monitor bridge, TUI). Publishing never blocks the
// device worker: when the broadcast queue or a client queue is full the
// update is dropped.
type StatusHub struct {
	broadcast  chan protocol.StatusUpdate
	register   chan chan protocol.StatusUpdate
	unregister chan chan protocol.StatusUpdate
	clients    map[chan protocol.StatusUpdate]struct{}
	clientBuf  int
}

type HubOption func(*StatusHub)

func WithBroadcastBuffer(size int) HubOption {
	return func(h *StatusHub) {
		if size > 0 {
			h.broadcast = make(chan protocol.StatusUpdate, size)
		}
	}
}

func WithClientBuffer(size int) HubOption {
	return func(h *StatusHub) {
		if size > 0 {
			h.clientBuf = size
		}
	}
}

func NewStatusHub(opts ...HubOption) *StatusHub {
	h := &StatusHub{
		broadcast:  make(chan protocol.StatusUpdate, 256),
		register:   make(chan chan protocol.StatusUpdate),
		unregister: make(chan chan protocol.StatusUpdate),
		clients:    make(map[chan protocol.StatusUpdate]struct{}),
		clientBuf:  64,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *StatusHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for ch := range h.clients {
				close(ch)
			}
			return
		case ch := <-h.register:
			h.clients[ch] = struct{}{}
		case ch := <-h.unregister:
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}
		case upd := <-h.broadcast:
			for ch := range h.clients {
				select {
				case ch <- upd:
				default:
				}
			}
		}
	}
}

func (h *StatusHub) Subscribe() chan protocol.StatusUpdate {
	ch := make(chan protocol.StatusUpdate, h.clientBuf)
	h.register <- ch
	return ch
}

func (h *StatusHub) Unsubscribe(ch chan protocol.StatusUpdate) {
	h.unregister <- ch
}

// TryPublish enqueues an update for broadcast, dropping it if the queue is
// full. This is the only publish path the device worker uses.
func (h *StatusHub) TryPublish(upd protocol.StatusUpdate) bool {
	select {
	case h.broadcast <- upd:
		return true
	default:
		return false
	}
}
