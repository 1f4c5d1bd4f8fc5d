package control

import (
	"encoding/json"
	"sync"

	"github.com/NodePath81/netspector/internal/measure"
)

const (
	MessageProgress = "progress"
	MessageResult   = "result"
	MessageError    = "error"
	MessageState    = "state"
)

// FeedMessage is one entry of the live feed pushed to web UI clients.
type FeedMessage struct {
	Type   string          `json:"type"`
	RunID  string          `json:"run_id,omitempty"`
	Line   string          `json:"line,omitempty"`
	Record *measure.Record `json:"record,omitempty"`
	State  *StatusSnapshot `json:"state,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Hub fans feed messages out to connected clients. A single goroutine
// delivers messages, so every client sees them in publish order.
type Hub struct {
	mu        sync.Mutex
	clients   map[*feedClient]struct{}
	broadcast chan FeedMessage
	ctxDone   <-chan struct{}
}

type feedClient struct {
	send      chan []byte
	closeOnce sync.Once
}

func newFeedClient() *feedClient {
	return &feedClient{send: make(chan []byte, 64)}
}

func NewHub(ctxDone <-chan struct{}) *Hub {
	h := &Hub{
		clients:   make(map[*feedClient]struct{}),
		broadcast: make(chan FeedMessage, 256),
		ctxDone:   ctxDone,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.ctxDone:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*feedClient]struct{})
			h.mu.Unlock()
			return
		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				// Slow clients lose messages instead of stalling the run.
				select {
				case client.send <- data:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) Register(client *feedClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) Unregister(client *feedClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

// Broadcast never blocks; messages are dropped when the queue is full.
func (h *Hub) Broadcast(msg FeedMessage) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

func (c *feedClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
