package socketserver

import (
	"sync"

	"github.com/previewd/previewd/internal/logger"
)

// Hub maintains the set of connected browsers and broadcasts reload
// commands to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Message
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	quit       chan struct{}
	quitOnce   sync.Once
	stopped    bool
	log        *logger.Logger
}

// NewHub creates a new hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		log:        logger.Global().WithPrefix("ws"),
	}
}

// Run starts the hub loop
func (h *Hub) Run() {
	h.log.Debug("reload hub started")
	defer h.log.Debug("reload hub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.stopped {
				// Lost the race against Stop; disconnect immediately.
				close(client.send)
				h.mu.Unlock()
				continue
			}
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("browser connected: %s", client.ID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.log.Debug("browser disconnected: %s", client.ID)

		case message := <-h.broadcast:
			var dead []*Client
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client, drop it
					dead = append(dead, client)
				}
			}
			h.mu.RUnlock()
			if len(dead) > 0 {
				h.mu.Lock()
				for _, client := range dead {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				h.mu.Unlock()
			}

		case <-h.quit:
			return
		}
	}
}

// Stop stops the hub loop and disconnects every attached client. Closing
// each send channel makes its WritePump issue a close frame and unwind.
func (h *Hub) Stop() {
	h.quitOnce.Do(func() {
		close(h.quit)
	})

	h.mu.Lock()
	h.stopped = true
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
}

// Register hands a new client to the hub loop. Returns false when the hub
// has been stopped.
func (h *Hub) Register(client *Client) bool {
	h.mu.RLock()
	stopped := h.stopped
	h.mu.RUnlock()
	if stopped {
		return false
	}
	select {
	case h.register <- client:
		return true
	case <-h.quit:
		return false
	}
}

// Unregister removes a client. A no-op once the hub has been stopped.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// Broadcast queues a message for all connected clients. Fire-and-forget:
// no acknowledgment is awaited and a full queue drops the message.
func (h *Hub) Broadcast(message *Message) {
	select {
	case h.broadcast <- message:
	default:
		h.log.Warn("broadcast channel full, dropping %s", message.Command)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
