package hubstub

import (
	"context"
	"log/slog"
	"sync"
)

type roomMessage struct {
	room    string
	payload []byte
}

// Hub maintains active sockets per room and fans payloads out to the room's
// subscribers.
type Hub struct {
	// Map: room -> set of clients
	rooms map[string]map[*Client]bool
	mu    sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan roomMessage
	done       chan struct{}

	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan roomMessage, 64),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("[HUBSTUB] Starting hub event loop")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastToRoom(message)
		}
	}
}

// Broadcast queues payload for the room's subscribers. It matches Deliver.
func (h *Hub) Broadcast(room string, payload []byte) {
	select {
	case h.broadcast <- roomMessage{room: room, payload: payload}:
	case <-h.done:
	}
}

func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[client.room] == nil {
		h.rooms[client.room] = make(map[*Client]bool)
	}
	h.rooms[client.room][client] = true

	h.logger.Info("[HUBSTUB] Client registered",
		"room", client.room, "role", client.role, "publisherId", client.publisherId, "clients", len(h.rooms[client.room]))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.rooms[client.room]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}

	delete(clients, client)
	close(client.send)
	if len(clients) == 0 {
		delete(h.rooms, client.room)
	}
	h.logger.Info("[HUBSTUB] Client unregistered", "room", client.room, "role", client.role, "clients", len(clients))
}

func (h *Hub) broadcastToRoom(message roomMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.rooms[message.room]
	if !ok {
		h.logger.Debug("[HUBSTUB] No clients in room", "room", message.room)
		return
	}

	sent := 0
	for client := range clients {
		if client.role != RoleSubscriber {
			continue
		}
		select {
		case client.send <- message.payload:
			sent++
		default:
			// Client buffer full, disconnect
			h.logger.Warn("[HUBSTUB] Client buffer full, disconnecting", "room", message.room)
			close(client.send)
			delete(clients, client)
		}
	}
	h.logger.Debug("[HUBSTUB] Broadcast complete", "room", message.room, "sent", sent)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for room, clients := range h.rooms {
		for client := range clients {
			close(client.send)
		}
		delete(h.rooms, room)
	}
}

// Clients returns how many sockets of role are connected to room.
func (h *Hub) Clients(room, role string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for client := range h.rooms[room] {
		if client.role == role {
			n++
		}
	}
	return n
}
