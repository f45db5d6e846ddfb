package gateway

import "sync"

// hub tracks which local websocket clients sit in which room. Remote clients
// are invisible here; cross-instance state lives behind the bridge.
type hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

func newHub() *hub {
	return &hub{rooms: make(map[string]map[*client]struct{})}
}

func (h *hub) join(room string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.rooms[room]
	if !ok {
		clients = make(map[*client]struct{})
		h.rooms[room] = clients
	}
	clients[c] = struct{}{}
}

func (h *hub) leave(room string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.rooms, room)
	}
}

// broadcast fans payload to every client in room. Clients whose send buffer
// is full are skipped rather than blocking the caller.
func (h *hub) broadcast(room string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[room] {
		select {
		case c.send <- payload:
		default:
		}
	}
}
