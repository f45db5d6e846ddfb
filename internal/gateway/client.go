package gateway

import (
	"sync"

	"github.com/gorilla/websocket"
)

type client struct {
	conn *websocket.Conn
	send chan []byte

	mu    sync.Mutex
	name  string
	room  string
	rooms map[string]struct{}
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn, send: make(chan []byte, 256), rooms: make(map[string]struct{})}
}

// writePump serializes all writes to the connection; gorilla connections
// support one concurrent writer only.
func (c *client) writePump() {
	defer c.conn.Close()
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// setIdentity records the latest joinRoom. Rejoining under a different room
// keeps the earlier memberships; every joined room must be left again on
// disconnect before the send channel closes.
func (c *client) setIdentity(name, room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name, c.room = name, room
	c.rooms[room] = struct{}{}
}

func (c *client) joinedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

func (c *client) identity() (name, room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name, c.room
}
