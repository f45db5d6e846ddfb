// Package gateway is the realtime transport: it accepts websocket clients,
// forwards their joins/leaves/messages into the bridge, and fans bridge
// notifications back out to the clients of the affected room.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/S0lux/websocket-rabbitmq-demo/internal/domain"
)

// Core is the coordination surface the gateway consumes; the bridge
// implements it.
type Core interface {
	PublishPresence(ctx context.Context, room, user string, status domain.Status) error
	PublishChat(ctx context.Context, room, user, message string) error
	QueryMembers(ctx context.Context, room string) ([]string, error)
}

// Frame is the envelope on the websocket wire, both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type joinRoomData struct {
	Name string `json:"name"`
	Room string `json:"room"`
}

type chatMessageData struct {
	Message string `json:"message"`
}

type newMessageData struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

type userJoinedData struct {
	Name       string   `json:"name"`
	InstanceID string   `json:"instanceId"`
	Users      []string `json:"users"`
}

type userLeftData struct {
	Name string `json:"name"`
}

type Config struct {
	// AllowedOrigin restricts websocket upgrades; empty allows any origin.
	AllowedOrigin string
	// QueryWait bounds the membership query fired on each joined event. It
	// should exceed the coordinator timeout so the partial-result path can
	// still complete.
	QueryWait time.Duration
}

type Gateway struct {
	cfg      Config
	core     Core
	hub      *hub
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg Config, core Core, log zerolog.Logger) *Gateway {
	if cfg.QueryWait <= 0 {
		cfg.QueryWait = 6 * time.Second
	}
	g := &Gateway{
		cfg:  cfg,
		core: core,
		hub:  newHub(),
		log:  log.With().Str("component", "gateway").Logger(),
	}
	g.upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
		if cfg.AllowedOrigin == "" {
			return true
		}
		return r.Header.Get("Origin") == cfg.AllowedOrigin
	}}
	return g
}

// HandleWS upgrades the connection and serves it until the client goes away.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := newClient(conn)
	go c.writePump()
	g.readLoop(r.Context(), c)
}

func (g *Gateway) readLoop(ctx context.Context, c *client) {
	defer func() {
		name, room := c.identity()
		// Drop the client from every room it ever joined before closing its
		// send channel, or a later broadcast would hit a closed channel. The
		// presence event only announces the room joined last; earlier joins
		// were superseded from the peers' point of view.
		for _, r := range c.joinedRooms() {
			g.hub.leave(r, c)
		}
		if room != "" {
			// The request context may already be torn down on disconnect.
			leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := g.core.PublishPresence(leaveCtx, room, name, domain.StatusLeft); err != nil {
				g.log.Warn().Err(err).Str("room", room).Msg("publish leave failed")
			}
		}
		close(c.send)
	}()
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			g.log.Debug().Err(err).Msg("ignoring malformed client frame")
			continue
		}
		g.dispatch(ctx, c, f)
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *client, f Frame) {
	switch f.Event {
	case "joinRoom":
		var d joinRoomData
		if err := json.Unmarshal(f.Data, &d); err != nil || d.Name == "" || d.Room == "" {
			g.log.Debug().Err(err).Msg("ignoring bad joinRoom frame")
			return
		}
		c.setIdentity(d.Name, d.Room)
		g.hub.join(d.Room, c)
		if err := g.core.PublishPresence(ctx, d.Room, d.Name, domain.StatusJoined); err != nil {
			g.log.Warn().Err(err).Str("room", d.Room).Msg("publish join failed")
		}
	case "chatMessage":
		name, room := c.identity()
		if room == "" {
			return
		}
		var d chatMessageData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			g.log.Debug().Err(err).Msg("ignoring bad chatMessage frame")
			return
		}
		if err := g.core.PublishChat(ctx, room, name, d.Message); err != nil {
			g.log.Warn().Err(err).Str("room", room).Msg("publish chat failed")
		}
	default:
		g.log.Debug().Str("event", f.Event).Msg("ignoring unknown client event")
	}
}

// PresenceChanged implements bridge.Listener. A joined event triggers a
// global membership query so the userJoined frame carries the merged roster;
// the query result is best-effort and may undercount.
func (g *Gateway) PresenceChanged(ev domain.RoomEvent) {
	switch ev.Status {
	case domain.StatusJoined:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), g.cfg.QueryWait)
			defer cancel()
			users, err := g.core.QueryMembers(ctx, ev.RoomID)
			if err != nil {
				g.log.Warn().Err(err).Str("room", ev.RoomID).Msg("membership query failed")
			}
			g.hub.broadcast(ev.RoomID, encodeFrame("userJoined", userJoinedData{Name: ev.UserID, InstanceID: ev.InstanceID, Users: users}))
		}()
	case domain.StatusLeft:
		g.hub.broadcast(ev.RoomID, encodeFrame("userLeft", userLeftData{Name: ev.UserID}))
	}
}

// ChatReceived implements bridge.Listener.
func (g *Gateway) ChatReceived(msg domain.ChatMessage) {
	g.hub.broadcast(msg.RoomID, encodeFrame("newMessage", newMessageData{Name: msg.UserID, Message: msg.Message}))
}

// encodeFrame builds an outbound frame. data is always one of the payload
// structs above, whose marshalling cannot fail.
func encodeFrame(event string, data any) []byte {
	raw, _ := json.Marshal(data)
	payload, _ := json.Marshal(Frame{Event: event, Data: raw})
	return payload
}
