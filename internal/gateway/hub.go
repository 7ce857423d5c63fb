// Package gateway is the websocket fan-out layer: rooms, presence and
// typing indicators. It holds no domain state beyond who is connected
// where.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"teamline/api/internal/util"
)

// ChannelAccess answers whether a user may join a channel room. Only
// channel rooms are gated; workspace and project rooms rely on the
// HTTP-level membership check that guarded the upgrade.
type ChannelAccess interface {
	CanJoinChannel(ctx context.Context, channelID, userID string) (bool, error)
}

const (
	roomChannel   = "channel:"
	roomProject   = "project:"
	roomWorkspace = "workspace:"
	roomUser      = "user:"
)

type clientMessage struct {
	Type      string `json:"type"`
	Room      string `json:"room,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
}

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type Hub struct {
	log      *logrus.Logger
	channels ChannelAccess
	presence PresenceStore
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*connection
	users map[string]map[string]*connection
	rooms map[string]map[string]*connection

	typingMu    sync.Mutex
	typingStops map[string]*time.Timer // userID|channelID
	typingDelay time.Duration
}

func NewHub(channels ChannelAccess, log *logrus.Logger) *Hub {
	return &Hub{
		log:      log,
		channels: channels,
		presence: NewMemoryPresence(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin is enforced by the CORS layer in front of the
			// upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:       make(map[string]*connection),
		users:       make(map[string]map[string]*connection),
		rooms:       make(map[string]map[string]*connection),
		typingStops: make(map[string]*time.Timer),
		typingDelay: 3 * time.Second,
	}
}

func (h *Hub) Presence() PresenceStore { return h.presence }

// Serve upgrades an already-authenticated request and runs the
// connection until the peer goes away. The caller must have verified
// the token before calling; Serve never sees credentials.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &connection{
		id:     util.NewID("conn"),
		userID: userID,
		hub:    h,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		rooms:  make(map[string]bool),
	}
	h.register(c)

	go c.writePump()
	c.readPump()
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	h.conns[c.id] = c
	if h.users[c.userID] == nil {
		h.users[c.userID] = make(map[string]*connection)
	}
	h.users[c.userID][c.id] = c
	first := len(h.users[c.userID]) == 1
	h.mu.Unlock()

	// Every connection sits in its owner's user room for targeted
	// pushes.
	h.joinRoom(c, roomUser+c.userID)

	if first {
		h.presence.SetOnline(c.userID)
		h.broadcastAll("presence:update", map[string]any{"userId": c.userID, "status": "online"})
	}
	h.log.WithFields(logrus.Fields{"user": c.userID, "conn": c.id}).Debug("websocket connected")
}

// unregister drops the connection; presence flips offline only when
// this was the user's last open connection.
func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	delete(h.conns, c.id)
	for room := range c.rooms {
		h.removeFromRoom(room, c.id)
	}
	last := false
	if conns := h.users[c.userID]; conns != nil {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(h.users, c.userID)
			last = true
		}
	}
	h.mu.Unlock()

	if last {
		h.presence.SetOffline(c.userID)
		h.broadcastAll("presence:update", map[string]any{"userId": c.userID, "status": "offline"})
	}
	h.log.WithFields(logrus.Fields{"user": c.userID, "conn": c.id}).Debug("websocket disconnected")
}

// removeFromRoom must be called with h.mu held.
func (h *Hub) removeFromRoom(room, connID string) {
	if members := h.rooms[room]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) joinRoom(c *connection, room string) {
	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*connection)
	}
	h.rooms[room][c.id] = c
	c.rooms[room] = true
	h.mu.Unlock()
}

func (h *Hub) leaveRoom(c *connection, room string) {
	h.mu.Lock()
	h.removeFromRoom(room, c.id)
	delete(c.rooms, room)
	h.mu.Unlock()
}

// handleMessage dispatches one inbound client frame. Unknown types are
// ignored rather than fatal so older clients keep working.
func (h *Hub) handleMessage(ctx context.Context, c *connection, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendEvent("error", map[string]any{"message": "malformed message"})
		return
	}

	switch msg.Type {
	case "join":
		h.handleJoin(ctx, c, msg.Room)
	case "leave":
		if msg.Room != "" {
			h.leaveRoom(c, msg.Room)
		}
	case "typing":
		h.handleTyping(c, msg.ChannelID)
	default:
		h.log.WithFields(logrus.Fields{"type": msg.Type, "user": c.userID}).Debug("unknown ws message type")
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *connection, room string) {
	if room == "" {
		c.sendEvent("error", map[string]any{"message": "room is required"})
		return
	}

	// Channel rooms re-validate membership; access may have been
	// revoked since the socket opened.
	if channelID, ok := strings.CutPrefix(room, roomChannel); ok {
		allowed, err := h.channels.CanJoinChannel(ctx, channelID, c.userID)
		if err != nil {
			h.log.WithFields(logrus.Fields{"channel": channelID, "user": c.userID}).
				WithError(err).Error("channel access check failed")
			c.sendEvent("error", map[string]any{"message": "join failed", "room": room})
			return
		}
		if !allowed {
			c.sendEvent("error", map[string]any{"message": "not a channel member", "room": room})
			return
		}
	}

	h.joinRoom(c, room)
}

// handleTyping broadcasts a typing indicator to the channel room and
// arms a timer that broadcasts the stop 3 seconds later. Further typing
// frames rebroadcast immediately but do not push the timer back, so the
// stop always fires once the window elapses; a keystroke landing right
// after the window produces a brief flicker, which is fine.
func (h *Hub) handleTyping(c *connection, channelID string) {
	if channelID == "" {
		return
	}
	room := roomChannel + channelID

	h.mu.RLock()
	_, member := h.rooms[room][c.id]
	h.mu.RUnlock()
	if !member {
		return
	}

	userID := c.userID
	key := userID + "|" + channelID
	h.typingMu.Lock()
	if _, armed := h.typingStops[key]; !armed {
		h.typingStops[key] = time.AfterFunc(h.typingDelay, func() {
			h.typingMu.Lock()
			delete(h.typingStops, key)
			h.typingMu.Unlock()
			h.EmitToRoom(room, "message:typing", map[string]any{"userId": userID, "channelId": channelID, "typing": false})
		})
	}
	h.typingMu.Unlock()

	h.EmitToRoom(room, "message:typing", map[string]any{"userId": userID, "channelId": channelID, "typing": true})
}

// EmitToRoom sends an event to every connection in a room. An empty or
// unknown room is a no-op.
func (h *Hub) EmitToRoom(room, event string, payload any) {
	data, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		h.log.WithField("event", event).WithError(err).Error("encode ws event")
		return
	}

	h.mu.RLock()
	members := make([]*connection, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		c.enqueue(data)
	}
}

func (h *Hub) EmitToUser(userID, event string, payload any) {
	h.EmitToRoom(roomUser+userID, event, payload)
}

func (h *Hub) EmitToProject(projectID, event string, payload any) {
	h.EmitToRoom(roomProject+projectID, event, payload)
}

func (h *Hub) EmitToWorkspace(workspaceID, event string, payload any) {
	h.EmitToRoom(roomWorkspace+workspaceID, event, payload)
}

func (h *Hub) EmitToChannel(channelID, event string, payload any) {
	h.EmitToRoom(roomChannel+channelID, event, payload)
}

// broadcastAll reaches every connection regardless of rooms; used for
// presence transitions.
func (h *Hub) broadcastAll(event string, payload any) {
	data, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		h.log.WithField("event", event).WithError(err).Error("encode ws event")
		return
	}

	h.mu.RLock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.enqueue(data)
	}
}
