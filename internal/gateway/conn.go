package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 50 * time.Second
	maxFrameSize = 4096
)

type connection struct {
	id     string
	userID string
	hub    *Hub
	ws     *websocket.Conn
	send   chan []byte

	// rooms is owned by the hub and guarded by hub.mu.
	rooms map[string]bool

	closeMu sync.Mutex
	closed  bool
}

// enqueue hands a frame to the writer. A connection whose buffer is
// full is not keeping up; dropping it beats blocking the emitter.
func (c *connection) enqueue(data []byte) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.closed = true
		close(c.send)
	}
}

// sendEvent targets this single connection, bypassing rooms.
func (c *connection) sendEvent(event string, payload any) {
	data, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		c.hub.log.WithField("event", event).WithError(err).Error("encode ws event")
		return
	}
	c.enqueue(data)
}

func (c *connection) close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *connection) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := context.Background()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.hub.handleMessage(ctx, c, raw)
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.ws.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
