package websocket

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"studymate-backend/internal/analytics"
	"studymate-backend/internal/hub"
	"studymate-backend/internal/metrics"
	"studymate-backend/internal/middleware"
	"studymate-backend/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 8192

	// sendBuffer bounds the outbound mailbox. A slow reader loses its oldest
	// queued delta instead of stalling the hub or the other connections.
	sendBuffer = 64
)

// connection is one live client. The reader goroutine owns the protocol
// state; the writer goroutine owns the socket's write side.
type connection struct {
	ws   *websocket.Conn
	h    *Handler
	send chan []byte
	done chan struct{}
	once sync.Once

	mu            sync.Mutex
	authenticated bool
	userID        uuid.UUID
	permissions   []string
	subs          map[string]*hub.Subscription
}

func newConnection(ws *websocket.Conn, h *Handler) *connection {
	return &connection{
		ws:   ws,
		h:    h,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		subs: make(map[string]*hub.Subscription),
	}
}

func (c *connection) readPump() {
	defer c.shutdown()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var msg models.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("MALFORMED", "invalid message")
			continue
		}

		switch msg.Type {
		case "authenticate":
			c.authenticate(msg.Token)
		case "subscribe":
			c.subscribe(msg.Channel)
		case "unsubscribe":
			c.unsubscribe(msg.Channel)
		case "event":
			c.submitEvent(msg)
		default:
			c.sendError("MALFORMED", "unknown message type "+msg.Type)
		}
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
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

func (c *connection) authenticate(token string) bool {
	userID, permissions, err := c.h.jwt.ParseToken(token)
	if err != nil {
		c.sendError("UNAUTHORIZED", "invalid token")
		return false
	}

	c.mu.Lock()
	c.authenticated = true
	c.userID = userID
	c.permissions = permissions
	c.mu.Unlock()

	c.sendMessage(models.WSMessage{Type: "authenticated", Payload: map[string]string{
		"user_id": userID.String(),
	}})
	return true
}

func (c *connection) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *connection) isAdmin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.permissions {
		if p == middleware.PermissionAdmin {
			return true
		}
	}
	return false
}

// canSubscribe enforces channel-level authorization: a user may watch their
// own sessions and any study room; the admin channel needs the admin
// permission.
func (c *connection) canSubscribe(channel string) bool {
	switch {
	case channel == hub.ChannelAdmin:
		return c.isAdmin()
	case strings.HasPrefix(channel, "session:"):
		if c.isAdmin() {
			return true
		}
		state, err := c.h.store.Get(strings.TrimPrefix(channel, "session:"))
		if err != nil {
			return false
		}
		c.mu.Lock()
		owner := c.userID
		c.mu.Unlock()
		return state.UserID == owner
	case strings.HasPrefix(channel, "room:"):
		return true
	default:
		return false
	}
}

func (c *connection) subscribe(channel string) {
	if !c.isAuthenticated() {
		c.sendError("UNAUTHORIZED", "authenticate first")
		return
	}
	if !c.canSubscribe(channel) {
		c.sendError("FORBIDDEN", "cannot subscribe to "+channel)
		return
	}

	c.mu.Lock()
	if _, exists := c.subs[channel]; exists {
		c.mu.Unlock()
		c.sendMessage(models.WSMessage{Type: "subscribed", Payload: map[string]string{"channel": channel}})
		return
	}
	c.mu.Unlock()

	sub, err := c.h.hub.Subscribe(channel)
	if err != nil {
		c.sendError("UNAVAILABLE", "hub is shutting down")
		return
	}

	c.mu.Lock()
	c.subs[channel] = sub
	c.mu.Unlock()

	go c.forward(sub)
	c.sendMessage(models.WSMessage{Type: "subscribed", Payload: map[string]string{"channel": channel}})
}

func (c *connection) unsubscribe(channel string) {
	c.mu.Lock()
	sub := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()

	if sub != nil {
		c.h.hub.Unsubscribe(sub)
	}
	c.sendMessage(models.WSMessage{Type: "unsubscribed", Payload: map[string]string{"channel": channel}})
}

// forward drains a hub subscription into the connection's outbound mailbox.
// It exits when the subscription's channel is torn down.
func (c *connection) forward(sub *hub.Subscription) {
	for data := range sub.Messages() {
		c.enqueue(data)
	}

	c.mu.Lock()
	if c.subs[sub.Channel()] == sub {
		delete(c.subs, sub.Channel())
	}
	c.mu.Unlock()
}

func (c *connection) submitEvent(msg models.ClientMessage) {
	if !c.isAuthenticated() {
		c.sendError("UNAUTHORIZED", "authenticate first")
		return
	}

	var raw analytics.RawEvent
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &raw); err != nil {
			c.sendError("VALIDATION_ERROR", "malformed event payload")
			return
		}
	}
	if raw.Kind == "" {
		raw.Kind = msg.Kind
	}

	// Events may only target the sender's own sessions.
	if raw.SessionID != "" {
		state, err := c.h.store.Get(raw.SessionID)
		if err == nil {
			c.mu.Lock()
			owner := c.userID
			c.mu.Unlock()
			if state.UserID != owner && !c.isAdmin() {
				c.sendError("FORBIDDEN", "not your session")
				return
			}
		}
	}

	res := c.h.processor.Submit(raw)
	switch res.Status {
	case analytics.SubmitAccepted:
		c.sendMessage(models.WSMessage{Type: "ack", Payload: map[string]string{
			"session_id": raw.SessionID,
		}})
	case analytics.SubmitThrottled:
		c.sendError("THROTTLED", "queue full, retry later")
	default:
		reason := "event rejected"
		if res.Err != nil {
			reason = res.Err.Error()
		}
		c.sendError("VALIDATION_ERROR", reason)
	}
}

func (c *connection) sendMessage(msg models.WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *connection) sendError(code, message string) {
	c.sendMessage(models.WSMessage{Type: "error", Payload: models.WSError{
		Code:    code,
		Message: message,
	}})
}

// enqueue never blocks: when the mailbox is full the oldest queued message is
// dropped to make room, matching the hub's drop policy.
func (c *connection) enqueue(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- data:
	default:
		select {
		case <-c.send:
			metrics.HubDroppedTotal.Inc()
		default:
		}
		select {
		case c.send <- data:
		default:
			metrics.HubDroppedTotal.Inc()
		}
	}
}

// shutdown tears the connection down exactly once: every subscription is
// released, the writer is signalled and the socket closed.
func (c *connection) shutdown() {
	c.once.Do(func() {
		c.mu.Lock()
		subs := make([]*hub.Subscription, 0, len(c.subs))
		for _, sub := range c.subs {
			subs = append(subs, sub)
		}
		c.subs = make(map[string]*hub.Subscription)
		c.mu.Unlock()

		for _, sub := range subs {
			c.h.hub.Unsubscribe(sub)
		}
		close(c.done)
		c.ws.Close()
	})
}
