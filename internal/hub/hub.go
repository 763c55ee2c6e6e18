package hub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"studymate-backend/internal/metrics"
	"studymate-backend/internal/models"
)

// ChannelAdmin receives system-wide monitoring traffic.
const ChannelAdmin = "admin"

const bridgePattern = "broadcast:*"

// SessionChannel names the channel carrying one session's deltas.
func SessionChannel(sessionID string) string { return "session:" + sessionID }

// RoomChannel names a group study room's channel.
func RoomChannel(roomID string) string { return "room:" + roomID }

// Subscription is one subscriber's handle on a channel. Messages arrive on a
// bounded mailbox; when the mailbox is full the oldest delta is dropped,
// since a newer snapshot supersedes it.
type Subscription struct {
	id      uuid.UUID
	channel string
	mailbox chan []byte
	once    sync.Once

	// mu guards closed; it serializes delivery against teardown so a
	// publish racing with unsubscribe never sends on a closed mailbox.
	mu     sync.Mutex
	closed bool
}

// Messages is the subscriber's read side. The channel closes when the
// subscription is torn down.
func (s *Subscription) Messages() <-chan []byte { return s.mailbox }

// Channel returns the channel this subscription belongs to.
func (s *Subscription) Channel() string { return s.channel }

func (s *Subscription) close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.mailbox)
		s.mu.Unlock()
	})
}

func (s *Subscription) send(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.mailbox <- data:
	default:
		// Drop the oldest message to make room; the subscriber is behind
		// and a newer snapshot supersedes what it missed.
		select {
		case <-s.mailbox:
			metrics.HubDroppedTotal.Inc()
		default:
		}
		select {
		case s.mailbox <- data:
		default:
			metrics.HubDroppedTotal.Inc()
		}
	}
}

// bridgeEnvelope carries a published message across instances over redis
// pub/sub. Origin lets an instance skip its own loopback deliveries.
type bridgeEnvelope struct {
	Origin  string          `json:"origin"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Hub fans out state deltas to live subscribers: per-session channels,
// group-room channels and the admin monitoring channel. A redis pub/sub
// bridge mirrors published messages to sibling instances.
type Hub struct {
	mu          sync.RWMutex
	channels    map[string]map[uuid.UUID]*Subscription
	mailboxSize int
	closed      bool

	originID string
	rdb      *redis.Client
	cancel   context.CancelFunc
	log      zerolog.Logger
}

// New creates a hub. rdb may be nil, in which case fan-out stays in-process.
func New(mailboxSize int, rdb *redis.Client, log zerolog.Logger) *Hub {
	h := &Hub{
		channels:    make(map[string]map[uuid.UUID]*Subscription),
		mailboxSize: mailboxSize,
		originID:    uuid.NewString(),
		rdb:         rdb,
		log:         log,
	}
	if rdb != nil {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancel = cancel
		go h.bridge(ctx)
	}
	return h
}

// Subscribe attaches a new subscriber to the channel.
func (h *Hub) Subscribe(channel string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	sub := &Subscription{
		id:      uuid.New(),
		channel: channel,
		mailbox: make(chan []byte, h.mailboxSize),
	}
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[uuid.UUID]*Subscription)
	}
	h.channels[channel][sub.id] = sub
	return sub, nil
}

// Unsubscribe removes the subscription and closes its mailbox. Idempotent.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if subs, ok := h.channels[sub.channel]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(h.channels, sub.channel)
		}
	}
	h.mu.Unlock()
	sub.close()
}

// Publish delivers the message to every current subscriber of the channel.
// A full or dead subscriber never blocks delivery to the others.
func (h *Hub) Publish(channel string, msg models.WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("channel", channel).Msg("failed to marshal broadcast message")
		return
	}
	h.deliver(channel, data)
	h.mirror(channel, data)
}

func (h *Hub) deliver(channel string, data []byte) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.channels[channel]))
	for _, sub := range h.channels[channel] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.send(data)
	}
}

// mirror forwards a published message to sibling instances over redis.
func (h *Hub) mirror(channel string, payload []byte) {
	if h.rdb == nil {
		return
	}
	env, err := json.Marshal(bridgeEnvelope{
		Origin:  h.originID,
		Channel: channel,
		Payload: payload,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := h.rdb.Publish(ctx, "broadcast:"+channel, env).Err(); err != nil {
		h.log.Warn().Err(err).Str("channel", channel).Msg("redis broadcast mirror failed")
	}
}

func (h *Hub) bridge(ctx context.Context) {
	pubsub := h.rdb.PSubscribe(ctx, bridgePattern)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env bridgeEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.log.Warn().Err(err).Msg("malformed bridge envelope dropped")
				continue
			}
			if env.Origin == h.originID {
				continue
			}
			h.deliver(env.Channel, env.Payload)
		}
	}
}

// PublishStateDelta implements the stream processor's publisher contract.
func (h *Hub) PublishStateDelta(delta models.StateDelta) {
	msg := models.WSMessage{Type: "state_delta", Payload: delta}
	h.Publish(SessionChannel(delta.SessionID), msg)
	h.Publish(ChannelAdmin, msg)
}

// PublishSessionEnded sends the terminal message to the session's channel and
// the admin channel, then tears the session channel down. Subscribers see
// exactly one session_ended before their mailbox closes.
func (h *Hub) PublishSessionEnded(ended models.SessionEnded) {
	msg := models.WSMessage{Type: "session_ended", Payload: ended}
	h.Publish(SessionChannel(ended.SessionID), msg)
	h.Publish(ChannelAdmin, msg)
	h.CloseChannel(SessionChannel(ended.SessionID))
}

// CloseChannel removes every subscription on the channel and closes their
// mailboxes after any queued messages.
func (h *Hub) CloseChannel(channel string) {
	h.mu.Lock()
	subs := h.channels[channel]
	delete(h.channels, channel)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Close tears down every channel and stops the redis bridge.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	channels := h.channels
	h.channels = make(map[string]map[uuid.UUID]*Subscription)
	h.mu.Unlock()

	for _, subs := range channels {
		for _, sub := range subs {
			sub.close()
		}
	}
	if h.cancel != nil {
		h.cancel()
	}
}

// SubscriberCount reports the number of subscribers on a channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}
