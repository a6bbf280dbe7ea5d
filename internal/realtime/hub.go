package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomchat/internal/metrics"
	"github.com/eldtechnologies/roomchat/internal/models"
)

type inbound struct {
	client *Client
	frame  Frame
}

type expiry struct {
	channel string
	userID  string
}

// Hub owns every subscription and presence entry. All state is mutated on the
// Run goroutine; other goroutines talk to it through channels.
type Hub struct {
	clients  map[*Client]bool
	channels map[string]map[*Client]bool
	presence *Presence
	logger   zerolog.Logger

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	changes    chan models.ChangeEvent
	expired    chan expiry
	done       chan struct{}
}

// NewHub creates a hub whose presence entries live for presenceTTL without
// a heartbeat.
func NewHub(logger zerolog.Logger, presenceTTL time.Duration) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		channels:   make(map[string]map[*Client]bool),
		logger:     logger.With().Str("component", "realtime").Logger(),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 256),
		changes:    make(chan models.ChangeEvent, 256),
		expired:    make(chan expiry, 64),
		done:       make(chan struct{}),
	}
	h.presence = NewPresence(presenceTTL, func(channel, userID string) {
		select {
		case h.expired <- expiry{channel: channel, userID: userID}:
		case <-h.done:
		}
	})
	return h
}

// Run processes hub events until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	go h.presence.Start(ctx)

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			metrics.RealtimeConnections.Inc()

		case c := <-h.unregister:
			h.drop(c)

		case in := <-h.inbound:
			if h.clients[in.client] {
				h.handle(in.client, in.frame)
			}

		case ev := <-h.changes:
			h.broadcastChange(ev)

		case e := <-h.expired:
			h.expire(e.channel, e.userID)
		}
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		close(c.send)
	}
}

// Unregister removes a connection and releases its presence.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Deliver queues a change event for subscribers of its room.
func (h *Hub) Deliver(ev models.ChangeEvent) {
	select {
	case h.changes <- ev:
	case <-h.done:
	}
}

func (h *Hub) receive(c *Client, f Frame) bool {
	select {
	case h.inbound <- inbound{client: c, frame: f}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) handle(c *Client, f Frame) {
	switch f.Type {
	case FrameSubscribe:
		if f.Channel == "" {
			h.reply(c, FrameError, f.Channel, f.Ref, ErrorPayload{Message: "channel is required"})
			return
		}
		h.subscribe(c, f.Channel)
		h.reply(c, FrameSubscribed, f.Channel, f.Ref, nil)
		h.reply(c, FramePresenceSync, f.Channel, "", PresenceState{Entries: h.presence.State(f.Channel)})

	case FrameUnsubscribe:
		h.unsubscribe(c, f.Channel)
		h.reply(c, FrameUnsubscribed, f.Channel, f.Ref, nil)

	case FrameTrack:
		var entry models.PresenceEntry
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &entry); err != nil {
				h.reply(c, FrameError, f.Channel, f.Ref, ErrorPayload{Message: "invalid presence payload"})
				return
			}
		}
		h.track(c, f.Channel, entry)

	case FrameUntrack:
		h.untrack(c, f.Channel)

	case FrameHeartbeat:
		for channel := range c.tracked {
			h.presence.Touch(channel, c.UserID)
		}
		for channel, entry := range c.lapsed {
			delete(c.lapsed, channel)
			if c.channels[channel] {
				h.track(c, channel, entry)
			}
		}
		h.reply(c, FrameHeartbeat, "", f.Ref, nil)

	default:
		h.reply(c, FrameError, f.Channel, f.Ref, ErrorPayload{Message: "unknown frame type"})
	}
}

func (h *Hub) subscribe(c *Client, channel string) {
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[*Client]bool)
		h.channels[channel] = subs
	}
	subs[c] = true
	c.channels[channel] = true
}

func (h *Hub) unsubscribe(c *Client, channel string) {
	if _, ok := c.tracked[channel]; ok {
		h.untrack(c, channel)
	}
	delete(c.lapsed, channel)
	delete(c.channels, channel)
	if subs, ok := h.channels[channel]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
}

func (h *Hub) track(c *Client, channel string, entry models.PresenceEntry) {
	if channel == "" {
		h.reply(c, FrameError, channel, "", ErrorPayload{Message: "channel is required"})
		return
	}
	if !c.channels[channel] {
		h.subscribe(c, channel)
	}

	// Identity comes from the verified token, not the payload
	entry.UserID = c.UserID
	if entry.Username == "" {
		entry.Username = c.Username
	}
	if entry.OnlineAt.IsZero() {
		entry.OnlineAt = time.Now().UTC()
	}

	c.tracked[channel] = entry
	if h.presence.Track(channel, c, entry) {
		h.broadcast(channel, FramePresenceJoin, PresenceDiff{Key: entry.UserID, Entries: []models.PresenceEntry{entry}})
	}
	h.syncPresence(channel)
}

func (h *Hub) untrack(c *Client, channel string) {
	delete(c.lapsed, channel)
	if _, ok := c.tracked[channel]; !ok {
		return
	}
	delete(c.tracked, channel)

	if entry, left := h.presence.Untrack(channel, c); left {
		h.broadcast(channel, FramePresenceLeave, PresenceDiff{Key: entry.UserID, Entries: []models.PresenceEntry{entry}})
		h.syncPresence(channel)
	}
}

func (h *Hub) expire(channel, userID string) {
	conns := h.presence.Expire(channel, userID)
	if len(conns) == 0 {
		return
	}
	username := ""
	for _, c := range conns {
		if entry, ok := c.tracked[channel]; ok {
			c.lapsed[channel] = entry
			delete(c.tracked, channel)
		}
		username = c.Username
	}

	h.logger.Debug().Str("channel", channel).Str("user_id", userID).Msg("presence expired")
	entry := models.PresenceEntry{UserID: userID, Username: username}
	h.broadcast(channel, FramePresenceLeave, PresenceDiff{Key: userID, Entries: []models.PresenceEntry{entry}})
	h.syncPresence(channel)
}

func (h *Hub) syncPresence(channel string) {
	state := h.presence.State(channel)
	metrics.PresenceOnline.WithLabelValues(channel).Set(float64(len(state)))
	h.broadcast(channel, FramePresenceSync, PresenceState{Entries: state})
}

func (h *Hub) broadcastChange(ev models.ChangeEvent) {
	h.broadcast(RoomChannel(ev.Room), FrameChange, ev)
}

func (h *Hub) broadcast(channel, typ string, payload any) {
	msg := encodeFrame(typ, channel, "", payload)
	if msg == nil {
		return
	}
	for c := range h.channels[channel] {
		h.send(c, msg)
	}
}

func (h *Hub) reply(c *Client, typ, channel, ref string, payload any) {
	if msg := encodeFrame(typ, channel, ref, payload); msg != nil {
		h.send(c, msg)
	}
}

func (h *Hub) send(c *Client, msg []byte) {
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
		h.logger.Warn().Str("user_id", c.UserID).Msg("realtime client too slow, dropping")
		h.drop(c)
	}
}

// drop releases every subscription of c and closes its send queue.
func (h *Hub) drop(c *Client) {
	if !h.clients[c] {
		return
	}
	// Removed first so the leave broadcasts below skip c
	delete(h.clients, c)
	for channel := range c.tracked {
		h.untrack(c, channel)
	}
	for channel := range c.channels {
		h.unsubscribe(c, channel)
	}
	close(c.send)
	metrics.RealtimeConnections.Dec()
}
