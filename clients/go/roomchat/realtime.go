package roomchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// HeartbeatInterval is how often a realtime connection refreshes presence.
var HeartbeatInterval = 25 * time.Second

const eventBuffer = 64

// ErrClosed is returned by calls on a closed realtime connection.
var ErrClosed = errors.New("roomchat: realtime connection closed")

// ChangeOp tags a change event.
type ChangeOp string

const (
	OpInsert ChangeOp = "INSERT"
	OpUpdate ChangeOp = "UPDATE"
	OpDelete ChangeOp = "DELETE"
)

// ChangeEvent is a row change delivered on a room channel.
type ChangeEvent struct {
	Op              ChangeOp  `json:"op"`
	Table           string    `json:"table"`
	Room            string    `json:"room"`
	New             *Message  `json:"new,omitempty"`
	Old             *Message  `json:"old,omitempty"`
	CommitTimestamp time.Time `json:"commit_timestamp"`
}

// PresenceEntry is the state one user tracks on a presence channel.
type PresenceEntry struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username,omitempty"`
	OnlineAt time.Time `json:"online_at"`
}

// PresenceKind tags a presence event.
type PresenceKind int

const (
	PresenceSync PresenceKind = iota
	PresenceJoin
	PresenceLeave
)

func (k PresenceKind) String() string {
	switch k {
	case PresenceSync:
		return "sync"
	case PresenceJoin:
		return "join"
	case PresenceLeave:
		return "leave"
	}
	return "PresenceKind(" + strconv.Itoa(int(k)) + ")"
}

// PresenceEvent is a full presence snapshot (Sync) or a delta for one user.
type PresenceEvent struct {
	Kind    PresenceKind
	Key     string
	Entries []PresenceEntry
}

type frame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type presencePayload struct {
	Key     string          `json:"key"`
	Entries []PresenceEntry `json:"entries"`
}

// RoomChannel returns the realtime channel of a room.
func RoomChannel(room string) string {
	return "room:" + room
}

// Realtime is one websocket connection to the service.
type Realtime struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	ref      int
	pending  map[string]chan frame
	changes  map[string]chan ChangeEvent
	presence map[string]chan PresenceEvent

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Connect opens a realtime connection authenticated with the current session.
func (c *Client) Connect(ctx context.Context) (*Realtime, error) {
	token := c.token()
	if token == "" {
		return nil, ErrNotSignedIn
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime"
	u.RawQuery = url.Values{"token": {token}}.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, &APIError{Status: resp.StatusCode, Message: "realtime connection refused"}
		}
		return nil, fmt.Errorf("realtime dial: %w", err)
	}

	rt := &Realtime{
		conn:     conn,
		pending:  make(map[string]chan frame),
		changes:  make(map[string]chan ChangeEvent),
		presence: make(map[string]chan PresenceEvent),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go rt.readLoop()
	go rt.heartbeat()
	return rt, nil
}

// Done is closed once the connection has ended.
func (rt *Realtime) Done() <-chan struct{} {
	return rt.done
}

// Close ends the connection. Every event channel is closed.
func (rt *Realtime) Close() error {
	var err error
	rt.closeOnce.Do(func() {
		close(rt.closing)
		rt.writeMu.Lock()
		rt.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		rt.writeMu.Unlock()
		err = rt.conn.Close()
	})
	<-rt.done
	return err
}

func (rt *Realtime) write(f frame) error {
	rt.writeMu.Lock()
	defer rt.writeMu.Unlock()
	rt.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return rt.conn.WriteJSON(f)
}

// request sends f with a fresh ref and waits for the reply carrying it.
func (rt *Realtime) request(ctx context.Context, f frame) (frame, error) {
	reply := make(chan frame, 1)
	rt.mu.Lock()
	rt.ref++
	f.Ref = strconv.Itoa(rt.ref)
	rt.pending[f.Ref] = reply
	rt.mu.Unlock()

	defer func() {
		rt.mu.Lock()
		delete(rt.pending, f.Ref)
		rt.mu.Unlock()
	}()

	if err := rt.write(f); err != nil {
		return frame{}, err
	}

	select {
	case r := <-reply:
		if r.Type == "error" {
			var payload struct {
				Message string `json:"message"`
			}
			json.Unmarshal(r.Data, &payload)
			return r, fmt.Errorf("realtime: %s", payload.Message)
		}
		return r, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-rt.done:
		return frame{}, ErrClosed
	}
}

// Subscribe starts change delivery for a room. The returned channel is
// closed when the connection ends.
func (rt *Realtime) Subscribe(ctx context.Context, room string) (<-chan ChangeEvent, error) {
	channel := RoomChannel(room)
	ch := make(chan ChangeEvent, eventBuffer)

	rt.mu.Lock()
	select {
	case <-rt.done:
		rt.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	if _, ok := rt.changes[channel]; ok {
		rt.mu.Unlock()
		return nil, fmt.Errorf("realtime: already subscribed to %s", channel)
	}
	rt.changes[channel] = ch
	rt.mu.Unlock()

	if _, err := rt.request(ctx, frame{Type: "subscribe", Channel: channel}); err != nil {
		rt.mu.Lock()
		if rt.changes[channel] == ch {
			delete(rt.changes, channel)
		}
		rt.mu.Unlock()
		rt.abandon(channel)
		return nil, err
	}
	return ch, nil
}

// abandon undoes a subscription whose request failed. The server may have
// accepted it before the failure. The channel built for it is left open and
// unreferenced: dispatch may still hold it for an event in flight.
func (rt *Realtime) abandon(channel string) {
	select {
	case <-rt.done:
	default:
		rt.write(frame{Type: "unsubscribe", Channel: channel})
	}
}

// Join subscribes to a presence channel and tracks entry on it. The user id
// of entry is always replaced by the server with the session's.
func (rt *Realtime) Join(ctx context.Context, channel string, entry PresenceEntry) (<-chan PresenceEvent, error) {
	ch := make(chan PresenceEvent, eventBuffer)

	rt.mu.Lock()
	select {
	case <-rt.done:
		rt.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	if _, ok := rt.presence[channel]; ok {
		rt.mu.Unlock()
		return nil, fmt.Errorf("realtime: already joined %s", channel)
	}
	rt.presence[channel] = ch
	rt.mu.Unlock()

	fail := func(err error) (<-chan PresenceEvent, error) {
		rt.mu.Lock()
		if rt.presence[channel] == ch {
			delete(rt.presence, channel)
		}
		rt.mu.Unlock()
		rt.abandon(channel)
		return nil, err
	}

	if _, err := rt.request(ctx, frame{Type: "subscribe", Channel: channel}); err != nil {
		return fail(err)
	}
	data, _ := json.Marshal(entry)
	if err := rt.write(frame{Type: "track", Channel: channel, Data: data}); err != nil {
		return fail(err)
	}
	return ch, nil
}

// Leave stops tracking on a presence channel.
func (rt *Realtime) Leave(channel string) error {
	return rt.write(frame{Type: "untrack", Channel: channel})
}

func (rt *Realtime) heartbeat() {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := rt.write(frame{Type: "heartbeat"}); err != nil {
				return
			}
		case <-rt.done:
			return
		}
	}
}

func (rt *Realtime) readLoop() {
	defer func() {
		rt.mu.Lock()
		close(rt.done)
		for channel, ch := range rt.changes {
			close(ch)
			delete(rt.changes, channel)
		}
		for channel, ch := range rt.presence {
			close(ch)
			delete(rt.presence, channel)
		}
		rt.mu.Unlock()
		rt.conn.Close()
	}()

	for {
		var f frame
		if err := rt.conn.ReadJSON(&f); err != nil {
			return
		}
		rt.dispatch(f)
	}
}

func (rt *Realtime) dispatch(f frame) {
	if f.Ref != "" {
		rt.mu.Lock()
		reply, ok := rt.pending[f.Ref]
		rt.mu.Unlock()
		if ok {
			reply <- f
		}
		return
	}

	switch f.Type {
	case "change":
		var ev ChangeEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return
		}
		rt.mu.Lock()
		ch := rt.changes[f.Channel]
		rt.mu.Unlock()
		if ch != nil {
			select {
			case ch <- ev:
			case <-rt.closing:
			}
		}

	case "presence_sync", "presence_join", "presence_leave":
		var payload presencePayload
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			return
		}
		ev := PresenceEvent{Key: payload.Key, Entries: payload.Entries}
		switch f.Type {
		case "presence_join":
			ev.Kind = PresenceJoin
		case "presence_leave":
			ev.Kind = PresenceLeave
		default:
			ev.Kind = PresenceSync
		}
		rt.mu.Lock()
		ch := rt.presence[f.Channel]
		rt.mu.Unlock()
		if ch != nil {
			select {
			case ch <- ev:
			case <-rt.closing:
			}
		}
	}
}

// SubscribeRoom opens a dedicated connection delivering the room's change
// events. The channel is closed when ctx ends or the connection drops.
func (c *Client) SubscribeRoom(ctx context.Context, room string) (<-chan ChangeEvent, error) {
	rt, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := rt.Subscribe(ctx, room)
	if err != nil {
		rt.Close()
		return nil, err
	}
	go closeWhenDone(ctx, rt)
	return ch, nil
}

// JoinPresence opens a dedicated connection tracking entry on channel. The
// channel is closed when ctx ends or the connection drops.
func (c *Client) JoinPresence(ctx context.Context, channel string, entry PresenceEntry) (<-chan PresenceEvent, error) {
	rt, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := rt.Join(ctx, channel, entry)
	if err != nil {
		rt.Close()
		return nil, err
	}
	go closeWhenDone(ctx, rt)
	return ch, nil
}

func closeWhenDone(ctx context.Context, rt *Realtime) {
	select {
	case <-ctx.Done():
		rt.Close()
	case <-rt.done:
	}
}
