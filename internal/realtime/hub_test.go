package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomchat/internal/models"
)

func newTestHub() *Hub {
	return NewHub(zerolog.Nop(), time.Minute)
}

// attach registers a connection without a socket; frames land in c.send.
func attach(h *Hub, userID, username string) *Client {
	c := NewClient(h, nil, userID, username)
	h.clients[c] = true
	return c
}

func drain(t *testing.T, c *Client) []Frame {
	t.Helper()
	var frames []Frame
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return frames
			}
			var f Frame
			if err := json.Unmarshal(msg, &f); err != nil {
				t.Fatalf("bad frame %q: %v", msg, err)
			}
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func types(frames []Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func equalTypes(got []Frame, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i].Type != want[i] {
			return false
		}
	}
	return true
}

func trackPayload(t *testing.T, entry models.PresenceEntry) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(entry)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestSubscribeRepliesWithPresenceSnapshot(t *testing.T) {
	h := newTestHub()
	c := attach(h, "u1", "ada")

	h.handle(c, Frame{Type: FrameSubscribe, Channel: "room:general", Ref: "1"})

	frames := drain(t, c)
	if !equalTypes(frames, FrameSubscribed, FramePresenceSync) {
		t.Fatalf("unexpected frames %v", types(frames))
	}
	if frames[0].Ref != "1" {
		t.Fatalf("expected ref to be echoed, got %q", frames[0].Ref)
	}

	var state PresenceState
	if err := json.Unmarshal(frames[1].Data, &state); err != nil {
		t.Fatal(err)
	}
	if len(state.Entries) != 0 {
		t.Fatalf("expected empty presence, got %+v", state.Entries)
	}
}

func TestChangesReachOnlyRoomSubscribers(t *testing.T) {
	h := newTestHub()
	general := attach(h, "u1", "ada")
	random := attach(h, "u2", "bob")

	h.handle(general, Frame{Type: FrameSubscribe, Channel: RoomChannel("general")})
	h.handle(random, Frame{Type: FrameSubscribe, Channel: RoomChannel("random")})
	drain(t, general)
	drain(t, random)

	msg := &models.Message{ID: "01J", Room: "general", Text: "hi"}
	h.broadcastChange(models.ChangeEvent{Op: models.OpInsert, Table: "messages", Room: "general", New: msg})

	frames := drain(t, general)
	if !equalTypes(frames, FrameChange) {
		t.Fatalf("unexpected frames %v", types(frames))
	}
	var ev models.ChangeEvent
	if err := json.Unmarshal(frames[0].Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Op != models.OpInsert || ev.New == nil || ev.New.ID != "01J" {
		t.Fatalf("unexpected event %+v", ev)
	}

	if frames := drain(t, random); len(frames) != 0 {
		t.Fatalf("random subscriber got %v", types(frames))
	}
}

func TestUnsubscribeStopsChanges(t *testing.T) {
	h := newTestHub()
	c := attach(h, "u1", "ada")
	h.handle(c, Frame{Type: FrameSubscribe, Channel: RoomChannel("general")})
	h.handle(c, Frame{Type: FrameUnsubscribe, Channel: RoomChannel("general")})
	drain(t, c)

	h.broadcastChange(models.ChangeEvent{Op: models.OpDelete, Room: "general", Old: &models.Message{ID: "x"}})
	if frames := drain(t, c); len(frames) != 0 {
		t.Fatalf("expected nothing after unsubscribe, got %v", types(frames))
	}
}

func TestTrackCountsUserOnce(t *testing.T) {
	h := newTestHub()
	observer := attach(h, "u0", "eve")
	tab1 := attach(h, "u1", "ada")
	tab2 := attach(h, "u1", "ada")

	h.handle(observer, Frame{Type: FrameSubscribe, Channel: "online-users"})
	drain(t, observer)

	h.handle(tab1, Frame{Type: FrameTrack, Channel: "online-users"})
	if frames := drain(t, observer); !equalTypes(frames, FramePresenceJoin, FramePresenceSync) {
		t.Fatalf("first track: unexpected frames %v", types(frames))
	}

	h.handle(tab2, Frame{Type: FrameTrack, Channel: "online-users"})
	frames := drain(t, observer)
	if !equalTypes(frames, FramePresenceSync) {
		t.Fatalf("second connection should not join again, got %v", types(frames))
	}
	var state PresenceState
	json.Unmarshal(frames[0].Data, &state)
	if len(state.Entries) != 1 || state.Entries[0].UserID != "u1" {
		t.Fatalf("expected one entry for u1, got %+v", state.Entries)
	}

	h.handle(tab1, Frame{Type: FrameUntrack, Channel: "online-users"})
	if frames := drain(t, observer); len(frames) != 0 {
		t.Fatalf("user still has a connection, got %v", types(frames))
	}

	h.handle(tab2, Frame{Type: FrameUntrack, Channel: "online-users"})
	frames = drain(t, observer)
	if !equalTypes(frames, FramePresenceLeave, FramePresenceSync) {
		t.Fatalf("last untrack: unexpected frames %v", types(frames))
	}
	var diff PresenceDiff
	json.Unmarshal(frames[0].Data, &diff)
	if diff.Key != "u1" {
		t.Fatalf("expected leave for u1, got %+v", diff)
	}
}

func TestTrackUsesConnectionIdentity(t *testing.T) {
	h := newTestHub()
	c := attach(h, "u1", "ada")

	payload := trackPayload(t, models.PresenceEntry{UserID: "someone-else"})
	h.handle(c, Frame{Type: FrameTrack, Channel: "online-users", Data: payload})

	state := h.presence.State("online-users")
	if len(state) != 1 {
		t.Fatalf("expected one entry, got %+v", state)
	}
	if state[0].UserID != "u1" || state[0].Username != "ada" {
		t.Fatalf("expected identity from connection, got %+v", state[0])
	}
	if state[0].OnlineAt.IsZero() {
		t.Fatal("expected online_at to be stamped")
	}
}

func TestDisconnectLeavesPresence(t *testing.T) {
	h := newTestHub()
	observer := attach(h, "u0", "eve")
	c := attach(h, "u1", "ada")

	h.handle(observer, Frame{Type: FrameSubscribe, Channel: "online-users"})
	h.handle(c, Frame{Type: FrameTrack, Channel: "online-users"})
	drain(t, observer)

	h.drop(c)

	frames := drain(t, observer)
	if !equalTypes(frames, FramePresenceLeave, FramePresenceSync) {
		t.Fatalf("unexpected frames %v", types(frames))
	}
	drain(t, c)
	if _, ok := <-c.send; ok {
		t.Fatal("expected send queue to be closed")
	}
	if len(h.channels["online-users"]) != 1 {
		t.Fatalf("expected only observer subscribed, got %d", len(h.channels["online-users"]))
	}
}

func TestUnknownFrameReturnsError(t *testing.T) {
	h := newTestHub()
	c := attach(h, "u1", "ada")

	h.handle(c, Frame{Type: "bogus", Ref: "7"})

	frames := drain(t, c)
	if !equalTypes(frames, FrameError) || frames[0].Ref != "7" {
		t.Fatalf("unexpected frames %+v", frames)
	}
}

func TestPresenceExpiresWithoutHeartbeat(t *testing.T) {
	h := NewHub(zerolog.Nop(), 100*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	observer := NewClient(h, nil, "u0", "eve")
	silent := NewClient(h, nil, "u1", "ada")
	h.Register(observer)
	h.Register(silent)

	h.inbound <- inbound{client: observer, frame: Frame{Type: FrameSubscribe, Channel: "online-users"}}
	h.inbound <- inbound{client: silent, frame: Frame{Type: FrameTrack, Channel: "online-users"}}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-observer.send:
			var f Frame
			if err := json.Unmarshal(msg, &f); err != nil {
				t.Fatal(err)
			}
			if f.Type == FramePresenceLeave {
				var diff PresenceDiff
				json.Unmarshal(f.Data, &diff)
				if diff.Key != "u1" {
					t.Fatalf("expected u1 to leave, got %+v", diff)
				}
				return
			}
		case <-deadline:
			t.Fatal("presence entry never expired")
		}
	}
}

func TestHeartbeatRestoresExpiredPresence(t *testing.T) {
	h := NewHub(zerolog.Nop(), 100*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	observer := NewClient(h, nil, "u0", "eve")
	late := NewClient(h, nil, "u1", "ada")
	h.Register(observer)
	h.Register(late)

	h.inbound <- inbound{client: observer, frame: Frame{Type: FrameSubscribe, Channel: "online-users"}}
	h.inbound <- inbound{client: late, frame: Frame{Type: FrameTrack, Channel: "online-users", Data: trackPayload(t, models.PresenceEntry{Username: "ada-laptop"})}}

	next := func(typ string) PresenceDiff {
		t.Helper()
		deadline := time.After(3 * time.Second)
		for {
			select {
			case msg := <-observer.send:
				var f Frame
				if err := json.Unmarshal(msg, &f); err != nil {
					t.Fatal(err)
				}
				if f.Type == typ {
					var diff PresenceDiff
					json.Unmarshal(f.Data, &diff)
					return diff
				}
			case <-deadline:
				t.Fatalf("no %s frame", typ)
			}
		}
	}

	if diff := next(FramePresenceJoin); diff.Key != "u1" {
		t.Fatalf("unexpected join %+v", diff)
	}
	if diff := next(FramePresenceLeave); diff.Key != "u1" {
		t.Fatalf("unexpected leave %+v", diff)
	}

	// The connection is still open; its next heartbeat puts it back
	h.inbound <- inbound{client: late, frame: Frame{Type: FrameHeartbeat}}
	diff := next(FramePresenceJoin)
	if diff.Key != "u1" || len(diff.Entries) != 1 || diff.Entries[0].Username != "ada-laptop" {
		t.Fatalf("unexpected rejoin %+v", diff)
	}
}

func TestUntrackForgetsExpiredPresence(t *testing.T) {
	h := newTestHub()
	c := attach(h, "u1", "ada")
	h.handle(c, Frame{Type: FrameTrack, Channel: "online-users"})
	h.presence.entries.Delete(presenceKey{Channel: "online-users", UserID: "u1"})
	h.expire("online-users", "u1")
	if len(c.lapsed) != 1 {
		t.Fatalf("expected the expired entry to be remembered, got %v", c.lapsed)
	}
	h.handle(c, Frame{Type: FrameUntrack, Channel: "online-users"})
	drain(t, c)

	h.handle(c, Frame{Type: FrameHeartbeat})
	for _, f := range drain(t, c) {
		if f.Type == FramePresenceJoin {
			t.Fatal("untracked entry came back on heartbeat")
		}
	}
}

func TestRoomFromChannel(t *testing.T) {
	if room, ok := RoomFromChannel(RoomChannel("tech")); !ok || room != "tech" {
		t.Fatalf("got %q %v", room, ok)
	}
	if _, ok := RoomFromChannel("online-users"); ok {
		t.Fatal("presence channel is not a room")
	}
	if _, ok := RoomFromChannel("room:"); ok {
		t.Fatal("empty room name accepted")
	}
}

func TestLocalBrokerDelivers(t *testing.T) {
	b := NewLocalBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan models.ChangeEvent, 1)
	go b.Run(ctx, func(ev models.ChangeEvent) { got <- ev })

	if err := b.Publish(ctx, models.ChangeEvent{Op: models.OpUpdate, Room: "help"}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-got:
		if ev.Op != models.OpUpdate || ev.Room != "help" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
