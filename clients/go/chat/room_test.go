package chat

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomchat/clients/go/querycache"
	"github.com/eldtechnologies/roomchat/clients/go/roomchat"
)

func TestRoomSendGrowsByExactlyOne(t *testing.T) {
	svc := newFakeService()
	svc.echo = true
	svc.store("general", "welcome", "", "user-2")
	svc.store("random", "elsewhere", "", "user-2")

	cache := querycache.New(querycache.Options{})
	ctx := context.Background()
	room := Open(ctx, svc, cache, "general", self, RoomOptions{Logger: zerolog.Nop()})
	defer room.Close()

	if err := room.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, room.Name(), "general")
	assert.Equal(t, len(room.Messages()), 1)
	eventually(t, "subscribed", func() bool { return room.State() == Subscribed })

	updates, stop := room.Watch()
	defer stop()

	sent, err := room.Send(ctx, "hello")
	if err != nil {
		t.Fatal(err)
	}

	// The echo may land before or after the reply; either way one row
	time.Sleep(50 * time.Millisecond)
	msgs := room.Messages()
	assert.Equal(t, len(msgs), 2)
	assert.Equal(t, msgs[1].ID, sent.ID)
	assert.Equal(t, msgs[1].Text, "hello")
	assert.Equal(t, msgs[1].Author.Username, "ada")

	select {
	case latest := <-updates:
		assert.Equal(t, len(latest) > 0, true)
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}
}

func TestRoomSeesOtherUsers(t *testing.T) {
	svc := newFakeService()
	cache := querycache.New(querycache.Options{})
	ctx := context.Background()
	room := Open(ctx, svc, cache, "general", self, RoomOptions{})
	defer room.Close()

	if err := room.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	eventually(t, "subscribed", func() bool { return room.State() == Subscribed })

	other := svc.store("general", "hi from grace", "", "user-2")
	other.Author = nil
	svc.emit(roomchat.ChangeEvent{Op: roomchat.OpInsert, Room: "general", New: &other})
	eventually(t, "insert", func() bool { return len(room.Messages()) == 1 })
	assert.Equal(t, room.Messages()[0].Author.Username, "grace")

	svc.emit(roomchat.ChangeEvent{Op: roomchat.OpDelete, Room: "general", Old: &other})
	eventually(t, "delete", func() bool { return len(room.Messages()) == 0 })
}

func TestRoomCloseBeforeLoadWritesNothing(t *testing.T) {
	svc := newFakeService()
	svc.store("general", "welcome", "", "user-2")
	gate := make(chan struct{})
	svc.listGate = gate

	cache := querycache.New(querycache.Options{})
	room := Open(context.Background(), svc, cache, "general", self, RoomOptions{})

	room.cancel()
	close(gate)
	if err := room.Close(); err != nil {
		t.Fatal(err)
	}

	_, ok := cache.Get(MessagesKey("general"))
	assert.Equal(t, ok, false)
	assert.Equal(t, room.Wait(context.Background()), context.Canceled)
}

func TestRoomRefresh(t *testing.T) {
	svc := newFakeService()
	cache := querycache.New(querycache.Options{StaleTime: time.Hour})
	ctx := context.Background()
	room := Open(ctx, svc, cache, "general", self, RoomOptions{})
	defer room.Close()

	if err := room.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(room.Messages()), 0)

	svc.store("general", "written elsewhere", "", "user-2")
	if err := room.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(room.Messages()), 1)
}
