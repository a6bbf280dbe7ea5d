package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/eldtechnologies/roomchat/clients/go/querycache"
	"github.com/eldtechnologies/roomchat/clients/go/roomchat"
)

var self = Identity{UserID: testUser, Username: "ada"}

func cached(c *querycache.Cache, room string) []roomchat.Message {
	tl, _ := querycache.GetAs[Timeline](c, MessagesKey(room))
	return tl.Messages
}

func TestSendRejectsEmptyWithoutNetwork(t *testing.T) {
	svc := newFakeService()
	cache := querycache.New(querycache.Options{})
	composer := NewComposer("general", svc, cache, self)

	for _, text := range []string{"", "   ", "\n\t "} {
		_, err := composer.Send(context.Background(), text)
		assert.Equal(t, errors.Is(err, ErrEmptyMessage), true)
	}

	sends, _, _ := svc.counts()
	assert.Equal(t, sends, 0)
	assert.Equal(t, len(cached(cache, "general")), 0)
}

func TestSendRejectsLongText(t *testing.T) {
	svc := newFakeService()
	composer := NewComposer("general", svc, querycache.New(querycache.Options{}), self)

	_, err := composer.Send(context.Background(), strings.Repeat("é", MaxMessageLength+1))
	assert.Equal(t, errors.Is(err, ErrMessageTooLong), true)

	_, err = composer.Send(context.Background(), strings.Repeat("é", MaxMessageLength))
	assert.Equal(t, err, nil)
}

func TestSendShowsPendingThenDurable(t *testing.T) {
	svc := newFakeService()
	cache := querycache.New(querycache.Options{})
	cache.Set(MessagesKey("general"), Timeline{Messages: []roomchat.Message{msg("old", "earlier", -60)}})
	composer := NewComposer("general", svc, cache, self)

	var pending roomchat.Message
	svc.beforeReply = func(roomchat.Message) {
		msgs := cached(cache, "general")
		pending = msgs[len(msgs)-1]
	}

	sent, err := composer.Send(context.Background(), "  hello  ")
	if err != nil {
		t.Fatal(err)
	}

	assert.Equal(t, IsTemp(pending.ID), true)
	assert.Equal(t, pending.Text, "hello")
	assert.Equal(t, pending.Author.Username, "ada")
	assert.Equal(t, pending.ClientID, sent.ClientID)

	msgs := cached(cache, "general")
	assert.Equal(t, len(msgs), 2)
	got := msgs[1]
	assert.Equal(t, got.ID, sent.ID)
	assert.Equal(t, IsTemp(got.ID), false)
	assert.Equal(t, got.Text, "hello")
	assert.Equal(t, got.UserID, testUser)
	assert.Equal(t, got.Author.Username, "ada")
}

func TestSendEchoBeforeReplyIsNotDuplicated(t *testing.T) {
	svc := newFakeService()
	cache := querycache.New(querycache.Options{})
	composer := NewComposer("general", svc, cache, self)
	listener := NewListener("general", svc, cache, ListenerOptions{})

	// The change notification wins the race against the write response
	svc.beforeReply = func(m roomchat.Message) {
		listener.Apply(context.Background(), roomchat.ChangeEvent{Op: roomchat.OpInsert, Room: "general", New: &m})
	}

	sent, err := composer.Send(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}

	msgs := cached(cache, "general")
	assert.Equal(t, ids(msgs), []string{sent.ID})
}

func TestSendEchoAfterReplyIsNotDuplicated(t *testing.T) {
	svc := newFakeService()
	cache := querycache.New(querycache.Options{})
	composer := NewComposer("general", svc, cache, self)
	listener := NewListener("general", svc, cache, ListenerOptions{})

	sent, err := composer.Send(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	listener.Apply(context.Background(), roomchat.ChangeEvent{Op: roomchat.OpInsert, Room: "general", New: sent})

	assert.Equal(t, ids(cached(cache, "general")), []string{sent.ID})
}

func TestSendFailureRollsBack(t *testing.T) {
	svc := newFakeService()
	svc.sendErr = errNetwork
	cache := querycache.New(querycache.Options{})
	cache.Set(MessagesKey("general"), Timeline{Messages: []roomchat.Message{msg("old", "earlier", -60)}})
	composer := NewComposer("general", svc, cache, self)

	_, err := composer.Send(context.Background(), "hello")
	var sendErr *SendError
	assert.Equal(t, errors.As(err, &sendErr), true)
	assert.Equal(t, errors.Is(err, errNetwork), true)
	assert.Equal(t, IsTemp(sendErr.TempID), true)

	assert.Equal(t, ids(cached(cache, "general")), []string{"old"})
}

func TestEditAndDelete(t *testing.T) {
	svc := newFakeService()
	cache := querycache.New(querycache.Options{})
	composer := NewComposer("general", svc, cache, self)
	ctx := context.Background()

	sent, err := composer.Send(ctx, "first")
	if err != nil {
		t.Fatal(err)
	}

	edited, err := composer.Edit(ctx, sent.ID, "second")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, edited.Edited, true)
	msgs := cached(cache, "general")
	assert.Equal(t, msgs[0].Text, "second")
	assert.Equal(t, msgs[0].Author.Username, "ada")

	_, err = composer.Edit(ctx, sent.ID, " ")
	assert.Equal(t, errors.Is(err, ErrEmptyMessage), true)

	_, err = composer.Edit(ctx, NewTempID(), "x")
	assert.Equal(t, errors.Is(err, ErrPending), true)
	assert.Equal(t, errors.Is(composer.Delete(ctx, NewTempID()), ErrPending), true)

	if err := composer.Delete(ctx, sent.ID); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(cached(cache, "general")), 0)

	err = composer.Delete(ctx, sent.ID)
	var apiErr *roomchat.APIError
	assert.Equal(t, errors.As(err, &apiErr), true)
	assert.Equal(t, apiErr.Status, 404)
}
