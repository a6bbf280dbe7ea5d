package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/eldtechnologies/roomchat/clients/go/roomchat"
)

const testUser = "user-1"

var errNetwork = errors.New("connection refused")

// fakeService is an in-memory stand-in for the remote data service.
type fakeService struct {
	mu        sync.Mutex
	rows      []roomchat.Message
	profiles  map[string]*roomchat.Profile
	sendErr   error
	sendCalls int
	echo      bool
	listGate  chan struct{}

	// beforeReply runs after a send is stored and before it is answered
	beforeReply func(m roomchat.Message)

	feed       chan roomchat.ChangeEvent
	subscribes int
	presence   chan roomchat.PresenceEvent
	joins      int
}

func newFakeService() *fakeService {
	return &fakeService{
		profiles: map[string]*roomchat.Profile{
			testUser: {ID: testUser, Username: "ada"},
			"user-2": {ID: "user-2", Username: "grace"},
		},
	}
}

func (f *fakeService) store(room, text, clientID, userID string) roomchat.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	m := roomchat.Message{
		ID:        ulid.Make().String(),
		ClientID:  clientID,
		Room:      room,
		UserID:    userID,
		Text:      text,
		CreatedAt: now,
		UpdatedAt: now,
		Author:    f.profiles[userID],
	}
	f.rows = append(f.rows, m)
	return m
}

func (f *fakeService) SendMessage(ctx context.Context, room, text, clientID string) (*roomchat.Message, error) {
	f.mu.Lock()
	f.sendCalls++
	err := f.sendErr
	hook := f.beforeReply
	echo := f.echo
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m := f.store(room, text, clientID, testUser)
	if echo {
		row := m
		f.emit(roomchat.ChangeEvent{Op: roomchat.OpInsert, Room: room, New: &row})
	}
	if hook != nil {
		hook(m)
	}
	return &m, nil
}

func (f *fakeService) EditMessage(ctx context.Context, id, text string) (*roomchat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].ID == id {
			f.rows[i].Text = text
			f.rows[i].Edited = true
			m := f.rows[i]
			return &m, nil
		}
	}
	return nil, &roomchat.APIError{Status: 404, Message: "message not found"}
}

func (f *fakeService) DeleteMessage(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].ID == id {
			f.rows = append(f.rows[:i], f.rows[i+1:]...)
			return nil
		}
	}
	return &roomchat.APIError{Status: 404, Message: "message not found"}
}

func (f *fakeService) ListMessages(ctx context.Context, room string, opts roomchat.ListOptions) (*roomchat.MessagePage, error) {
	f.mu.Lock()
	gate := f.listGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	page := &roomchat.MessagePage{Room: room}
	for _, m := range f.rows {
		if m.Room == room {
			page.Messages = append(page.Messages, m)
		}
	}
	return page, nil
}

func (f *fakeService) GetProfile(ctx context.Context, userID string) (*roomchat.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.profiles[userID]; ok {
		return p, nil
	}
	return nil, &roomchat.APIError{Status: 404, Message: "profile not found"}
}

func (f *fakeService) SubscribeRoom(ctx context.Context, room string) (<-chan roomchat.ChangeEvent, error) {
	ch := make(chan roomchat.ChangeEvent, 64)
	f.mu.Lock()
	f.feed = ch
	f.subscribes++
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		if f.feed == ch {
			close(ch)
			f.feed = nil
		}
		f.mu.Unlock()
	}()
	return ch, nil
}

// emit delivers ev on the current feed, if any.
func (f *fakeService) emit(ev roomchat.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.feed != nil {
		f.feed <- ev
	}
}

// dropFeed simulates a lost realtime connection.
func (f *fakeService) dropFeed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.feed != nil {
		close(f.feed)
		f.feed = nil
	}
}

func (f *fakeService) JoinPresence(ctx context.Context, channel string, entry roomchat.PresenceEntry) (<-chan roomchat.PresenceEvent, error) {
	ch := make(chan roomchat.PresenceEvent, 64)
	f.mu.Lock()
	f.presence = ch
	f.joins++
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		if f.presence == ch {
			close(ch)
			f.presence = nil
		}
		f.mu.Unlock()
	}()
	return ch, nil
}

func (f *fakeService) emitPresence(ev roomchat.PresenceEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.presence != nil {
		f.presence <- ev
	}
}

func (f *fakeService) counts() (sends, subscribes, joins int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls, f.subscribes, f.joins
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
