package roomchat

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomchat/internal/api"
	"github.com/eldtechnologies/roomchat/internal/auth"
	"github.com/eldtechnologies/roomchat/internal/config"
	"github.com/eldtechnologies/roomchat/internal/realtime"
	"github.com/eldtechnologies/roomchat/internal/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(db.Close)

	cfg := &config.Config{Rooms: config.DefaultRooms, PresenceTTL: time.Minute}
	hub := realtime.NewHub(zerolog.Nop(), cfg.PresenceTTL)
	broker := realtime.NewLocalBroker()
	go hub.Run(ctx)
	go broker.Run(ctx, hub.Deliver)

	srv := httptest.NewServer(api.NewRouter(zerolog.Nop(), api.Deps{
		Config:  cfg,
		Store:   db,
		Tokens:  auth.NewTokenManager("client-test-secret", time.Hour),
		Revoker: store.NewMemoryRevoker(ctx),
		Broker:  broker,
		Hub:     hub,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	t.Setenv("ROOMCHAT_CONFIG", t.TempDir())
	return NewClient(srv.URL)
}

func signedIn(t *testing.T, c *Client, email string) {
	t.Helper()
	if _, err := c.SignUp(context.Background(), email, "secret-password"); err != nil {
		t.Fatalf("signup %s: %v", email, err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	ctx := context.Background()

	var events []AuthEvent
	unsubscribe := c.OnAuthStateChange(func(event AuthEvent, _ *Session) {
		events = append(events, event)
	})

	signedIn(t, c, "grace@example.com")
	assert.Equal(t, c.Session().Valid(), true)

	// A second client in the same config dir picks up the saved session
	restored := NewClient(srv.URL)
	assert.Equal(t, restored.Session() != nil, true)

	info, err := restored.WhoAmI(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, info.User.Email, "grace@example.com")
	assert.Equal(t, info.Profile.Username, "grace")

	if err := c.SignOut(ctx); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, c.Session() == nil, true)
	assert.Equal(t, events, []AuthEvent{SignedIn, SignedOut})

	// The restored client still holds the revoked token
	_, err = restored.WhoAmI(ctx)
	var apiErr *APIError
	assert.Equal(t, errors.As(err, &apiErr), true)
	assert.Equal(t, apiErr.IsUnauthorized(), true)
	assert.Equal(t, restored.Session() == nil, true)

	unsubscribe()
	signedIn(t, c, "grace2@example.com")
	assert.Equal(t, len(events), 2)
}

func TestErrors(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	ctx := context.Background()

	_, err := c.SendMessage(ctx, "general", "hello", "")
	assert.Equal(t, errors.Is(err, ErrNotSignedIn), true)

	_, err = c.SignIn(ctx, "nobody@example.com", "whatever-password")
	var apiErr *APIError
	assert.Equal(t, errors.As(err, &apiErr), true)
	assert.Equal(t, apiErr.IsUnauthorized(), true)

	signedIn(t, c, "hopper@example.com")
	_, err = c.SendMessage(ctx, "general", "   ", "")
	assert.Equal(t, errors.As(err, &apiErr), true)
	assert.Equal(t, apiErr.IsValidation(), true)
}

func TestMessages(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	ctx := context.Background()
	signedIn(t, c, "lovelace@example.com")

	first, err := c.SendMessage(ctx, "general", "hello there", "client-1")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, first.Text, "hello there")
	assert.Equal(t, first.ClientID, "client-1")
	assert.Equal(t, first.Author != nil, true)

	retry, err := c.SendMessage(ctx, "general", "hello there", "client-1")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, retry.ID, first.ID)

	edited, err := c.EditMessage(ctx, first.ID, "hello again")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, edited.Edited, true)

	page, err := c.ListMessages(ctx, "general", ListOptions{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(page.Messages), 1)
	assert.Equal(t, page.Messages[0].Text, "hello again")

	if err := c.DeleteMessage(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	page, err = c.ListMessages(ctx, "general", ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(page.Messages), 0)

	rooms, err := c.ListRooms(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(rooms) >= len(config.DefaultRooms), true)

	profile, err := c.UpdateProfile(ctx, ProfileUpdate{Username: "ada"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.GetProfile(ctx, profile.ID)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, got.Username, "ada")
}

func TestResources(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	ctx := context.Background()

	user := UserRecord{}.With(UserName, "Alan").With(UserEmail, "alan@example.com")
	rec, err := c.Users().Create(ctx, user)
	if err != nil {
		t.Fatal(err)
	}

	field, err := ParseUserField("name")
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Users().Update(ctx, rec.ID, user.With(field, "Alan T."))
	if err != nil {
		t.Fatal(err)
	}

	got, err := c.Users().Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	var decoded UserRecord
	if err := got.Decode(&decoded); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, decoded, UserRecord{Name: "Alan T.", Email: "alan@example.com"})

	_, err = c.Users().Create(ctx, UserRecord{Name: "No Email"})
	var apiErr *APIError
	assert.Equal(t, errors.As(err, &apiErr), true)
	assert.Equal(t, apiErr.IsValidation(), true)

	if err := c.Users().Delete(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	list, err := c.Users().List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(list), 0)

	_, err = ParseUserField("age")
	assert.NotEqual(t, err, nil)
}

func TestTodosArePrivate(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	ada := newTestClient(t, srv)
	bob := newTestClient(t, srv)

	_, err := ada.Todos().List(ctx)
	assert.Equal(t, errors.Is(err, ErrNotSignedIn), true)

	signedIn(t, ada, "ada-todos@example.com")
	signedIn(t, bob, "bob-todos@example.com")

	rec, err := ada.Todos().Create(ctx, TodoRecord{Task: "ship it"})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, rec.OwnerID, ada.Session().User.ID)

	_, err = bob.Todos().Update(ctx, rec.ID, TodoRecord{Task: "ship it", IsComplete: true})
	var apiErr *APIError
	assert.Equal(t, errors.As(err, &apiErr), true)
	assert.Equal(t, apiErr.Status, 403)

	mine, err := bob.Todos().List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(mine), 0)

	done, err := ada.Todos().Update(ctx, rec.ID, TodoRecord{Task: "ship it", IsComplete: true})
	if err != nil {
		t.Fatal(err)
	}
	var todo TodoRecord
	if err := done.Decode(&todo); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, todo, TodoRecord{Task: "ship it", IsComplete: true})
}

func TestUserRecordWithLeavesOriginal(t *testing.T) {
	u := UserRecord{Name: "a", Email: "a@example.com"}
	v := u.With(UserEmail, "b@example.com")
	assert.Equal(t, u.Email, "a@example.com")
	assert.Equal(t, v, UserRecord{Name: "a", Email: "b@example.com"})
	assert.Equal(t, UserEmail.String(), "email")
}

func TestRealtimeSubscribeRoom(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	signedIn(t, c, "turing@example.com")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := c.SubscribeRoom(ctx, "general")
	if err != nil {
		t.Fatal(err)
	}

	msg, err := c.SendMessage(ctx, "general", "over the wire", "wire-1")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		assert.Equal(t, ev.Op, OpInsert)
		assert.Equal(t, ev.New.ID, msg.ID)
		assert.Equal(t, ev.New.ClientID, "wire-1")
	case <-ctx.Done():
		t.Fatal("no change event")
	}

	cancel()
	for range events {
	}
}

func TestRealtimeSubscribeAfterCancelledAttempt(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	signedIn(t, c, "hopper@example.com")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rt, err := c.Connect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()

	// The server still accepts the subscribe frame; the attempt is undone
	// and the room can be subscribed again on the same connection.
	dead, stop := context.WithCancel(ctx)
	stop()
	events, err := rt.Subscribe(dead, "general")
	if err != nil {
		events, err = rt.Subscribe(ctx, "general")
		if err != nil {
			t.Fatal(err)
		}
	}

	msg, err := c.SendMessage(ctx, "general", "after a retry", "retry-1")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		assert.Equal(t, ev.New.ID, msg.ID)
	case <-ctx.Done():
		t.Fatal("no change event")
	}
}

func TestRealtimePresence(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestClient(t, srv)
	signedIn(t, alice, "alice@example.com")
	bob := newTestClient(t, srv)
	signedIn(t, bob, "bob@example.com")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	aliceEvents, err := alice.JoinPresence(ctx, "online", PresenceEntry{Username: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	waitSync(t, aliceEvents, 1)

	bobCtx, bobCancel := context.WithCancel(ctx)
	if _, err := bob.JoinPresence(bobCtx, "online", PresenceEntry{Username: "bob"}); err != nil {
		t.Fatal(err)
	}
	waitSync(t, aliceEvents, 2)

	bobCancel()
	waitSync(t, aliceEvents, 1)
}

// waitSync reads events until a sync with n entries arrives.
func waitSync(t *testing.T, events <-chan PresenceEvent, n int) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("presence channel closed")
			}
			if ev.Kind == PresenceSync && len(ev.Entries) == n {
				return
			}
		case <-timeout:
			t.Fatalf("no presence sync with %d entries", n)
		}
	}
}
