package chat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomchat/clients/go/querycache"
	"github.com/eldtechnologies/roomchat/clients/go/roomchat"
)

// Feed delivers a room's change events until ctx ends or the connection
// drops, then closes the channel.
type Feed interface {
	SubscribeRoom(ctx context.Context, room string) (<-chan roomchat.ChangeEvent, error)
}

// ProfileSource looks up user profiles.
type ProfileSource interface {
	GetProfile(ctx context.Context, userID string) (*roomchat.Profile, error)
}

// ListenerState is the connection state of a Listener.
type ListenerState int

const (
	Disconnected ListenerState = iota
	Connecting
	Subscribed
)

func (s ListenerState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	}
	return "unknown"
}

// ListenerOptions configures a Listener. Profiles may be nil.
type ListenerOptions struct {
	Profiles       ProfileSource
	ReconnectDelay time.Duration
	Logger         zerolog.Logger
	OnStateChange  func(ListenerState)
}

// Listener applies a room's change events to the cache in delivery order.
// Events missed while disconnected are not recovered.
type Listener struct {
	room  string
	feed  Feed
	cache *querycache.Cache
	opts  ListenerOptions

	mu    sync.Mutex
	state ListenerState
}

// NewListener creates a listener for room.
func NewListener(room string, feed Feed, cache *querycache.Cache, opts ListenerOptions) *Listener {
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	opts.Logger = opts.Logger.With().Str("room", room).Logger()
	return &Listener{room: room, feed: feed, cache: cache, opts: opts}
}

// State returns the current connection state.
func (l *Listener) State() ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) setState(s ListenerState) {
	l.mu.Lock()
	changed := l.state != s
	l.state = s
	l.mu.Unlock()

	if changed && l.opts.OnStateChange != nil {
		l.opts.OnStateChange(s)
	}
}

// Run subscribes and applies events until ctx is done, reconnecting after
// ReconnectDelay whenever the feed closes or fails.
func (l *Listener) Run(ctx context.Context) error {
	defer l.setState(Disconnected)

	for {
		l.setState(Connecting)
		events, err := l.feed.SubscribeRoom(ctx, l.room)
		if err != nil {
			l.opts.Logger.Debug().Err(err).Msg("subscribe failed")
		} else {
			l.setState(Subscribed)
			for ev := range events {
				l.Apply(ctx, ev)
			}
		}
		l.setState(Disconnected)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.opts.ReconnectDelay):
		}
	}
}

// Apply maps one change event to a cache patch. Events of other rooms are
// ignored.
func (l *Listener) Apply(ctx context.Context, ev roomchat.ChangeEvent) {
	if ev.Room != "" && ev.Room != l.room {
		return
	}

	var a Action
	switch ev.Op {
	case roomchat.OpInsert:
		if ev.New == nil {
			return
		}
		m := *ev.New
		if m.Author == nil {
			m.Author = l.author(ctx, m.UserID)
		}
		a = Insert{Message: m}
	case roomchat.OpUpdate:
		if ev.New == nil {
			return
		}
		a = Update{Message: *ev.New}
	case roomchat.OpDelete:
		if ev.Old == nil {
			return
		}
		a = Delete{ID: ev.Old.ID}
	default:
		l.opts.Logger.Debug().Str("op", string(ev.Op)).Msg("unknown change op")
		return
	}

	querycache.PatchAs(l.cache, MessagesKey(l.room), func(state Timeline) Timeline {
		return Reduce(state, a)
	})
}

// author returns the cached profile of userID, fetching it once if needed.
// A failed lookup leaves the message without an author.
func (l *Listener) author(ctx context.Context, userID string) *roomchat.Profile {
	if p, ok := querycache.GetAs[*roomchat.Profile](l.cache, ProfileKey(userID)); ok {
		return p
	}
	if l.opts.Profiles == nil {
		return nil
	}

	v, err := l.cache.Fetch(ctx, ProfileKey(userID), func(ctx context.Context) (any, error) {
		return l.opts.Profiles.GetProfile(ctx, userID)
	})
	if err != nil {
		l.opts.Logger.Debug().Err(err).Str("user_id", userID).Msg("profile lookup failed")
		return nil
	}
	p, _ := v.(*roomchat.Profile)
	return p
}
