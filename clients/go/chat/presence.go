package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomchat/clients/go/querycache"
	"github.com/eldtechnologies/roomchat/clients/go/roomchat"
)

// OnlineChannel is the presence channel shared by every client.
const OnlineChannel = "online"

// PresenceSource joins presence channels.
type PresenceSource interface {
	JoinPresence(ctx context.Context, channel string, entry roomchat.PresenceEntry) (<-chan roomchat.PresenceEvent, error)
}

// TrackerOptions configures a Tracker. Cache may be nil.
type TrackerOptions struct {
	Cache          *querycache.Cache
	ReconnectDelay time.Duration
	Logger         zerolog.Logger
	OnChange       func(online []roomchat.PresenceEntry)
}

// Tracker mirrors the users present on a channel.
type Tracker struct {
	channel string
	source  PresenceSource
	self    Identity
	opts    TrackerOptions

	mu     sync.Mutex
	online map[string]roomchat.PresenceEntry
}

// NewTracker creates a tracker announcing self on channel.
func NewTracker(channel string, source PresenceSource, self Identity, opts TrackerOptions) *Tracker {
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	opts.Logger = opts.Logger.With().Str("channel", channel).Logger()
	return &Tracker{
		channel: channel,
		source:  source,
		self:    self,
		opts:    opts,
		online:  make(map[string]roomchat.PresenceEntry),
	}
}

// Run joins the channel and applies presence events until ctx is done,
// rejoining after ReconnectDelay when the connection drops.
func (t *Tracker) Run(ctx context.Context) error {
	for {
		entry := roomchat.PresenceEntry{
			UserID:   t.self.UserID,
			Username: t.self.Username,
			OnlineAt: time.Now().UTC(),
		}
		events, err := t.source.JoinPresence(ctx, t.channel, entry)
		if err != nil {
			t.opts.Logger.Debug().Err(err).Msg("presence join failed")
		} else {
			for ev := range events {
				t.Apply(ev)
			}
		}
		// The set is unknown until the next sync
		t.Apply(roomchat.PresenceEvent{Kind: roomchat.PresenceSync})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.opts.ReconnectDelay):
		}
	}
}

// Apply updates the online set. A sync replaces it wholesale; join and leave
// add or remove single users.
func (t *Tracker) Apply(ev roomchat.PresenceEvent) {
	t.mu.Lock()
	switch ev.Kind {
	case roomchat.PresenceSync:
		t.online = make(map[string]roomchat.PresenceEntry, len(ev.Entries))
		for _, e := range ev.Entries {
			t.online[e.UserID] = e
		}
	case roomchat.PresenceJoin:
		for _, e := range ev.Entries {
			t.online[e.UserID] = e
		}
	case roomchat.PresenceLeave:
		delete(t.online, ev.Key)
		for _, e := range ev.Entries {
			delete(t.online, e.UserID)
		}
	}
	online := t.snapshot()
	t.mu.Unlock()

	if t.opts.OnChange != nil {
		t.opts.OnChange(online)
	}
}

func (t *Tracker) snapshot() []roomchat.PresenceEntry {
	out := make([]roomchat.PresenceEntry, 0, len(t.online))
	for _, e := range t.online {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Online returns the users present, ordered by id.
func (t *Tracker) Online() []roomchat.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

// IsOnline reports whether userID is present.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[userID]
	return ok
}

// DisplayName returns the name to show for userID: the announced username,
// else the cached profile's, else a shortened id.
func (t *Tracker) DisplayName(userID string) string {
	t.mu.Lock()
	e, ok := t.online[userID]
	t.mu.Unlock()
	if ok && e.Username != "" {
		return e.Username
	}

	if t.opts.Cache != nil {
		if p, ok := querycache.GetAs[*roomchat.Profile](t.opts.Cache, ProfileKey(userID)); ok && p != nil && p.Username != "" {
			return p.Username
		}
	}

	if len(userID) > 8 {
		return userID[:8]
	}
	return userID
}
