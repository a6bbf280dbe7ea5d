package realtime

import (
	"context"
	"sort"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/eldtechnologies/roomchat/internal/models"
)

type presenceKey struct {
	Channel string
	UserID  string
}

// Presence tracks who is online per channel. Entries expire after ttl unless
// touched by a heartbeat. A user with several connections counts once and
// leaves when the last one untracks.
//
// All methods except the expiry callback must be called from the hub goroutine.
type Presence struct {
	entries *ttlcache.Cache[presenceKey, models.PresenceEntry]
	conns   map[presenceKey]map[*Client]bool
}

// NewPresence creates a presence registry. onExpire is called, from a
// separate goroutine, for entries whose ttl ran out.
func NewPresence(ttl time.Duration, onExpire func(channel, userID string)) *Presence {
	entries := ttlcache.New[presenceKey, models.PresenceEntry](
		ttlcache.WithTTL[presenceKey, models.PresenceEntry](ttl),
	)

	entries.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[presenceKey, models.PresenceEntry]) {
		if reason != ttlcache.EvictionReasonExpired || onExpire == nil {
			return
		}
		key := item.Key()
		go onExpire(key.Channel, key.UserID)
	})

	return &Presence{
		entries: entries,
		conns:   make(map[presenceKey]map[*Client]bool),
	}
}

// Start runs the expiry loop until ctx is done.
func (p *Presence) Start(ctx context.Context) {
	go p.entries.Start()
	<-ctx.Done()
	p.entries.Stop()
}

// Track records entry for c on channel. joined reports whether the user was
// not online on the channel before.
func (p *Presence) Track(channel string, c *Client, entry models.PresenceEntry) (joined bool) {
	key := presenceKey{Channel: channel, UserID: entry.UserID}

	conns, ok := p.conns[key]
	if !ok {
		conns = make(map[*Client]bool)
		p.conns[key] = conns
	}
	joined = len(conns) == 0
	conns[c] = true

	p.entries.Set(key, entry, ttlcache.DefaultTTL)
	return joined
}

// Untrack removes c from channel. left reports whether that was the user's
// last connection, in which case entry is the state that went away.
func (p *Presence) Untrack(channel string, c *Client) (entry models.PresenceEntry, left bool) {
	key := presenceKey{Channel: channel, UserID: c.UserID}

	conns, ok := p.conns[key]
	if !ok || !conns[c] {
		return entry, false
	}
	delete(conns, c)
	if len(conns) > 0 {
		return entry, false
	}
	delete(p.conns, key)

	if item := p.entries.Get(key); item != nil {
		entry = item.Value()
	} else {
		entry = models.PresenceEntry{UserID: c.UserID, Username: c.Username}
	}
	p.entries.Delete(key)
	return entry, true
}

// Touch extends the liveness of a user's entry on channel.
func (p *Presence) Touch(channel, userID string) {
	// Get refreshes the ttl of a live item
	p.entries.Get(presenceKey{Channel: channel, UserID: userID})
}

// Expire forgets the connections of an expired entry. It returns the
// connections that were tracking it so the hub can update them.
func (p *Presence) Expire(channel, userID string) []*Client {
	key := presenceKey{Channel: channel, UserID: userID}
	if p.entries.Has(key) {
		// Re-tracked after the eviction fired
		return nil
	}
	conns := p.conns[key]
	delete(p.conns, key)

	out := make([]*Client, 0, len(conns))
	for c := range conns {
		out = append(out, c)
	}
	return out
}

// State returns the live entries of channel ordered by user id.
func (p *Presence) State(channel string) []models.PresenceEntry {
	entries := []models.PresenceEntry{}
	for key, item := range p.entries.Items() {
		if key.Channel == channel && !item.IsExpired() {
			entries = append(entries, item.Value())
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UserID < entries[j].UserID
	})
	return entries
}
