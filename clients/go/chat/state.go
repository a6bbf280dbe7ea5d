// Package chat keeps a room's messages in the query cache in step with the
// service: history loads, realtime changes, and optimistic sends.
package chat

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/eldtechnologies/roomchat/clients/go/querycache"
	"github.com/eldtechnologies/roomchat/clients/go/roomchat"
)

// TempPrefix marks ids of messages not yet stored by the service. Durable ids
// are bare ULIDs and never carry it.
const TempPrefix = "temp-"

// NewTempID returns a fresh temporary message id.
func NewTempID() string {
	return TempPrefix + ulid.Make().String()
}

// IsTemp reports whether id is a temporary id.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// MessagesKey is the cache key holding a room's messages.
func MessagesKey(room string) querycache.Key {
	return querycache.NewKey("messages", room)
}

// ProfileKey is the cache key holding a user's profile.
func ProfileKey(userID string) querycache.Key {
	return querycache.NewKey("profile", userID)
}

// Timeline is the cached state of a room: its messages, oldest first, plus
// the deletes and edits seen since the last history load. A history fetched
// before those changes reached the service would otherwise undo them.
type Timeline struct {
	Messages []roomchat.Message

	deleted map[string]struct{}
	edited  map[string]roomchat.Message
}

// Action is a change to a room's timeline. The concrete types are Load,
// Insert, Update, Delete, Optimistic and Rollback.
type Action interface {
	action()
}

// Load replaces the durable messages with a fetched history. Pending
// messages not yet in the history are kept, and deletes and edits seen since
// the previous load are applied over it.
type Load struct{ Messages []roomchat.Message }

// Insert adds a durable message, superseding the pending message with the
// same client id and any earlier copy with the same id.
type Insert struct{ Message roomchat.Message }

// Update replaces a message by id.
type Update struct{ Message roomchat.Message }

// Delete removes a message by id.
type Delete struct{ ID string }

// Optimistic appends a pending message carrying a temporary id.
type Optimistic struct{ Message roomchat.Message }

// Rollback removes a pending message.
type Rollback struct{ TempID string }

func (Load) action()       {}
func (Insert) action()     {}
func (Update) action()     {}
func (Delete) action()     {}
func (Optimistic) action() {}
func (Rollback) action()   {}

// Reduce returns the timeline after applying a. It never modifies state.
// Durable messages stay ordered by creation time with pending ones after them.
func Reduce(state Timeline, a Action) Timeline {
	switch a := a.(type) {
	case Load:
		return Timeline{Messages: load(state, a.Messages)}

	case Insert:
		m := a.Message
		if _, gone := state.deleted[m.ID]; gone {
			return state
		}
		out := make([]roomchat.Message, 0, len(state.Messages)+1)
		for _, existing := range state.Messages {
			switch {
			case existing.ID == m.ID:
				if m.Author == nil {
					m.Author = existing.Author
				}
			case IsTemp(existing.ID) && m.ClientID != "" && existing.ClientID == m.ClientID:
				if m.Author == nil {
					m.Author = existing.Author
				}
			default:
				out = append(out, existing)
			}
		}
		state.Messages = insertSorted(out, m)
		return state

	case Update:
		m := a.Message
		if idx := indexOf(state.Messages, m.ID); idx >= 0 {
			out := append([]roomchat.Message(nil), state.Messages...)
			if m.Author == nil {
				m.Author = out[idx].Author
			}
			out[idx] = m
			state.Messages = out
		}
		edited := make(map[string]roomchat.Message, len(state.edited)+1)
		for id, e := range state.edited {
			edited[id] = e
		}
		edited[m.ID] = m
		state.edited = edited
		return state

	case Delete:
		deleted := make(map[string]struct{}, len(state.deleted)+1)
		for id := range state.deleted {
			deleted[id] = struct{}{}
		}
		deleted[a.ID] = struct{}{}
		state.deleted = deleted
		state.Messages = remove(state.Messages, a.ID)
		return state

	case Optimistic:
		out := make([]roomchat.Message, len(state.Messages), len(state.Messages)+1)
		copy(out, state.Messages)
		state.Messages = append(out, a.Message)
		return state

	case Rollback:
		if IsTemp(a.TempID) {
			state.Messages = remove(state.Messages, a.TempID)
		}
		return state

	default:
		return state
	}
}

func load(state Timeline, history []roomchat.Message) []roomchat.Message {
	out := make([]roomchat.Message, 0, len(history)+len(state.Messages))
	ids := make(map[string]bool, len(history))
	clientIDs := make(map[string]bool, len(history))
	var newest time.Time
	for _, m := range history {
		ids[m.ID] = true
		if m.ClientID != "" {
			clientIDs[m.ClientID] = true
		}
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
		if _, gone := state.deleted[m.ID]; gone {
			continue
		}
		if e, ok := state.edited[m.ID]; ok && !m.UpdatedAt.After(e.UpdatedAt) {
			if e.Author == nil {
				e.Author = m.Author
			}
			m = e
		}
		out = append(out, m)
	}
	// Rows that arrived through the listener while the history was in
	// flight are newer than anything in it.
	for _, m := range state.Messages {
		if !IsTemp(m.ID) && !ids[m.ID] && m.CreatedAt.After(newest) {
			out = insertSorted(out, m)
		}
	}
	for _, m := range state.Messages {
		if IsTemp(m.ID) && !clientIDs[m.ClientID] {
			out = append(out, m)
		}
	}
	return out
}

func indexOf(state []roomchat.Message, id string) int {
	for i, m := range state {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func remove(state []roomchat.Message, id string) []roomchat.Message {
	idx := indexOf(state, id)
	if idx < 0 {
		return state
	}
	out := make([]roomchat.Message, 0, len(state)-1)
	out = append(out, state[:idx]...)
	return append(out, state[idx+1:]...)
}

// insertSorted places m after every durable message created no later than it
// and before the pending ones. out is owned by the caller.
func insertSorted(out []roomchat.Message, m roomchat.Message) []roomchat.Message {
	pos := len(out)
	for i, existing := range out {
		if IsTemp(existing.ID) || existing.CreatedAt.After(m.CreatedAt) {
			pos = i
			break
		}
	}
	out = append(out, roomchat.Message{})
	copy(out[pos+1:], out[pos:])
	out[pos] = m
	return out
}
