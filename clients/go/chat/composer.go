package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/eldtechnologies/roomchat/clients/go/querycache"
	"github.com/eldtechnologies/roomchat/clients/go/roomchat"
)

// MaxMessageLength is the longest message text in runes.
const MaxMessageLength = 1000

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = fmt.Errorf("message is longer than %d characters", MaxMessageLength)
	ErrPending        = errors.New("message is still being sent")
)

// Writer performs durable message writes.
type Writer interface {
	SendMessage(ctx context.Context, room, text, clientID string) (*roomchat.Message, error)
	EditMessage(ctx context.Context, id, text string) (*roomchat.Message, error)
	DeleteMessage(ctx context.Context, id string) error
}

// Identity is the signed-in user as shown on pending messages.
type Identity struct {
	UserID   string
	Username string
}

// SendError is a failed send whose pending message has been rolled back.
type SendError struct {
	TempID string
	Err    error
}

func (e *SendError) Error() string {
	return "send failed: " + e.Err.Error()
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Composer writes a room's messages, showing sends in the cache before the
// service confirms them.
type Composer struct {
	room   string
	writer Writer
	cache  *querycache.Cache
	self   Identity
}

// NewComposer creates a composer for room posting as self.
func NewComposer(room string, writer Writer, cache *querycache.Cache, self Identity) *Composer {
	return &Composer{room: room, writer: writer, cache: cache, self: self}
}

func validateText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return "", ErrMessageTooLong
	}
	return text, nil
}

func (c *Composer) patch(a Action) {
	querycache.PatchAs(c.cache, MessagesKey(c.room), func(state Timeline) Timeline {
		return Reduce(state, a)
	})
}

// Send posts text. A pending copy is in the cache until the service answers;
// it is then replaced by the stored message, or removed on failure.
func (c *Composer) Send(ctx context.Context, text string) (*roomchat.Message, error) {
	text, err := validateText(text)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	pending := roomchat.Message{
		ID:        NewTempID(),
		ClientID:  uuid.NewString(),
		Room:      c.room,
		UserID:    c.self.UserID,
		Text:      text,
		CreatedAt: now,
		UpdatedAt: now,
		Author:    &roomchat.Profile{ID: c.self.UserID, Username: c.self.Username},
	}
	c.patch(Optimistic{Message: pending})

	msg, err := c.writer.SendMessage(ctx, c.room, text, pending.ClientID)
	if err != nil {
		c.patch(Rollback{TempID: pending.ID})
		return nil, &SendError{TempID: pending.ID, Err: err}
	}

	c.patch(Insert{Message: *msg})
	return msg, nil
}

// Edit replaces the text of one of our stored messages.
func (c *Composer) Edit(ctx context.Context, id, text string) (*roomchat.Message, error) {
	if IsTemp(id) {
		return nil, ErrPending
	}
	text, err := validateText(text)
	if err != nil {
		return nil, err
	}

	msg, err := c.writer.EditMessage(ctx, id, text)
	if err != nil {
		return nil, err
	}
	c.patch(Update{Message: *msg})
	return msg, nil
}

// Delete removes one of our stored messages.
func (c *Composer) Delete(ctx context.Context, id string) error {
	if IsTemp(id) {
		return ErrPending
	}
	if err := c.writer.DeleteMessage(ctx, id); err != nil {
		return err
	}
	c.patch(Delete{ID: id})
	return nil
}
