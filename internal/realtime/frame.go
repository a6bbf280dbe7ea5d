// Package realtime delivers row change notifications and presence state to
// websocket clients.
package realtime

import (
	"encoding/json"
	"strings"

	"github.com/eldtechnologies/roomchat/internal/models"
)

// Frame is the envelope of every websocket message in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Client -> server frame types
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameTrack       = "track"
	FrameUntrack     = "untrack"
	FrameHeartbeat   = "heartbeat"
)

// Server -> client frame types
const (
	FrameSubscribed    = "subscribed"
	FrameUnsubscribed  = "unsubscribed"
	FrameChange        = "change"
	FramePresenceSync  = "presence_sync"
	FramePresenceJoin  = "presence_join"
	FramePresenceLeave = "presence_leave"
	FrameError         = "error"
)

// PresenceState is the payload of a presence_sync frame.
type PresenceState struct {
	Entries []models.PresenceEntry `json:"entries"`
}

// PresenceDiff is the payload of presence_join and presence_leave frames.
type PresenceDiff struct {
	Key     string                 `json:"key"`
	Entries []models.PresenceEntry `json:"entries"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Message string `json:"message"`
}

const roomPrefix = "room:"

// RoomChannel returns the channel carrying change events for a room.
func RoomChannel(room string) string {
	return roomPrefix + room
}

// RoomFromChannel extracts the room of a room channel.
func RoomFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, roomPrefix) || len(channel) == len(roomPrefix) {
		return "", false
	}
	return strings.TrimPrefix(channel, roomPrefix), true
}

// encodeFrame marshals a frame with the given payload.
func encodeFrame(typ, channel, ref string, payload any) []byte {
	f := Frame{Type: typ, Channel: channel, Ref: ref}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil
		}
		f.Data = data
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil
	}
	return b
}
