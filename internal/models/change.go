package models

import "time"

// ChangeOp tags a row-level change notification.
type ChangeOp string

const (
	OpInsert ChangeOp = "INSERT"
	OpUpdate ChangeOp = "UPDATE"
	OpDelete ChangeOp = "DELETE"
)

// ChangeEvent describes a single row change on a watched table.
type ChangeEvent struct {
	Op              ChangeOp  `json:"op"`
	Table           string    `json:"table"`
	Room            string    `json:"room"`
	New             *Message  `json:"new,omitempty"`
	Old             *Message  `json:"old,omitempty"`
	CommitTimestamp time.Time `json:"commit_timestamp"`
}

// PresenceEntry is the ephemeral state a client tracks on a presence channel.
type PresenceEntry struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username,omitempty"`
	OnlineAt time.Time `json:"online_at"`
}
