package models

import "time"

// Message represents a chat message row.
type Message struct {
	ID        string    `json:"id"`                  // ULID
	ClientID  string    `json:"client_id,omitempty"` // Correlation id chosen by the sender
	Room      string    `json:"room"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	Edited    bool      `json:"edited"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Author    *Profile  `json:"author,omitempty"`
}
