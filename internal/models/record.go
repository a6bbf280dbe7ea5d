package models

import (
	"encoding/json"
	"time"
)

// Record is a schemaless row of one of the REST resources. OwnerID is set
// only for resources owned by a user, such as todos.
type Record struct {
	ID        string          `json:"id"`
	Resource  string          `json:"-"`
	OwnerID   string          `json:"user_id,omitempty"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
