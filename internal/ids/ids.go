// Package ids generates the identifiers stored with rows.
package ids

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewUserID returns a time-ordered UUIDv7, so user rows cluster by signup.
func NewUserID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewRowID returns a ULID string. Ids sort in creation order, which message
// paging relies on for tie-breaks.
func NewRowID() string {
	return ulid.Make().String()
}
