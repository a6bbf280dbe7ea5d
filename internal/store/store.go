package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/roomchat/internal/models"
)

var (
	// ErrConflict is returned when a unique constraint rejects a write:
	// a duplicate email on CreateUser or a reused client id on InsertMessage.
	ErrConflict = errors.New("store: conflict")
)

// DataStore defines the interface for durable storage of users, profiles,
// messages and demo records. Both PostgresStore and SQLiteStore implement it.
// Lookups return (nil, nil) when the row does not exist.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// User operations
	CreateUser(ctx context.Context, email, passwordHash string) (*models.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CountUsers(ctx context.Context) (int64, error)

	// Profile operations
	UpsertProfile(ctx context.Context, id uuid.UUID, username, avatarURL string) (*models.Profile, error)
	GetProfile(ctx context.Context, id uuid.UUID) (*models.Profile, error)

	// Message operations
	InsertMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	GetMessageByClientID(ctx context.Context, userID, clientID string) (*models.Message, error)
	UpdateMessageText(ctx context.Context, id, text string) (*models.Message, error)
	DeleteMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessages(ctx context.Context, room string, limit int, before time.Time) ([]models.Message, error)
	CountMessagesByRoom(ctx context.Context) (map[string]int64, error)
	CountMessages(ctx context.Context) (int64, error)
	GetMostRecentMessageTime(ctx context.Context) (*time.Time, error)

	// Record operations
	// ownerID is empty for public resources. ListRecords with an empty
	// ownerID lists every record of the resource.
	CreateRecord(ctx context.Context, resource, ownerID string, data json.RawMessage) (*models.Record, error)
	GetRecord(ctx context.Context, resource, id string) (*models.Record, error)
	ListRecords(ctx context.Context, resource, ownerID string) ([]models.Record, error)
	UpdateRecord(ctx context.Context, resource, id string, data json.RawMessage) (*models.Record, error)
	DeleteRecord(ctx context.Context, resource, id string) (bool, error)
}

// TokenRevoker remembers signed-out session tokens until they would expire anyway.
// RedisStore and MemoryRevoker implement it.
type TokenRevoker interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) bool
}
