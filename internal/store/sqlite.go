package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/roomchat/internal/ids"
	"github.com/eldtechnologies/roomchat/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/roomchat.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/roomchat.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		avatar_url TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		client_id TEXT,
		room TEXT NOT NULL,
		user_id TEXT NOT NULL,
		text TEXT NOT NULL,
		edited INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (user_id, client_id)
	);

	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		resource TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		data TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room, created_at);
	CREATE INDEX IF NOT EXISTS idx_records_resource ON records(resource);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	// Databases created before records had owners
	_, err := s.db.ExecContext(ctx, `ALTER TABLE records ADD COLUMN user_id TEXT NOT NULL DEFAULT ''`)
	if err != nil && !strings.Contains(err.Error(), "duplicate column name") {
		return err
	}
	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_records_resource_user ON records(resource, user_id)`)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isSQLiteUnique(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// CreateUser creates a new user record.
func (s *SQLiteStore) CreateUser(ctx context.Context, email, passwordHash string) (*models.User, error) {
	user := &models.User{
		ID:           ids.NewUserID(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, created_at)
		VALUES (?, ?, ?, ?)
	`, user.ID.String(), user.Email, user.PasswordHash, user.CreatedAt)
	if err != nil {
		if isSQLiteUnique(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return user, nil
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*models.User, error) {
	user := &models.User{}
	var idStr string
	err := row.Scan(&idStr, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	user.ID = uuid.MustParse(idStr)
	return user, nil
}

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at FROM users WHERE id = ?
	`, id.String()))
}

// GetUserByEmail retrieves a user by email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at FROM users WHERE email = ?
	`, email))
}

// CountUsers returns the total number of registered users.
func (s *SQLiteStore) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

// UpsertProfile creates or updates a profile.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, id uuid.UUID, username, avatarURL string) (*models.Profile, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, username, avatar_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			username = excluded.username,
			avatar_url = excluded.avatar_url,
			updated_at = excluded.updated_at
	`, id.String(), username, avatarURL, now, now)
	if err != nil {
		return nil, err
	}
	return s.GetProfile(ctx, id)
}

// GetProfile retrieves a profile by user ID.
func (s *SQLiteStore) GetProfile(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	profile := &models.Profile{ID: id}
	err := s.db.QueryRowContext(ctx, `
		SELECT username, avatar_url, created_at, updated_at FROM profiles WHERE id = ?
	`, id.String()).Scan(
		&profile.Username,
		&profile.AvatarURL,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return profile, nil
}

const sqliteMessageColumns = `
	m.id, COALESCE(m.client_id, ''), m.room, m.user_id, m.text, m.edited,
	m.created_at, m.updated_at, p.username, p.avatar_url
	FROM messages m LEFT JOIN profiles p ON p.id = m.user_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var edited int
	var username, avatarURL sql.NullString
	err := row.Scan(
		&msg.ID,
		&msg.ClientID,
		&msg.Room,
		&msg.UserID,
		&msg.Text,
		&edited,
		&msg.CreatedAt,
		&msg.UpdatedAt,
		&username,
		&avatarURL,
	)
	if err != nil {
		return nil, err
	}
	msg.Edited = edited == 1
	msg.Author = embedAuthor(msg.UserID, username, avatarURL)
	return msg, nil
}

// embedAuthor builds the joined author profile, if the user has one.
func embedAuthor(userID string, username, avatarURL sql.NullString) *models.Profile {
	if !username.Valid {
		return nil
	}
	id, err := uuid.Parse(userID)
	if err != nil {
		return nil
	}
	return &models.Profile{ID: id, Username: username.String, AvatarURL: avatarURL.String}
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// InsertMessage stores a new message, assigning its ID and timestamps.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	msg.ID = ids.NewRowID()
	msg.CreatedAt = time.Now().UTC()
	msg.UpdatedAt = msg.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, client_id, room, user_id, text, edited, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
	`, msg.ID, nullIfEmpty(msg.ClientID), msg.Room, msg.UserID, msg.Text, msg.CreatedAt, msg.UpdatedAt)
	if err != nil {
		if isSQLiteUnique(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) queryMessage(ctx context.Context, where string, args ...any) (*models.Message, error) {
	msg, err := scanSQLiteMessage(s.db.QueryRowContext(ctx, `SELECT `+sqliteMessageColumns+` WHERE `+where, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return s.queryMessage(ctx, `m.id = ?`, id)
}

// GetMessageByClientID retrieves the message a user sent with the given correlation id.
func (s *SQLiteStore) GetMessageByClientID(ctx context.Context, userID, clientID string) (*models.Message, error) {
	return s.queryMessage(ctx, `m.user_id = ? AND m.client_id = ?`, userID, clientID)
}

// UpdateMessageText replaces the text of a message and marks it edited.
func (s *SQLiteStore) UpdateMessageText(ctx context.Context, id, text string) (*models.Message, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET text = ?, edited = 1, updated_at = ? WHERE id = ?
	`, text, time.Now().UTC(), id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.GetMessage(ctx, id)
}

// DeleteMessage removes a message and returns the deleted row.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) (*models.Message, error) {
	old, err := s.GetMessage(ctx, id)
	if err != nil || old == nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return old, nil
}

// ListMessages returns up to limit messages of a room in ascending creation
// order, newest page first. A non-zero before restricts to older messages.
func (s *SQLiteStore) ListMessages(ctx context.Context, room string, limit int, before time.Time) ([]models.Message, error) {
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Hour)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteMessageColumns+`
		WHERE m.room = ? AND m.created_at < ?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?
	`, room, before.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reverseMessages(messages)
	return messages, nil
}

func reverseMessages(messages []models.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}

// CountMessagesByRoom returns the number of messages in every room that has any.
func (s *SQLiteStore) CountMessagesByRoom(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT room, COUNT(*) FROM messages GROUP BY room`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var room string
		var count int64
		if err := rows.Scan(&room, &count); err != nil {
			return nil, err
		}
		counts[room] = count
	}
	return counts, rows.Err()
}

// CountMessages returns the total number of stored messages.
func (s *SQLiteStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// GetMostRecentMessageTime returns the creation time of the newest message.
func (s *SQLiteStore) GetMostRecentMessageTime(ctx context.Context) (*time.Time, error) {
	// Aggregates lose the column type, so the driver hands back text.
	var raw sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM messages`).Scan(&raw); err != nil {
		return nil, err
	}
	if !raw.Valid {
		return nil, nil
	}
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if t, err := time.Parse(layout, raw.String); err == nil {
			return &t, nil
		}
	}
	return nil, nil
}

// CreateRecord stores a new record.
func (s *SQLiteStore) CreateRecord(ctx context.Context, resource, ownerID string, data json.RawMessage) (*models.Record, error) {
	now := time.Now().UTC()
	rec := &models.Record{
		ID:        ids.NewRowID(),
		Resource:  resource,
		OwnerID:   ownerID,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, resource, user_id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, resource, ownerID, string(data), now, now)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func scanSQLiteRecord(row rowScanner, resource string) (*models.Record, error) {
	rec := &models.Record{Resource: resource}
	var data string
	if err := row.Scan(&rec.ID, &rec.OwnerID, &data, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Data = json.RawMessage(data)
	return rec, nil
}

// GetRecord retrieves a record.
func (s *SQLiteStore) GetRecord(ctx context.Context, resource, id string) (*models.Record, error) {
	rec, err := scanSQLiteRecord(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, data, created_at, updated_at FROM records WHERE resource = ? AND id = ?
	`, resource, id), resource)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// ListRecords lists the records of a resource, oldest first.
// An empty ownerID lists every owner's records.
func (s *SQLiteStore) ListRecords(ctx context.Context, resource, ownerID string) ([]models.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, data, created_at, updated_at FROM records
		WHERE resource = ? AND (? = '' OR user_id = ?)
		ORDER BY created_at ASC, id ASC
	`, resource, ownerID, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []models.Record{}
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows, resource)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// UpdateRecord replaces the data of a record.
func (s *SQLiteStore) UpdateRecord(ctx context.Context, resource, id string, data json.RawMessage) (*models.Record, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET data = ?, updated_at = ? WHERE resource = ? AND id = ?
	`, string(data), time.Now().UTC(), resource, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.GetRecord(ctx, resource, id)
}

// DeleteRecord removes a record, reporting whether it existed.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, resource, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE resource = ? AND id = ?`, resource, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
