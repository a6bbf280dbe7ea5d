package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/roomchat/internal/ids"
	"github.com/eldtechnologies/roomchat/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateUser creates a new user record.
func (s *PostgresStore) CreateUser(ctx context.Context, email, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, password_hash)
		VALUES ($1, $2, $3)
		RETURNING id, email, password_hash, created_at
	`, ids.NewUserID(), email, passwordHash).Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.CreatedAt,
	)
	if err != nil {
		if isPgUnique(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return user, nil
}

func scanPgUser(row pgx.Row) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

// GetUserByID retrieves a user by ID.
func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return scanPgUser(s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, created_at FROM users WHERE id = $1
	`, id))
}

// GetUserByEmail retrieves a user by email.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanPgUser(s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, created_at FROM users WHERE email = $1
	`, email))
}

// CountUsers returns the total number of registered users.
func (s *PostgresStore) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

// UpsertProfile creates or updates a profile.
func (s *PostgresStore) UpsertProfile(ctx context.Context, id uuid.UUID, username, avatarURL string) (*models.Profile, error) {
	profile := &models.Profile{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO profiles (id, username, avatar_url)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			avatar_url = EXCLUDED.avatar_url,
			updated_at = NOW()
		RETURNING id, username, avatar_url, created_at, updated_at
	`, id, username, avatarURL).Scan(
		&profile.ID,
		&profile.Username,
		&profile.AvatarURL,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// GetProfile retrieves a profile by user ID.
func (s *PostgresStore) GetProfile(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	profile := &models.Profile{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, avatar_url, created_at, updated_at FROM profiles WHERE id = $1
	`, id).Scan(
		&profile.ID,
		&profile.Username,
		&profile.AvatarURL,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return profile, nil
}

const pgMessageColumns = `
	m.id, COALESCE(m.client_id, ''), m.room, m.user_id::text, m.text, m.edited,
	m.created_at, m.updated_at, p.username, p.avatar_url
	FROM messages m LEFT JOIN profiles p ON p.id = m.user_id`

func scanPgMessage(row pgx.Row) (*models.Message, error) {
	msg := &models.Message{}
	var username, avatarURL *string
	err := row.Scan(
		&msg.ID,
		&msg.ClientID,
		&msg.Room,
		&msg.UserID,
		&msg.Text,
		&msg.Edited,
		&msg.CreatedAt,
		&msg.UpdatedAt,
		&username,
		&avatarURL,
	)
	if err != nil {
		return nil, err
	}
	if username != nil {
		msg.Author = &models.Profile{Username: *username}
		if avatarURL != nil {
			msg.Author.AvatarURL = *avatarURL
		}
		msg.Author.ID, _ = uuid.Parse(msg.UserID)
	}
	return msg, nil
}

// InsertMessage stores a new message, assigning its ID and timestamps.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	msg.ID = ids.NewRowID()

	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, client_id, room, user_id, text)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, msg.ID, nullIfEmpty(msg.ClientID), msg.Room, msg.UserID, msg.Text).Scan(
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		if isPgUnique(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (s *PostgresStore) queryMessage(ctx context.Context, where string, args ...any) (*models.Message, error) {
	msg, err := scanPgMessage(s.pool.QueryRow(ctx, `SELECT `+pgMessageColumns+` WHERE `+where, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// GetMessage retrieves a message by ID.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return s.queryMessage(ctx, `m.id = $1`, id)
}

// GetMessageByClientID retrieves the message a user sent with the given correlation id.
func (s *PostgresStore) GetMessageByClientID(ctx context.Context, userID, clientID string) (*models.Message, error) {
	return s.queryMessage(ctx, `m.user_id = $1 AND m.client_id = $2`, userID, clientID)
}

// UpdateMessageText replaces the text of a message and marks it edited.
func (s *PostgresStore) UpdateMessageText(ctx context.Context, id, text string) (*models.Message, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET text = $1, edited = TRUE, updated_at = NOW() WHERE id = $2
	`, text, id)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}
	return s.GetMessage(ctx, id)
}

// DeleteMessage removes a message and returns the deleted row.
func (s *PostgresStore) DeleteMessage(ctx context.Context, id string) (*models.Message, error) {
	old, err := s.GetMessage(ctx, id)
	if err != nil || old == nil {
		return nil, err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return old, nil
}

// ListMessages returns up to limit messages of a room in ascending creation
// order, newest page first. A non-zero before restricts to older messages.
func (s *PostgresStore) ListMessages(ctx context.Context, room string, limit int, before time.Time) ([]models.Message, error) {
	if before.IsZero() {
		before = time.Now().Add(time.Hour)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+pgMessageColumns+`
		WHERE m.room = $1 AND m.created_at < $2
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $3
	`, room, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		msg, err := scanPgMessage(rows)
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

// CountMessagesByRoom returns the number of messages in every room that has any.
func (s *PostgresStore) CountMessagesByRoom(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT room, COUNT(*) FROM messages GROUP BY room`)
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
func (s *PostgresStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// GetMostRecentMessageTime returns the creation time of the newest message.
func (s *PostgresStore) GetMostRecentMessageTime(ctx context.Context) (*time.Time, error) {
	var t *time.Time
	if err := s.pool.QueryRow(ctx, `SELECT MAX(created_at) FROM messages`).Scan(&t); err != nil {
		return nil, err
	}
	return t, nil
}

// CreateRecord stores a new record.
func (s *PostgresStore) CreateRecord(ctx context.Context, resource, ownerID string, data json.RawMessage) (*models.Record, error) {
	rec := &models.Record{ID: ids.NewRowID(), Resource: resource, OwnerID: ownerID, Data: data}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO records (id, resource, user_id, data)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, rec.ID, resource, ownerID, string(data)).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func scanPgRecord(row pgx.Row, resource string) (*models.Record, error) {
	rec := &models.Record{Resource: resource}
	var data string
	if err := row.Scan(&rec.ID, &rec.OwnerID, &data, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Data = json.RawMessage(data)
	return rec, nil
}

// GetRecord retrieves a record.
func (s *PostgresStore) GetRecord(ctx context.Context, resource, id string) (*models.Record, error) {
	rec, err := scanPgRecord(s.pool.QueryRow(ctx, `
		SELECT id, user_id, data::text, created_at, updated_at FROM records WHERE resource = $1 AND id = $2
	`, resource, id), resource)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// ListRecords lists the records of a resource, oldest first.
func (s *PostgresStore) ListRecords(ctx context.Context, resource, ownerID string) ([]models.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, data::text, created_at, updated_at FROM records
		WHERE resource = $1 AND ($2 = '' OR user_id = $2)
		ORDER BY created_at ASC, id ASC
	`, resource, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []models.Record{}
	for rows.Next() {
		rec, err := scanPgRecord(rows, resource)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// UpdateRecord replaces the data of a record.
func (s *PostgresStore) UpdateRecord(ctx context.Context, resource, id string, data json.RawMessage) (*models.Record, error) {
	rec, err := scanPgRecord(s.pool.QueryRow(ctx, `
		UPDATE records SET data = $1, updated_at = NOW()
		WHERE resource = $2 AND id = $3
		RETURNING id, user_id, data::text, created_at, updated_at
	`, string(data), resource, id), resource)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// DeleteRecord removes a record, reporting whether it existed.
func (s *PostgresStore) DeleteRecord(ctx context.Context, resource, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM records WHERE resource = $1 AND id = $2`, resource, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
