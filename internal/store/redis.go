package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/roomchat/internal/models"
)

// ChangesChannel is the pub/sub channel carrying row changes between instances.
const ChangesChannel = "roomchat:changes"

// RedisStore backs cross-instance change fan-out, message search and
// session revocation.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Client exposes the underlying client for the rate limiter.
func (s *RedisStore) Client() *redis.Client { return s.client }

// Close closes the connection pool.
func (s *RedisStore) Close() error { return s.client.Close() }

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// PublishChange sends ev to every instance listening on ChangesChannel.
func (s *RedisStore) PublishChange(ctx context.Context, ev models.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, ChangesChannel, payload).Err()
}

// SubscribeChanges calls fn for every change on ChangesChannel until ctx is
// done. It returns only after the subscription is confirmed, so nothing
// published afterwards is missed. Undecodable payloads are dropped.
func (s *RedisStore) SubscribeChanges(ctx context.Context, fn func(models.ChangeEvent)) error {
	sub := s.client.Subscribe(ctx, ChangesChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev models.ChangeEvent
			if json.Unmarshal([]byte(m.Payload), &ev) == nil {
				fn(ev)
			}
		}
	}
}

func revokedKey(jti string) string {
	return "roomchat:revoked:" + jti
}

// Revoke marks a session token id as signed out until ttl passes.
func (s *RedisStore) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	return s.client.Set(ctx, revokedKey(jti), 1, ttl).Err()
}

// IsRevoked reports whether jti was signed out. Lookup errors count as not
// revoked.
func (s *RedisStore) IsRevoked(ctx context.Context, jti string) bool {
	n, err := s.client.Exists(ctx, revokedKey(jti)).Result()
	return err == nil && n > 0
}
