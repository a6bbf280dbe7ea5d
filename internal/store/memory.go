package store

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryRevoker keeps signed-out token ids in process memory.
// Used when Redis is not configured; revocations do not survive a restart.
type MemoryRevoker struct {
	cache *ttlcache.Cache[string, struct{}]
}

// NewMemoryRevoker creates a revoker and starts its expiry loop until ctx is done.
func NewMemoryRevoker(ctx context.Context) *MemoryRevoker {
	cache := ttlcache.New[string, struct{}](
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go cache.Start()
	go func() {
		<-ctx.Done()
		cache.Stop()
	}()
	return &MemoryRevoker{cache: cache}
}

// Revoke marks a session token id as signed out.
func (m *MemoryRevoker) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	m.cache.Set(jti, struct{}{}, ttl)
	return nil
}

// IsRevoked checks whether a session token id was signed out.
func (m *MemoryRevoker) IsRevoked(ctx context.Context, jti string) bool {
	return m.cache.Has(jti)
}
