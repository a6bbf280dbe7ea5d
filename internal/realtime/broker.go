package realtime

import (
	"context"

	"github.com/eldtechnologies/roomchat/internal/metrics"
	"github.com/eldtechnologies/roomchat/internal/models"
	"github.com/eldtechnologies/roomchat/internal/store"
)

// Broker carries committed change events from writers to every hub.
type Broker interface {
	Publish(ctx context.Context, ev models.ChangeEvent) error
	// Run delivers events to deliver until ctx is done.
	Run(ctx context.Context, deliver func(models.ChangeEvent)) error
}

// LocalBroker fans events out within a single process.
type LocalBroker struct {
	events chan models.ChangeEvent
}

// NewLocalBroker creates an in-process broker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{events: make(chan models.ChangeEvent, 256)}
}

func (b *LocalBroker) Publish(ctx context.Context, ev models.ChangeEvent) error {
	select {
	case b.events <- ev:
		metrics.ChangeEventsPublished.WithLabelValues(string(ev.Op)).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBroker) Run(ctx context.Context, deliver func(models.ChangeEvent)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-b.events:
			deliver(ev)
		}
	}
}

// RedisBroker fans events out across instances over Redis pub/sub.
type RedisBroker struct {
	redis *store.RedisStore
}

// NewRedisBroker creates a broker on the shared changes channel.
func NewRedisBroker(redis *store.RedisStore) *RedisBroker {
	return &RedisBroker{redis: redis}
}

func (b *RedisBroker) Publish(ctx context.Context, ev models.ChangeEvent) error {
	if err := b.redis.PublishChange(ctx, ev); err != nil {
		return err
	}
	metrics.ChangeEventsPublished.WithLabelValues(string(ev.Op)).Inc()
	return nil
}

func (b *RedisBroker) Run(ctx context.Context, deliver func(models.ChangeEvent)) error {
	return b.redis.SubscribeChanges(ctx, deliver)
}
