package chat

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/eldtechnologies/roomchat/clients/go/querycache"
	"github.com/eldtechnologies/roomchat/clients/go/roomchat"
)

// HistoryLimit is how many messages a room loads when opened.
const HistoryLimit = 50

// Service is everything a Room needs from the remote data service.
// *roomchat.Client implements it.
type Service interface {
	Writer
	Feed
	ProfileSource
	ListMessages(ctx context.Context, room string, opts roomchat.ListOptions) (*roomchat.MessagePage, error)
}

// RoomOptions configures a Room.
type RoomOptions struct {
	Logger        zerolog.Logger
	OnStateChange func(ListenerState)
}

// Room is an open chat room: its history load, its listener and a composer
// writing to it, all sharing one cache entry.
type Room struct {
	*Composer

	name     string
	svc      Service
	cache    *querycache.Cache
	listener *Listener

	cancel context.CancelFunc
	group  errgroup.Group
	loaded chan struct{}

	mu      sync.Mutex
	loadErr error
}

// Open starts loading room's history and listening for its changes. Close
// must be called to release it.
func Open(ctx context.Context, svc Service, cache *querycache.Cache, room string, self Identity, opts RoomOptions) *Room {
	ctx, cancel := context.WithCancel(ctx)

	r := &Room{
		Composer: NewComposer(room, svc, cache, self),
		name:     room,
		svc:      svc,
		cache:    cache,
		cancel:   cancel,
		loaded:   make(chan struct{}),
		listener: NewListener(room, svc, cache, ListenerOptions{
			Profiles:      svc,
			Logger:        opts.Logger,
			OnStateChange: opts.OnStateChange,
		}),
	}

	r.group.Go(func() error {
		err := r.listener.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	r.group.Go(func() error {
		defer close(r.loaded)
		err := r.load(ctx)
		r.mu.Lock()
		r.loadErr = err
		r.mu.Unlock()
		return nil
	})
	return r
}

func (r *Room) load(ctx context.Context) error {
	_, err := r.cache.FetchMerge(ctx, MessagesKey(r.name), func(ctx context.Context) (any, error) {
		page, err := r.svc.ListMessages(ctx, r.name, roomchat.ListOptions{Limit: HistoryLimit})
		if err != nil {
			return nil, err
		}
		return page.Messages, nil
	}, func(old any, _ bool, fetched any) any {
		state, _ := old.(Timeline)
		return Reduce(state, Load{Messages: fetched.([]roomchat.Message)})
	})
	return err
}

// Name returns the room name.
func (r *Room) Name() string {
	return r.name
}

// Wait blocks until the initial history load has finished and returns its
// error.
func (r *Room) Wait(ctx context.Context) error {
	select {
	case <-r.loaded:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh reloads the history.
func (r *Room) Refresh(ctx context.Context) error {
	r.cache.Invalidate(MessagesKey(r.name))
	return r.load(ctx)
}

// State returns the listener's connection state.
func (r *Room) State() ListenerState {
	return r.listener.State()
}

// Messages returns the room's current messages, oldest first.
func (r *Room) Messages() []roomchat.Message {
	tl, _ := querycache.GetAs[Timeline](r.cache, MessagesKey(r.name))
	return tl.Messages
}

// Watch returns a channel carrying the room's messages after every change,
// and a function that stops it.
func (r *Room) Watch() (<-chan []roomchat.Message, func()) {
	src, stop := r.cache.Watch(MessagesKey(r.name))
	out := make(chan []roomchat.Message, 1)
	go func() {
		defer close(out)
		for v := range src {
			tl, _ := v.(Timeline)
			select {
			case <-out:
			default:
			}
			out <- tl.Messages
		}
	}()
	return out, stop
}

// Close cancels the history load and the listener and waits for both.
func (r *Room) Close() error {
	r.cancel()
	return r.group.Wait()
}
