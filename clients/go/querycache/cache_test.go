package querycache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestNewKey(t *testing.T) {
	assert.Equal(t, NewKey("messages"), Key("messages"))
	assert.Equal(t, NewKey("messages", "general"), Key("messages:general"))
	assert.Equal(t, NewKey("profile", "a", "b"), Key("profile:a:b"))
}

func TestGetSetPatch(t *testing.T) {
	c := New(Options{})
	key := NewKey("counter")

	_, ok := c.Get(key)
	assert.Equal(t, ok, false)

	c.Set(key, 1)
	PatchAs(c, key, func(n int) int { return n + 1 })
	n, ok := GetAs[int](c, key)
	assert.Equal(t, ok, true)
	assert.Equal(t, n, 2)

	PatchAs(c, NewKey("missing"), func(n int) int { return n + 10 })
	n, _ = GetAs[int](c, NewKey("missing"))
	assert.Equal(t, n, 10)

	c.Remove(key)
	_, ok = c.Get(key)
	assert.Equal(t, ok, false)
}

func TestConcurrentPatchesLoseNothing(t *testing.T) {
	c := New(Options{})
	key := NewKey("list")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			PatchAs(c, key, func(xs []int) []int { return append(xs, i) })
		}()
	}
	wg.Wait()

	xs, _ := GetAs[[]int](c, key)
	assert.Equal(t, len(xs), 100)
}

func TestPatchesApplyInIssueOrder(t *testing.T) {
	c := New(Options{})
	key := NewKey("seq")
	for i := 0; i < 10; i++ {
		PatchAs(c, key, func(xs []int) []int { return append(xs, i) })
	}
	xs, _ := GetAs[[]int](c, key)
	assert.Equal(t, xs, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
}

func TestWatchSeesLatestValue(t *testing.T) {
	c := New(Options{})
	key := NewKey("room")
	c.Set(key, "initial")

	ch, stop := c.Watch(key)
	assert.Equal(t, <-ch, "initial")

	c.Set(key, "a")
	c.Set(key, "b")
	assert.Equal(t, <-ch, "b")

	stop()
	stop()
	_, open := <-ch
	assert.Equal(t, open, false)

	c.Set(key, "c")
}

func TestFetchRetriesOnce(t *testing.T) {
	c := New(Options{RetryDelay: time.Millisecond})
	key := NewKey("flaky")

	calls := 0
	v, err := c.Fetch(context.Background(), key, func(context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("network down")
		}
		return "ok", nil
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, v, "ok")
	assert.Equal(t, calls, 2)

	calls = 0
	_, err = c.Fetch(context.Background(), NewKey("broken"), func(context.Context) (any, error) {
		calls++
		return nil, errors.New("still down")
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, calls, 2)
	_, ok := c.Get(NewKey("broken"))
	assert.Equal(t, ok, false)
}

func TestFetchAfterCancelDoesNotWrite(t *testing.T) {
	c := New(Options{})
	key := NewKey("messages", "general")

	ctx, cancel := context.WithCancel(context.Background())
	_, err := c.Fetch(ctx, key, func(context.Context) (any, error) {
		cancel()
		return []string{"late"}, nil
	})
	assert.Equal(t, errors.Is(err, context.Canceled), true)

	_, ok := c.Get(key)
	assert.Equal(t, ok, false)
}

func TestFetchServesFreshValues(t *testing.T) {
	c := New(Options{StaleTime: time.Hour})
	key := NewKey("profile", "u1")

	calls := 0
	fetch := func(context.Context) (any, error) {
		calls++
		return calls, nil
	}

	v, _ := c.Fetch(context.Background(), key, fetch)
	assert.Equal(t, v, 1)
	v, _ = c.Fetch(context.Background(), key, fetch)
	assert.Equal(t, v, 1)

	c.Invalidate(key)
	v, _ = c.Fetch(context.Background(), key, fetch)
	assert.Equal(t, v, 2)

	c.InvalidatePrefix("profile")
	v, _ = c.Fetch(context.Background(), key, fetch)
	assert.Equal(t, v, 3)
}

func TestFetchMerge(t *testing.T) {
	c := New(Options{})
	key := NewKey("list")
	c.Set(key, []string{"pending"})

	v, err := c.FetchMerge(context.Background(), key, func(context.Context) (any, error) {
		return []string{"durable"}, nil
	}, func(old any, ok bool, fetched any) any {
		assert.Equal(t, ok, true)
		return append(fetched.([]string), old.([]string)...)
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, v, []string{"durable", "pending"})
}
