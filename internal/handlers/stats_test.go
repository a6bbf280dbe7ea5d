package handlers

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRankRooms(t *testing.T) {
	got := rankRooms(map[string]int64{
		"general": 4, "random": 9, "help": 4, "tech": 1, "dev": 2, "ops": 0,
	}, 5)

	want := []string{"random", "general", "help", "dev", "tech"}
	if len(got) != len(want) {
		t.Fatalf("expected %d rooms, got %+v", len(want), got)
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Errorf("position %d: expected %s, got %s", i, name, got[i].Name)
		}
	}
}

func TestTimeAgo(t *testing.T) {
	tests := map[time.Duration]string{
		10 * time.Second: "just now",
		time.Minute:      "1 minute ago",
		45 * time.Minute: "45 minutes ago",
		2 * time.Hour:    "2 hours ago",
		30 * time.Hour:   "1 day ago",
		72 * time.Hour:   "3 days ago",
	}
	for d, want := range tests {
		if got := timeAgo(d); got != want {
			t.Errorf("timeAgo(%s) = %q, want %q", d, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 200); got != "short" {
		t.Errorf("short text changed: %q", got)
	}
	long := strings.Repeat("é", 250)
	got := truncate(long, 200)
	if n := len([]rune(got)); n != 200 || !strings.HasSuffix(got, "...") {
		t.Errorf("expected 200 runes ending in ..., got %d runes", n)
	}
}

func TestSearchLimit(t *testing.T) {
	for raw, want := range map[string]int{
		"":    defaultSearchLimit,
		"abc": defaultSearchLimit,
		"-4":  defaultSearchLimit,
		"7":   7,
		"500": maxSearchLimit,
	} {
		if got := searchLimit(raw); got != want {
			t.Errorf("searchLimit(%q) = %d, want %d", raw, got, want)
		}
	}
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestCheckPing(t *testing.T) {
	ctx := context.Background()
	if c := checkPing(ctx, nil); c.Status != CheckSkip {
		t.Errorf("nil pinger: %+v", c)
	}
	if c := checkPing(ctx, stubPinger{}); c.Status != CheckPass || c.Latency == "" {
		t.Errorf("healthy pinger: %+v", c)
	}
	if c := checkPing(ctx, stubPinger{err: errors.New("down")}); c.Status != CheckFail {
		t.Errorf("failing pinger: %+v", c)
	}
}
