package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	statsTopRooms   = 5
	statsRecent     = 5
	previewMaxRunes = 200
)

// RoomStats is a room with its message count.
type RoomStats struct {
	Name         string `json:"name"`
	MessageCount int64  `json:"message_count"`
}

// MessagePreview is a truncated recent message.
type MessagePreview struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	TotalUsers     int64            `json:"total_users"`
	TotalRooms     int              `json:"total_rooms"`
	TotalMessages  int64            `json:"total_messages"`
	LastActivity   string           `json:"last_activity"`
	TopRooms       []RoomStats      `json:"top_rooms"`
	RecentMessages []MessagePreview `json:"recent_messages"`
}

// Stats reports user and message totals, the busiest rooms and the latest
// messages of the busiest room.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	var (
		resp   StatsResponse
		counts map[string]int64
		last   *time.Time
	)

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() (err error) {
		resp.TotalUsers, err = h.db.CountUsers(ctx)
		return
	})
	g.Go(func() (err error) {
		resp.TotalMessages, err = h.db.CountMessages(ctx)
		return
	})
	g.Go(func() (err error) {
		counts, err = h.db.CountMessagesByRoom(ctx)
		return
	})
	g.Go(func() (err error) {
		last, err = h.db.GetMostRecentMessageTime(ctx)
		return
	})
	if err := g.Wait(); err != nil {
		h.logger.Error().Err(err).Msg("stats query failed")
		h.Error(w, http.StatusInternalServerError, "failed to load stats")
		return
	}

	resp.TotalRooms = len(counts)
	resp.TopRooms = rankRooms(counts, statsTopRooms)
	resp.LastActivity = "no activity yet"
	if last != nil {
		resp.LastActivity = timeAgo(time.Since(*last))
	}

	room := ""
	switch {
	case len(resp.TopRooms) > 0:
		room = resp.TopRooms[0].Name
	case len(h.rooms) > 0:
		room = h.rooms[0]
	}
	resp.RecentMessages = []MessagePreview{}
	if room != "" {
		// Previews are best effort
		msgs, _ := h.db.ListMessages(r.Context(), room, statsRecent, time.Time{})
		for _, m := range msgs {
			p := MessagePreview{
				ID:        m.ID,
				UserID:    m.UserID,
				Username:  "unknown",
				Text:      truncate(m.Text, previewMaxRunes),
				CreatedAt: m.CreatedAt,
			}
			if m.Author != nil {
				p.Username = m.Author.Username
			}
			resp.RecentMessages = append(resp.RecentMessages, p)
		}
	}

	h.JSON(w, http.StatusOK, resp)
}

// rankRooms orders rooms by message count, then name, and keeps the first n.
func rankRooms(counts map[string]int64, n int) []RoomStats {
	rooms := make([]RoomStats, 0, len(counts))
	for name, c := range counts {
		rooms = append(rooms, RoomStats{Name: name, MessageCount: c})
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].MessageCount != rooms[j].MessageCount {
			return rooms[i].MessageCount > rooms[j].MessageCount
		}
		return rooms[i].Name < rooms[j].Name
	})
	if len(rooms) > n {
		rooms = rooms[:n]
	}
	return rooms
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

func timeAgo(d time.Duration) string {
	var n int
	var unit string
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		n, unit = int(d/time.Minute), "minute"
	case d < 24*time.Hour:
		n, unit = int(d/time.Hour), "hour"
	default:
		n, unit = int(d/(24*time.Hour)), "day"
	}
	if n != 1 {
		unit += "s"
	}
	return fmt.Sprintf("%d %s ago", n, unit)
}
