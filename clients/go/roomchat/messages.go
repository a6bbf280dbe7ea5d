package roomchat

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Profile is the public face of a user.
type Profile struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a chat message row.
type Message struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id,omitempty"`
	Room      string    `json:"room"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	Edited    bool      `json:"edited"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Author    *Profile  `json:"author,omitempty"`
}

// RoomInfo is one entry of the room listing.
type RoomInfo struct {
	Name         string `json:"name"`
	MessageCount int64  `json:"message_count"`
}

type roomListResponse struct {
	Rooms []RoomInfo `json:"rooms"`
	Total int        `json:"total"`
}

// ListRooms returns the known rooms.
func (c *Client) ListRooms(ctx context.Context) ([]RoomInfo, error) {
	var resp roomListResponse
	if err := c.do(ctx, http.MethodGet, "/rooms", nil, &resp, false); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

// MessagePage is one page of a room's history, oldest first.
type MessagePage struct {
	Room     string    `json:"room"`
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// ListOptions narrows a history request. Zero values use server defaults.
type ListOptions struct {
	Limit  int
	Before time.Time
}

// ListMessages fetches messages of a room, oldest first.
func (c *Client) ListMessages(ctx context.Context, room string, opts ListOptions) (*MessagePage, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if !opts.Before.IsZero() {
		q.Set("before", opts.Before.UTC().Format(time.RFC3339Nano))
	}
	path := "/rooms/" + url.PathEscape(room) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page MessagePage
	if err := c.do(ctx, http.MethodGet, path, nil, &page, false); err != nil {
		return nil, err
	}
	return &page, nil
}

type sendRequest struct {
	Text     string `json:"text"`
	ClientID string `json:"client_id,omitempty"`
}

// SendMessage posts a message. A retry with the same clientID returns the
// row created by the first attempt.
func (c *Client) SendMessage(ctx context.Context, room, text, clientID string) (*Message, error) {
	var msg Message
	path := "/rooms/" + url.PathEscape(room) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, sendRequest{Text: text, ClientID: clientID}, &msg, true); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EditMessage replaces the text of one of our messages.
func (c *Client) EditMessage(ctx context.Context, id, text string) (*Message, error) {
	var msg Message
	if err := c.do(ctx, http.MethodPatch, "/messages/"+url.PathEscape(id), sendRequest{Text: text}, &msg, true); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage deletes one of our messages.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(id), nil, nil, true)
}

// GetProfile fetches a user's public profile.
func (c *Client) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	if err := c.do(ctx, http.MethodGet, "/profiles/"+url.PathEscape(userID), nil, &p, false); err != nil {
		return nil, err
	}
	return &p, nil
}

// ProfileUpdate is the body of a profile update.
type ProfileUpdate struct {
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
}

// UpdateProfile replaces the signed-in user's profile.
func (c *Client) UpdateProfile(ctx context.Context, update ProfileUpdate) (*Profile, error) {
	var p Profile
	if err := c.do(ctx, http.MethodPut, "/profiles/me", update, &p, true); err != nil {
		return nil, err
	}
	return &p, nil
}

// SearchResult is a message matched by a search.
type SearchResult struct {
	ID        string    `json:"id"`
	Room      string    `json:"room"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResponse is the response from the search endpoint.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
}

// Search finds messages containing every word of query, optionally in one room.
func (c *Client) Search(ctx context.Context, query, room string, limit int) (*SearchResponse, error) {
	q := url.Values{"q": {query}}
	if room != "" {
		q.Set("room", room)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp SearchResponse
	if err := c.do(ctx, http.MethodGet, "/find?"+q.Encode(), nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RoomStats is a room with its message count.
type RoomStats struct {
	Name         string `json:"name"`
	MessageCount int64  `json:"message_count"`
}

// MessagePreview is a recent message as shown by stats.
type MessagePreview struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// StatsResponse is the response from the stats endpoint.
type StatsResponse struct {
	TotalUsers     int64            `json:"total_users"`
	TotalRooms     int              `json:"total_rooms"`
	TotalMessages  int64            `json:"total_messages"`
	LastActivity   string           `json:"last_activity"`
	TopRooms       []RoomStats      `json:"top_rooms"`
	RecentMessages []MessagePreview `json:"recent_messages"`
}

// Stats returns service-wide counters.
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	var resp StatsResponse
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}
