package roomchat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Record is a row of a REST resource. OwnerID is set for per-user
// collections such as todos.
type Record struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"user_id,omitempty"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Decode unmarshals the record data into v.
func (r *Record) Decode(v any) error {
	return json.Unmarshal(r.Data, v)
}

type recordListResponse struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
}

// Resource is a CRUD collection such as "users" or "posts".
type Resource struct {
	c      *Client
	name   string
	authed bool
}

// Resource returns the public collection with the given name.
func (c *Client) Resource(name string) *Resource {
	return &Resource{c: c, name: name}
}

// Users is the users demo collection.
func (c *Client) Users() *Resource { return c.Resource("users") }

// Posts is the posts demo collection.
func (c *Client) Posts() *Resource { return c.Resource("posts") }

// Todos is the signed-in user's own todo list. Every call needs a session.
func (c *Client) Todos() *Resource {
	return &Resource{c: c, name: "todos", authed: true}
}

func (r *Resource) path(id string) string {
	if id == "" {
		return "/" + r.name
	}
	return "/" + r.name + "/" + url.PathEscape(id)
}

// List returns every record of the collection.
func (r *Resource) List(ctx context.Context) ([]Record, error) {
	var resp recordListResponse
	if err := r.c.do(ctx, http.MethodGet, r.path(""), nil, &resp, r.authed); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// Get returns one record.
func (r *Resource) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	if err := r.c.do(ctx, http.MethodGet, r.path(id), nil, &rec, r.authed); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Create adds a record with the given data.
func (r *Resource) Create(ctx context.Context, data any) (*Record, error) {
	var rec Record
	if err := r.c.do(ctx, http.MethodPost, r.path(""), data, &rec, r.authed); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Update replaces the data of a record.
func (r *Resource) Update(ctx context.Context, id string, data any) (*Record, error) {
	var rec Record
	if err := r.c.do(ctx, http.MethodPut, r.path(id), data, &rec, r.authed); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Delete removes a record.
func (r *Resource) Delete(ctx context.Context, id string) error {
	return r.c.do(ctx, http.MethodDelete, r.path(id), nil, nil, r.authed)
}

// UserField names an editable field of UserRecord.
type UserField int

const (
	UserName UserField = iota
	UserEmail
)

func (f UserField) String() string {
	switch f {
	case UserName:
		return "name"
	case UserEmail:
		return "email"
	}
	return fmt.Sprintf("UserField(%d)", int(f))
}

// ParseUserField maps a field name to its UserField.
func ParseUserField(s string) (UserField, error) {
	switch s {
	case "name":
		return UserName, nil
	case "email":
		return UserEmail, nil
	}
	return 0, fmt.Errorf("unknown user field %q", s)
}

// UserRecord is the data of a users record.
type UserRecord struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// With returns a copy of u with one field replaced.
func (u UserRecord) With(field UserField, value string) UserRecord {
	switch field {
	case UserName:
		u.Name = value
	case UserEmail:
		u.Email = value
	}
	return u
}

// PostRecord is the data of a posts record.
type PostRecord struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// TodoRecord is the data of a todos record.
type TodoRecord struct {
	Task       string `json:"task"`
	IsComplete bool   `json:"is_complete"`
}
