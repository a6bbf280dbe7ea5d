package roomchat

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// AuthEvent names a session change.
type AuthEvent string

const (
	SignedIn  AuthEvent = "SIGNED_IN"
	SignedOut AuthEvent = "SIGNED_OUT"
)

// AuthListener is notified of session changes. session is nil on SignedOut.
type AuthListener func(event AuthEvent, session *Session)

// OnAuthStateChange registers fn for session changes and returns a function
// that unregisters it.
func (c *Client) OnAuthStateChange(fn AuthListener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) setSession(s *Session, event AuthEvent) error {
	c.mu.Lock()
	c.session = s
	listeners := make([]AuthListener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	err := c.saveSession(s)
	for _, fn := range listeners {
		fn(event, s)
	}
	return err
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignUp creates an account and signs in.
func (c *Client) SignUp(ctx context.Context, email, password string) (*Session, error) {
	return c.authenticate(ctx, "/auth/signup", email, password)
}

// SignIn signs in with email and password.
func (c *Client) SignIn(ctx context.Context, email, password string) (*Session, error) {
	return c.authenticate(ctx, "/auth/signin", email, password)
}

func (c *Client) authenticate(ctx context.Context, path, email, password string) (*Session, error) {
	if email == "" || password == "" {
		return nil, &APIError{Status: http.StatusBadRequest, Message: "email and password are required"}
	}

	var s Session
	if err := c.do(ctx, http.MethodPost, path, credentials{Email: email, Password: password}, &s, false); err != nil {
		return nil, err
	}
	if err := c.setSession(&s, SignedIn); err != nil {
		return &s, err
	}
	return &s, nil
}

// SignOut revokes the current session on the server and forgets it locally.
// The local session is cleared even when the server call fails.
func (c *Client) SignOut(ctx context.Context) error {
	if c.Session() == nil {
		return ErrNotSignedIn
	}

	err := c.do(ctx, http.MethodPost, "/auth/signout", nil, nil, true)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.IsUnauthorized() {
		// Already invalid server-side
		err = nil
	}

	if serr := c.setSession(nil, SignedOut); err == nil {
		err = serr
	}
	return err
}

// SessionInfo is the server's view of the current session.
type SessionInfo struct {
	User      User      `json:"user"`
	Profile   Profile   `json:"profile"`
	ExpiresAt time.Time `json:"expires_at"`
}

// WhoAmI returns the signed-in user and profile. An unauthorized response
// clears the local session.
func (c *Client) WhoAmI(ctx context.Context) (*SessionInfo, error) {
	var info SessionInfo
	err := c.do(ctx, http.MethodGet, "/auth/session", nil, &info, true)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.IsUnauthorized() {
			c.setSession(nil, SignedOut)
		}
		return nil, err
	}
	return &info, nil
}
