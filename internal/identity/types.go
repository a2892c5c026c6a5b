package identity

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidGrant indicates the provider rejected a refresh or token pair.
	ErrInvalidGrant = errors.New("identity: invalid grant")
	// ErrNoSession indicates an operation that requires an active session had none.
	ErrNoSession = errors.New("identity: no active session")
	// ErrInvalidCredentials indicates an email/password sign-in was rejected.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
)

// User is the identity-provider account associated with a session.
type User struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	Metadata map[string]any `json:"user_metadata,omitempty"`
}

// FullName returns the display name recorded in the sign-up metadata, if any.
func (u User) FullName() string {
	if u.Metadata == nil {
		return ""
	}
	if v, ok := u.Metadata["full_name"].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Session is a bearer credential pair with its expiry and owning user.
// A Session is either fully present (both tokens, unexpired) or absent;
// callers must treat anything else as no session.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// Valid reports whether the session carries both tokens and has not expired.
func (s *Session) Valid(now time.Time) bool {
	if s == nil {
		return false
	}
	if s.AccessToken == "" || s.RefreshToken == "" {
		return false
	}
	return now.Before(s.ExpiresAt)
}

// EventType enumerates provider auth-state notifications.
type EventType string

const (
	// EventInitialSession is emitted once after the persisted session load.
	EventInitialSession EventType = "initial_session"
	// EventSignedIn is emitted after a session is established.
	EventSignedIn EventType = "signed_in"
	// EventSignedOut is emitted when the session is cleared.
	EventSignedOut EventType = "signed_out"
	// EventTokenRefreshed is emitted after a refresh attempt. A nil Session
	// means the refresh failed terminally and the credentials are gone.
	EventTokenRefreshed EventType = "token_refreshed"
)

// Event is one asynchronous auth-state notification.
type Event struct {
	Type    EventType
	Session *Session
}
