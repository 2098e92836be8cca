package models

import "time"

// SessionState is the authentication state of the client.
type SessionState string

const (
	SessionAnonymous      SessionState = "anonymous"
	SessionAuthenticating SessionState = "authenticating"
	SessionAuthenticated  SessionState = "authenticated"
	SessionRefreshing     SessionState = "refreshing"
)

// Session is the client's view of its credentials.
// SessionManager owns the authoritative copy; everything else sees snapshots.
type Session struct {
	AccessToken  string       `json:"access_token,omitempty"`
	RefreshToken string       `json:"refresh_token,omitempty"`
	ExpiresAt    int64        `json:"expires_at,omitempty"` // epoch seconds
	UserID       int64        `json:"user_id,omitempty"`
	State        SessionState `json:"state"`
}

// Authenticated reports whether the session currently holds usable credentials.
// A session that is refreshing still counts, since its tokens are only being rotated.
func (s Session) Authenticated() bool {
	return s.State == SessionAuthenticated || s.State == SessionRefreshing
}

// Expiry returns ExpiresAt as a time.Time, or the zero time when unknown.
func (s Session) Expiry() time.Time {
	if s.ExpiresAt <= 0 {
		return time.Time{}
	}
	return time.Unix(s.ExpiresAt, 0)
}

// UserProfile is the profile payload returned by the user API.
type UserProfile struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	Username     string `json:"username"`
	FirstName    string `json:"firstname,omitempty"`
	LastName     string `json:"lastname,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Address      string `json:"address,omitempty"`
	ProfilePhoto string `json:"profilephoto,omitempty"`
}
