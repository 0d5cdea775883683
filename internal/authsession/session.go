package authsession

import "time"

// Session is the in-memory view of the logged-in user. UserID and Username
// are zero until the profile fetch completes.
type Session struct {
	Token        string
	Email        string
	ExpiresAt    time.Time
	UserID       int64
	Username     string
	LastUsername string
}

func (s Session) LoggedIn() bool {
	return s.Token != ""
}

// ProfileLoaded reports whether UserID and Username have been resolved.
func (s Session) ProfileLoaded() bool {
	return s.UserID != 0
}
