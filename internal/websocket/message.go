package websocket

import (
	"time"

	"github.com/scardozos/rottenbikes-auth/internal/authsession"
	"github.com/scardozos/rottenbikes-auth/internal/notify"
)

// Message types.
const (
	TypeEvent        = "event"
	TypeNotification = "notification"
	TypeSnapshot     = "snapshot"
)

// Message is a real-time update pushed to every connected UI client.
// Session tokens and magic tokens are never included.
type Message struct {
	Type         string               `json:"type"`
	Event        string               `json:"event,omitempty"`
	Attempt      *AttemptView         `json:"attempt,omitempty"`
	Session      *SessionView         `json:"session,omitempty"`
	Notification *notify.Notification `json:"notification,omitempty"`
	Error        string               `json:"error,omitempty"`
	At           time.Time            `json:"at"`
}

type AttemptView struct {
	ID      string `json:"id,omitempty"`
	Purpose string `json:"purpose,omitempty"`
	State   string `json:"state"`
	Origin  string `json:"origin,omitempty"`
	Error   string `json:"error,omitempty"`
}

type SessionView struct {
	LoggedIn     bool       `json:"logged_in"`
	UserID       int64      `json:"user_id,omitempty"`
	Username     string     `json:"username,omitempty"`
	LastUsername string     `json:"last_username,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func attemptView(a authsession.Attempt) *AttemptView {
	v := &AttemptView{
		ID:      a.ID,
		Purpose: string(a.Purpose),
		State:   string(a.State),
		Origin:  a.Origin,
	}
	if a.Err != nil {
		v.Error = a.Err.Error()
	}
	return v
}

func sessionView(s authsession.Session) *SessionView {
	v := &SessionView{
		LoggedIn:     s.LoggedIn(),
		UserID:       s.UserID,
		Username:     s.Username,
		LastUsername: s.LastUsername,
	}
	if !s.ExpiresAt.IsZero() {
		t := s.ExpiresAt
		v.ExpiresAt = &t
	}
	return v
}

// EventMessage converts an engine event. Attempt events carry the attempt,
// all others the session.
func EventMessage(ev authsession.Event) Message {
	msg := Message{Type: TypeEvent, Event: string(ev.Type), At: ev.At}
	if ev.Type == authsession.EventAttemptChanged {
		msg.Attempt = attemptView(ev.Attempt)
	} else {
		msg.Session = sessionView(ev.Session)
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	return msg
}

func NotificationMessage(n notify.Notification) Message {
	return Message{Type: TypeNotification, Notification: &n, At: n.At}
}

// SnapshotMessage describes the current state for newly connected clients.
func SnapshotMessage(a authsession.Attempt, s authsession.Session) Message {
	return Message{
		Type:    TypeSnapshot,
		Attempt: attemptView(a),
		Session: sessionView(s),
		At:      time.Now().UTC(),
	}
}
