// Package notify delivers short user-facing messages about authentication
// progress. Sinks never block the caller.
package notify

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

type Kind string

const (
	KindSuccess Kind = "success"
	KindInfo    Kind = "info"
	KindError   Kind = "error"
)

type Code string

const (
	CodeLoginRequested     Code = "login_requested"
	CodeLoginConfirmed     Code = "login_confirmed"
	CodeConfirmedElsewhere Code = "confirmed_elsewhere"
	CodeSessionExpired     Code = "session_expired"
	CodeConfirmationFailed Code = "confirmation_failed"
	CodeRequestFailed      Code = "request_failed"
	CodeLinkExpired        Code = "link_expired"
	CodeLoggedOut          Code = "logged_out"
)

// Notification is a single transient message.
type Notification struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	Code    Code      `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// New stamps a notification with a fresh id and the current time.
func New(kind Kind, code Code, message string) Notification {
	return Notification{
		ID:      ulid.Make().String(),
		Kind:    kind,
		Code:    code,
		Message: message,
		At:      time.Now().UTC(),
	}
}

// Sink receives notifications.
type Sink interface {
	Notify(n Notification)
}

// Func adapts a function to Sink.
type Func func(Notification)

func (f Func) Notify(n Notification) { f(n) }

// Discard drops every notification.
var Discard Sink = Func(func(Notification) {})

type multi []Sink

func (m multi) Notify(n Notification) {
	for _, s := range m {
		s.Notify(n)
	}
}

// Multi fans a notification out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

// LogSink writes notifications to a zerolog logger, errors at warn level.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Notify(n Notification) {
	ev := s.Logger.Info()
	if n.Kind == KindError {
		ev = s.Logger.Warn()
	}
	ev.Str("id", n.ID).
		Str("kind", string(n.Kind)).
		Str("code", string(n.Code)).
		Msg(n.Message)
}

// Recorder keeps every notification it receives.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	r.items = append(r.items, n)
	r.mu.Unlock()
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.items))
	copy(out, r.items)
	return out
}

// Codes returns the recorded codes in arrival order.
func (r *Recorder) Codes() []Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Code, 0, len(r.items))
	for _, n := range r.items {
		out = append(out, n.Code)
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.items = nil
	r.mu.Unlock()
}
