package authsession

import "time"

type EventType string

const (
	EventReady          EventType = "ready"
	EventAttemptChanged EventType = "attempt_changed"
	EventSessionStarted EventType = "session_started"
	EventSessionEnded   EventType = "session_ended"
	EventSessionExpired EventType = "session_expired"
	EventProfileLoaded  EventType = "profile_loaded"
	EventProfileFailed  EventType = "profile_failed"
)

type observer struct {
	id int
	fn func(Event)
}

// Event describes a state change. Attempt and Session are snapshots taken
// when the change was made.
type Event struct {
	Type    EventType
	Attempt Attempt
	Session Session
	Err     error
	At      time.Time
}

// Subscribe registers fn for every future event and returns a function that
// removes it. fn runs on the goroutine that made the change, after the
// engine releases its locks, so it may call back into the engine. It must not
// block.
func (e *Engine) Subscribe(fn func(Event)) func() {
	e.obsMu.Lock()
	id := e.nextObserver
	e.nextObserver++
	e.observers = append(e.observers, observer{id: id, fn: fn})
	e.obsMu.Unlock()

	return func() {
		e.obsMu.Lock()
		defer e.obsMu.Unlock()
		for i, o := range e.observers {
			if o.id == id {
				e.observers = append(e.observers[:i:i], e.observers[i+1:]...)
				return
			}
		}
	}
}

func (e *Engine) emit(ev Event) {
	ev.At = time.Now().UTC()

	e.obsMu.Lock()
	obs := e.observers
	e.obsMu.Unlock()

	for _, o := range obs {
		o.fn(ev)
	}
}
