package authsession

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a magic-link attempt.
type State string

const (
	StateIdle            State = "idle"
	StateRequested       State = "requested"
	StateConfirming      State = "confirming"
	StateConfirmedLocal  State = "confirmed_local"
	StateConfirmedRemote State = "confirmed_remote"
	StateFailed          State = "failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmedLocal, StateConfirmedRemote, StateFailed:
		return true
	}
	return false
}

type Purpose string

const (
	PurposeLogin    Purpose = "login"
	PurposeRegister Purpose = "register"
)

// Attempt is a snapshot of a magic-link attempt.
type Attempt struct {
	ID         string
	Purpose    Purpose
	State      State
	MagicToken string
	Origin     string
	Err        error
	CreatedAt  time.Time
}

// attemptRun is the live attempt. Its fields are guarded by Engine.mu.
type attemptRun struct {
	Attempt

	ctx        context.Context
	cancel     context.CancelFunc
	pollCancel context.CancelFunc
	done       chan struct{}
	canceled   bool
}

func newRun(parent context.Context, purpose Purpose, state State, magicToken, origin string) *attemptRun {
	ctx, cancel := context.WithCancel(parent)
	return &attemptRun{
		Attempt: Attempt{
			ID:         uuid.NewString(),
			Purpose:    purpose,
			State:      state,
			MagicToken: magicToken,
			Origin:     origin,
			CreatedAt:  time.Now().UTC(),
		},
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (r *attemptRun) polling() bool {
	return r.pollCancel != nil && r.ctx.Err() == nil
}

// finish moves the run to a terminal state and releases its goroutines.
func (r *attemptRun) finish(state State, err error) {
	r.State = state
	r.Err = err
	r.stop()
}

// abandon marks a run the user no longer cares about.
func (r *attemptRun) abandon() {
	if !r.State.Terminal() {
		r.canceled = true
	}
	r.stop()
}

func (r *attemptRun) stop() {
	r.cancel()
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}
