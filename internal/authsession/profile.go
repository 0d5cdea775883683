package authsession

import (
	"context"

	"github.com/sethvargo/go-retry"

	"github.com/scardozos/rottenbikes-auth/internal/api"
)

// Task is the background profile fetch started whenever a session begins.
// Profile and Err block until the fetch finishes.
type Task struct {
	done    chan struct{}
	profile api.Profile
	err     error
}

func newTask() *Task {
	return &Task{done: make(chan struct{})}
}

func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) Err() error {
	<-t.done
	return t.err
}

func (t *Task) Profile() api.Profile {
	<-t.done
	return t.profile
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (api.Profile, error) {
	select {
	case <-t.done:
		return t.profile, t.err
	case <-ctx.Done():
		return api.Profile{}, ctx.Err()
	}
}

func (t *Task) complete(p api.Profile, err error) {
	t.profile = p
	t.err = err
	close(t.done)
}

// startProfileLocked launches a fetch for session generation gen. Caller holds e.mu.
func (e *Engine) startProfileLocked(gen uint64) *Task {
	task := newTask()
	e.profile = task
	if e.closed {
		task.complete(api.Profile{}, ErrClosed)
		return task
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runProfile(task, gen)
	}()
	return task
}

func (e *Engine) runProfile(task *Task, gen uint64) {
	b := retry.WithMaxRetries(uint64(e.cfg.ProfileRetries), retry.NewConstant(e.cfg.ProfileBackoff))

	p, err := retry.DoValue(e.ctx, b, func(ctx context.Context) (api.Profile, error) {
		p, err := e.api.Verify(ctx)
		if err != nil && !api.IsUnauthorized(err) {
			e.logger.Debug().Err(err).Msg("profile fetch failed, retrying")
			return p, retry.RetryableError(err)
		}
		return p, err
	})

	switch {
	case api.IsUnauthorized(err):
		e.expireSession(gen)
		task.complete(api.Profile{}, ErrSessionExpired)
	case err != nil:
		e.logger.Warn().Err(err).Msg("profile fetch failed")
		e.mu.Lock()
		current := gen == e.sessionGen
		sess := e.session
		e.mu.Unlock()
		if current {
			e.emit(Event{Type: EventProfileFailed, Session: sess, Err: err})
		}
		task.complete(api.Profile{}, err)
	default:
		e.applyProfile(gen, p)
		task.complete(p, nil)
	}
}

// applyProfile records p if the session it was fetched for is still current.
func (e *Engine) applyProfile(gen uint64, p api.Profile) bool {
	e.mu.Lock()
	if gen != e.sessionGen || !e.session.LoggedIn() {
		e.mu.Unlock()
		return false
	}
	e.session.UserID = p.PosterID
	e.session.Username = p.Username
	sess := e.session
	e.mu.Unlock()

	e.logger.Debug().Int64("user_id", p.PosterID).Str("username", p.Username).Msg("profile loaded")
	e.emit(Event{Type: EventProfileLoaded, Session: sess})
	return true
}
