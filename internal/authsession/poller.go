package authsession

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/scardozos/rottenbikes-auth/internal/api"
	"github.com/scardozos/rottenbikes-auth/internal/logging"
	"github.com/scardozos/rottenbikes-auth/internal/metrics"
	"github.com/scardozos/rottenbikes-auth/internal/notify"
)

// StartPolling polls the pending attempt until it is confirmed elsewhere,
// canceled or timed out. Mobile engines start polling on their own.
func (e *Engine) StartPolling() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.cur == nil || e.cur.State != StateRequested {
		return ErrNoPendingAttempt
	}
	e.startPollingLocked(e.cur)
	return nil
}

// startPollingLocked starts the poll loop for run. Caller holds e.mu.
func (e *Engine) startPollingLocked(run *attemptRun) {
	if run.pollCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(run.ctx)
	run.pollCancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.poll(ctx, run)
	}()
}

func (e *Engine) poll(ctx context.Context, run *attemptRun) {
	logger := e.logger.With().Str("attempt", run.ID).Logger()
	logger.Debug().Dur("interval", e.cfg.PollInterval).Msg("polling started")
	defer logger.Debug().Msg("polling stopped")

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	var expired <-chan time.Time
	if e.cfg.PollTimeout > 0 {
		timer := time.NewTimer(e.cfg.PollTimeout)
		defer timer.Stop()
		expired = timer.C
	}

	// Ticks are not serialized: a slow tick does not delay the next one.
	var ticks sync.WaitGroup
	defer ticks.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-expired:
			e.expireAttempt(run)
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			ticks.Add(1)
			go func() {
				defer ticks.Done()
				e.pollTick(ctx, run)
			}()
		}
	}
}

func (e *Engine) pollTick(ctx context.Context, run *attemptRun) {
	token, err := e.api.Poll(ctx, run.MagicToken)
	if ctx.Err() != nil {
		return
	}

	switch {
	case errors.Is(err, api.ErrNotConfirmed):
		e.metrics.PollTick(metrics.PollPending)
		return
	case err != nil:
		e.metrics.PollTick(metrics.PollTransient)
		e.logger.Warn().Err(&PollTransientError{Err: err}).Str("attempt", run.ID).Msg("poll failed, will retry")
		return
	}

	e.metrics.PollTick(metrics.PollConfirmed)
	if !e.claim(run) {
		return
	}
	if err := e.materialize(ctx, run, api.ConfirmResponse{APIToken: token}); err != nil {
		e.logger.Error().Err(err).Str("attempt", run.ID).Msg("materialize polled session")
		if a, ok := e.fail(run, err); ok {
			e.emit(Event{Type: EventAttemptChanged, Attempt: a})
		}
		return
	}
	e.metrics.Confirmation("polled")
}

// claim lets exactly one successful tick act on run and stops the loop.
func (e *Engine) claim(run *attemptRun) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur != run || run.State != StateRequested || run.ctx.Err() != nil {
		return false
	}
	if run.pollCancel != nil {
		run.pollCancel()
	}
	run.State = StateConfirming
	return true
}

func (e *Engine) expireAttempt(run *attemptRun) {
	e.mu.Lock()
	if e.cur != run || run.State != StateRequested {
		e.mu.Unlock()
		return
	}
	run.finish(StateFailed, ErrPollTimeout)
	a := run.Attempt
	e.mu.Unlock()

	e.logger.Info().Str("attempt", a.ID).Dur("timeout", e.cfg.PollTimeout).Msg("stopped waiting for confirmation")
	e.emit(Event{Type: EventAttemptChanged, Attempt: a, Err: ErrPollTimeout})
	e.sink.Notify(notify.New(notify.KindError, notify.CodeLinkExpired, MsgLinkExpired))
}

// CheckLoginStatus polls magicToken once. It reports true when the link was
// confirmed elsewhere and the session is now active. Poll failures other than
// "not confirmed yet" are logged and reported as false.
func (e *Engine) CheckLoginStatus(ctx context.Context, magicToken string) (bool, error) {
	magicToken = strings.TrimSpace(magicToken)
	if magicToken == "" {
		return false, ErrMissingToken
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false, ErrClosed
	}
	var run *attemptRun
	if e.cur != nil && e.cur.MagicToken == magicToken {
		run = e.cur
	}
	e.mu.Unlock()

	token, err := e.api.Poll(ctx, magicToken)
	switch {
	case errors.Is(err, api.ErrNotConfirmed):
		e.metrics.PollTick(metrics.PollPending)
		return false, nil
	case err != nil:
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		e.metrics.PollTick(metrics.PollTransient)
		e.logger.Warn().Err(&PollTransientError{Err: err}).Str("magic_token", logging.Redact(magicToken)).Msg("status check failed")
		return false, nil
	}

	e.metrics.PollTick(metrics.PollConfirmed)
	if run != nil && !e.claim(run) {
		// Another path owns the confirmation; report what it settles on.
		if err := e.join(ctx, run); err != nil && ctx.Err() != nil {
			return false, ctx.Err()
		}
		return e.Session().LoggedIn(), nil
	}
	if err := e.materialize(ctx, run, api.ConfirmResponse{APIToken: token}); err != nil {
		if run != nil {
			if a, ok := e.fail(run, err); ok {
				e.emit(Event{Type: EventAttemptChanged, Attempt: a})
			}
		}
		return false, err
	}
	e.metrics.Confirmation("polled")
	return true, nil
}
