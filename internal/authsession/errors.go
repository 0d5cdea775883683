package authsession

import (
	"errors"
	"fmt"

	"github.com/scardozos/rottenbikes-auth/internal/api"
)

var (
	ErrRequestFailed      = errors.New("login request failed")
	ErrConfirmationFailed = errors.New("invalid or expired token")
	ErrSessionExpired     = errors.New("session expired")
	ErrEmptyIdentifier    = errors.New("identifier must not be empty")
	ErrMissingToken       = errors.New("no token provided")
	ErrPollTimeout        = errors.New("login link expired while waiting for confirmation")
	ErrNoPendingAttempt   = errors.New("no pending login attempt")
	ErrAttemptCanceled    = errors.New("login attempt canceled")
	ErrNotLoggedIn        = errors.New("not logged in")
	ErrClosed             = errors.New("engine closed")
)

const genericRequestFailure = "Failed to send login link. Please try again."

// RequestFailedError is returned when the backend rejects a login or
// registration request. Reason is the server's message when it sent one.
type RequestFailedError struct {
	Reason string
	Status int
	Err    error
}

func (e *RequestFailedError) Error() string {
	return e.Reason
}

func (e *RequestFailedError) Unwrap() error { return e.Err }

func (e *RequestFailedError) Is(target error) bool {
	return target == ErrRequestFailed
}

func requestFailed(err error) *RequestFailedError {
	reason := api.Message(err)
	if reason == "" {
		reason = genericRequestFailure
	}
	return &RequestFailedError{Reason: reason, Status: api.StatusCode(err), Err: err}
}

func confirmationFailed(err error) error {
	return fmt.Errorf("%w: %w", ErrConfirmationFailed, err)
}

// PollTransientError is a poll failure other than "not confirmed yet". It is
// logged and never returned to callers.
type PollTransientError struct {
	Err error
}

func (e *PollTransientError) Error() string {
	return "transient poll error: " + e.Err.Error()
}

func (e *PollTransientError) Unwrap() error { return e.Err }
