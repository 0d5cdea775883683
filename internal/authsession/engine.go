// Package authsession drives passwordless magic-link authentication: it
// requests links, tracks the pending attempt, reconciles same-device and
// cross-device confirmation, and owns the session token.
package authsession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scardozos/rottenbikes-auth/internal/api"
	"github.com/scardozos/rottenbikes-auth/internal/logging"
	"github.com/scardozos/rottenbikes-auth/internal/metrics"
	"github.com/scardozos/rottenbikes-auth/internal/notify"
	"github.com/scardozos/rottenbikes-auth/internal/store"
)

// Platform is the execution context the engine runs in.
type Platform string

const (
	PlatformWeb    Platform = "web"
	PlatformMobile Platform = "mobile"
)

// User-facing notification texts.
const (
	MsgLoginRequested     = "Check your email for the login link."
	MsgLoginConfirmed     = "Logged in successfully."
	MsgConfirmedElsewhere = "Your mobile app will log you in automatically. You can close this window."
	MsgConfirmationFailed = "Invalid or expired token"
	MsgMissingToken       = "No token provided"
	MsgLinkExpired        = "The login link expired. Please request a new one."
	MsgSessionExpired     = "Your session has expired. Please log in again."
	MsgLoggedOut          = "Logged out."
)

// API is the backend surface the engine depends on. *api.Client implements it.
type API interface {
	RequestMagicLink(ctx context.Context, req api.LoginRequest) (string, error)
	Register(ctx context.Context, req api.RegisterRequest) (string, error)
	Confirm(ctx context.Context, magicToken, origin string) (api.ConfirmResponse, error)
	Acknowledge(ctx context.Context, magicToken, origin string) error
	Poll(ctx context.Context, magicToken string) (string, error)
	Verify(ctx context.Context) (api.Profile, error)
}

type Config struct {
	Platform       Platform
	PollInterval   time.Duration
	PollTimeout    time.Duration // 0 polls until the attempt ends
	ProfileRetries int
	ProfileBackoff time.Duration
	CaptchaToken   string // used when a request carries no captcha of its own
}

type Deps struct {
	API     API
	Store   store.Store
	Sink    notify.Sink
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Outcome is the result of Confirm.
type Outcome struct {
	CrossDevice bool
	Message     string
}

// Engine is safe for concurrent use. State writes are serialized by mu;
// writeMu additionally orders session writes that touch the store.
type Engine struct {
	api     API
	store   store.Store
	sink    notify.Sink
	logger  zerolog.Logger
	metrics *metrics.Metrics
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex

	mu         sync.Mutex
	session    Session
	sessionGen uint64
	cur        *attemptRun
	profile    *Task
	loading    bool
	closed     bool
	ready      chan struct{}

	obsMu        sync.Mutex
	observers    []observer
	nextObserver int

	closeOnce sync.Once
}

// New creates an engine and starts restoring the stored session in the
// background. Ready is closed once the restore finishes.
func New(ctx context.Context, deps Deps, cfg Config) (*Engine, error) {
	if deps.API == nil {
		return nil, errors.New("authsession: API is required")
	}
	if deps.Store == nil {
		return nil, errors.New("authsession: Store is required")
	}
	switch cfg.Platform {
	case "":
		cfg.Platform = PlatformWeb
	case PlatformWeb, PlatformMobile:
	default:
		return nil, fmt.Errorf("authsession: unknown platform %q", cfg.Platform)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.ProfileRetries < 0 {
		cfg.ProfileRetries = 0
	}
	if cfg.ProfileBackoff <= 0 {
		cfg.ProfileBackoff = 500 * time.Millisecond
	}
	if deps.Sink == nil {
		deps.Sink = notify.Discard
	}

	ectx, cancel := context.WithCancel(ctx)
	e := &Engine{
		api:     deps.API,
		store:   deps.Store,
		sink:    deps.Sink,
		logger:  deps.Logger.With().Str("component", "authsession").Logger(),
		metrics: deps.Metrics,
		cfg:     cfg,
		ctx:     ectx,
		cancel:  cancel,
		loading: true,
		ready:   make(chan struct{}),
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.bootstrap()
	}()

	return e, nil
}

func (e *Engine) bootstrap() {
	e.writeMu.Lock()
	tok, ok, err := e.store.Get(e.ctx, store.KeyUserToken)
	if err != nil {
		e.logger.Error().Err(err).Msg("restore session")
	}

	var restored *Session
	e.mu.Lock()
	if err == nil && ok && tok != "" {
		e.session = Session{Token: tok}
		e.sessionGen++
		e.startProfileLocked(e.sessionGen)
		s := e.session
		restored = &s
	}
	e.loading = false
	close(e.ready)
	e.mu.Unlock()
	e.writeMu.Unlock()

	if restored != nil {
		e.logger.Info().Str("token", logging.Redact(tok)).Msg("session restored")
		e.emit(Event{Type: EventSessionStarted, Session: *restored})
	}
	e.emit(Event{Type: EventReady, Session: e.Session()})
}

// Ready is closed once the stored session has been read.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

// IsLoading reports whether the initial session restore is still running.
func (e *Engine) IsLoading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

func (e *Engine) Session() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Attempt returns the current attempt, or an idle one when there is none.
func (e *Engine) Attempt() Attempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attemptLocked()
}

func (e *Engine) attemptLocked() Attempt {
	if e.cur == nil {
		return Attempt{State: StateIdle}
	}
	return e.cur.Attempt
}

// Polling reports whether the current attempt is being polled.
func (e *Engine) Polling() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur != nil && e.cur.polling()
}

// ProfileTask returns the most recent profile fetch, or nil if none started.
func (e *Engine) ProfileTask() *Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profile
}

func (e *Engine) origin() string {
	if e.cfg.Platform == PlatformMobile {
		return api.OriginMobile
	}
	return ""
}

func (e *Engine) captcha(c string) string {
	if c != "" {
		return c
	}
	return e.cfg.CaptchaToken
}

// RequestLogin asks the backend to email a magic link. An identifier
// containing "@" is sent as an email, anything else as a username.
func (e *Engine) RequestLogin(ctx context.Context, identifier, captcha string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "", ErrEmptyIdentifier
	}

	req := api.LoginRequest{CaptchaToken: e.captcha(captcha), Origin: e.origin()}
	if strings.Contains(identifier, "@") {
		req.Email = identifier
	} else {
		req.Username = identifier
	}

	return e.request(ctx, PurposeLogin, func(ctx context.Context) (string, error) {
		return e.api.RequestMagicLink(ctx, req)
	})
}

// Register creates an account and emails its first magic link.
func (e *Engine) Register(ctx context.Context, username, email, captcha string) (string, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || email == "" {
		return "", ErrEmptyIdentifier
	}

	req := api.RegisterRequest{
		Username:     username,
		Email:        email,
		CaptchaToken: e.captcha(captcha),
		Origin:       e.origin(),
	}
	return e.request(ctx, PurposeRegister, func(ctx context.Context) (string, error) {
		return e.api.Register(ctx, req)
	})
}

func (e *Engine) request(ctx context.Context, purpose Purpose, call func(context.Context) (string, error)) (string, error) {
	if err := e.clearAttempt(); err != nil {
		return "", err
	}

	magic, err := call(ctx)
	e.metrics.Request(string(purpose), err)
	if err != nil {
		rf := requestFailed(err)
		e.logger.Warn().Err(err).Str("purpose", string(purpose)).Int("status", rf.Status).Msg("magic link request rejected")
		e.sink.Notify(notify.New(notify.KindError, notify.CodeRequestFailed, rf.Reason))
		return "", rf
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrClosed
	}
	if e.cur != nil {
		e.cur.abandon()
	}
	run := newRun(e.ctx, purpose, StateRequested, magic, e.origin())
	e.cur = run
	if e.cfg.Platform == PlatformMobile {
		e.startPollingLocked(run)
	}
	a := run.Attempt
	e.mu.Unlock()

	e.logger.Info().
		Str("attempt", a.ID).
		Str("purpose", string(purpose)).
		Str("magic_token", logging.Redact(magic)).
		Msg("magic link requested")
	e.emit(Event{Type: EventAttemptChanged, Attempt: a})
	e.sink.Notify(notify.New(notify.KindInfo, notify.CodeLoginRequested, MsgLoginRequested))
	return magic, nil
}

// clearAttempt abandons the current attempt so its polling stops before a new
// one is requested.
func (e *Engine) clearAttempt() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.cur == nil {
		e.mu.Unlock()
		return nil
	}
	e.cur.abandon()
	e.cur = nil
	e.mu.Unlock()

	e.emit(Event{Type: EventAttemptChanged, Attempt: Attempt{State: StateIdle}})
	return nil
}

// CancelAttempt stops polling and returns the attempt to idle.
func (e *Engine) CancelAttempt() {
	e.mu.Lock()
	run := e.cur
	if run == nil {
		e.mu.Unlock()
		return
	}
	run.abandon()
	e.cur = nil
	e.mu.Unlock()

	e.logger.Debug().Str("attempt", run.ID).Msg("attempt canceled")
	e.emit(Event{Type: EventAttemptChanged, Attempt: Attempt{State: StateIdle}})
}

// AwaitAttempt blocks until the current attempt ends. It returns the final
// attempt and its error; an abandoned attempt yields ErrAttemptCanceled.
func (e *Engine) AwaitAttempt(ctx context.Context) (Attempt, error) {
	e.mu.Lock()
	run := e.cur
	e.mu.Unlock()
	if run == nil {
		return Attempt{State: StateIdle}, ErrNoPendingAttempt
	}

	select {
	case <-run.done:
	case <-ctx.Done():
		return e.Attempt(), ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if run.canceled {
		return run.Attempt, ErrAttemptCanceled
	}
	return run.Attempt, run.Err
}

// beginConfirm moves the attempt for magicToken to confirming, creating one
// if the token belongs to no known attempt. Polling for it stops. When that
// attempt is already confirming or confirmed, joined is true and the caller
// must not exchange the token again.
func (e *Engine) beginConfirm(magicToken, origin string) (run *attemptRun, a Attempt, joined bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, Attempt{}, false, ErrClosed
	}

	run = e.cur
	if run != nil && run.MagicToken == magicToken {
		switch run.State {
		case StateConfirming, StateConfirmedLocal, StateConfirmedRemote:
			return run, run.Attempt, true, nil
		case StateRequested:
			if run.pollCancel != nil {
				run.pollCancel()
			}
			run.State = StateConfirming
			return run, run.Attempt, false, nil
		}
	}

	if run != nil {
		run.abandon()
	}
	run = newRun(e.ctx, PurposeLogin, StateConfirming, magicToken, origin)
	e.cur = run
	return run, run.Attempt, false, nil
}

// join waits for the confirmation already under way on run.
func (e *Engine) join(ctx context.Context, run *attemptRun) error {
	select {
	case <-run.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if run.canceled {
		return ErrAttemptCanceled
	}
	return run.Err
}

// fail marks run failed if it is still current.
func (e *Engine) fail(run *attemptRun, err error) (Attempt, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur != run || run.State.Terminal() {
		return run.Attempt, false
	}
	run.finish(StateFailed, err)
	return run.Attempt, true
}

// CompleteLogin exchanges magicToken for a session token on this device.
func (e *Engine) CompleteLogin(ctx context.Context, magicToken string) error {
	magicToken = strings.TrimSpace(magicToken)
	if magicToken == "" {
		return ErrMissingToken
	}

	run, a, joined, err := e.beginConfirm(magicToken, e.origin())
	if err != nil {
		return err
	}
	if joined {
		e.logger.Debug().Str("attempt", run.ID).Msg("confirmation already in progress")
		return e.join(ctx, run)
	}
	e.emit(Event{Type: EventAttemptChanged, Attempt: a})

	resp, err := e.api.Confirm(ctx, magicToken, run.Origin)
	if err != nil {
		return e.confirmFailed(run, err)
	}

	if err := e.materialize(ctx, run, resp); err != nil {
		if a, ok := e.fail(run, err); ok {
			e.emit(Event{Type: EventAttemptChanged, Attempt: a})
		}
		return err
	}
	e.metrics.Confirmation("local")
	return nil
}

// ConfirmAttempt acknowledges a link that another device is waiting on. No
// session token is stored here.
func (e *Engine) ConfirmAttempt(ctx context.Context, magicToken string) error {
	magicToken = strings.TrimSpace(magicToken)
	if magicToken == "" {
		return ErrMissingToken
	}

	run, a, joined, err := e.beginConfirm(magicToken, api.OriginMobile)
	if err != nil {
		return err
	}
	if joined {
		e.logger.Debug().Str("attempt", run.ID).Msg("confirmation already in progress")
		return e.join(ctx, run)
	}
	e.emit(Event{Type: EventAttemptChanged, Attempt: a})

	if err := e.api.Acknowledge(ctx, magicToken, api.OriginMobile); err != nil {
		return e.confirmFailed(run, err)
	}

	e.mu.Lock()
	if e.cur == run && !run.State.Terminal() {
		run.finish(StateConfirmedRemote, nil)
	}
	a = run.Attempt
	e.mu.Unlock()

	e.metrics.Confirmation("remote")
	e.logger.Info().Str("attempt", a.ID).Msg("magic link confirmed for another device")
	e.emit(Event{Type: EventAttemptChanged, Attempt: a})
	e.sink.Notify(notify.New(notify.KindInfo, notify.CodeConfirmedElsewhere, MsgConfirmedElsewhere))
	return nil
}

func (e *Engine) confirmFailed(run *attemptRun, cause error) error {
	err := confirmationFailed(cause)
	e.metrics.Confirmation("failed")
	e.logger.Warn().Err(cause).Str("attempt", run.ID).Msg("magic link confirmation failed")
	if a, ok := e.fail(run, err); ok {
		e.emit(Event{Type: EventAttemptChanged, Attempt: a})
	}
	e.sink.Notify(notify.New(notify.KindError, notify.CodeConfirmationFailed, MsgConfirmationFailed))
	return err
}

// Confirm handles an opened magic link. A link requested by the mobile app
// and opened anywhere else is only acknowledged; otherwise this device logs in.
func (e *Engine) Confirm(ctx context.Context, magicToken, origin string) (Outcome, error) {
	if strings.TrimSpace(magicToken) == "" {
		return Outcome{Message: MsgMissingToken}, ErrMissingToken
	}

	if origin == api.OriginMobile && e.cfg.Platform != PlatformMobile {
		if err := e.ConfirmAttempt(ctx, magicToken); err != nil {
			return Outcome{CrossDevice: true, Message: MsgConfirmationFailed}, err
		}
		return Outcome{CrossDevice: true, Message: MsgConfirmedElsewhere}, nil
	}

	if err := e.CompleteLogin(ctx, magicToken); err != nil {
		if errors.Is(err, ErrConfirmationFailed) {
			return Outcome{Message: MsgConfirmationFailed}, err
		}
		return Outcome{Message: err.Error()}, err
	}
	return Outcome{Message: MsgLoginConfirmed}, nil
}

// materialize persists token and makes it the current session. run may be
// nil when no attempt tracks the token. Observers and the sink are called
// after the locks are released so they may call back into the engine.
func (e *Engine) materialize(ctx context.Context, run *attemptRun, resp api.ConfirmResponse) error {
	e.writeMu.Lock()
	if err := e.store.Set(context.WithoutCancel(ctx), store.KeyUserToken, resp.APIToken); err != nil {
		e.writeMu.Unlock()
		return fmt.Errorf("store session token: %w", err)
	}

	e.mu.Lock()
	e.session = Session{
		Token:        resp.APIToken,
		Email:        resp.Email,
		ExpiresAt:    resp.APITokenExpiresAt,
		LastUsername: e.session.LastUsername,
	}
	e.sessionGen++
	gen := e.sessionGen
	sess := e.session
	var a Attempt
	if run != nil && e.cur == run && !run.State.Terminal() {
		run.finish(StateConfirmedLocal, nil)
		a = run.Attempt
	}
	e.mu.Unlock()
	e.writeMu.Unlock()

	e.logger.Info().Str("token", logging.Redact(resp.APIToken)).Msg("session started")
	if a.ID != "" {
		e.emit(Event{Type: EventAttemptChanged, Attempt: a})
	}
	e.emit(Event{Type: EventSessionStarted, Session: sess})

	// An observer may already have ended this session.
	e.mu.Lock()
	current := gen == e.sessionGen
	if current {
		e.startProfileLocked(gen)
	}
	e.mu.Unlock()

	if current {
		e.sink.Notify(notify.New(notify.KindSuccess, notify.CodeLoginConfirmed, MsgLoginConfirmed))
	}
	return nil
}

// FetchCurrentUser resolves the profile of the current session. A 401 ends
// the session and returns ErrSessionExpired.
func (e *Engine) FetchCurrentUser(ctx context.Context) error {
	e.mu.Lock()
	if !e.session.LoggedIn() {
		e.mu.Unlock()
		return ErrNotLoggedIn
	}
	gen := e.sessionGen
	e.mu.Unlock()

	p, err := e.api.Verify(ctx)
	switch {
	case api.IsUnauthorized(err):
		e.expireSession(gen)
		return ErrSessionExpired
	case err != nil:
		return fmt.Errorf("fetch current user: %w", err)
	}

	e.applyProfile(gen, p)
	return nil
}

// expireSession performs the forced logout for session generation gen.
func (e *Engine) expireSession(gen uint64) {
	e.writeMu.Lock()
	e.mu.Lock()
	if gen != e.sessionGen || !e.session.LoggedIn() {
		e.mu.Unlock()
		e.writeMu.Unlock()
		return
	}
	last := e.session.Username
	e.session = Session{LastUsername: last}
	e.sessionGen++
	sess := e.session
	e.mu.Unlock()

	if err := e.store.Delete(context.WithoutCancel(e.ctx), store.KeyUserToken); err != nil {
		e.logger.Error().Err(err).Msg("remove expired session token")
	}
	e.writeMu.Unlock()

	e.metrics.Expired()
	e.logger.Info().Str("last_username", last).Msg("session expired")
	e.emit(Event{Type: EventSessionExpired, Session: sess, Err: ErrSessionExpired})

	msg := MsgSessionExpired
	if last != "" {
		msg = fmt.Sprintf("Session for %s has expired. Please log in again.", last)
	}
	e.sink.Notify(notify.New(notify.KindError, notify.CodeSessionExpired, msg))
}

// Logout clears the session and its stored token. Logging out while logged
// out is a no-op.
func (e *Engine) Logout(ctx context.Context) error {
	e.writeMu.Lock()

	e.mu.Lock()
	was := e.session.LoggedIn()
	e.session = Session{LastUsername: e.session.LastUsername}
	if was {
		e.sessionGen++
	}
	sess := e.session
	e.mu.Unlock()

	err := e.store.Delete(ctx, store.KeyUserToken)
	e.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	if !was {
		return nil
	}

	e.logger.Info().Msg("logged out")
	e.emit(Event{Type: EventSessionEnded, Session: sess})
	e.sink.Notify(notify.New(notify.KindInfo, notify.CodeLoggedOut, MsgLoggedOut))
	return nil
}

// Close stops polling and waits for background work to finish.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		if e.cur != nil {
			e.cur.abandon()
		}
		e.mu.Unlock()

		e.cancel()
		e.wg.Wait()
	})
	return nil
}
