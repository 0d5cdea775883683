package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"

	"github.com/scardozos/rottenbikes-auth/internal/authsession"
	"github.com/scardozos/rottenbikes-auth/internal/server"
	"github.com/scardozos/rottenbikes-auth/internal/store"
)

const appName = "rbauth"

type options struct {
	captcha string
	origin  string
	wait    bool
}

type command struct {
	nargs int
	flags func(fs *flag.FlagSet, o *options)
	run   func(ctx context.Context, a *app, out io.Writer, args []string, o *options) error
}

var commands = map[string]command{
	"login": {
		nargs: 1,
		flags: requestFlags,
		run: func(ctx context.Context, a *app, out io.Writer, args []string, o *options) error {
			if _, err := a.engine.RequestLogin(ctx, args[0], o.captcha); err != nil {
				return err
			}
			return afterRequest(ctx, a, out, o)
		},
	},
	"register": {
		nargs: 2,
		flags: requestFlags,
		run: func(ctx context.Context, a *app, out io.Writer, args []string, o *options) error {
			if _, err := a.engine.Register(ctx, args[0], args[1], o.captcha); err != nil {
				return err
			}
			return afterRequest(ctx, a, out, o)
		},
	},
	"confirm": {
		nargs: 1,
		flags: func(fs *flag.FlagSet, o *options) {
			fs.StringVar(&o.origin, "origin", "", "origin carried by the link (mobile)")
		},
		run: func(ctx context.Context, a *app, out io.Writer, args []string, o *options) error {
			_, err := a.engine.Confirm(ctx, args[0], o.origin)
			return err
		},
	},
	"status": {run: status},
	"whoami": {run: whoami},
	"logout": {run: logout},
	"serve":  {run: serve},
}

func requestFlags(fs *flag.FlagSet, o *options) {
	fs.StringVar(&o.captcha, "captcha", "", "captcha proof (defaults to RBAUTH_AUTH_CAPTCHA_TOKEN)")
	fs.BoolVar(&o.wait, "wait", false, "poll until the link is opened on another device")
}

// afterRequest waits for the link on mobile or when asked to, and otherwise
// explains how to finish.
func afterRequest(ctx context.Context, a *app, out io.Writer, o *options) error {
	if !o.wait && a.cfg.Auth.Platform != string(authsession.PlatformMobile) {
		fmt.Fprintln(out, "Open the link from your email, or run: rbauth confirm <token>")
		return nil
	}
	if err := a.engine.StartPolling(); err != nil {
		return err
	}

	fmt.Fprintf(out, "Waiting for the link to be opened (checking every %s)...\n", a.cfg.Auth.PollInterval)
	att, err := a.engine.AwaitAttempt(ctx)
	if err != nil {
		return err
	}
	if att.State != authsession.StateConfirmedLocal {
		return fmt.Errorf("login ended in state %s", att.State)
	}
	return printProfile(ctx, a, out)
}

func printProfile(ctx context.Context, a *app, out io.Writer) error {
	task := a.engine.ProfileTask()
	if task == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	p, err := task.Wait(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Logged in as %s (id %d)\n", p.Username, p.PosterID)
	return nil
}

func status(ctx context.Context, a *app, out io.Writer, _ []string, _ *options) error {
	sess := a.engine.Session()
	if !sess.LoggedIn() {
		if sess.LastUsername != "" {
			fmt.Fprintf(out, "Not logged in (last user %s)\n", sess.LastUsername)
			return nil
		}
		fmt.Fprintln(out, "Not logged in")
		return nil
	}

	if err := printProfile(ctx, a, out); err != nil {
		if errors.Is(err, authsession.ErrSessionExpired) {
			return nil
		}
		fmt.Fprintf(out, "Logged in, profile unavailable: %v\n", err)
	}
	if at, ok, err := a.kv.UpdatedAt(ctx, store.KeyUserToken); err == nil && ok {
		fmt.Fprintf(out, "Session stored %s\n", humanize.Time(at))
	}
	if exp := a.engine.Session().ExpiresAt; !exp.IsZero() {
		fmt.Fprintf(out, "Session expires %s\n", humanize.Time(exp))
	}
	return nil
}

func whoami(ctx context.Context, a *app, out io.Writer, _ []string, _ *options) error {
	if err := a.engine.FetchCurrentUser(ctx); err != nil {
		return err
	}
	sess := a.engine.Session()
	fmt.Fprintf(out, "%s (id %d)\n", sess.Username, sess.UserID)
	return nil
}

func logout(ctx context.Context, a *app, out io.Writer, _ []string, _ *options) error {
	if !a.engine.Session().LoggedIn() {
		fmt.Fprintln(out, "Not logged in")
	}
	return a.engine.Logout(ctx)
}

func serve(ctx context.Context, a *app, out io.Writer, _ []string, _ *options) error {
	figure.NewFigure(appName, "cybermedium", true).Print()
	fmt.Println()

	srv := server.New(a.engine, a.hub, a.registry, a.metrics, server.Config{
		ConfirmLimit:   a.cfg.Server.ConfirmLimit,
		ConfirmWindow:  a.cfg.Server.ConfirmWindow,
		OriginPatterns: a.cfg.Server.AllowedOrigins,
		TrustProxy:     a.cfg.Server.TrustProxy,
	}, a.logger)

	httpServer := &http.Server{
		Addr:              ":" + a.cfg.Server.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go srv.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", httpServer.Addr).Msg("server starting")
		errCh <- httpServer.ListenAndServe()
	}()
	fmt.Fprintf(out, "Magic links open at %s/confirm/<token>\n", a.cfg.Server.PublicURL)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := httpServer.Shutdown(shutdownCtx)
	if serveErr := <-errCh; !errors.Is(serveErr, http.ErrServerClosed) {
		err = multierr.Append(err, serveErr)
	}
	return err
}
