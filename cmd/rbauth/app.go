package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/scardozos/rottenbikes-auth/internal/api"
	"github.com/scardozos/rottenbikes-auth/internal/authsession"
	"github.com/scardozos/rottenbikes-auth/internal/config"
	"github.com/scardozos/rottenbikes-auth/internal/database"
	"github.com/scardozos/rottenbikes-auth/internal/metrics"
	"github.com/scardozos/rottenbikes-auth/internal/notify"
	"github.com/scardozos/rottenbikes-auth/internal/store"
	ws "github.com/scardozos/rottenbikes-auth/internal/websocket"
)

// app wires the engine and its collaborators for one command.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	db       *sql.DB
	kv       *store.KVStore
	engine   *authsession.Engine
	hub      *ws.Hub
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, out io.Writer) (*app, error) {
	db, dialect, err := database.OpenDriver(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	kv := store.NewKVStore(db, dialect)
	var st store.Store = kv
	if cfg.Store.Passphrase != "" {
		sealed, err := store.NewSealedStore(ctx, kv, cfg.Store.Passphrase)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("unseal store: %w", err)
		}
		st = sealed
	} else {
		logger.Warn().Msg("RBAUTH_STORE_PASSPHRASE not set, session token is stored unsealed")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)
	hub := ws.NewHub(logger)

	client := api.New(cfg.API.BaseURL, store.TokenSource(ctx, st, store.KeyUserToken), api.WithTimeout(cfg.API.Timeout))
	engine, err := authsession.New(ctx, authsession.Deps{
		API:   client,
		Store: st,
		Sink: notify.Multi(
			notify.LogSink{Logger: logger.With().Str("component", "notify").Logger()},
			hub,
			printSink(out),
		),
		Logger:  logger,
		Metrics: m,
	}, authsession.Config{
		Platform:       authsession.Platform(cfg.Auth.Platform),
		PollInterval:   cfg.Auth.PollInterval,
		PollTimeout:    cfg.Auth.PollTimeout,
		ProfileRetries: cfg.Auth.ProfileRetries,
		ProfileBackoff: cfg.Auth.ProfileBackoff,
		CaptchaToken:   cfg.Auth.CaptchaToken,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	engine.Subscribe(hub.Observe)

	select {
	case <-engine.Ready():
	case <-ctx.Done():
		return nil, multierr.Combine(ctx.Err(), engine.Close(), db.Close())
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		kv:       kv,
		engine:   engine,
		hub:      hub,
		registry: registry,
		metrics:  m,
	}, nil
}

func (a *app) Close() error {
	return multierr.Combine(a.engine.Close(), a.db.Close())
}

// printSink shows notifications to the person at the terminal.
func printSink(out io.Writer) notify.Sink {
	return notify.Func(func(n notify.Notification) {
		fmt.Fprintf(out, "[%s] %s\n", n.Kind, n.Message)
	})
}
