package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/scardozos/rottenbikes-auth/internal/authsession"
	"github.com/scardozos/rottenbikes-auth/internal/metrics"
	"github.com/scardozos/rottenbikes-auth/internal/middleware"
	ws "github.com/scardozos/rottenbikes-auth/internal/websocket"
)

// Config tunes the confirmation server.
type Config struct {
	ConfirmLimit   int
	ConfirmWindow  time.Duration
	OriginPatterns []string
	TrustProxy     bool // key rate limits on proxy headers
}

// Server is the web confirmation surface: it opens emailed links, streams
// engine activity to UI clients and exposes metrics.
type Server struct {
	engine   *authsession.Engine
	hub      *ws.Hub
	gatherer prometheus.Gatherer
	metrics  *metrics.Metrics
	limiter  *middleware.RateLimiter
	cfg      Config
	logger   zerolog.Logger
}

func New(engine *authsession.Engine, hub *ws.Hub, gatherer prometheus.Gatherer, m *metrics.Metrics, cfg Config, logger zerolog.Logger) *Server {
	if cfg.ConfirmLimit <= 0 {
		cfg.ConfirmLimit = 10
	}
	if cfg.ConfirmWindow <= 0 {
		cfg.ConfirmWindow = time.Minute
	}
	return &Server{
		engine:   engine,
		hub:      hub,
		gatherer: gatherer,
		metrics:  m,
		limiter:  middleware.NewRateLimiter(cfg.ConfirmLimit, cfg.ConfirmWindow),
		cfg:      cfg,
		logger:   logger,
	}
}

// Run performs background upkeep until ctx is done.
func (s *Server) Run(ctx context.Context) {
	s.limiter.Run(ctx)
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	confirm := middleware.RateLimit(s.limiter, s.cfg.TrustProxy)(http.HandlerFunc(s.confirmHandler))
	mux.Handle("GET /confirm/{token}", confirm)
	mux.Handle("GET /confirm", confirm)
	mux.Handle("GET /confirm/{$}", confirm)

	mux.HandleFunc("GET /session", s.sessionHandler)
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.cfg.OriginPatterns, s.snapshot))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", s.healthHandler)

	return middleware.RequestLogger(s.logger.With().Str("component", "http").Logger(), s.metrics)(mux)
}

type confirmResponse struct {
	Status      string `json:"status"`
	CrossDevice bool   `json:"cross_device"`
	Message     string `json:"message"`
}

// confirmHandler is the landing page of an emailed magic link.
func (s *Server) confirmHandler(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	out, err := s.engine.Confirm(r.Context(), token, r.URL.Query().Get("origin"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, confirmResponse{Status: "confirmed", CrossDevice: out.CrossDevice, Message: out.Message})
	case errors.Is(err, authsession.ErrMissingToken), errors.Is(err, authsession.ErrConfirmationFailed):
		writeJSON(w, http.StatusBadRequest, confirmResponse{Status: "error", CrossDevice: out.CrossDevice, Message: out.Message})
	default:
		s.logger.Error().Err(err).Msg("confirm magic link")
		writeJSON(w, http.StatusInternalServerError, confirmResponse{Status: "error", CrossDevice: out.CrossDevice, Message: "internal error"})
	}
}

func (s *Server) snapshot() ws.Message {
	return ws.SnapshotMessage(s.engine.Attempt(), s.engine.Session())
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.engine.IsLoading() {
		status = "loading"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
