package authsession

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/scardozos/rottenbikes-auth/internal/api"
	"github.com/scardozos/rottenbikes-auth/internal/database"
	"github.com/scardozos/rottenbikes-auth/internal/metrics"
	"github.com/scardozos/rottenbikes-auth/internal/notify"
	"github.com/scardozos/rottenbikes-auth/internal/store"
)

// backend is an in-memory stand-in for the rottenbikes auth endpoints.
type backend struct {
	mu sync.Mutex

	issued    int
	pending   map[string]bool // magic token -> confirmed
	valid     map[string]bool // api tokens accepted by /auth/verify
	profile   api.Profile
	requests  []map[string]any
	confirms  []string
	authSeen  []string
	pollCount int

	failRequest  int
	failMessage  string
	pollFailures int
	verifyStatus int
	verifyCount  int
	ackOnly      bool // mobile-origin confirms answer without an api token
}

func newBackend(t *testing.T) (*backend, *httptest.Server) {
	t.Helper()
	b := &backend{
		pending: make(map[string]bool),
		valid:   make(map[string]bool),
		profile: api.Profile{PosterID: 42, Username: "alice"},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/request-magic-link", b.handleRequest)
	mux.HandleFunc("POST /auth/register", b.handleRequest)
	mux.HandleFunc("GET /auth/confirm/{token}", b.handleConfirm)
	mux.HandleFunc("GET /auth/poll", b.handlePoll)
	mux.HandleFunc("GET /auth/verify", b.handleVerify)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return b, srv
}

func reply(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func apiTokenFor(magic string) string {
	return "tok" + strings.TrimPrefix(magic, "mt")
}

func (b *backend) handleRequest(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)
	if body == nil {
		body = map[string]any{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	body["path"] = r.URL.Path
	b.requests = append(b.requests, body)

	if b.failRequest != 0 {
		if b.failMessage == "" {
			w.WriteHeader(b.failRequest)
			return
		}
		reply(w, b.failRequest, map[string]string{"error": b.failMessage})
		return
	}

	b.issued++
	magic := fmt.Sprintf("mt%d", b.issued)
	b.pending[magic] = false
	reply(w, http.StatusOK, map[string]string{"magic_token": magic})
}

func (b *backend) handleConfirm(w http.ResponseWriter, r *http.Request) {
	magic := r.PathValue("token")

	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirms = append(b.confirms, magic+"?"+r.URL.RawQuery)

	if _, ok := b.pending[magic]; !ok {
		reply(w, http.StatusBadRequest, map[string]string{"error": "invalid or expired token"})
		return
	}
	b.pending[magic] = true
	tok := apiTokenFor(magic)
	b.valid[tok] = true
	if b.ackOnly && r.URL.Query().Get("origin") == api.OriginMobile {
		reply(w, http.StatusOK, map[string]string{"message": "confirmed"})
		return
	}
	reply(w, http.StatusOK, map[string]any{
		"api_token":            tok,
		"email":                "alice@example.com",
		"api_token_expires_at": time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	})
}

func (b *backend) handlePoll(w http.ResponseWriter, r *http.Request) {
	magic := r.URL.Query().Get("token")

	b.mu.Lock()
	defer b.mu.Unlock()
	b.pollCount++

	if b.pollFailures > 0 {
		b.pollFailures--
		reply(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if !b.pending[magic] {
		reply(w, http.StatusNotFound, map[string]string{"error": "not confirmed"})
		return
	}
	reply(w, http.StatusOK, map[string]string{"api_token": apiTokenFor(magic)})
}

func (b *backend) handleVerify(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")

	b.mu.Lock()
	defer b.mu.Unlock()
	b.verifyCount++
	b.authSeen = append(b.authSeen, auth)

	if b.verifyStatus != 0 {
		reply(w, b.verifyStatus, map[string]string{"error": "boom"})
		return
	}
	if !b.valid[strings.TrimPrefix(auth, "Bearer ")] {
		reply(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	reply(w, http.StatusOK, map[string]any{
		"poster_id": b.profile.PosterID,
		"username":  b.profile.Username,
		"status":    "ok",
	})
}

// confirmOut marks magic confirmed as if the link was opened on another device.
func (b *backend) confirmOut(magic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[magic] = true
	b.valid[apiTokenFor(magic)] = true
}

func (b *backend) accept(tok string) {
	b.mu.Lock()
	b.valid[tok] = true
	b.mu.Unlock()
}

func (b *backend) revoke(tok string) {
	b.mu.Lock()
	delete(b.valid, tok)
	b.mu.Unlock()
}

func (b *backend) polls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pollCount
}

func (b *backend) lastRequest() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.requests) == 0 {
		return nil
	}
	return b.requests[len(b.requests)-1]
}

func (b *backend) confirmCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.confirms...)
}

func (b *backend) set(fn func(b *backend)) {
	b.mu.Lock()
	fn(b)
	b.mu.Unlock()
}

type harness struct {
	engine  *Engine
	kv      *store.KVStore
	notes   *notify.Recorder
	metrics *metrics.Metrics
}

func testConfig(platform Platform) Config {
	return Config{
		Platform:       platform,
		PollInterval:   10 * time.Millisecond,
		ProfileRetries: 1,
		ProfileBackoff: 5 * time.Millisecond,
		CaptchaToken:   "dev-dummy",
	}
}

func newKV(t *testing.T) *store.KVStore {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err, "open test db")
	t.Cleanup(func() { db.Close() })
	return store.NewKVStore(db, database.DialectSQLite)
}

// newHarness builds an engine against srv backed by kv and waits for bootstrap.
func newHarness(t *testing.T, srv *httptest.Server, kv *store.KVStore, cfg Config) *harness {
	t.Helper()
	return newHarnessStore(t, srv, kv, kv, cfg)
}

// newHarnessStore is newHarness with st, usually a wrapper around kv, as the
// engine's store.
func newHarnessStore(t *testing.T, srv *httptest.Server, kv *store.KVStore, st store.Store, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		kv:      kv,
		notes:   &notify.Recorder{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}

	client := api.New(srv.URL, store.TokenSource(ctx, st, store.KeyUserToken))
	e, err := New(ctx, Deps{
		API:     client,
		Store:   st,
		Sink:    h.notes,
		Logger:  zerolog.Nop(),
		Metrics: h.metrics,
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	select {
	case <-e.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("engine never became ready")
	}
	h.engine = e
	return h
}

func (h *harness) storedToken(t *testing.T) (string, bool) {
	t.Helper()
	v, ok, err := h.kv.Get(context.Background(), store.KeyUserToken)
	require.NoError(t, err)
	return v, ok
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// mockStore is a testify mock implementing store.Store.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) Get(ctx context.Context, key string) (string, bool, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockStore) Set(ctx context.Context, key, value string) error {
	return m.Called(ctx, key, value).Error(0)
}

func (m *mockStore) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

// gatedStore holds Get until release is closed.
type gatedStore struct {
	store.Store
	release chan struct{}
}

func (g *gatedStore) Get(ctx context.Context, key string) (string, bool, error) {
	<-g.release
	return g.Store.Get(ctx, key)
}

// setGate holds Set until open is called. entered is closed when the first
// Set arrives.
type setGate struct {
	store.Store
	entered chan struct{}
	release chan struct{}

	enterOnce   sync.Once
	releaseOnce sync.Once
}

func newSetGate(inner store.Store) *setGate {
	return &setGate{Store: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *setGate) Set(ctx context.Context, key, value string) error {
	g.enterOnce.Do(func() { close(g.entered) })
	<-g.release
	return g.Store.Set(ctx, key, value)
}

func (g *setGate) open() {
	g.releaseOnce.Do(func() { close(g.release) })
}
