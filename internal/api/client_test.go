package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/scardozos/rottenbikes-auth/internal/store"
)

type sourceFunc func() (*oauth2.Token, error)

func (f sourceFunc) Token() (*oauth2.Token, error) { return f() }

func noToken() oauth2.TokenSource {
	return sourceFunc(func() (*oauth2.Token, error) { return nil, store.ErrNoToken })
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestRequestMagicLink(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/request-magic-link", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, map[string]string{"magic_token": "m1"})
	}))
	defer srv.Close()

	c := New(srv.URL, noToken())
	tok, err := c.RequestMagicLink(context.Background(), LoginRequest{
		Email:        "ana@example.com",
		CaptchaToken: "cap",
		Origin:       OriginMobile,
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", tok)
	assert.Equal(t, map[string]any{
		"email":         "ana@example.com",
		"captcha_token": "cap",
		"origin":        "mobile",
	}, got)
}

func TestRequestMagicLinkOmitsEmptyFields(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusOK, map[string]string{"magic_token": "m1"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).RequestMagicLink(context.Background(), LoginRequest{Username: "ana"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"username": "ana"}, got)
}

func TestRegister(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/register", r.URL.Path)
		var req RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ana", req.Username)
		assert.Equal(t, "ana@example.com", req.Email)
		writeJSON(w, http.StatusCreated, map[string]string{"message": "ok", "magic_token": "m2"})
	}))
	defer srv.Close()

	tok, err := New(srv.URL, nil).Register(context.Background(), RegisterRequest{Username: "ana", Email: "ana@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "m2", tok)
}

func TestErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "daily magic link limit reached"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).RequestMagicLink(context.Background(), LoginRequest{Email: "a@b.c"})
	require.Error(t, err)
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(err))
	assert.Equal(t, "daily magic link limit reached", Message(err))
	assert.EqualError(t, err, "api: status 429: daily magic link limit reached")
}

func TestErrorWithoutJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).Verify(context.Background())
	assert.Equal(t, http.StatusBadGateway, StatusCode(err))
	assert.Empty(t, Message(err))
}

func TestConfirm(t *testing.T) {
	exp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/confirm/abc", r.URL.Path)
		assert.Equal(t, "mobile", r.URL.Query().Get("origin"))
		writeJSON(w, http.StatusOK, map[string]any{
			"api_token":            "api1",
			"email":                "ana@example.com",
			"api_token_expires_at": exp,
		})
	}))
	defer srv.Close()

	resp, err := New(srv.URL, nil).Confirm(context.Background(), "abc", OriginMobile)
	require.NoError(t, err)
	assert.Equal(t, "api1", resp.APIToken)
	assert.Equal(t, "ana@example.com", resp.Email)
	assert.True(t, exp.Equal(resp.APITokenExpiresAt))
}

func TestConfirmInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid or expired token"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).Confirm(context.Background(), "bad", "")
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))
}

func TestAcknowledgeAcceptsMessageOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/confirm/abc", r.URL.Path)
		assert.Equal(t, "mobile", r.URL.Query().Get("origin"))
		writeJSON(w, http.StatusOK, map[string]string{"message": "confirmed"})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	require.NoError(t, c.Acknowledge(context.Background(), "abc", OriginMobile))

	_, err := c.Confirm(context.Background(), "abc", OriginMobile)
	assert.ErrorContains(t, err, "empty api_token")
}

func TestAcknowledgeInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid or expired token"})
	}))
	defer srv.Close()

	err := New(srv.URL, nil).Acknowledge(context.Background(), "bad", OriginMobile)
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))
	assert.Equal(t, "invalid or expired token", Message(err))
}

func TestPoll(t *testing.T) {
	var confirmed atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/poll", r.URL.Path)
		assert.Equal(t, "m 1", r.URL.Query().Get("token"))
		if !confirmed.Load() {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not confirmed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"api_token": "api1"})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	_, err := c.Poll(context.Background(), "m 1")
	assert.ErrorIs(t, err, ErrNotConfirmed)

	confirmed.Store(true)
	tok, err := c.Poll(context.Background(), "m 1")
	require.NoError(t, err)
	assert.Equal(t, "api1", tok)
}

func TestPollEmptyTokenIsPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{})
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).Poll(context.Background(), "m1")
	assert.ErrorIs(t, err, ErrNotConfirmed)
}

func TestPollServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).Poll(context.Background(), "m1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotConfirmed)
	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))
}

func TestVerifyAttachesBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer api1" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"poster_id": 7, "username": "ana", "status": "ok"})
	}))
	defer srv.Close()

	c := New(srv.URL, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "api1"}))
	p, err := c.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Profile{PosterID: 7, Username: "ana"}, p)

	_, err = New(srv.URL, noToken()).Verify(context.Background())
	assert.True(t, IsUnauthorized(err))
}

func TestNoTokenSendsNoHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := r.Header["Authorization"]
		assert.False(t, ok)
		writeJSON(w, http.StatusOK, map[string]string{"magic_token": "m1"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, noToken()).RequestMagicLink(context.Background(), LoginRequest{Email: "a@b.c"})
	require.NoError(t, err)
}

func TestTokenSourceFailure(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	broken := sourceFunc(func() (*oauth2.Token, error) { return nil, errors.New("disk gone") })
	_, err := New(srv.URL, broken).Verify(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
	assert.False(t, called)
}

func TestWithHTTPClientKeepsCallerClient(t *testing.T) {
	hc := &http.Client{}
	c := New("http://example.invalid", nil, WithHTTPClient(hc), WithTimeout(time.Second))
	assert.Nil(t, hc.Transport)
	assert.Zero(t, hc.Timeout)
	assert.Equal(t, time.Second, c.httpClient.Timeout)
	assert.IsType(t, &bearerTransport{}, c.httpClient.Transport)
}
