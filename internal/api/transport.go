package api

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/scardozos/rottenbikes-auth/internal/store"
)

// bearerTransport attaches the stored session token to every request that has one.
// Requests made while logged out go out without an Authorization header.
type bearerTransport struct {
	source oauth2.TokenSource
	base   http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.source == nil {
		return t.base.RoundTrip(req)
	}

	tok, err := t.source.Token()
	switch {
	case errors.Is(err, store.ErrNoToken):
		return t.base.RoundTrip(req)
	case err != nil:
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, fmt.Errorf("bearer token: %w", err)
	}

	r2 := req.Clone(req.Context())
	tok.SetAuthHeader(r2)
	return t.base.RoundTrip(r2)
}
