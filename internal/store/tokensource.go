package store

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

type tokenSource struct {
	ctx   context.Context
	store Store
	key   string
}

// TokenSource reads the bearer token from key on every call, so a token written
// or removed by the session engine is picked up by the next request.
// It returns ErrNoToken while nothing is stored.
func TokenSource(ctx context.Context, s Store, key string) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, store: s, key: key}
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	value, ok, err := ts.store.Get(ts.ctx, ts.key)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	if !ok || value == "" {
		return nil, ErrNoToken
	}
	return &oauth2.Token{AccessToken: value, TokenType: "Bearer"}, nil
}
