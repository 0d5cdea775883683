package store

import (
	"context"
	"errors"
)

// KeyUserToken holds the session bearer token.
const KeyUserToken = "userToken"

var (
	// ErrNoToken is returned by TokenSource when no session token is stored.
	ErrNoToken = errors.New("no token stored")
	// ErrReservedKey is returned when a caller writes a key the store uses internally.
	ErrReservedKey = errors.New("reserved key")
)

// Store is a durable string key/value store.
// Get reports ok=false for a missing key; Delete of a missing key is not an error.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
