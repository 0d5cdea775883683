package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/scardozos/rottenbikes-auth/internal/database"
)

var _ Store = (*KVStore)(nil)

// KVStore keeps values in the kv table created by the database migrations.
type KVStore struct {
	db      *sql.DB
	dialect database.Dialect
	now     func() time.Time
}

func NewKVStore(db *sql.DB, dialect database.Dialect) *KVStore {
	return &KVStore{db: db, dialect: dialect, now: time.Now}
}

func (s *KVStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT value FROM kv WHERE key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *KVStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		key, value, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM kv WHERE key = ?`), key)
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// UpdatedAt returns when key was last written, or ok=false when it is absent.
func (s *KVStore) UpdatedAt(ctx context.Context, key string) (time.Time, bool, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT updated_at FROM kv WHERE key = ?`), key).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("updated at %q: %w", key, err)
	}
	return at, true, nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *KVStore) rebind(query string) string {
	if s.dialect != database.DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
