package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresLogPrefix = "kv:postgres"

// PostgresStore is a Store backed by the kv_entries table (see migrations/).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore using the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func expiresAt(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := time.Now().UTC().Add(ttl)
	return &t
}

// Get returns the value for key, ignoring expired rows.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM kv_entries
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s - failed to get %s: %w", postgresLogPrefix, key, err)
	}
	return value, nil
}

// Set upserts value under key.
func (s *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv_entries (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, expiresAt(ttl))
	if err != nil {
		return fmt.Errorf("%s - failed to set %s: %w", postgresLogPrefix, key, err)
	}
	return nil
}

// CompareAndSwap performs a conditional insert or update in a single statement.
func (s *PostgresStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if prev == nil {
		// An expired row counts as absent.
		tag, err = s.pool.Exec(ctx,
			`INSERT INTO kv_entries (key, value, expires_at) VALUES ($1, $2, $3)
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
			 WHERE kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= now()`,
			key, next, expiresAt(ttl))
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE kv_entries SET value = $3, expires_at = $4
			 WHERE key = $1 AND value = $2 AND (expires_at IS NULL OR expires_at > now())`,
			key, prev, next, expiresAt(ttl))
	}
	if err != nil {
		return false, fmt.Errorf("%s - failed to compare-and-swap %s: %w", postgresLogPrefix, key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Delete removes keys.
func (s *PostgresStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM kv_entries WHERE key = ANY($1)`, keys); err != nil {
		return fmt.Errorf("%s - failed to delete %d keys: %w", postgresLogPrefix, len(keys), err)
	}
	return nil
}

// Keys lists live keys matching a glob pattern.
func (s *PostgresStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM kv_entries
		 WHERE key LIKE $1 AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY key`, globToLike(pattern))
	if err != nil {
		return nil, fmt.Errorf("%s - failed to list %s: %w", postgresLogPrefix, pattern, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("%s - failed to scan key: %w", postgresLogPrefix, err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// DeletePattern removes all keys matching pattern.
func (s *PostgresStore) DeletePattern(ctx context.Context, pattern string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM kv_entries WHERE key LIKE $1`, globToLike(pattern))
	if err != nil {
		return 0, fmt.Errorf("%s - failed to delete pattern %s: %w", postgresLogPrefix, pattern, err)
	}
	return int(tag.RowsAffected()), nil
}

// PurgeExpired deletes rows whose TTL has passed.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("%s - failed to purge expired entries: %w", postgresLogPrefix, err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		slog.Info(fmt.Sprintf("%s - Purged %d expired entries", postgresLogPrefix, n))
	}
	return n, nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// globToLike converts a glob into a LIKE pattern. '*' and '?' are wildcards,
// a backslash makes the next character literal, and LIKE metacharacters are escaped.
func globToLike(pattern string) string {
	var b strings.Builder
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			escaped = false
			writeLikeLiteral(&b, r)
		case r == '\\':
			escaped = true
		case r == '*':
			b.WriteByte('%')
		case r == '?':
			b.WriteByte('_')
		default:
			writeLikeLiteral(&b, r)
		}
	}
	return b.String()
}

func writeLikeLiteral(b *strings.Builder, r rune) {
	if r == '%' || r == '_' || r == '\\' {
		b.WriteByte('\\')
	}
	b.WriteRune(r)
}
