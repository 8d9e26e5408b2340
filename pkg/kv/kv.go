// Package kv defines the key-value store used for idempotency records, query
// cache entries and saga instance snapshots, with Redis and Postgres adapters.
package kv

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the key-value port shared by the dispatcher and the saga orchestrator.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// CompareAndSwap replaces the value under key with next only when the
	// current value equals prev. A nil prev means the key must not exist.
	CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error)

	// Delete removes the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// Keys lists keys matching a glob pattern ('*' and '?' wildcards,
	// backslash escapes; see EscapeGlob).
	Keys(ctx context.Context, pattern string) ([]string, error)

	// DeletePattern removes every key matching pattern and returns how many were removed.
	DeletePattern(ctx context.Context, pattern string) (int, error)

	// Ping checks connectivity to the backend.
	Ping(ctx context.Context) error
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// EscapeGlob quotes the glob metacharacters in s so it matches only itself
// inside a Keys or DeletePattern pattern.
func EscapeGlob(s string) string {
	return globEscaper.Replace(s)
}
