// Package cache provides a shared key/value cache behind a small interface
// so the backing service can be swapped without touching callers. Values are
// JSON-encoded, every implementation stores them the same way.
package cache

import (
	"context"
	"time"
)

// Cache is the shared cache service used across workers.
type Cache interface {
	// Set stores value under key. A zero ttl stores the key without expiry.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Get decodes the value at key into dest and reports whether the key
	// exists.
	Get(ctx context.Context, key string, dest any) (bool, error)

	// Remove deletes the entry at key.
	Remove(ctx context.Context, key string) error

	// Ping checks that the underlying service is reachable.
	Ping(ctx context.Context) error

	// Flush deletes all keys in the current database.
	Flush(ctx context.Context) error
}

// Noop is a cache service that stores nothing.
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (*Noop) Set(context.Context, string, any, time.Duration) error { return nil }

func (*Noop) Get(context.Context, string, any) (bool, error) { return false, nil }

func (*Noop) Remove(context.Context, string) error { return nil }

func (*Noop) Ping(context.Context) error { return nil }

func (*Noop) Flush(context.Context) error { return nil }
