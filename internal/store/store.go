// ABOUTME: Persistence boundary for per-user snapshots: a small key/value Store interface
// ABOUTME: Open selects a backend (memory, sqlite, pebble, redis, postgres) by driver name

package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested key does not exist
var ErrNotFound = errors.New("not found")

// ErrUnknownDriver is returned by Open for an unsupported driver name
var ErrUnknownDriver = errors.New("unknown storage driver")

// Store persists opaque snapshot blobs by key. Implementations must be safe
// for concurrent use.
type Store interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value at key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

// Supported driver names.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPebble   = "pebble"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Driver string
	// Path is the database file (sqlite) or directory (pebble).
	Path string
	// URL is the redis or postgres connection URL.
	URL string
}

// Open returns the Store for opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverMemory, "":
		return NewMemoryStore(), nil
	case DriverSQLite:
		return NewSQLiteStore(opts.Path)
	case DriverPebble:
		return NewPebbleStore(opts.Path)
	case DriverRedis:
		return NewRedisStore(ctx, opts.URL)
	case DriverPostgres:
		return NewPostgresStore(ctx, opts.URL)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
}

// ThreadsKey is where a user's conversation snapshot lives.
func ThreadsKey(userID string) string {
	return "threads/" + userID
}

// BlocksKey is where a user's block edges live.
func BlocksKey(userID string) string {
	return "blocks/" + userID
}
