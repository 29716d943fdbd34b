// ABOUTME: Pebble-backed Store for embedded on-disk snapshots
// ABOUTME: Writes are synced so a crash never loses an acknowledged Put

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/cockroachdb/pebble"
)

// PebbleStore implements Store on a Pebble LSM directory.
type PebbleStore struct {
	db     *pebble.DB
	logger *slog.Logger
}

// NewPebbleStore opens (or creates) a Pebble database in dir.
func NewPebbleStore(dir string) (*PebbleStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("pebble directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating pebble directory: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble: %w", err)
	}

	logger := slog.Default().With("component", "store", "driver", DriverPebble)
	logger.Info("pebble store initialized", "path", dir)
	return &PebbleStore{db: db, logger: logger}, nil
}

// Get returns a copy of the value at key.
func (s *PebbleStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", key, err)
	}
	defer closer.Close()

	// v is only valid until closer is closed
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put stores value at key.
func (s *PebbleStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return fmt.Errorf("writing %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *PebbleStore) Delete(ctx context.Context, key string) error {
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("deleting %q: %w", key, err)
	}
	return nil
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.logger.Info("closing pebble store")
	return s.db.Close()
}
