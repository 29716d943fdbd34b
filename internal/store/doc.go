// Package store persists per-user conversation and block snapshots.
//
// # Architecture
//
// The Store interface is a minimal key/value contract (Get, Put, Delete,
// Close). The conversation store and block registry encode their state as
// CBOR snapshots and write them after every mutation:
//
//   - threads/<user>: the user's conversations and messages
//   - blocks/<user>: the block edges the user knows about
//
// # Backends
//
//   - MemoryStore: process-local map, used in tests and by default
//   - SQLiteStore: single table in a modernc.org/sqlite database (WAL mode)
//   - PebbleStore: embedded Pebble LSM directory, synced writes
//   - RedisStore: shared Redis server, keys prefixed with "swapchat:"
//   - PostgresStore: swapchat_snapshots table behind a pgx pool
//
// Open selects one from Options.Driver:
//
//	s, err := store.Open(ctx, store.Options{Driver: "sqlite", Path: "chat.db"})
//
// # Snapshots
//
// SaveSnapshot and LoadSnapshot wrap the CBOR codec. Encoding uses Core
// Deterministic options with RFC 3339 timestamps, so equal state produces
// equal bytes regardless of map iteration order.
package store
