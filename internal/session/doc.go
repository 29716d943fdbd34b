// Package session ties one client's transport, conversation store, block
// registry and dedupe window together.
//
// A Session is built explicitly by the caller; nothing is global, so two
// sessions in one process (as in tests) never share state. SetToken is the
// only way identity changes: it disconnects, resets every per-user
// component, loads the new user's snapshots and reconnects. Run applies
// inbound frames one at a time in arrival order:
//
//   - message frames go through the dedupe window, then to the store
//   - block and unblock frames update the registry when they involve the
//     signed-in user
//   - other types are logged and ignored
package session
