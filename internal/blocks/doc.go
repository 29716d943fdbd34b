// Package blocks tracks who has blocked whom.
//
// An edge owner -> target means owner blocked target. Either direction stops
// new messages between the pair without touching existing history. The
// Registry is scoped to one signed-in user through Init and Teardown, and
// saves its edges to a store.Store after every change.
package blocks
