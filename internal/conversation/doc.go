// Package conversation owns the signed-in user's message threads.
//
// # Overview
//
// A Thread is the history between exactly two users, optionally scoped to a
// topic such as a listing id. At most one thread exists per unordered pair
// and topic; its id is derived from those values, so both ends agree on it
// without coordination.
//
//	s := conversation.New(conversation.Options{Blocks: registry, Persist: kv})
//	s.SetSender(transportClient)
//	_ = s.Init(ctx, "ana@x")
//
// # Operations
//
//   - StartConversation(ctx, req): open or create a thread, append any initial content
//   - SendMessage(ctx, req): append to an existing thread, subject to block policy
//   - ApplyInboundMessage(ctx, in): record a delivered message, idempotent on id
//   - DeleteConversation(ctx, id): hard delete
//
// # Block Policy
//
// The block registry is consulted on every start and send, never cached. A
// sender who blocked the recipient gets ErrSenderMustUnblock; a sender the
// recipient blocked gets ErrRecipientBlocked. StartConversation refuses
// silently by returning an empty id.
//
// # Ordering
//
// Messages are append-only in receipt order. Threads() is sorted by
// UpdatedAt, newest first, recomputed after every mutation. UpdatedAt never
// moves backwards.
//
// # Local Echo
//
// Outbound messages are appended immediately and marked pending. When the
// server echoes one back, ApplyInboundMessage recognises the id, clears the
// pending mark and leaves history untouched.
//
// # Change Feed
//
// Subscribe returns a channel of Change values naming the affected thread.
// Delivery is best effort; the views are the source of truth.
package conversation
