// Package relay is a small websocket server speaking the swapchat wire
// protocol. It exists for local development and integration tests; the
// production backend is out of scope for this module.
//
// Clients authenticate with a bearer token (query parameter or header),
// resolved through auth.IdentityResolver. The relay answers pings and
// routes frames:
//
//   - message frames go to every connection of both participants,
//     including the sender's own (the echo acts as the server ack)
//   - block and unblock frames go to the target and to the owner's other
//     connections
//
// Frames claiming a sender or owner other than the authenticated user are
// dropped. Each connection has a bounded queue; a peer that falls behind
// is disconnected and expected to reconnect.
package relay
