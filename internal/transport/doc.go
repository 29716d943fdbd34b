// Package transport maintains the persistent connection to the message server.
//
// # Overview
//
// A Client holds one logical websocket connection, authenticated by a bearer
// token passed as the token query parameter. The token drives the lifecycle:
//
//	c, _ := transport.New(transport.Options{URL: "ws://localhost:8090/ws"})
//	events := c.Subscribe(ctx)
//	c.SetToken(token) // connects after a short settle delay
//	c.SetToken("")    // logout: disconnects and stops reconnecting
//
// # State Machine
//
// Disconnected moves to Connecting on a token or Connect. Connecting moves to
// Connected on success, or back to Disconnected with a reconnect scheduled
// on failure. Connected moves to Disconnected on a server close, a network
// error, a heartbeat timeout or Disconnect. Only one run goroutine exists per
// connection episode; Disconnect cancels it and waits for it to return, so no
// retry or heartbeat timer outlives it.
//
// # Reconnection
//
// Delays grow from BaseDelay by Factor up to MaxDelay and reset after a
// successful connect. With MaxAttempts set, the client holds at MaxDelay once
// that many attempts have been scheduled. It never gives up while a token is
// held.
//
// # Heartbeat
//
// Every PingInterval the client sends a ping carrying a millisecond timestamp.
// If the matching pong does not arrive within PongTimeout the connection is
// dropped with code 4000 and the reconnect path runs.
//
// # Events
//
// Subscribers receive Connected, Disconnected, ErrorEvent and MessageEvent in
// the order they happened. Delivery is lossless, so a subscriber must either
// keep reading or cancel its context.
package transport
