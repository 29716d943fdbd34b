// Package wire defines the JSON frame protocol spoken between swapchat
// clients and the message server.
//
// Every frame is a JSON object with a type and an optional payload:
//
//	{"type": "message", "payload": {...}}
//
// The ping and pong types are reserved for heartbeats and carry an optional
// unix-millisecond timestamp. All other types are application frames routed
// by type to store-level handlers.
package wire
