// Package dedupe keeps a time-bounded window of inbound message ids so that
// transport redeliveries after a reconnect are dropped before they reach the
// conversation store.
package dedupe
