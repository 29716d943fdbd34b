// ABOUTME: Typed transport events and the ordered fan-out that delivers them
// ABOUTME: Delivery is lossless: publish waits for each subscriber until it reads or unsubscribes

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Event is one of Connected, Disconnected, ErrorEvent or MessageEvent.
type Event interface {
	Kind() string
}

// Connected is published once a connection is established.
type Connected struct{}

// Disconnected is published when an established connection ends, whether
// by the server, a network failure, a heartbeat timeout or Disconnect.
type Disconnected struct {
	Code   int
	Reason string
}

// ErrorEvent reports a non-fatal transport problem. The client retries on
// its own; this exists for observability and UI banners.
type ErrorEvent struct {
	Detail string
}

// MessageEvent is an inbound application frame.
type MessageEvent struct {
	Type    string
	Payload json.RawMessage
}

func (Connected) Kind() string    { return "connected" }
func (Disconnected) Kind() string { return "disconnected" }
func (ErrorEvent) Kind() string   { return "error" }
func (MessageEvent) Kind() string { return "message" }

func (d Disconnected) String() string { return fmt.Sprintf("disconnected(%d %s)", d.Code, d.Reason) }

// subscriberBufferSize absorbs bursts (e.g. a replay after reconnect)
// before publish starts waiting on a slow reader.
const subscriberBufferSize = 64

type subscriber struct {
	ch   chan Event
	done <-chan struct{}
}

// broadcaster fans events out to subscribers in publish order.
type broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	logger *slog.Logger
}

func newBroadcaster(logger *slog.Logger) *broadcaster {
	return &broadcaster{
		subs:   make(map[int]*subscriber),
		logger: logger,
	}
}

// subscribe registers a subscriber that lives until ctx is cancelled.
func (b *broadcaster) subscribe(ctx context.Context) <-chan Event {
	sub := &subscriber{
		ch:   make(chan Event, subscriberBufferSize),
		done: ctx.Done(),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(id)
	}()

	return sub.ch
}

// publish delivers ev to every subscriber. The read lock is held while
// sending so unsubscribe cannot close a channel mid-send; a subscriber
// that stops reading must cancel its context to release publish.
func (b *broadcaster) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
			b.logger.Debug("subscriber gone, skipping event", "event", ev.Kind())
		}
	}
}

func (b *broadcaster) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

// close removes and closes every subscription.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
