// ABOUTME: In-memory fan-out of conversation change notifications
// ABOUTME: Non-blocking: slow subscribers lose notifications and re-read the views instead

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// ChangeKind names what happened to a thread.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeAppended ChangeKind = "appended"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeReset    ChangeKind = "reset"
)

// Change tells subscribers which thread to re-read. ThreadID is empty for
// ChangeReset; MessageID is set only for ChangeAppended.
type Change struct {
	Kind      ChangeKind
	ThreadID  string
	MessageID string
}

// ChangeFeed provides in-memory pub/sub for store changes.
type ChangeFeed struct {
	mu          sync.RWMutex
	subscribers map[string]chan Change // subID -> ch
	logger      *slog.Logger
}

// NewChangeFeed creates a feed. Pass nil logger for default.
func NewChangeFeed(logger *slog.Logger) *ChangeFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeFeed{
		subscribers: make(map[string]chan Change),
		logger:      logger.With("component", "change_feed"),
	}
}

// Subscribe registers a subscriber. The subscription is cleaned up and its
// channel closed when ctx is cancelled.
func (f *ChangeFeed) Subscribe(ctx context.Context) <-chan Change {
	subID := uuid.New().String()
	ch := make(chan Change, subscriberBufferSize)

	f.mu.Lock()
	f.subscribers[subID] = ch
	f.mu.Unlock()

	f.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		f.unsubscribe(subID)
	}()

	return ch
}

// Publish sends a change to every subscriber without blocking.
func (f *ChangeFeed) Publish(change Change) {
	// Sends happen under the read lock so unsubscribe cannot close a
	// channel mid-send; they never block, so the lock is held briefly.
	f.mu.RLock()
	defer f.mu.RUnlock()

	for subID, ch := range f.subscribers {
		select {
		case ch <- change:
		default:
			f.logger.Debug("dropped change for slow subscriber",
				"sub_id", subID,
				"kind", change.Kind,
				"thread_id", change.ThreadID)
		}
	}
}

func (f *ChangeFeed) unsubscribe(subID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch, ok := f.subscribers[subID]
	if !ok {
		return
	}
	delete(f.subscribers, subID)
	close(ch)

	f.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close closes all subscriber channels.
func (f *ChangeFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for subID, ch := range f.subscribers {
		close(ch)
		delete(f.subscribers, subID)
	}
}
