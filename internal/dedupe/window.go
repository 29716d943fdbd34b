// ABOUTME: Thread-safe TTL window of recently seen inbound message ids.
// ABOUTME: Drops transport redeliveries before they reach the conversation store.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults applied when New is given zero values.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 10000
)

// windowEntry stores the timestamp and list element for a seen id.
type windowEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Window remembers message ids for a TTL, bounded by a maximum size.
// The oldest id is evicted first when the window is full.
type Window struct {
	mu      sync.Mutex
	seen    map[string]*windowEntry
	order   *list.List // ids in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a window and starts a background sweep of expired ids.
func New(ttl time.Duration, maxSize int) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	w := &Window{
		seen:    make(map[string]*windowEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go w.sweepLoop(sweepInterval(ttl))
	return w
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return ttl
	}
	return time.Minute
}

// Seen reports whether id was already in the window, and records it if
// not. The check and the record are atomic.
func (w *Window) Seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if entry, ok := w.seen[id]; ok {
		if now.Sub(entry.seenAt) < w.ttl {
			return true
		}
		// expired: refresh in place
		entry.seenAt = now
		w.order.MoveToBack(entry.element)
		return false
	}

	if len(w.seen) >= w.maxSize {
		w.evictOldest()
	}
	w.seen[id] = &windowEntry{seenAt: now, element: w.order.PushBack(id)}
	return false
}

// Contains reports whether id is in the window without recording it.
func (w *Window) Contains(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.seen[id]
	return ok && w.now().Sub(entry.seenAt) < w.ttl
}

// Forget removes id so a later delivery is processed again.
func (w *Window) Forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if entry, ok := w.seen[id]; ok {
		w.order.Remove(entry.element)
		delete(w.seen, id)
	}
}

// Reset empties the window. Used when the signed-in user changes.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seen = make(map[string]*windowEntry)
	w.order.Init()
}

// Len reports the number of ids held, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// evictOldest removes the front of the order list. Must be called with mu held.
func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	w.order.Remove(front)
	delete(w.seen, id)
}

func (w *Window) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.done:
			return
		}
	}
}

// sweep drops expired ids. Since entries are refreshed by moving them to
// the back, the list is ordered by seenAt and the walk stops at the first
// live entry.
func (w *Window) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for e := w.order.Front(); e != nil; {
		id, _ := e.Value.(string)
		entry := w.seen[id]
		if entry == nil || now.Sub(entry.seenAt) < w.ttl {
			return
		}
		next := e.Next()
		w.order.Remove(e)
		delete(w.seen, id)
		e = next
	}
}

// Close stops the sweep goroutine. It is safe to call multiple times.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
