// ABOUTME: Tests for the inbound message id window.
// ABOUTME: Validates TTL expiry, size-bounded eviction, reset and concurrent use.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestWindow(t *testing.T, ttl time.Duration, maxSize int) (*Window, *fakeClock) {
	t.Helper()
	w := New(ttl, maxSize)
	t.Cleanup(w.Close)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	w.now = clock.Now
	return w, clock
}

func TestWindow_FirstDeliveryIsNew(t *testing.T) {
	w, _ := newTestWindow(t, time.Minute, 10)

	assert.False(t, w.Seen("01HXA"))
	assert.True(t, w.Seen("01HXA"))
	assert.True(t, w.Contains("01HXA"))
	assert.False(t, w.Contains("01HXB"))
}

func TestWindow_Expiry(t *testing.T) {
	w, clock := newTestWindow(t, time.Minute, 10)

	w.Seen("m1")
	clock.Advance(59 * time.Second)
	assert.True(t, w.Contains("m1"))

	clock.Advance(2 * time.Second)
	assert.False(t, w.Contains("m1"))
	// An expired id counts as new and is recorded again.
	assert.False(t, w.Seen("m1"))
	assert.True(t, w.Seen("m1"))
}

func TestWindow_EvictsOldest(t *testing.T) {
	w, _ := newTestWindow(t, time.Hour, 3)

	w.Seen("a")
	w.Seen("b")
	w.Seen("c")
	w.Seen("d")

	assert.Equal(t, 3, w.Len())
	assert.False(t, w.Contains("a"))
	assert.True(t, w.Contains("b"))
	assert.True(t, w.Contains("d"))
}

func TestWindow_Forget(t *testing.T) {
	w, _ := newTestWindow(t, time.Hour, 10)

	w.Seen("m1")
	w.Forget("m1")
	w.Forget("never-seen")

	assert.False(t, w.Seen("m1"))
}

func TestWindow_Reset(t *testing.T) {
	w, _ := newTestWindow(t, time.Hour, 10)

	w.Seen("m1")
	w.Seen("m2")
	w.Reset()

	assert.Equal(t, 0, w.Len())
	assert.False(t, w.Seen("m1"))
}

func TestWindow_SweepStopsAtLiveEntry(t *testing.T) {
	w, clock := newTestWindow(t, time.Minute, 10)

	w.Seen("old-1")
	w.Seen("old-2")
	clock.Advance(30 * time.Second)
	w.Seen("fresh")
	clock.Advance(45 * time.Second)

	w.sweep()

	assert.Equal(t, 1, w.Len())
	assert.True(t, w.Contains("fresh"))
}

func TestWindow_Defaults(t *testing.T) {
	w := New(0, 0)
	defer w.Close()

	assert.Equal(t, DefaultTTL, w.ttl)
	assert.Equal(t, DefaultMaxSize, w.maxSize)
}

func TestWindow_CloseTwice(t *testing.T) {
	w := New(time.Second, 10)
	w.Close()
	w.Close()
}

func TestWindow_ConcurrentSeenIsAtomic(t *testing.T) {
	w, _ := newTestWindow(t, time.Hour, 1000)

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !w.Seen("shared") {
				firsts.Add(1)
			}
			w.Seen(fmt.Sprintf("own-%d", i))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), firsts.Load())
	assert.Equal(t, 51, w.Len())
}
