// ABOUTME: Tests for the ChangeFeed fan-out
// ABOUTME: Covers delivery, slow consumers, context cancellation, close and concurrency

package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeFeed_SubscribersReceiveChange(t *testing.T) {
	f := NewChangeFeed(nil)
	defer f.Close()

	ctx := testContext(t)
	ch1 := f.Subscribe(ctx)
	ch2 := f.Subscribe(ctx)

	f.Publish(Change{Kind: ChangeCreated, ThreadID: "t1"})

	for _, ch := range []<-chan Change{ch1, ch2} {
		select {
		case c := <-ch:
			assert.Equal(t, ChangeCreated, c.Kind)
			assert.Equal(t, "t1", c.ThreadID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for change")
		}
	}
}

func TestChangeFeed_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	f := NewChangeFeed(nil)
	defer f.Close()

	ch := f.Subscribe(testContext(t))

	done := make(chan struct{})
	go func() {
		for j := 0; j < subscriberBufferSize+10; j++ {
			f.Publish(Change{Kind: ChangeAppended, ThreadID: "t1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestChangeFeed_ContextCancellationCleansUp(t *testing.T) {
	f := NewChangeFeed(nil)
	defer f.Close()

	ctx, cancel := context.WithCancel(testContext(t))
	ch := f.Subscribe(ctx)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	f.mu.RLock()
	assert.Empty(t, f.subscribers)
	f.mu.RUnlock()

	// Publishing afterwards is harmless.
	f.Publish(Change{Kind: ChangeReset})
}

func TestChangeFeed_CloseClosesAllSubscriptions(t *testing.T) {
	f := NewChangeFeed(nil)

	ch1 := f.Subscribe(testContext(t))
	ch2 := f.Subscribe(testContext(t))
	f.Close()

	_, ok1 := <-ch1
	_, ok2 := <-ch2
	assert.False(t, ok1)
	assert.False(t, ok2)
}

func TestChangeFeed_ConcurrentPublishSubscribe(t *testing.T) {
	f := NewChangeFeed(nil)
	defer f.Close()

	var wg sync.WaitGroup
	for j := 0; j < 10; j++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithCancel(testContext(t))
			ch := f.Subscribe(ctx)
			f.Publish(Change{Kind: ChangeAppended})
			cancel()
			for range ch {
			}
		}()
		go func() {
			defer wg.Done()
			for k := 0; k < 20; k++ {
				f.Publish(Change{Kind: ChangeCreated})
			}
		}()
	}
	wg.Wait()
}
