// ABOUTME: Tests for the Broadcaster fan-out registry
// ABOUTME: Covers subscribe, publish, unsubscribe, context cancellation, slow subscribers, concurrency

package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatline/internal/store"
)

func makeMessage(id string) *store.Message {
	return &store.Message{
		ID:          id,
		Kind:        store.KindText,
		Text:        "hello from " + id,
		SenderID:    "593888888888",
		RecipientID: "1055",
		Timestamp:   time.Now().UTC(),
	}
}

func receive(t *testing.T, ch <-chan *store.Message) *store.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestBroadcaster_EverySubscriberReceives(t *testing.T) {
	b := NewBroadcaster(0, nil)
	defer b.Close()

	ctx := t.Context()
	ch1, _ := b.Subscribe(ctx)
	ch2, _ := b.Subscribe(ctx)
	ch3, _ := b.Subscribe(ctx)

	delivered := b.Publish(makeMessage("m-1"))
	assert.Equal(t, 3, delivered)

	for _, ch := range []<-chan *store.Message{ch1, ch2, ch3} {
		assert.Equal(t, "m-1", receive(t, ch).ID)
	}
}

func TestBroadcaster_PublishWithNoSubscribers(t *testing.T) {
	b := NewBroadcaster(0, nil)
	defer b.Close()

	assert.Equal(t, 0, b.Publish(makeMessage("m-1")))
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewBroadcaster(0, nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context())
	require.Equal(t, 1, b.Count())

	b.Unsubscribe(subID)
	assert.Equal(t, 0, b.Count())

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")

	// Second unsubscribe is a no-op.
	b.Unsubscribe(subID)
	assert.Equal(t, 0, b.Publish(makeMessage("m-2")))
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(0, nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not cleaned up after cancel")
	}
	assert.Eventually(t, func() bool { return b.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestBroadcaster_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewBroadcaster(2, nil)
	defer b.Close()

	ctx := t.Context()
	slow, _ := b.Subscribe(ctx)
	fast, _ := b.Subscribe(ctx)

	var fastGot []string
	for _, id := range []string{"m-1", "m-2", "m-3", "m-4"} {
		b.Publish(makeMessage(id))
		fastGot = append(fastGot, receive(t, fast).ID)
	}
	assert.Equal(t, []string{"m-1", "m-2", "m-3", "m-4"}, fastGot)

	// The slow subscriber kept only what fit in its buffer.
	assert.Equal(t, "m-1", receive(t, slow).ID)
	assert.Equal(t, "m-2", receive(t, slow).ID)
	select {
	case msg := <-slow:
		t.Fatalf("expected drops, got %s", msg.ID)
	default:
	}
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(0, nil)

	ch, _ := b.Subscribe(t.Context())
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := b.Subscribe(t.Context())
	_, ok = <-late
	assert.False(t, ok, "subscribe after close returns a closed channel")

	b.Close()
}

func TestBroadcaster_ConcurrentPublishAndSubscribe(t *testing.T) {
	b := NewBroadcaster(256, nil)
	defer b.Close()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			ch, _ := b.Subscribe(ctx)
			for range 20 {
				select {
				case <-ch:
				default:
				}
			}
		}()
	}
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				b.Publish(makeMessage("m"))
			}
		}()
	}
	wg.Wait()
}
