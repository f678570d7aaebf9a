// ABOUTME: In-memory fan-out of newly recorded messages to every connected client
// ABOUTME: Explicit subscriber registry; a full subscriber buffer drops the event for that subscriber only

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/chatline/internal/metrics"
	"github.com/2389/chatline/internal/store"
)

// DefaultBufferSize is the per-subscriber channel buffer.
const DefaultBufferSize = 64

// Broadcaster is the single shared channel every session subscribes to.
// Every published message reaches every subscriber, the originator included.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan *store.Message
	bufferSize  int
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(bufferSize int, logger *slog.Logger) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan *store.Message),
		bufferSize:  bufferSize,
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber and returns its channel and id.
// The subscription is removed when ctx is cancelled or Unsubscribe is called;
// either way the channel is closed. Subscribing to a closed broadcaster
// returns an already-closed channel.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan *store.Message, string) {
	subID := uuid.New().String()
	ch := make(chan *store.Message, b.bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = ch
	count := len(b.subscribers)
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID, "subscribers", count)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish delivers msg to every subscriber without blocking and returns how
// many subscribers received it.
func (b *Broadcaster) Publish(msg *store.Message) int {
	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for subID, ch := range b.subscribers {
		select {
		case ch <- msg:
			delivered++
		default:
			metrics.BroadcastDropped.Inc()
			b.logger.Warn("dropped message for slow subscriber",
				"sub_id", subID,
				"message_id", msg.ID)
		}
	}
	return delivered
}

// Unsubscribe removes a subscription and closes its channel. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID, "subscribers", len(b.subscribers))
}

// Count returns the number of live subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes every subscriber channel and rejects later subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}

	b.logger.Debug("broadcaster closed")
}
