// Package events fans out aggregator changes to SSE clients and NATS.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/folderagg/folderagg/internal/metrics"
	"github.com/folderagg/folderagg/pkg/protocol"
)

const (
	EventReplaced = "source.replaced"
	EventUpdated  = "source.updated"
	EventExpired  = "source.expired"
)

// subscriberBuffer is the per-subscriber queue length. Events beyond it are
// dropped for that subscriber.
const subscriberBuffer = 64

// Event describes one change to the aggregated listing.
type Event struct {
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Added     []protocol.Item `json:"added,omitempty"`
	Removed   []protocol.Item `json:"removed,omitempty"`
	Items     int             `json:"items,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Broadcaster manages subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(int64(n))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Unsubscribing
// twice is a no-op.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(int64(n))
}

// Publish sends an event to all subscribers without blocking. Slow
// consumers miss events.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	metrics.RecordEvent(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
