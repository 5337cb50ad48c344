package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return nil
}

func (f *fakePublisher) Messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func startBridge(t *testing.T, b *Broadcaster, pub Publisher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = NewNATSBridge(b, pub, "folderagg").Run(ctx)
	}()
	require.Eventually(t, func() bool { return b.Count() == 1 }, time.Second, time.Millisecond)
	return func() {
		cancel()
		<-done
	}
}

func TestNATSBridgeForwardsEvents(t *testing.T) {
	b := NewBroadcaster()
	pub := &fakePublisher{}
	stop := startBridge(t, b, pub)
	defer stop()

	b.Publish(Event{Type: EventReplaced, Source: "w1", Items: 2})
	b.Publish(Event{Type: EventExpired, Source: "w2"})

	require.Eventually(t, func() bool { return len(pub.Messages()) == 2 }, time.Second, time.Millisecond)
	msgs := pub.Messages()
	assert.Equal(t, "folderagg.source.replaced", msgs[0].subject)
	assert.Equal(t, "folderagg.source.expired", msgs[1].subject)

	var ev Event
	require.NoError(t, json.Unmarshal(msgs[0].data, &ev))
	assert.Equal(t, "w1", ev.Source)
	assert.Equal(t, 2, ev.Items)
}

func TestNATSBridgeSurvivesPublishErrors(t *testing.T) {
	b := NewBroadcaster()
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	stop := startBridge(t, b, pub)

	b.Publish(Event{Type: EventUpdated, Source: "w1"})
	stop()

	assert.Empty(t, pub.Messages())
	assert.Zero(t, b.Count(), "bridge unsubscribes on exit")
}
