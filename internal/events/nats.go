package events

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/folderagg/folderagg/internal/logging"
	"github.com/folderagg/folderagg/internal/metrics"
)

// Publisher is the subset of *nats.Conn used by the bridge.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials the NATS server at url with reconnects enabled.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("folderagg-master"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Warn("nats disconnected", logging.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logging.Info("nats reconnected", logging.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// NATSBridge republishes broadcaster events to NATS as JSON on
// "<subject>.<event type>".
type NATSBridge struct {
	broadcaster *Broadcaster
	pub         Publisher
	subject     string
}

// NewNATSBridge creates a bridge from b to pub.
func NewNATSBridge(b *Broadcaster, pub Publisher, subject string) *NATSBridge {
	return &NATSBridge{broadcaster: b, pub: pub, subject: subject}
}

// Run forwards events until ctx is done.
func (n *NATSBridge) Run(ctx context.Context) error {
	ch := n.broadcaster.Subscribe()
	defer n.broadcaster.Unsubscribe(ch)

	logging.Info("nats bridge started", logging.String("subject", n.subject))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			n.forward(ev)
		}
	}
}

func (n *NATSBridge) forward(ev Event) {
	data, err := MarshalEvent(ev)
	if err != nil {
		logging.Error("marshal event", logging.Err(err))
		metrics.RecordNATSPublish(false)
		return
	}
	subject := n.subject + "." + ev.Type
	if err := n.pub.Publish(subject, data); err != nil {
		logging.Warn("nats publish failed",
			logging.String("subject", subject),
			logging.Err(err))
		metrics.RecordNATSPublish(false)
		return
	}
	metrics.RecordNATSPublish(true)
}
