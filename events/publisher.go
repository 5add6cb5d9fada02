// Package events implements a best-effort fan-out of order-lifecycle and
// batch-sealed notifications to external collaborators (dashboards, the
// chain watcher/relayer) over NATS. Nothing inside this repo subscribes;
// publication is one-way and failures are logged, never propagated to
// the caller.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/offramp-labs/settlement-core/log"
)

// Topic identifies one kind of domain event.
type Topic string

const (
	OrderCreated    Topic = "offramp.order.created"
	OrderDiscovered Topic = "offramp.order.discovered"
	OrderLocked     Topic = "offramp.order.locked"
	OrderPaid       Topic = "offramp.order.paid"
	OrderSettled    Topic = "offramp.order.settled"
	BatchSealed     Topic = "offramp.batch.sealed"
	BatchFailed     Topic = "offramp.batch.failed"
)

// Publisher fans out domain events. Implementations must not block the
// caller on a slow or absent broker for longer than a connection attempt.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, payload interface{})
	Close()
}

// NoOp discards every event. Used when no broker is configured, and in
// unit tests for components whose event emission isn't under test.
type NoOp struct{}

func (NoOp) Publish(context.Context, Topic, interface{}) {}
func (NoOp) Close()                                       {}

// NATSPublisher publishes JSON-encoded payloads to a NATS subject per
// Topic.
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher connects to url (e.g. "nats://localhost:4222"). The
// connection uses NATS's own reconnect-with-backoff behavior; publish
// calls made while disconnected are dropped rather than buffered
// indefinitely, since these events are observability, not the system of
// record.
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.MaxReconnects(-1), nats.ReconnectWait(time.Second))
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{conn: conn}, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, topic Topic, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Errorf("events: failed to marshal payload for %s: %v", topic, err)
		return
	}
	if err := p.conn.Publish(string(topic), data); err != nil {
		log.Errorf("events: failed to publish %s: %v", topic, err)
	}
}

// Close implements Publisher.
func (p *NATSPublisher) Close() {
	p.conn.Close()
}
