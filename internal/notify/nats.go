package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/pickuplab/pickupd/internal/domain"
	"github.com/pickuplab/pickupd/internal/events"
)

// Notifier publishes domain events to NATS subjects so external consumers
// (bots, site frontends) can react without polling the API. Each event type
// maps to a subject under the configured prefix: "game_changed" is published
// on "<prefix>.game_changed".
type Notifier struct {
	conn   *nats.Conn
	prefix string

	mu     sync.Mutex
	cancel func()
	done   chan struct{}
}

// New connects to the NATS server at url. The returned notifier does not
// publish anything until Start is called.
func New(url, prefix string) (*Notifier, error) {
	conn, err := nats.Connect(url,
		nats.Name("pickupd"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &Notifier{conn: conn, prefix: prefix}, nil
}

// Start subscribes to the bus and forwards every event until Stop is called
func (n *Notifier) Start(bus *events.Bus) {
	ch, cancel := bus.Subscribe()

	n.mu.Lock()
	n.cancel = cancel
	n.done = make(chan struct{})
	n.mu.Unlock()

	go func() {
		defer close(n.done)
		for event := range ch {
			n.publish(event)
		}
	}()
}

func (n *Notifier) publish(event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("notify: failed to encode %s event: %v", event.Type, err)
		return
	}
	subject := n.prefix + "." + event.Type
	if err := n.conn.Publish(subject, payload); err != nil {
		log.Printf("notify: failed to publish to %s: %v", subject, err)
	}
}

// Stop detaches from the bus, drains in-flight events and closes the
// connection
func (n *Notifier) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	done := n.done
	n.cancel = nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if err := n.conn.Drain(); err != nil {
		log.Printf("notify: drain: %v", err)
	}
}
