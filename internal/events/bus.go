package events

import (
	"log"
	"sync"
	"time"

	"github.com/pickuplab/pickupd/internal/domain"
)

// Bus fans domain events out to subscribers. Delivery is best effort: a
// subscriber that falls behind loses events rather than blocking producers.
type Bus struct {
	mu   sync.RWMutex
	subs []chan domain.Event
}

// New creates an empty bus
func New() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving every published event until cancel
// is called
func (b *Bus) Subscribe() (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.subs {
			if c == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(c)
				return
			}
		}
	}
	return ch, cancel
}

// Publish sends an event to all subscribers
func (b *Bus) Publish(eventType string, data interface{}) {
	event := domain.Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			log.Printf("event bus: subscriber behind, dropping %s", eventType)
		}
	}
}
