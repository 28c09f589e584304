package notify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pickuplab/pickupd/internal/domain"
	"github.com/pickuplab/pickupd/internal/events"
)

func TestNotifierForwardsEvents(t *testing.T) {
	srv, url, err := StartEmbedded("127.0.0.1", -1)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	notifier, err := New(url, "pickup")
	require.NoError(t, err)

	consumer, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(consumer.Close)
	inbox := make(chan *nats.Msg, 8)
	_, err = consumer.ChanSubscribe("pickup.>", inbox)
	require.NoError(t, err)
	require.NoError(t, consumer.Flush())

	bus := events.New()
	notifier.Start(bus)
	bus.Publish(domain.EventGameChanged, map[string]string{"state": "started"})

	select {
	case msg := <-inbox:
		assert.Equal(t, "pickup.game_changed", msg.Subject)
		var event domain.Event
		require.NoError(t, json.Unmarshal(msg.Data, &event))
		assert.Equal(t, domain.EventGameChanged, event.Type)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("event never reached the nats subject")
	}

	notifier.Stop()

	// Events published after Stop stay on the bus only
	bus.Publish(domain.EventGameChanged, nil)
	select {
	case msg := <-inbox:
		t.Fatalf("unexpected message on %s after stop", msg.Subject)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNotifierConnectFailure(t *testing.T) {
	_, err := New("nats://127.0.0.1:1", "pickup")
	assert.Error(t, err)
}
