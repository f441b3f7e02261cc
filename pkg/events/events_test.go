package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	subA := broker.Subscribe()
	subB := broker.Subscribe()
	defer broker.Unsubscribe(subA)
	defer broker.Unsubscribe(subB)

	broker.Publish(&Event{
		Type:     EventPolicyExecuted,
		TenantID: "t1",
		GroupID:  "g1",
		Message:  "scaled up by 2",
	})

	for _, sub := range []Subscriber{subA, subB} {
		select {
		case event := <-sub:
			assert.Equal(t, EventPolicyExecuted, event.Type)
			assert.Equal(t, "t1", event.TenantID)
			assert.NotEmpty(t, event.ID)
			assert.False(t, event.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)

	_, ok := <-sub
	require.False(t, ok)
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	broker.Stop()

	done := make(chan struct{})
	go func() {
		// Fill well past the event buffer; Stop must keep this from hanging.
		for i := 0; i < 500; i++ {
			broker.Publish(&Event{Type: EventServerLaunched})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked after broker stop")
	}
}
