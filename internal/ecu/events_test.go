package ecu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBus_DeliversToAllSubscribers verifies fan-out.
func TestBus_DeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1, cancel1 := bus.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := bus.Subscribe(4)
	defer cancel2()

	bus.Publish(Event{Type: EventArmed})

	ev1 := <-ch1
	ev2 := <-ch2
	assert.Equal(t, EventArmed, ev1.Type)
	assert.Equal(t, EventArmed, ev2.Type)
	assert.False(t, ev1.At.IsZero(), "publish must stamp At")
}

// TestBus_FullBufferDropsNotBlocks verifies the bounded-channel policy:
// a slow subscriber drops events instead of stalling the publisher.
func TestBus_FullBufferDropsNotBlocks(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{Type: EventFlashProgress, Progress: 10})
	bus.Publish(Event{Type: EventFlashProgress, Progress: 20}) // dropped

	assert.Equal(t, int64(1), bus.Dropped())

	ev := <-ch
	assert.Equal(t, 10, ev.Progress)
}

// TestBus_CancelClosesChannel verifies cancel is idempotent and closes
// the subscriber channel.
func TestBus_CancelClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic or count drops for the
	// removed subscriber.
	bus.Publish(Event{Type: EventDisarmed})
	assert.Equal(t, int64(0), bus.Dropped())
}

// TestBus_CloseTerminatesSubscribers verifies Close ends all channels
// and later publishes are no-ops.
func TestBus_CloseTerminatesSubscribers(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Close()
	_, open := <-ch
	require.False(t, open)

	bus.Publish(Event{Type: EventArmed}) // must not panic

	// Subscribing after close returns an already-closed channel.
	ch2, _ := bus.Subscribe(1)
	_, open = <-ch2
	assert.False(t, open)
}
