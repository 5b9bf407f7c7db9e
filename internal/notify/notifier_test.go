package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryNotifierPublishSubscribe(t *testing.T) {
	n := NewMemoryNotifier()
	defer n.Close()

	events, cancel, err := n.Subscribe(context.Background(), 1)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, n.Publish(context.Background(), 1, Event{Type: EventStreamUpdate, StreamID: "s1", PartialResponse: "hello"}))

	select {
	case event := <-events:
		assert.Equal(t, EventStreamUpdate, event.Type)
		assert.Equal(t, "s1", event.StreamID)
		assert.Equal(t, "hello", event.PartialResponse)
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}
}

func TestMemoryNotifierIsolatesUsers(t *testing.T) {
	n := NewMemoryNotifier()
	defer n.Close()

	events, cancel, err := n.Subscribe(context.Background(), 1)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, n.Publish(context.Background(), 2, Event{Type: EventStreamUpdate, StreamID: "other"}))

	select {
	case event := <-events:
		t.Fatalf("unexpected event for another user: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryNotifierCancelClosesChannel(t *testing.T) {
	n := NewMemoryNotifier()
	defer n.Close()

	events, cancel, err := n.Subscribe(context.Background(), 1)
	require.NoError(t, err)

	cancel()
	cancel() // cancelling twice is safe

	_, ok := <-events
	assert.False(t, ok, "channel is closed after cancel")

	// Publishing to a user with no subscribers is a no-op.
	require.NoError(t, n.Publish(context.Background(), 1, Event{Type: EventStreamComplete}))
}

func TestMemoryNotifierContextCancellation(t *testing.T) {
	n := NewMemoryNotifier()
	defer n.Close()

	ctx, cancelCtx := context.WithCancel(context.Background())
	events, _, err := n.Subscribe(ctx, 1)
	require.NoError(t, err)

	cancelCtx()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected channel to close when context is cancelled")
	}
}

func TestMemoryNotifierSlowSubscriberDropsNotBlocks(t *testing.T) {
	n := NewMemoryNotifier()
	defer n.Close()

	_, cancel, err := n.Subscribe(context.Background(), 1)
	require.NoError(t, err)
	defer cancel()

	// Overfill the subscriber buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			_ = n.Publish(context.Background(), 1, Event{Type: EventStreamUpdate})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestMemoryNotifierCloseClosesSubscribers(t *testing.T) {
	n := NewMemoryNotifier()

	events, _, err := n.Subscribe(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, n.Close())

	// Drain: the channel must be closed, possibly after buffered events.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("expected channel to close on notifier close")
		}
	}
}
