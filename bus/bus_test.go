package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/nodemesh/core"
)

func TestBus_PublishOrderPerSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < 10; i++ {
		b.Publish(core.NewEvent(core.EventStepChange, "n1", map[string]any{"seq": i}))
	}

	for i := 0; i < 10; i++ {
		select {
		case ev := <-ch:
			assert.Equal(t, i, ev.Data["seq"])
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestBus_NoReplayForLateSubscribers(t *testing.T) {
	b := New()
	defer b.Close()

	b.Publish(core.NewEvent(core.EventStepChange, "n1", nil))

	ch, cancel := b.Subscribe()
	defer cancel()

	select {
	case ev := <-ch:
		t.Fatalf("unexpected replayed event: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_PublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := New(func(o *Options) { o.BufferSize = 1 })
	defer b.Close()

	_, cancel := b.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Nobody drains the subscriber; the publisher must not stall.
		for i := 0; i < 100; i++ {
			b.Publish(core.NewEvent(core.EventChunk, "n1", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	cancel()
	cancel() // idempotent

	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-ch
	assert.False(t, open, "channel should be closed after unsubscribe")
}

func TestBus_Close(t *testing.T) {
	b := New()
	ch, _ := b.Subscribe()

	b.Close()
	b.Close() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// Publish and Subscribe after Close are no-ops.
	b.Publish(core.NewEvent(core.EventError, "n1", nil))
	ch2, cancel := b.Subscribe()
	cancel()
	_, open = <-ch2
	assert.False(t, open)
}

func TestBus_MultipleSubscribersEachReceive(t *testing.T) {
	b := New()
	defer b.Close()

	ch1, c1 := b.Subscribe()
	ch2, c2 := b.Subscribe()
	defer c1()
	defer c2()

	ev := core.NewEvent(core.EventToolCall, "n1", map[string]any{"tool": "search"})
	b.Publish(ev)

	for _, ch := range []<-chan core.Event{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, ev.ID, got.ID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}
