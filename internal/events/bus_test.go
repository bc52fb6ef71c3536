package events_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castworks/cw-studio/internal/events"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(events.Event{Kind: events.KindRelayStateChanged})

	select {
	case evt := <-ch:
		assert.Equal(t, events.KindRelayStateChanged, evt.Kind)
		assert.NotEmpty(t, evt.ID)
		assert.False(t, evt.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscribeFiltersKinds(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(4, events.KindCueStarted)
	defer cancel()

	bus.Publish(events.Event{Kind: events.KindRelayStateChanged})
	bus.Publish(events.Event{Kind: events.KindCueStarted})

	evt := <-ch
	assert.Equal(t, events.KindCueStarted, evt.Kind)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %s", extra.Kind)
	default:
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	bus := events.NewBus()
	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(events.Event{Kind: events.KindEncoderProgress})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber")
	}
	require.GreaterOrEqual(t, bus.Dropped(), uint64(9))
}

func TestCancelIsIdempotent(t *testing.T) {
	bus := events.NewBus()
	_, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	// Publishing after cancel must not panic on the closed channel.
	bus.Publish(events.Event{Kind: events.KindTimelineStarted})
}
