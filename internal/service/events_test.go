package service

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"umbra/internal/domain"
)

func TestEventBusDeliversToSubscribers(t *testing.T) {
	bus := NewEventBus(zerolog.Nop())
	a := make(chan domain.Notification, 4)
	b := make(chan domain.Notification, 4)
	bus.Subscribe(a)
	bus.Subscribe(b)

	bus.Publish(domain.RunCompleted{ReportID: "r1"})

	for _, ch := range []chan domain.Notification{a, b} {
		require.Len(t, ch, 1)
		n := <-ch
		assert.Equal(t, domain.KindRunCompleted, n.Kind())
		assert.Equal(t, "r1", n.(domain.RunCompleted).ReportID)
	}
}

func TestEventBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewEventBus(zerolog.Nop())
	slow := make(chan domain.Notification, 1)
	bus.Subscribe(slow)

	bus.Publish(domain.DiscoveryEvent{SignatureID: "s1"})
	bus.Publish(domain.DiscoveryEvent{SignatureID: "s2"})

	assert.Len(t, slow, 1)
	assert.Equal(t, int64(1), bus.Dropped())
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus(zerolog.Nop())
	ch := make(chan domain.Notification, 1)
	unsubscribe := bus.Subscribe(ch)
	unsubscribe()

	bus.Publish(domain.ThermalAlert{Reason: "hot"})
	assert.Empty(t, ch)
	assert.Zero(t, bus.Dropped())
}
