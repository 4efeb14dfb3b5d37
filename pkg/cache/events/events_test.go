package events

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songbook-app/songbook/log"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus(log.Nop())

	var first, second []Event
	bus.Subscribe(func(ev Event) { first = append(first, ev) })
	bus.Subscribe(func(ev Event) { second = append(second, ev) })

	bus.Publish(Threshold(StorageWarning, 82.5))

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	ev := first[0]
	assert.Equal(t, StorageWarning, ev.Name)
	assert.Equal(t, ThresholdDetail{Percentage: 82.5}, ev.Detail)
	assert.False(t, ev.At.IsZero())
	_, err := uuid.Parse(ev.ID)
	assert.NoError(t, err)
	assert.Equal(t, ev.ID, second[0].ID)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(log.Nop())

	count := 0
	unsubscribe := bus.Subscribe(func(Event) { count++ })
	bus.Publish(CleanupComplete(3, "removed 3 items"))
	unsubscribe()
	unsubscribe()
	bus.Publish(CleanupComplete(1, "removed 1 item"))

	assert.Equal(t, 1, count)
}

func TestEventsAreNotRetainedForLateSubscribers(t *testing.T) {
	bus := NewBus(log.Nop())
	bus.Publish(Threshold(StorageCritical, 97))

	got := 0
	bus.Subscribe(func(Event) { got++ })
	assert.Zero(t, got)
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	bus := NewBus(log.Nop())

	delivered := 0
	bus.Subscribe(func(Event) { panic("boom") })
	bus.Subscribe(func(Event) { delivered++ })

	assert.NotPanics(t, func() {
		bus.Publish(Threshold(StorageCritical, 99))
	})
	assert.Equal(t, 1, delivered)
}

func TestNilBusIsNoop(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() {
		unsubscribe := bus.Subscribe(func(Event) {})
		unsubscribe()
		bus.Publish(CleanupComplete(0, ""))
	})
}
