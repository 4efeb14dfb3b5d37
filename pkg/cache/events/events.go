// Package events carries storage notifications from the cache to whoever
// listens: threshold crossings and finished cleanups.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/songbook-app/songbook/log"
)

// Name identifies an event type.
type Name string

const (
	StorageWarning         Name = "storage-warning"
	StorageCritical        Name = "storage-critical"
	StorageCleanupComplete Name = "storage-cleanup-complete"
)

// ThresholdDetail accompanies StorageWarning and StorageCritical.
type ThresholdDetail struct {
	Percentage float64 `json:"percentage"`
}

// CleanupDetail accompanies StorageCleanupComplete.
type CleanupDetail struct {
	ItemsRemoved int    `json:"itemsRemoved"`
	Message      string `json:"message"`
}

// Event is one published notification.
type Event struct {
	ID     string    `json:"id"`
	Name   Name      `json:"name"`
	At     time.Time `json:"at"`
	Detail any       `json:"detail"`
}

// Handler receives events. It runs on the publisher's goroutine.
type Handler func(Event)

// Bus fans events out to subscribers. Delivery is at most once per publish
// and nothing is kept for subscribers that attach later. A nil *Bus drops
// everything.
type Bus struct {
	mu       sync.RWMutex
	handlers map[uint64]Handler
	next     uint64
	logger   log.Logger
}

// NewBus returns an empty bus.
func NewBus(logger log.Logger) *Bus {
	if logger == nil {
		logger = log.GetLogger("events")
	}
	return &Bus{handlers: make(map[uint64]Handler), logger: logger}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	if b == nil || h == nil {
		return func() {}
	}
	b.mu.Lock()
	b.next++
	id := b.next
	b.handlers[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Publish stamps ev with an ID and time when missing and hands it to every
// current subscriber.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("event handler for %s panicked: %v", ev.Name, r)
		}
	}()
	h(ev)
}

// Threshold builds a warning or critical event.
func Threshold(name Name, percentage float64) Event {
	return Event{Name: name, Detail: ThresholdDetail{Percentage: percentage}}
}

// CleanupComplete builds a cleanup summary event.
func CleanupComplete(itemsRemoved int, message string) Event {
	return Event{Name: StorageCleanupComplete, Detail: CleanupDetail{ItemsRemoved: itemsRemoved, Message: message}}
}
