package service

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"umbra/internal/domain"
)

// EventBus fans notifications out to subscribers
type EventBus struct {
	mu          sync.RWMutex
	subscribers []chan<- domain.Notification
	dropped     atomic.Int64
	log         zerolog.Logger
}

// NewEventBus creates a new event bus
func NewEventBus(log zerolog.Logger) *EventBus {
	return &EventBus{
		subscribers: make([]chan<- domain.Notification, 0),
		log:         log.With().Str("component", "events").Logger(),
	}
}

// Subscribe adds a subscriber to receive notifications. The returned func
// removes it again.
func (eb *EventBus) Subscribe(ch chan<- domain.Notification) (unsubscribe func()) {
	eb.mu.Lock()
	eb.subscribers = append(eb.subscribers, ch)
	eb.mu.Unlock()

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.subscribers = slices.DeleteFunc(eb.subscribers, func(c chan<- domain.Notification) bool {
			return c == ch
		})
	}
}

// Publish sends a notification to all subscribers without blocking
func (eb *EventBus) Publish(n domain.Notification) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, ch := range eb.subscribers {
		select {
		case ch <- n:
		default:
			// slow subscriber
			eb.dropped.Add(1)
			eb.log.Warn().Str("kind", string(n.Kind())).Msg("subscriber full, notification dropped")
		}
	}
}

// Dropped returns how many deliveries were skipped
func (eb *EventBus) Dropped() int64 {
	return eb.dropped.Load()
}
