package alerts

import (
	"sync"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// EventType identifies the alert event kinds emitted by the routing core.
// Delivery, dedup and channel fan-out belong to the alerting collaborator.
type EventType string

const (
	EventBreakerStateChanged EventType = "breaker_state_changed"
	EventRateLimitExceeded   EventType = "rate_limit_exceeded"
	EventLimiterDegraded     EventType = "limiter_degraded"
)

// Event is a single alert event. Only the fields relevant to the Type are
// populated.
type Event struct {
	Type       EventType     `json:"type"`
	Provider   string        `json:"provider,omitzero"`
	FromState  string        `json:"from_state,omitzero"`
	ToState    string        `json:"to_state,omitzero"`
	Key        string        `json:"key,omitzero"`
	Tier       string        `json:"tier,omitzero"`
	RetryAfter time.Duration `json:"retry_after,omitzero"`
	Reason     string        `json:"reason,omitzero"`
	At         time.Time     `json:"at"`
}

// Bus fans alert events out to subscribers. Publish never blocks the routing
// hot path: a subscriber that falls behind loses events.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a buffered subscriber channel.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			fiberlog.Warnf("Alerts: dropping %s event, subscriber buffer full", event.Type)
		}
	}
}
