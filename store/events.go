package store

import "sync"

// EventType identifies a state change a UI consumer may react to.
type EventType string

const (
	EventUpdated  EventType = "updated"
	EventTemp     EventType = "temp"
	EventLoaded   EventType = "loaded"
	EventLoading  EventType = "loading"
	EventAcked    EventType = "acked"
	EventRejected EventType = "rejected"
	EventError    EventType = "error"
	EventEvicted  EventType = "evicted"
	EventRekeyed  EventType = "rekeyed"
)

// Event is emitted after the store state has changed.
type Event struct {
	Type       EventType
	EntityType string
	ID         string
	Version    uint64
	Ref        string
	Err        string
	// PreviousID is set on EventRekeyed.
	PreviousID string
}

// SubscriberBufferSize is the buffer of each subscription channel.
const SubscriberBufferSize = 64

// broker fans events out to subscriber channels. Sends never block: a
// subscriber whose buffer is full misses the event.
type broker struct {
	mu   sync.RWMutex
	subs []chan Event
}

func (b *broker) subscribe() <-chan Event {
	ch := make(chan Event, SubscriberBufferSize)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// unsubscribe removes and closes ch. Unknown channels are ignored.
func (b *broker) unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub)
			return
		}
	}
}

func (b *broker) publish(ev Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sent := 0
	for _, sub := range b.subs {
		select {
		case sub <- ev:
			sent++
		default:
		}
	}
	return sent
}
