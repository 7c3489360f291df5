package channel

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/logger"
)

// DefaultQueueSize is the per-subscription buffer of a Hub.
const DefaultQueueSize = 256

// Hub is an in-process Channel. Each subscription has its own buffered
// queue and goroutine, so a slow handler delays only itself. When a
// queue is full the message is dropped for that subscriber and counted.
type Hub struct {
	log       *zap.SugaredLogger
	queueSize int
	dropped   atomic.Uint64

	mu     sync.RWMutex
	subs   map[string]map[string]map[uint64]*subscriber
	seq    uint64
	closed bool
}

// NewHub returns an empty hub.
func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		log:       logger.OrNop(log).Named("hub"),
		queueSize: DefaultQueueSize,
		subs:      make(map[string]map[string]map[uint64]*subscriber),
	}
}

type subscriber struct {
	hub     *Hub
	channel string
	id      string
	key     uint64
	queue   chan Message
	done    chan struct{}
	once    sync.Once
}

// Subscribe registers h for messages on channel addressed to id, or to
// every id when id is Wildcard.
func (h *Hub) Subscribe(channel, id string, handler Handler) (Subscription, error) {
	if channel == "" || id == "" {
		return nil, errors.NewInvalidRequestError("subscribe needs channel and id")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.Wrap(errors.ErrClosed, "hub")
	}
	h.seq++
	sub := &subscriber{
		hub:     h,
		channel: channel,
		id:      id,
		key:     h.seq,
		queue:   make(chan Message, h.queueSize),
		done:    make(chan struct{}),
	}
	byID, ok := h.subs[channel]
	if !ok {
		byID = make(map[string]map[uint64]*subscriber)
		h.subs[channel] = byID
	}
	if byID[id] == nil {
		byID[id] = make(map[uint64]*subscriber)
	}
	byID[id][sub.key] = sub

	go sub.run(handler)
	return sub, nil
}

func (s *subscriber) run(handler Handler) {
	defer close(s.done)
	for msg := range s.queue {
		handler(msg)
	}
}

// Unsubscribe stops delivery. Messages already queued are still handled.
func (s *subscriber) Unsubscribe() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		if byID, ok := h.subs[s.channel]; ok {
			delete(byID[s.id], s.key)
			if len(byID[s.id]) == 0 {
				delete(byID, s.id)
			}
			if len(byID) == 0 {
				delete(h.subs, s.channel)
			}
		}
		close(s.queue)
		h.mu.Unlock()
	})
}

// Publish validates msg and queues it for every matching subscriber.
// It never blocks on a subscriber.
func (h *Hub) Publish(_ context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return errors.Wrap(errors.ErrClosed, "hub")
	}
	byID := h.subs[msg.Channel]
	h.deliver(byID[Wildcard], msg)
	if msg.ID != "" && msg.ID != Wildcard {
		h.deliver(byID[msg.ID], msg)
	}
	return nil
}

func (h *Hub) deliver(subs map[uint64]*subscriber, msg Message) {
	for _, sub := range subs {
		select {
		case sub.queue <- msg:
		default:
			h.dropped.Add(1)
			h.log.Warnw("Subscriber queue full, dropping message",
				logger.FieldChannel, msg.Channel,
				logger.FieldEntityID, msg.ID,
				logger.FieldMessage, msg.Type)
		}
	}
}

// Subscribers returns the number of subscriptions on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.subs[channel] {
		n += len(subs)
	}
	return n
}

// Dropped returns how many deliveries were dropped on full queues.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close unsubscribes everyone and waits for queued messages to be
// handled.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var all []*subscriber
	for _, byID := range h.subs {
		for _, subs := range byID {
			for _, sub := range subs {
				all = append(all, sub)
			}
		}
	}
	h.mu.Unlock()

	for _, sub := range all {
		sub.Unsubscribe()
		<-sub.done
	}
	return nil
}
