package channel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/logger"
	"github.com/teranos/crmsync/store"
)

// DefaultAckTimeout bounds how long Mutate waits for an ack or reject.
const DefaultAckTimeout = 10 * time.Second

// Publisher is a store.Mutator that publishes mutations on a Channel and
// waits for the ack or reject carrying the same Ref.
type Publisher struct {
	ch      Channel
	timeout time.Duration
	log     *zap.SugaredLogger

	mu      sync.Mutex
	waiters map[string]chan Message
	subs    map[string]Subscription
}

// NewPublisher returns a publisher. A zero timeout means DefaultAckTimeout.
func NewPublisher(ch Channel, timeout time.Duration, log *zap.SugaredLogger) *Publisher {
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	return &Publisher{
		ch:      ch,
		timeout: timeout,
		log:     logger.OrNop(log).Named("publisher"),
		waiters: make(map[string]chan Message),
		subs:    make(map[string]Subscription),
	}
}

// watch subscribes once per entity type to collect acks and rejects.
func (p *Publisher) watch(channel string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[channel]; ok {
		return nil
	}
	sub, err := p.ch.Subscribe(channel, Wildcard, p.resolve)
	if err != nil {
		return errors.Wrapf(err, "watch %s", channel)
	}
	p.subs[channel] = sub
	return nil
}

func (p *Publisher) resolve(msg Message) {
	if msg.Type != MsgAck && msg.Type != MsgReject {
		return
	}
	p.mu.Lock()
	w, ok := p.waiters[msg.Ref]
	if ok {
		delete(p.waiters, msg.Ref)
	}
	p.mu.Unlock()
	if ok {
		w <- msg
	}
}

// Mutate publishes m and blocks until the server answers, the ack timeout
// passes or ctx ends.
func (p *Publisher) Mutate(ctx context.Context, m store.Mutation) (store.Ack, error) {
	ref := m.Operation.Ref
	if ref == "" {
		return store.Ack{}, errors.NewInvalidRequestError("mutation without ref")
	}
	if err := p.watch(m.EntityType); err != nil {
		return store.Ack{}, err
	}

	wait := make(chan Message, 1)
	p.mu.Lock()
	p.waiters[ref] = wait
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiters, ref)
		p.mu.Unlock()
	}()

	msg := Message{
		Type:     MsgMutation,
		Channel:  m.EntityType,
		ID:       m.EntityID,
		Ref:      ref,
		Op:       string(m.Operation.Kind),
		Diff:     m.Operation.Diff,
		Snapshot: m.Snapshot,
	}
	started := time.Now()
	if err := p.ch.Publish(ctx, msg); err != nil {
		return store.Ack{}, errors.Wrap(err, "publish mutation")
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case reply := <-wait:
		p.log.Debugw("Mutation answered",
			logger.FieldEntityType, m.EntityType,
			logger.FieldEntityID, m.EntityID,
			logger.FieldRef, ref,
			logger.FieldMessage, reply.Type,
			logger.FieldDurationMS, time.Since(started).Milliseconds())
		if reply.Type == MsgReject {
			reason := reply.Error
			if reason == "" {
				reason = "mutation rejected"
			}
			return store.Ack{}, errors.Mark(errors.New(reason), errors.ErrConflict)
		}
		return store.Ack{Ref: ref, Snapshot: reply.Snapshot}, nil
	case <-timer.C:
		return store.Ack{}, errors.Wrapf(errors.ErrTimeout, "no ack for %s within %s", ref, p.timeout)
	case <-ctx.Done():
		return store.Ack{}, errors.Wrap(ctx.Err(), "await ack")
	}
}

// Close drops the ack subscriptions. Pending Mutate calls time out.
func (p *Publisher) Close() {
	p.mu.Lock()
	subs := p.subs
	p.subs = make(map[string]Subscription)
	p.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
