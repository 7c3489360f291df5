// Package channel is the push/subscribe transport between entity stores
// and the server.
//
// Subscribers name a channel (the entity type) and an id, or Wildcard for
// every id. Servers push snapshots, invalidations and deletions; clients
// publish mutations and receive acks or rejects correlated by Ref.
// Hub delivers in-process, WSChannel talks to a Relay over websocket and
// RedisChannel fans out through redis pub/sub.
package channel

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/crmsync/logger"
	"github.com/teranos/crmsync/store"
)

// Handler receives messages for one subscription, one at a time, in
// publish order.
type Handler func(Message)

// Subscription is an active Subscribe registration.
type Subscription interface {
	Unsubscribe()
}

// Channel is a sync transport.
type Channel interface {
	Subscribe(channel, id string, h Handler) (Subscription, error)
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Target receives pushes for one entity type. *store.Group[T] implements
// it.
type Target interface {
	Type() string
	Handle(ctx context.Context, p store.Push) error
}

var pushKinds = map[MsgType]store.PushKind{
	MsgSnapshot:   store.PushSnapshot,
	MsgInvalidate: store.PushInvalidate,
	MsgDelete:     store.PushDelete,
	MsgAck:        store.PushAck,
	MsgReject:     store.PushReject,
}

// ToPush converts a server message into a store push. Messages that are
// not pushes (mutation, hello, ...) return false.
func ToPush(msg Message) (store.Push, bool) {
	kind, ok := pushKinds[msg.Type]
	if !ok {
		return store.Push{}, false
	}
	return store.Push{
		Kind:     kind,
		ID:       msg.ID,
		Ref:      msg.Ref,
		Snapshot: msg.Snapshot,
		Error:    msg.Error,
	}, true
}

// Attach subscribes target to every id of its channel. Handler errors are
// logged; they never reach the transport.
func Attach(ctx context.Context, ch Channel, target Target, log *zap.SugaredLogger) (Subscription, error) {
	log = logger.OrNop(log).With(logger.FieldChannel, target.Type())
	return ch.Subscribe(target.Type(), Wildcard, func(msg Message) {
		push, ok := ToPush(msg)
		if !ok {
			return
		}
		if err := target.Handle(ctx, push); err != nil {
			log.Warnw("Failed to apply push",
				logger.FieldMessage, msg.Type,
				logger.FieldEntityID, msg.ID,
				logger.FieldRef, msg.Ref,
				logger.FieldError, err)
		}
	})
}
