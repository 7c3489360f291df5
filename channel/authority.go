package channel

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/crmsync/diff"
	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/logger"
	"github.com/teranos/crmsync/store"
)

// Validator is a server-side business check. A non-nil error rejects
// the mutation with its message.
type Validator func(diff.Value) error

type authorityType struct {
	schema *diff.Schema
	check  Validator
	items  map[string]diff.Value
}

// Authority is an in-memory authoritative server. It applies mutations
// published on a Channel, answers each with an ack or reject and pushes
// the resulting snapshot to every subscriber. It also implements
// store.Backend, so clients can bootstrap from it.
type Authority struct {
	ch    Channel
	log   *zap.SugaredLogger
	newID func(entityType string) string

	mu    sync.RWMutex
	types map[string]*authorityType
	subs  []Subscription
}

// NewAuthority returns an authority publishing on ch.
func NewAuthority(ch Channel, log *zap.SugaredLogger) *Authority {
	return &Authority{
		ch:    ch,
		log:   logger.OrNop(log).Named("authority"),
		newID: func(string) string { return uuid.NewString() },
		types: make(map[string]*authorityType),
	}
}

// Register starts serving entityType. check may be nil.
func (a *Authority) Register(entityType string, schema *diff.Schema, check Validator) error {
	a.mu.Lock()
	if _, ok := a.types[entityType]; ok {
		a.mu.Unlock()
		return errors.Wrapf(errors.ErrConflict, "entity type %s already registered", entityType)
	}
	a.types[entityType] = &authorityType{schema: schema, check: check, items: make(map[string]diff.Value)}
	a.mu.Unlock()

	sub, err := a.ch.Subscribe(entityType, Wildcard, func(msg Message) { a.handle(msg) })
	if err != nil {
		return errors.Wrapf(err, "register %s", entityType)
	}
	a.mu.Lock()
	a.subs = append(a.subs, sub)
	a.mu.Unlock()
	return nil
}

// Types returns the registered entity types, sorted.
func (a *Authority) Types() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.types))
	for t := range a.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (a *Authority) typ(entityType string) (*authorityType, error) {
	t, ok := a.types[entityType]
	if !ok {
		return nil, errors.NewNotFoundError("entity type %s", entityType)
	}
	return t, nil
}

// Seed stores snapshots without publishing them.
func (a *Authority) Seed(entityType string, raws ...json.RawMessage) error {
	for _, raw := range raws {
		if _, _, err := a.upsert(entityType, raw); err != nil {
			return err
		}
	}
	return nil
}

// Put stores a snapshot and pushes it to subscribers.
func (a *Authority) Put(ctx context.Context, entityType string, raw json.RawMessage) error {
	id, data, err := a.upsert(entityType, raw)
	if err != nil {
		return err
	}
	return a.ch.Publish(ctx, Message{Type: MsgSnapshot, Channel: entityType, ID: id, Snapshot: data})
}

func (a *Authority) upsert(entityType string, raw json.RawMessage) (string, json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, err := a.typ(entityType)
	if err != nil {
		return "", nil, err
	}
	v, err := diff.Parse(t.schema, raw)
	if err != nil {
		return "", nil, err
	}
	id := v.Get("id").Str()
	if id == "" {
		return "", nil, errors.NewInvalidRequestError("%s snapshot without id", entityType)
	}
	t.items[id] = v
	data, err := json.Marshal(v)
	return id, data, err
}

// Delete removes an entity and pushes a delete message.
func (a *Authority) Delete(ctx context.Context, entityType, id string) error {
	a.mu.Lock()
	t, err := a.typ(entityType)
	if err == nil {
		if _, ok := t.items[id]; !ok {
			err = errors.NewNotFoundError("%s %s", entityType, id)
		}
		delete(t.items, id)
	}
	a.mu.Unlock()
	if err != nil {
		return err
	}
	return a.ch.Publish(ctx, Message{Type: MsgDelete, Channel: entityType, ID: id})
}

// Fetch implements store.Backend.
func (a *Authority) Fetch(_ context.Context, entityType, id string) (json.RawMessage, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, err := a.typ(entityType)
	if err != nil {
		return nil, err
	}
	v, ok := t.items[id]
	if !ok {
		return nil, errors.NewNotFoundError("%s %s", entityType, id)
	}
	return json.Marshal(v)
}

// FetchAll implements store.Backend. Results are ordered by id.
func (a *Authority) FetchAll(_ context.Context, entityType string) ([]json.RawMessage, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, err := a.typ(entityType)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(t.items))
	for id := range t.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		data, err := json.Marshal(t.items[id])
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func (a *Authority) handle(msg Message) {
	if msg.Type != MsgMutation {
		return
	}
	ctx := context.Background()
	log := a.log.With(logger.FieldChannel, msg.Channel, logger.FieldEntityID, msg.ID, logger.FieldRef, msg.Ref)

	id, data, err := a.apply(msg)
	if err != nil {
		log.Debugw("Rejecting mutation", logger.FieldError, err)
		reply := Message{Type: MsgReject, Channel: msg.Channel, ID: msg.ID, Ref: msg.Ref, Error: err.Error()}
		if perr := a.ch.Publish(ctx, reply); perr != nil {
			log.Warnw("Failed to publish reject", logger.FieldError, perr)
		}
		return
	}

	for _, reply := range []Message{
		{Type: MsgAck, Channel: msg.Channel, ID: id, Ref: msg.Ref, Snapshot: data},
		{Type: MsgSnapshot, Channel: msg.Channel, ID: id, Snapshot: data},
	} {
		if err := a.ch.Publish(ctx, reply); err != nil {
			log.Warnw("Failed to publish reply", logger.FieldMessage, reply.Type, logger.FieldError, err)
		}
	}
	log.Debugw("Mutation applied", logger.FieldChanges, len(msg.Diff))
}

func (a *Authority) apply(msg Message) (string, json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, err := a.typ(msg.Channel)
	if err != nil {
		return "", nil, err
	}

	id := msg.ID
	cur, exists := t.items[id]
	var next diff.Value
	switch {
	case msg.Op == string(store.OpCreate):
		if exists {
			return "", nil, errors.Wrapf(errors.ErrConflict, "%s %s already exists", msg.Channel, id)
		}
		id = a.newID(msg.Channel)
		// Creates carry the full value; the diff is relative to the
		// client's zero value.
		if len(msg.Snapshot) > 0 {
			next, err = diff.Parse(t.schema, msg.Snapshot)
		} else {
			next, err = diff.Apply(t.schema, diff.Object(nil), msg.Diff)
		}
	case !exists:
		return "", nil, errors.NewNotFoundError("%s %s", msg.Channel, id)
	default:
		next, err = diff.Apply(t.schema, cur, msg.Diff)
	}
	if err != nil {
		return "", nil, err
	}
	if _, ok := t.schema.Field("id"); ok {
		next = next.With("id", diff.String(id))
	}
	if t.check != nil {
		if err := t.check(next); err != nil {
			return "", nil, err
		}
	}
	t.items[id] = next
	data, err := json.Marshal(next)
	return id, data, err
}

// Close stops serving mutations.
func (a *Authority) Close() {
	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
