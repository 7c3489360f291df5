// Package store holds optimistic, observable entity state.
//
// A Store keeps two views of one entity: the authoritative base last
// confirmed by the server, and the optimistic value the UI reads. The
// optimistic value is always base with the pending (unacknowledged)
// operations replayed on top, so a server snapshot never clobbers a field
// with an edit still in flight, and a rejected operation rolls back by
// simply being dropped from the replay list.
package store

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/crmsync/diff"
	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/logger"
)

// Options are the collaborators shared by the stores of a group. Every
// field is optional.
type Options struct {
	Backend    Backend
	Mutator    Mutator
	Dispatcher Dispatcher
	Journal    Journal
	Recorder   Recorder
	Logger     *zap.SugaredLogger
	// RefetchOnReject invalidates a store after one of its operations is
	// rejected, so the UI converges on the server value.
	RefetchOnReject bool
	Now             func() time.Time
}

// Config describes one entity type.
type Config[T any] struct {
	Codec Codec[T]
	Rules []Rule[T]
	Options
}

func (c *Config[T]) init() error {
	if err := c.Codec.validate(); err != nil {
		return err
	}
	if c.Recorder == nil {
		c.Recorder = nopRecorder{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Logger = logger.OrNop(c.Logger).With(logger.FieldEntityType, c.Codec.Type)
	return nil
}

// UpdateOption adjusts a single Update call.
type UpdateOption func(*updateOptions)

type updateOptions struct {
	mutate bool
}

// WithoutMutation records the operation without sending it to the server.
func WithoutMutation() UpdateOption {
	return func(o *updateOptions) { o.mutate = false }
}

type pendingOp struct {
	op       Operation
	snapshot json.RawMessage
	// local operations are replayed but never sent; an authoritative
	// load discards them.
	local bool
}

// Store is the optimistic state of one entity.
type Store[T any] struct {
	cfg    *Config[T]
	group  *Group[T]
	key    string
	events broker

	mu         sync.RWMutex
	id         string
	base       diff.Value
	value      diff.Value
	temp       *diff.Value
	version    uint64
	history    []Operation
	pending    []pendingOp
	gen        uint64 // bumped whenever base is replaced
	err        string
	loading    bool
	created    bool
	createSent bool
	tail       chan struct{}
}

// NewStore returns an empty standalone store for id.
func NewStore[T any](cfg Config[T], id string) (*Store[T], error) {
	if err := cfg.init(); err != nil {
		return nil, err
	}
	return newStore(&cfg, id, nil), nil
}

func newStore[T any](cfg *Config[T], id string, g *Group[T]) *Store[T] {
	return &Store[T]{cfg: cfg, group: g, key: id, id: id}
}

func (s *Store[T]) log() *zap.SugaredLogger {
	return s.cfg.Logger.With(logger.FieldEntityID, s.id)
}

// ID returns the entity id. A locally created entity carries a
// placeholder id until the server acknowledges the create.
func (s *Store[T]) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Value returns a fresh copy of the optimistic value.
func (s *Store[T]) Value() T {
	s.mu.RLock()
	v := s.value
	s.mu.RUnlock()
	out, err := s.cfg.Codec.decode(v)
	if err != nil {
		s.log().Errorw("Stored value does not decode", logger.FieldError, err)
	}
	return out
}

// Snapshot returns the optimistic value in its schema form.
func (s *Store[T]) Snapshot() diff.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value.Clone()
}

// Loaded reports whether the store holds any value.
func (s *Store[T]) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.value.IsAbsent()
}

// Version is the number of operations committed so far.
func (s *Store[T]) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// History returns every committed operation, oldest first.
func (s *Store[T]) History() []Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.history)
}

// Pending returns the operations sent to the server and not yet
// acknowledged or rejected, oldest first.
func (s *Store[T]) Pending() []Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Operation
	for _, p := range s.pending {
		if !p.local {
			out = append(out, p.op)
		}
	}
	return out
}

// Err returns the last load or mutation error, or "".
func (s *Store[T]) Err() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// ClearError resets Err.
func (s *Store[T]) ClearError() {
	s.mu.Lock()
	s.err = ""
	s.mu.Unlock()
}

// Loading reports whether an Invalidate is in flight.
func (s *Store[T]) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Created reports whether the entity was created locally and the server
// has not acknowledged it yet.
func (s *Store[T]) Created() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.created
}

// Subscribe returns a channel receiving this store's events.
func (s *Store[T]) Subscribe() <-chan Event { return s.events.subscribe() }

// Unsubscribe stops and closes a channel returned by Subscribe.
func (s *Store[T]) Unsubscribe(ch <-chan Event) { s.events.unsubscribe(ch) }

func (s *Store[T]) emitLocked(ev Event) {
	ev.EntityType = s.cfg.Codec.Type
	if ev.ID == "" {
		ev.ID = s.id
	}
	if ev.Version == 0 {
		ev.Version = s.version
	}
	s.events.publish(ev)
	if s.group != nil {
		s.group.events.publish(ev)
	}
}

// Update commits fn's result as one operation. fn receives a fresh copy
// of the current value. Rules run after fn. The operation is recorded in
// history even when nothing changed; it is sent to the server only when
// it has changes, a Mutator is configured and WithoutMutation was not given.
// Update returns before any network activity.
func (s *Store[T]) Update(fn func(T) T, opts ...UpdateOption) (Operation, error) {
	o := updateOptions{mutate: true}
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	op, p, err := s.commitLocked(fn, o)
	s.mu.Unlock()
	if err != nil {
		return Operation{}, err
	}
	s.afterCommit(op, p)
	return op, nil
}

func (s *Store[T]) commitLocked(fn func(T) T, o updateOptions) (Operation, *pendingOp, error) {
	codec := s.cfg.Codec
	cur, err := codec.decode(s.value)
	if err != nil {
		return Operation{}, nil, err
	}
	next := fn(cur)
	if len(s.cfg.Rules) > 0 {
		before, err := codec.decode(s.value)
		if err != nil {
			return Operation{}, nil, err
		}
		for _, rule := range s.cfg.Rules {
			next = rule(before, next)
		}
	}
	after, err := codec.encode(next)
	if err != nil {
		return Operation{}, nil, err
	}

	changes := diff.Diff(codec.Schema, s.value, after)
	s.version++
	op := Operation{ID: s.version, Kind: OpUpdate, Diff: changes, CommittedAt: s.cfg.Now()}

	var p *pendingOp
	if len(changes) > 0 {
		send := o.mutate && s.cfg.Mutator != nil
		if send && s.created && !s.createSent {
			op.Kind = OpCreate
			s.createSent = true
		}
		if send {
			op.Ref = newRef()
		}
		snap, err := json.Marshal(after)
		if err != nil {
			return Operation{}, nil, errors.Wrap(err, "marshal snapshot")
		}
		entry := pendingOp{op: op, snapshot: snap, local: !send}
		s.pending = append(s.pending, entry)
		if send {
			p = &entry
		}
	}

	s.value = after
	s.history = append(s.history, op)
	s.emitLocked(Event{Type: EventUpdated, Version: op.ID, Ref: op.Ref})
	return op, p, nil
}

func (s *Store[T]) afterCommit(op Operation, p *pendingOp) {
	s.cfg.Recorder.Committed(s.cfg.Codec.Type, len(op.Diff))
	if j := s.cfg.Journal; j != nil {
		if err := j.AppendOperation(context.Background(), s.cfg.Codec.Type, s.ID(), op); err != nil {
			s.log().Warnw("Failed to journal operation", logger.FieldVersion, op.ID, logger.FieldError, err)
		}
	}
	if p != nil {
		s.dispatch(p.op.Ref)
	}
}

// UpdateTemp stages an uncommitted edit. Repeated calls build on the
// staged value. Temp edits never reach history or the server until
// CommitTemp.
func (s *Store[T]) UpdateTemp(fn func(T) T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.value
	if s.temp != nil {
		src = *s.temp
	}
	cur, err := s.cfg.Codec.decode(src)
	if err != nil {
		return err
	}
	next, err := s.cfg.Codec.encode(fn(cur))
	if err != nil {
		return err
	}
	s.temp = &next
	s.emitLocked(Event{Type: EventTemp})
	return nil
}

// Temp returns the staged value, if any.
func (s *Store[T]) Temp() (T, bool) {
	s.mu.RLock()
	t := s.temp
	s.mu.RUnlock()
	if t == nil {
		var zero T
		return zero, false
	}
	out, err := s.cfg.Codec.decode(*t)
	if err != nil {
		s.log().Errorw("Staged value does not decode", logger.FieldError, err)
	}
	return out, true
}

// CommitTemp commits the staged value as one operation and clears it.
func (s *Store[T]) CommitTemp(opts ...UpdateOption) (Operation, error) {
	o := updateOptions{mutate: true}
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	if s.temp == nil {
		s.mu.Unlock()
		return Operation{}, errors.NewInvalidRequestError("%s %s has no staged value", s.cfg.Codec.Type, s.id)
	}
	staged, err := s.cfg.Codec.decode(*s.temp)
	if err != nil {
		s.mu.Unlock()
		return Operation{}, err
	}
	s.temp = nil
	op, p, err := s.commitLocked(func(T) T { return staged }, o)
	s.mu.Unlock()
	if err != nil {
		return Operation{}, err
	}
	s.afterCommit(op, p)
	return op, nil
}

// DiscardTemp drops the staged value.
func (s *Store[T]) DiscardTemp() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.temp == nil {
		return
	}
	s.temp = nil
	s.emitLocked(Event{Type: EventTemp})
}

// Load replaces the authoritative base with item and replays pending
// operations over it. Loading the same snapshot twice is a no-op for the
// optimistic value.
func (s *Store[T]) Load(item T) error {
	v, err := s.cfg.Codec.encode(item)
	if err != nil {
		return err
	}
	return s.loadValue(v, true)
}

// LoadJSON is Load for a wire payload. The payload is validated against
// the schema first.
func (s *Store[T]) LoadJSON(data []byte) error {
	v, err := diff.Parse(s.cfg.Codec.Schema, data)
	if err != nil {
		return err
	}
	return s.loadValue(v, true)
}

func (s *Store[T]) loadValue(v diff.Value, persist bool) error {
	item, err := s.cfg.Codec.decode(v)
	if err != nil {
		return err
	}
	if v, err = s.cfg.Codec.encode(item); err != nil {
		return err
	}
	s.mu.Lock()
	if id := s.cfg.Codec.ID(item); id != "" && id != s.id {
		s.mu.Unlock()
		return errors.NewInvalidRequestError("load %s %s into store %s", s.cfg.Codec.Type, id, s.id)
	}
	s.loadLocked(v)
	id, version := s.id, s.version
	s.mu.Unlock()
	if persist {
		s.persist(id, version, v)
	}
	return nil
}

func (s *Store[T]) loadLocked(v diff.Value) {
	s.pending = slices.DeleteFunc(s.pending, func(p pendingOp) bool { return p.local })
	s.base = v
	s.gen++
	s.created = false
	s.rebaseLocked()
	s.emitLocked(Event{Type: EventLoaded})
}

// rebaseLocked recomputes the optimistic value as base plus pending
// operations. Operations that no longer apply are dropped.
func (s *Store[T]) rebaseLocked() {
	v := s.base
	kept := s.pending[:0]
	for _, p := range s.pending {
		next, err := diff.Apply(s.cfg.Codec.Schema, v, p.op.Diff)
		if err != nil {
			s.log().Warnw("Dropping pending operation that no longer applies",
				logger.FieldVersion, p.op.ID,
				logger.FieldRef, p.op.Ref,
				logger.FieldError, err)
			s.cfg.Recorder.Dropped(s.cfg.Codec.Type)
			continue
		}
		v = next
		kept = append(kept, p)
	}
	s.pending = kept
	s.value = v
}

func (s *Store[T]) pendingIndexLocked(ref string) int {
	if ref == "" {
		return -1
	}
	return slices.IndexFunc(s.pending, func(p pendingOp) bool { return !p.local && p.op.Ref == ref })
}

// HasPending reports whether ref is an in-flight operation of this store.
func (s *Store[T]) HasPending(ref string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingIndexLocked(ref) >= 0
}

// Ack confirms the pending operation ref. With a snapshot the server
// value becomes the new base; without one the operation's diff is
// folded into the base. An unknown ref returns ErrNotFound.
func (s *Store[T]) Ack(ref string, snapshot json.RawMessage) error {
	schema := s.cfg.Codec.Schema

	s.mu.Lock()
	i := s.pendingIndexLocked(ref)
	if i < 0 {
		s.mu.Unlock()
		return errors.NewNotFoundError("pending operation %s", ref)
	}
	p := s.pending[i]
	s.pending = slices.Delete(s.pending, i, i+1)

	applied := false
	if len(snapshot) > 0 && string(snapshot) != "null" {
		if v, err := s.cfg.Codec.parse(snapshot); err == nil {
			s.base, applied = v, true
		} else {
			s.log().Warnw("Ignoring invalid ack snapshot", logger.FieldRef, ref, logger.FieldError, err)
		}
	}
	if !applied {
		if v, err := diff.Apply(schema, s.base, p.op.Diff); err == nil {
			s.base = v
		} else if v, perr := s.cfg.Codec.parse(p.snapshot); perr == nil {
			s.base = v
		} else {
			s.log().Warnw("Acknowledged operation does not apply to base", logger.FieldRef, ref, logger.FieldError, err)
		}
	}
	s.gen++
	if p.op.Kind == OpCreate {
		s.created = false
	}

	oldID := s.id
	if item, err := s.cfg.Codec.decode(s.base); err == nil {
		if id := s.cfg.Codec.ID(item); id != "" {
			s.id = id
		}
	}
	s.rebaseLocked()
	s.emitLocked(Event{Type: EventAcked, Ref: ref})
	id, version, base := s.id, s.version, s.base
	s.mu.Unlock()

	s.cfg.Recorder.Acked(s.cfg.Codec.Type)
	s.persist(id, version, base)
	if id != oldID && s.group != nil {
		s.group.rekey(oldID, id, s)
	}
	return nil
}

// Reject drops the pending operation ref and records cause as the store
// error. The optimistic value rolls back to base plus the remaining
// pending operations. An unknown ref returns ErrNotFound.
func (s *Store[T]) Reject(ref string, cause error) error {
	s.mu.Lock()
	i := s.pendingIndexLocked(ref)
	if i < 0 {
		s.mu.Unlock()
		return errors.NewNotFoundError("pending operation %s", ref)
	}
	p := s.pending[i]
	s.pending = slices.Delete(s.pending, i, i+1)
	if p.op.Kind == OpCreate {
		s.createSent = false
	}
	s.err = errors.Message(cause)
	if s.err == "" {
		s.err = "rejected"
	}
	s.rebaseLocked()
	s.emitLocked(Event{Type: EventRejected, Ref: ref, Err: s.err})
	s.mu.Unlock()

	s.cfg.Recorder.Rejected(s.cfg.Codec.Type)
	s.log().Warnw("Operation rejected",
		logger.FieldRef, ref,
		logger.FieldVersion, p.op.ID,
		logger.FieldError, cause)
	return nil
}

func (s *Store[T]) rejectAndRefetch(ctx context.Context, ref string, cause error) {
	if err := s.Reject(ref, cause); err != nil {
		return
	}
	if !s.cfg.RefetchOnReject || s.cfg.Backend == nil || s.Created() {
		return
	}
	if err := s.Invalidate(ctx); err != nil {
		s.log().Warnw("Refetch after reject failed", logger.FieldError, err)
	}
}

// Invalidate refetches the entity from the backend. On failure the value
// is left unchanged, Err is set and the error is returned.
// A fetch overtaken by an ack or load that replaced the base is discarded.
func (s *Store[T]) Invalidate(ctx context.Context) error {
	if s.cfg.Backend == nil {
		return errors.Wrapf(errors.ErrServiceUnavailable, "invalidate %s: no backend", s.cfg.Codec.Type)
	}

	s.mu.Lock()
	if s.created {
		s.mu.Unlock()
		return nil
	}
	id, gen := s.id, s.gen
	s.loading = true
	s.emitLocked(Event{Type: EventLoading})
	s.mu.Unlock()

	raw, err := s.cfg.Backend.Fetch(ctx, s.cfg.Codec.Type, id)
	var v diff.Value
	if err == nil {
		v, err = s.cfg.Codec.parse(raw)
	}

	s.mu.Lock()
	s.loading = false
	if err == nil && s.gen != gen {
		// An ack or load replaced base while the fetch was in flight.
		s.err = ""
		s.emitLocked(Event{Type: EventLoaded})
		s.mu.Unlock()
		s.log().Debugw("Discarding fetch overtaken by a newer base")
		return nil
	}
	if err != nil {
		s.err = err.Error()
		s.emitLocked(Event{Type: EventError, Err: s.err})
		s.mu.Unlock()
		return errors.Wrapf(err, "invalidate %s %s", s.cfg.Codec.Type, id)
	}
	s.err = ""
	s.loadLocked(v)
	version := s.version
	s.mu.Unlock()

	s.persist(id, version, v)
	return nil
}

func (s *Store[T]) persist(id string, version uint64, v diff.Value) {
	j := s.cfg.Journal
	if j == nil || v.IsAbsent() || IsPlaceholder(id) {
		return
	}
	data, err := json.Marshal(v)
	if err == nil {
		err = j.SaveSnapshot(context.Background(), s.cfg.Codec.Type, id, version, data)
	}
	if err != nil {
		s.log().Warnw("Failed to persist snapshot", logger.FieldError, err)
	}
}

// dispatch hands the operation to the dispatcher. Without one, sends run
// on a per-store goroutine chain that preserves commit order.
func (s *Store[T]) dispatch(ref string) {
	job := func(ctx context.Context) { s.send(ctx, ref) }
	if d := s.cfg.Dispatcher; d != nil {
		if err := d.Submit(s.key, job); err != nil {
			_ = s.Reject(ref, err)
		}
		return
	}

	s.mu.Lock()
	prev := s.tail
	done := make(chan struct{})
	s.tail = done
	s.mu.Unlock()
	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		job(context.Background())
	}()
}

func (s *Store[T]) send(ctx context.Context, ref string) {
	if err := ctx.Err(); err != nil {
		_ = s.Reject(ref, errors.Wrap(err, "send"))
		return
	}
	s.mu.RLock()
	i := s.pendingIndexLocked(ref)
	if i < 0 {
		s.mu.RUnlock()
		return
	}
	p := s.pending[i]
	m := Mutation{
		EntityType: s.cfg.Codec.Type,
		EntityID:   s.id,
		Operation:  p.op,
		Snapshot:   p.snapshot,
	}
	s.mu.RUnlock()

	ack, err := s.cfg.Mutator.Mutate(ctx, m)
	if err != nil {
		s.rejectAndRefetch(ctx, ref, err)
		return
	}
	if ack.Ref == "" {
		ack.Ref = ref
	}
	if err := s.Ack(ack.Ref, ack.Snapshot); err != nil && !errors.IsNotFound(err) {
		s.log().Warnw("Failed to apply ack", logger.FieldRef, ack.Ref, logger.FieldError, err)
	}
}
