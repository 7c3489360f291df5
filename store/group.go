package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/teranos/crmsync/diff"
	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/logger"
)

// GroupOpKind selects what Sync does.
type GroupOpKind string

const (
	GroupInvalidate GroupOpKind = "invalidate"
	GroupEvict      GroupOpKind = "evict"
	GroupLoad       GroupOpKind = "load"
)

// GroupOp is a bulk instruction for a group, usually from a server push.
type GroupOp[T any] struct {
	Kind  GroupOpKind
	IDs   []string
	Items []T
}

// Group is the collection of stores for one entity type, keyed by id.
type Group[T any] struct {
	cfg    Config[T]
	events broker
	flight singleflight.Group

	mu           sync.RWMutex
	stores       map[string]*Store[T]
	bootstrapped bool
	loading      bool
	err          string
}

// NewGroup returns an empty group.
func NewGroup[T any](cfg Config[T]) (*Group[T], error) {
	if err := cfg.init(); err != nil {
		return nil, err
	}
	return &Group[T]{cfg: cfg, stores: make(map[string]*Store[T])}, nil
}

// Type returns the entity type name.
func (g *Group[T]) Type() string { return g.cfg.Codec.Type }

// Codec returns the entity codec.
func (g *Group[T]) Codec() Codec[T] { return g.cfg.Codec }

// Subscribe returns a channel receiving the events of every store in the
// group plus group-level evictions and rekeys.
func (g *Group[T]) Subscribe() <-chan Event { return g.events.subscribe() }

// Unsubscribe stops and closes a channel returned by Subscribe.
func (g *Group[T]) Unsubscribe(ch <-chan Event) { g.events.unsubscribe(ch) }

// Bootstrapped reports whether a Bootstrap has completed successfully.
func (g *Group[T]) Bootstrapped() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.bootstrapped
}

// Loading reports whether a Bootstrap is in flight.
func (g *Group[T]) Loading() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.loading
}

// Err returns the last Bootstrap error, or "".
func (g *Group[T]) Err() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.err
}

// Bootstrap fetches every entity of the type once. Concurrent calls share
// one fetch; calls after a successful bootstrap return immediately. When
// a journal is configured the group is first warmed from cached
// snapshots, which remain if the fetch fails.
func (g *Group[T]) Bootstrap(ctx context.Context) error {
	if g.Bootstrapped() {
		return nil
	}
	_, err, shared := g.flight.Do("bootstrap", func() (interface{}, error) {
		return nil, g.bootstrap(ctx)
	})
	if shared {
		g.cfg.Logger.Debugw("Joined in-flight bootstrap")
	}
	return err
}

func (g *Group[T]) bootstrap(ctx context.Context) error {
	if g.cfg.Backend == nil {
		return errors.Wrapf(errors.ErrServiceUnavailable, "bootstrap %s: no backend", g.Type())
	}
	g.mu.Lock()
	if g.bootstrapped {
		g.mu.Unlock()
		return nil
	}
	g.loading = true
	empty := len(g.stores) == 0
	g.mu.Unlock()

	started := time.Now()
	if empty && g.cfg.Journal != nil {
		g.warm(ctx)
	}

	raws, err := g.cfg.Backend.FetchAll(ctx, g.Type())
	if err == nil {
		if lerr := g.loadJSON(raws, true); lerr != nil {
			g.cfg.Logger.Warnw("Skipped invalid entities during bootstrap", logger.FieldError, lerr)
		}
	}

	g.mu.Lock()
	g.loading = false
	if err != nil {
		g.err = err.Error()
	} else {
		g.err = ""
		g.bootstrapped = true
	}
	n := len(g.stores)
	g.mu.Unlock()

	took := time.Since(started)
	g.cfg.Recorder.Bootstrapped(g.Type(), took, err)
	g.cfg.Recorder.Stores(g.Type(), n)
	if err != nil {
		return errors.Wrapf(err, "bootstrap %s", g.Type())
	}
	g.cfg.Logger.Infow("Bootstrapped",
		logger.FieldCount, n,
		logger.FieldDurationMS, took.Milliseconds())
	return nil
}

// warm loads cached snapshots without writing them back.
func (g *Group[T]) warm(ctx context.Context) {
	raws, err := g.cfg.Journal.Snapshots(ctx, g.Type())
	if err != nil {
		g.cfg.Logger.Warnw("Failed to read cached snapshots", logger.FieldError, err)
		return
	}
	if err := g.loadJSON(raws, false); err != nil {
		g.cfg.Logger.Warnw("Skipped invalid cached snapshots", logger.FieldError, err)
	}
	g.cfg.Logger.Debugw("Warmed from cache", logger.FieldCount, len(raws))
}

// Load upserts items into their stores. Items without an id are skipped
// and reported in the returned error.
func (g *Group[T]) Load(items ...T) error {
	var errs error
	for _, item := range items {
		id := g.cfg.Codec.ID(item)
		if id == "" {
			errs = errors.CombineErrors(errs, errors.NewInvalidRequestError("%s without id", g.Type()))
			continue
		}
		if err := g.Ensure(id).Load(item); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

// LoadJSON is Load for wire payloads.
func (g *Group[T]) LoadJSON(raws ...json.RawMessage) error {
	return g.loadJSON(raws, true)
}

func (g *Group[T]) loadJSON(raws []json.RawMessage, persist bool) error {
	var errs error
	for _, raw := range raws {
		if err := g.loadOne(raw, persist); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

func (g *Group[T]) loadOne(raw json.RawMessage, persist bool) error {
	v, err := diff.Parse(g.cfg.Codec.Schema, raw)
	if err != nil {
		return err
	}
	item, err := g.cfg.Codec.decode(v)
	if err != nil {
		return err
	}
	id := g.cfg.Codec.ID(item)
	if id == "" {
		return errors.NewInvalidRequestError("%s without id", g.Type())
	}
	return g.Ensure(id).loadValue(v, persist)
}

// Sync applies a bulk instruction.
func (g *Group[T]) Sync(ctx context.Context, op GroupOp[T]) error {
	switch op.Kind {
	case GroupInvalidate:
		var errs error
		for _, id := range op.IDs {
			if err := g.invalidate(ctx, id); err != nil {
				errs = errors.CombineErrors(errs, err)
			}
		}
		return errs
	case GroupEvict:
		g.Evict(op.IDs...)
		return nil
	case GroupLoad:
		return g.Load(op.Items...)
	default:
		return errors.NewInvalidRequestError("unknown group operation %q", op.Kind)
	}
}

// invalidate refetches id. An id the group does not hold yet is only
// added once the fetch succeeds.
func (g *Group[T]) invalidate(ctx context.Context, id string) error {
	if st, ok := g.Get(id); ok {
		return st.Invalidate(ctx)
	}
	st := newStore(&g.cfg, id, g)
	if err := st.Invalidate(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	if _, ok := g.stores[id]; !ok {
		g.stores[id] = st
	}
	n := len(g.stores)
	g.mu.Unlock()
	g.cfg.Recorder.Stores(g.Type(), n)
	return nil
}

// Get returns the store for id.
func (g *Group[T]) Get(id string) (*Store[T], bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st, ok := g.stores[id]
	return st, ok
}

// Ensure returns the store for id, creating an empty one if needed.
func (g *Group[T]) Ensure(id string) *Store[T] {
	if st, ok := g.Get(id); ok {
		return st
	}
	g.mu.Lock()
	st, ok := g.stores[id]
	if !ok {
		st = newStore(&g.cfg, id, g)
		g.stores[id] = st
	}
	n := len(g.stores)
	g.mu.Unlock()
	if !ok {
		g.cfg.Recorder.Stores(g.Type(), n)
	}
	return st
}

// Evict removes stores and their cached snapshots. It returns how many
// stores were removed.
func (g *Group[T]) Evict(ids ...string) int {
	var removed []string
	g.mu.Lock()
	for _, id := range ids {
		if _, ok := g.stores[id]; ok {
			delete(g.stores, id)
			removed = append(removed, id)
		}
	}
	n := len(g.stores)
	g.mu.Unlock()

	for _, id := range removed {
		g.events.publish(Event{Type: EventEvicted, EntityType: g.Type(), ID: id})
		if j := g.cfg.Journal; j != nil && !IsPlaceholder(id) {
			if err := j.DeleteSnapshot(context.Background(), g.Type(), id); err != nil {
				g.cfg.Logger.Warnw("Failed to delete cached snapshot", logger.FieldEntityID, id, logger.FieldError, err)
			}
		}
	}
	if len(removed) > 0 {
		g.cfg.Recorder.Stores(g.Type(), n)
	}
	return len(removed)
}

// IDs returns the ids held, sorted.
func (g *Group[T]) IDs() []string {
	g.mu.RLock()
	ids := make([]string, 0, len(g.stores))
	for id := range g.stores {
		ids = append(ids, id)
	}
	g.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of stores.
func (g *Group[T]) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.stores)
}

// Values returns the optimistic values of every loaded store, by id.
func (g *Group[T]) Values() []T {
	return g.Filter(func(T) bool { return true })
}

// Filter returns the loaded values matching keep, by id.
func (g *Group[T]) Filter(keep func(T) bool) []T {
	var out []T
	for _, id := range g.IDs() {
		st, ok := g.Get(id)
		if !ok || !st.Loaded() {
			continue
		}
		if v := st.Value(); keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// Create adds a locally created entity under a placeholder id and
// commits it as a create operation. The store moves to the server id
// once the create is acknowledged with a snapshot.
func (g *Group[T]) Create(item T) (*Store[T], Operation, error) {
	id := NewPlaceholderID()
	if g.cfg.Codec.WithID != nil {
		item = g.cfg.Codec.WithID(item, id)
	}
	st := newStore(&g.cfg, id, g)
	st.created = true

	g.mu.Lock()
	g.stores[id] = st
	g.mu.Unlock()

	op, err := st.Update(func(T) T { return item })
	if err != nil {
		g.mu.Lock()
		delete(g.stores, id)
		g.mu.Unlock()
		return nil, Operation{}, err
	}
	return st, op, nil
}

func (g *Group[T]) rekey(oldID, newID string, st *Store[T]) {
	g.mu.Lock()
	if cur, ok := g.stores[oldID]; ok && cur == st {
		delete(g.stores, oldID)
	}
	g.stores[newID] = st
	g.mu.Unlock()

	g.events.publish(Event{Type: EventRekeyed, EntityType: g.Type(), ID: newID, PreviousID: oldID})
	g.cfg.Logger.Debugw("Store rekeyed", logger.FieldEntityID, newID, "previous_id", oldID)
}

// byRef finds the store holding the in-flight operation ref.
func (g *Group[T]) byRef(ref string) (*Store[T], bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, st := range g.stores {
		if st.HasPending(ref) {
			return st, true
		}
	}
	return nil, false
}

func (g *Group[T]) pendingStore(id, ref string) (*Store[T], bool) {
	if st, ok := g.Get(id); ok && st.HasPending(ref) {
		return st, true
	}
	return g.byRef(ref)
}

// Handle applies a server push. Acks and rejects for operations the
// group no longer tracks are ignored.
func (g *Group[T]) Handle(ctx context.Context, p Push) error {
	switch p.Kind {
	case PushSnapshot:
		return g.LoadJSON(p.Snapshot)
	case PushInvalidate:
		return g.Sync(ctx, GroupOp[T]{Kind: GroupInvalidate, IDs: []string{p.ID}})
	case PushDelete:
		g.Evict(p.ID)
		return nil
	case PushAck:
		st, ok := g.pendingStore(p.ID, p.Ref)
		if !ok {
			g.cfg.Logger.Debugw("Ignoring ack for unknown operation", logger.FieldRef, p.Ref)
			return nil
		}
		err := st.Ack(p.Ref, p.Snapshot)
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	case PushReject:
		st, ok := g.pendingStore(p.ID, p.Ref)
		if !ok {
			g.cfg.Logger.Debugw("Ignoring reject for unknown operation", logger.FieldRef, p.Ref)
			return nil
		}
		st.rejectAndRefetch(ctx, p.Ref, errors.New(p.Error))
		return nil
	default:
		return errors.NewInvalidRequestError("unknown push kind %q", p.Kind)
	}
}
