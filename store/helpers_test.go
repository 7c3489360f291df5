package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/crmsync/diff"
	"github.com/teranos/crmsync/errors"
)

type deal struct {
	ID     string
	Name   string
	Amount float64
	Tags   []string
	Stage  string
}

var dealSchema = diff.NewSchema("deal",
	diff.Str("id"),
	diff.Str("name"),
	diff.Number("amount"),
	diff.ListOf("tags", diff.Elem(diff.Str(""))),
	diff.Str("stage"),
)

func dealCodec() Codec[deal] {
	return Codec[deal]{
		Type:   "deal",
		Schema: dealSchema,
		Encode: func(d deal) diff.Value {
			return diff.Object(map[string]diff.Value{
				"id":     diff.NonEmpty(d.ID),
				"name":   diff.NonEmpty(d.Name),
				"amount": diff.Float(d.Amount),
				"tags":   diff.Strings(d.Tags),
				"stage":  diff.NonEmpty(d.Stage),
			})
		},
		Decode: func(v diff.Value) (deal, error) {
			d := deal{
				ID:     v.Get("id").Str(),
				Name:   v.Get("name").Str(),
				Amount: v.Get("amount").Float(),
				Stage:  v.Get("stage").Str(),
			}
			if tags := v.Get("tags").StringList(); len(tags) > 0 {
				d.Tags = tags
			}
			return d, nil
		},
		ID:     func(d deal) string { return d.ID },
		WithID: func(d deal, id string) deal { d.ID = id; return d },
	}
}

func dealJSON(t *testing.T, d deal) json.RawMessage {
	t.Helper()
	data, err := dealCodec().EncodeJSON(d)
	require.NoError(t, err)
	return data
}

func testConfig(t *testing.T, opts Options) Config[deal] {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return Config[deal]{Codec: dealCodec(), Options: opts}
}

func newTestStore(t *testing.T, id string, opts Options) *Store[deal] {
	t.Helper()
	st, err := NewStore(testConfig(t, opts), id)
	require.NoError(t, err)
	return st
}

func newTestGroup(t *testing.T, opts Options) *Group[deal] {
	t.Helper()
	g, err := NewGroup(testConfig(t, opts))
	require.NoError(t, err)
	return g
}

// fakeBackend serves deals from memory.
type fakeBackend struct {
	mu        sync.Mutex
	items     map[string]deal
	err       error
	fetches   int
	fetchAlls int
	// started receives once per FetchAll; release gates its return.
	started chan struct{}
	release chan struct{}
	// fetchStarted and fetchRelease do the same for Fetch. The item is
	// read before the gate, so a held fetch returns the older value.
	fetchStarted chan struct{}
	fetchRelease chan struct{}
}

func newFakeBackend(items ...deal) *fakeBackend {
	b := &fakeBackend{items: make(map[string]deal)}
	for _, d := range items {
		b.items[d.ID] = d
	}
	return b
}

func (b *fakeBackend) set(d deal) {
	b.mu.Lock()
	b.items[d.ID] = d
	b.mu.Unlock()
}

func (b *fakeBackend) setErr(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

func (b *fakeBackend) Fetch(ctx context.Context, _ string, id string) (json.RawMessage, error) {
	b.mu.Lock()
	b.fetches++
	d, ok := b.items[id]
	err := b.err
	started, release := b.fetchStarted, b.fetchRelease
	b.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NewNotFoundError("deal %s", id)
	}
	return dealCodec().EncodeJSON(d)
}

func (b *fakeBackend) FetchAll(ctx context.Context, _ string) ([]json.RawMessage, error) {
	b.mu.Lock()
	b.fetchAlls++
	started, release := b.started, b.release
	b.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	var out []json.RawMessage
	for _, d := range b.items {
		data, err := dealCodec().EncodeJSON(d)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// fakeMutator records mutations. respond decides the outcome; gate, when
// set, holds every Mutate until a value is sent on it.
type fakeMutator struct {
	mu        sync.Mutex
	mutations []Mutation
	respond   func(Mutation) (Ack, error)
	gate      chan struct{}
}

func (m *fakeMutator) Mutate(ctx context.Context, mut Mutation) (Ack, error) {
	m.mu.Lock()
	m.mutations = append(m.mutations, mut)
	respond, gate := m.respond, m.gate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Ack{}, ctx.Err()
		}
	}
	if respond != nil {
		return respond(mut)
	}
	return Ack{Ref: mut.Operation.Ref}, nil
}

func (m *fakeMutator) sent() []Mutation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Mutation(nil), m.mutations...)
}

// memJournal is an in-memory Journal.
type memJournal struct {
	mu        sync.Mutex
	snapshots map[string]json.RawMessage
	ops       map[string][]Operation
}

func newMemJournal() *memJournal {
	return &memJournal{snapshots: make(map[string]json.RawMessage), ops: make(map[string][]Operation)}
}

func (j *memJournal) SaveSnapshot(_ context.Context, entityType, id string, _ uint64, data json.RawMessage) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.snapshots[entityType+"/"+id] = data
	return nil
}

func (j *memJournal) DeleteSnapshot(_ context.Context, entityType, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.snapshots, entityType+"/"+id)
	return nil
}

func (j *memJournal) Snapshots(_ context.Context, _ string) ([]json.RawMessage, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []json.RawMessage
	for _, data := range j.snapshots {
		out = append(out, data)
	}
	return out, nil
}

func (j *memJournal) AppendOperation(_ context.Context, entityType, id string, op Operation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ops[entityType+"/"+id] = append(j.ops[entityType+"/"+id], op)
	return nil
}

func (j *memJournal) snapshot(key string) (json.RawMessage, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	data, ok := j.snapshots[key]
	return data, ok
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
