package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/crmsync/diff"
	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/store"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type task struct {
	ID    string
	Title string
	Done  bool
}

var taskSchema = diff.NewSchema("task",
	diff.Str("id"),
	diff.Str("title"),
	diff.Flag("done"),
)

func taskCodec() store.Codec[task] {
	return store.Codec[task]{
		Type:   "task",
		Schema: taskSchema,
		Encode: func(t task) diff.Value {
			return diff.Object(map[string]diff.Value{
				"id":    diff.NonEmpty(t.ID),
				"title": diff.NonEmpty(t.Title),
				"done":  diff.Bool(t.Done),
			})
		},
		Decode: func(v diff.Value) (task, error) {
			return task{ID: v.Get("id").Str(), Title: v.Get("title").Str(), Done: v.Get("done").Bool()}, nil
		},
		ID:     func(t task) string { return t.ID },
		WithID: func(t task, id string) task { t.ID = id; return t },
	}
}

func taskJSON(t *testing.T, tk task) []byte {
	t.Helper()
	data, err := taskCodec().EncodeJSON(tk)
	require.NoError(t, err)
	return data
}

// titleRequired rejects tasks without a title.
func titleRequired(v diff.Value) error {
	if v.Get("title").Str() == "" {
		return errors.New("title is required")
	}
	return nil
}

func nopLog() *zap.SugaredLogger { return zap.NewNop().Sugar() }

// newTaskGroup returns a task group mutating through ch and backed by b,
// attached to ch.
func newTaskGroup(t *testing.T, ch Channel, b store.Backend) *store.Group[task] {
	t.Helper()
	pub := NewPublisher(ch, time.Second, nopLog())
	t.Cleanup(pub.Close)
	g, err := store.NewGroup(store.Config[task]{
		Codec: taskCodec(),
		Options: store.Options{
			Backend: b,
			Mutator: pub,
			Logger:  nopLog(),
		},
	})
	require.NoError(t, err)
	sub, err := Attach(t.Context(), ch, g, nopLog())
	require.NoError(t, err)
	t.Cleanup(sub.Unsubscribe)
	return g
}

// recorder collects messages delivered to a handler.
type recorder struct {
	ch chan Message
}

func newRecorder() *recorder { return &recorder{ch: make(chan Message, 64)} }

func (r *recorder) handle(m Message) { r.ch <- m }

func (r *recorder) next(t *testing.T) Message {
	t.Helper()
	select {
	case m := <-r.ch:
		return m
	case <-time.After(waitFor):
		t.Fatal("no message delivered")
		return Message{}
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case m := <-r.ch:
		t.Fatalf("unexpected message %s", m)
	case <-time.After(50 * time.Millisecond):
	}
}
