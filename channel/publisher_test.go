package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/crmsync/diff"
	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/store"
)

func mutation(ref string) store.Mutation {
	return store.Mutation{
		EntityType: "task",
		EntityID:   "t-1",
		Operation: store.Operation{
			ID:   1,
			Kind: store.OpUpdate,
			Ref:  ref,
			Diff: []diff.Change{{Op: diff.OpReplace, Path: "/title", Value: diff.String("x")}},
		},
	}
}

// respond answers every mutation on h with reply(m).
func respond(t *testing.T, h *Hub, reply func(Message) Message) {
	t.Helper()
	sub, err := h.Subscribe("task", Wildcard, func(m Message) {
		if m.Type != MsgMutation {
			return
		}
		require.NoError(t, h.Publish(context.Background(), reply(m)))
	})
	require.NoError(t, err)
	t.Cleanup(sub.Unsubscribe)
}

func TestPublisherAck(t *testing.T) {
	h := NewHub(nopLog())
	defer h.Close()
	respond(t, h, func(m Message) Message {
		assert.Equal(t, "update", m.Op)
		assert.Len(t, m.Diff, 1)
		return Message{Type: MsgAck, Channel: m.Channel, ID: m.ID, Ref: m.Ref, Snapshot: []byte(`{"id":"t-1"}`)}
	})

	pub := NewPublisher(h, time.Second, nopLog())
	defer pub.Close()

	ack, err := pub.Mutate(context.Background(), mutation("r-1"))
	require.NoError(t, err)
	assert.Equal(t, "r-1", ack.Ref)
	assert.JSONEq(t, `{"id":"t-1"}`, string(ack.Snapshot))
}

func TestPublisherReject(t *testing.T) {
	h := NewHub(nopLog())
	defer h.Close()
	respond(t, h, func(m Message) Message {
		return Message{Type: MsgReject, Channel: m.Channel, ID: m.ID, Ref: m.Ref, Error: "stale"}
	})

	pub := NewPublisher(h, time.Second, nopLog())
	defer pub.Close()

	_, err := pub.Mutate(context.Background(), mutation("r-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
	assert.Contains(t, err.Error(), "stale")
}

func TestPublisherTimeout(t *testing.T) {
	h := NewHub(nopLog())
	defer h.Close()

	pub := NewPublisher(h, 30*time.Millisecond, nopLog())
	defer pub.Close()

	_, err := pub.Mutate(context.Background(), mutation("r-1"))
	assert.True(t, errors.Is(err, errors.ErrTimeout))
}

func TestPublisherContextCanceled(t *testing.T) {
	h := NewHub(nopLog())
	defer h.Close()

	pub := NewPublisher(h, time.Minute, nopLog())
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := pub.Mutate(ctx, mutation("r-1"))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestPublisherRequiresRef(t *testing.T) {
	h := NewHub(nopLog())
	defer h.Close()
	pub := NewPublisher(h, time.Second, nopLog())

	_, err := pub.Mutate(context.Background(), mutation(""))
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}
