package channel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/crmsync/errors"
)

func snapshotMsg(id string) Message {
	return Message{Type: MsgSnapshot, Channel: "task", ID: id, Snapshot: []byte(`{"id":"` + id + `"}`)}
}

func TestHubDeliversToWildcardAndID(t *testing.T) {
	h := NewHub(nopLog())
	defer h.Close()

	all, one, other := newRecorder(), newRecorder(), newRecorder()
	_, err := h.Subscribe("task", Wildcard, all.handle)
	require.NoError(t, err)
	_, err = h.Subscribe("task", "t-1", one.handle)
	require.NoError(t, err)
	_, err = h.Subscribe("contact", Wildcard, other.handle)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Subscribers("task"))

	require.NoError(t, h.Publish(context.Background(), snapshotMsg("t-1")))
	require.NoError(t, h.Publish(context.Background(), snapshotMsg("t-2")))

	assert.Equal(t, "t-1", all.next(t).ID)
	assert.Equal(t, "t-2", all.next(t).ID)
	assert.Equal(t, "t-1", one.next(t).ID)
	one.none(t)
	other.none(t)
}

func TestHubPreservesOrder(t *testing.T) {
	h := NewHub(nopLog())
	defer h.Close()

	rec := newRecorder()
	_, err := h.Subscribe("task", Wildcard, rec.handle)
	require.NoError(t, err)

	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		require.NoError(t, h.Publish(context.Background(), snapshotMsg(id)))
	}
	for _, id := range ids {
		assert.Equal(t, id, rec.next(t).ID)
	}
}

func TestHubUnsubscribe(t *testing.T) {
	h := NewHub(nopLog())
	defer h.Close()

	rec := newRecorder()
	sub, err := h.Subscribe("task", Wildcard, rec.handle)
	require.NoError(t, err)
	sub.Unsubscribe()
	sub.Unsubscribe()

	require.NoError(t, h.Publish(context.Background(), snapshotMsg("t-1")))
	rec.none(t)
	assert.Zero(t, h.Subscribers("task"))
}

func TestHubRejectsInvalidMessages(t *testing.T) {
	h := NewHub(nopLog())
	defer h.Close()

	err := h.Publish(context.Background(), Message{Type: MsgSnapshot, Channel: "task"})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = h.Subscribe("", Wildcard, func(Message) {})
	assert.Error(t, err)
}

func TestHubDropsOnFullQueue(t *testing.T) {
	h := NewHub(nopLog())
	h.queueSize = 1
	defer h.Close()

	release := make(chan struct{})
	_, err := h.Subscribe("task", Wildcard, func(Message) { <-release })
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.Publish(context.Background(), snapshotMsg("t")))
	}
	close(release)
	assert.NotZero(t, h.Dropped())
}

func TestHubClosed(t *testing.T) {
	h := NewHub(nopLog())
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	err := h.Publish(context.Background(), snapshotMsg("t"))
	assert.True(t, errors.Is(err, errors.ErrClosed))
	_, err = h.Subscribe("task", Wildcard, func(Message) {})
	assert.True(t, errors.Is(err, errors.ErrClosed))
}
