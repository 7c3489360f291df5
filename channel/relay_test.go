package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayFixture struct {
	hub    *Hub
	relay  *Relay
	server *httptest.Server
	auth   *Authority
}

func newRelayFixture(t *testing.T, seed ...task) *relayFixture {
	t.Helper()
	hub := NewHub(nopLog())
	relay := NewRelay(hub, nil, nopLog())
	server := httptest.NewServer(relay)
	f := &relayFixture{hub: hub, relay: relay, server: server, auth: newAuthority(t, hub, seed...)}
	t.Cleanup(func() {
		server.Close()
		relay.Close()
		hub.Close()
	})
	return f
}

func (f *relayFixture) dial(t *testing.T, name string) *WSChannel {
	t.Helper()
	ch, err := DialWS(context.Background(), f.server.URL, name, nopLog())
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestRelayHandshake(t *testing.T) {
	f := newRelayFixture(t)
	f.dial(t, "client-a")
	require.Eventually(t, func() bool { return f.relay.Connections() == 1 }, waitFor, tick)
}

func TestRelayRefusesIncompatibleVersion(t *testing.T) {
	f := newRelayFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(httpToWS(f.server.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Message{Type: MsgHello, Version: "2.0.0", Name: "future"}))
	var reply Message
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, MsgHello, reply.Type)
	assert.Contains(t, reply.Error, "incompatible")

	conn.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "relay closes the connection")
	assert.Zero(t, f.relay.Connections())
}

func TestRelayRejectsForeignOrigin(t *testing.T) {
	f := newRelayFixture(t)
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(httpToWS(f.server.URL), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWSChannelSubscribeAndPublish(t *testing.T) {
	f := newRelayFixture(t)
	ch := f.dial(t, "client-a")

	rec := newRecorder()
	sub, err := ch.Subscribe("task", "t-1", rec.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.hub.Subscribers("task") >= 2 }, waitFor, tick)

	require.NoError(t, f.hub.Publish(context.Background(), snapshotMsg("t-2")))
	require.NoError(t, f.hub.Publish(context.Background(), snapshotMsg("t-1")))
	assert.Equal(t, "t-1", rec.next(t).ID)
	rec.none(t)

	sub.Unsubscribe()
	require.Eventually(t, func() bool { return f.hub.Subscribers("task") == 1 }, waitFor, tick)
}

func TestWSChannelEndToEnd(t *testing.T) {
	f := newRelayFixture(t, task{ID: "t-1", Title: "a"})
	a := newTaskGroup(t, f.dial(t, "client-a"), f.auth)
	b := newTaskGroup(t, f.dial(t, "client-b"), f.auth)
	require.NoError(t, a.Bootstrap(context.Background()))
	require.NoError(t, b.Bootstrap(context.Background()))
	require.Eventually(t, func() bool { return f.hub.Subscribers("task") == 3 }, waitFor, tick)

	st, ok := a.Get("t-1")
	require.True(t, ok)
	_, err := st.Update(func(tk task) task { tk.Title = "edited by a"; return tk })
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(st.Pending()) == 0 }, waitFor, tick)
	require.Eventually(t, func() bool {
		other, ok := b.Get("t-1")
		return ok && other.Value().Title == "edited by a"
	}, waitFor, tick, "the other client sees the pushed snapshot")
}

func TestWSChannelDoneOnRelayClose(t *testing.T) {
	f := newRelayFixture(t)
	ch := f.dial(t, "client-a")
	require.Eventually(t, func() bool { return f.relay.Connections() == 1 }, waitFor, tick)

	require.NoError(t, f.relay.Close())
	select {
	case <-ch.Done():
	case <-time.After(waitFor):
		t.Fatal("client not notified of relay shutdown")
	}
	err := ch.Publish(context.Background(), snapshotMsg("t-1"))
	assert.Error(t, err)
}
