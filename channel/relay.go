package channel

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/logger"
)

// WebSocket timeouts, shared by Relay and WSChannel.
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer (1MB, large snapshots)
	maxMessageSize = 1024 * 1024

	// Outbound messages buffered per connection
	sendBuffer = 256
)

// Relay serves a Channel over websocket. Each connection opens with a
// hello, then subscribes to channels; every other message it sends is
// published on the underlying Channel.
type Relay struct {
	ch       Channel
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[*relayConn]struct{}
}

// NewRelay returns a relay over ch. Origins are matched by prefix; an empty
// list accepts only localhost. Requests without an Origin header are always
// accepted.
func NewRelay(ch Channel, allowedOrigins []string, log *zap.SugaredLogger) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		ch:     ch,
		log:    logger.OrNop(log).Named("relay"),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*relayConn]struct{}),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     func(req *http.Request) bool { return checkOrigin(req, allowedOrigins) },
	}
	return r
}

func checkOrigin(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(allowed) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost")
	}
	for _, prefix := range allowed {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

type relayConn struct {
	relay *Relay
	conn  *websocket.Conn
	name  string
	send  chan Message
	done  chan struct{}
	once  sync.Once

	mu   sync.Mutex
	subs map[string]Subscription
}

// ServeHTTP upgrades the request and runs the hello handshake.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warnw("WebSocket upgrade failed", logger.FieldPeer, req.RemoteAddr, logger.FieldError, err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	name, err := r.handshake(conn)
	if err != nil {
		r.log.Infow("Handshake refused", logger.FieldPeer, req.RemoteAddr, logger.FieldError, err)
		conn.Close()
		return
	}

	c := &relayConn{
		relay: r,
		conn:  conn,
		name:  name,
		send:  make(chan Message, sendBuffer),
		done:  make(chan struct{}),
		subs:  make(map[string]Subscription),
	}
	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		conn.Close()
		return
	}
	r.conns[c] = struct{}{}
	r.wg.Add(2)
	r.mu.Unlock()

	r.log.Infow("Peer connected", logger.FieldPeer, name)
	go c.writePump()
	go c.readPump()
}

func (r *Relay) handshake(conn *websocket.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(writeWait))
	var hello Message
	if err := conn.ReadJSON(&hello); err != nil {
		return "", errors.Wrap(err, "read hello")
	}
	conn.SetReadDeadline(time.Time{})

	reply := Message{Type: MsgHello, Version: ProtocolVersion, Name: "relay"}
	var refused error
	switch {
	case hello.Type != MsgHello:
		refused = errors.NewInvalidRequestError("expected hello, got %s", hello.Type)
	default:
		refused = Compatible(hello.Version)
	}
	if refused != nil {
		reply.Error = refused.Error()
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(reply); err != nil {
		return "", errors.Wrap(err, "write hello")
	}
	if refused != nil {
		return "", refused
	}
	name := hello.Name
	if name == "" {
		name = conn.RemoteAddr().String()
	}
	return name, nil
}

// Connections returns the number of live connections.
func (r *Relay) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Close disconnects every peer and waits for their pumps to stop.
func (r *Relay) Close() error {
	r.cancel()
	r.mu.Lock()
	conns := make([]*relayConn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	r.wg.Wait()
	return nil
}

func (c *relayConn) readPump() {
	defer func() {
		c.relay.wg.Done()
		c.close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	log := c.relay.log.With(logger.FieldPeer, c.name)
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.handleReadError(err)
			return
		}
		if err := msg.Validate(); err != nil {
			log.Debugw("Dropping invalid message", logger.FieldError, err)
			continue
		}
		switch msg.Type {
		case MsgHello:
		case MsgSubscribe:
			c.subscribe(msg.Channel)
		case MsgUnsubscribe:
			c.unsubscribe(msg.Channel)
		default:
			if err := c.relay.ch.Publish(c.relay.ctx, msg); err != nil {
				log.Warnw("Publish failed", logger.FieldMessage, msg.Type, logger.FieldError, err)
			}
		}
	}
}

// handleReadError logs unexpected close errors. Expected closure codes
// are ignored.
func (c *relayConn) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		c.relay.log.Warnw("WebSocket read error", logger.FieldPeer, c.name, logger.FieldError, err)
	}
}

func (c *relayConn) subscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[channel]; ok {
		return
	}
	sub, err := c.relay.ch.Subscribe(channel, Wildcard, c.enqueue)
	if err != nil {
		c.relay.log.Warnw("Subscribe failed", logger.FieldPeer, c.name, logger.FieldChannel, channel, logger.FieldError, err)
		return
	}
	c.subs[channel] = sub
}

func (c *relayConn) unsubscribe(channel string) {
	c.mu.Lock()
	sub, ok := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
}

func (c *relayConn) enqueue(msg Message) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.relay.log.Warnw("Peer send buffer full, dropping message",
			logger.FieldPeer, c.name,
			logger.FieldMessage, msg.Type,
			logger.FieldEntityID, msg.ID)
	}
}

func (c *relayConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.conn.Close()
		c.relay.wg.Done()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.relay.log.Debugw("Write failed", logger.FieldPeer, c.name, logger.FieldError, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *relayConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]Subscription)
		c.mu.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}

		r := c.relay
		r.mu.Lock()
		delete(r.conns, c)
		r.mu.Unlock()
		r.log.Infow("Peer disconnected", logger.FieldPeer, c.name)
	})
}
