package channel

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/logger"
)

// WSChannel is a Channel backed by a websocket connection to a Relay.
// Remote subscriptions are per channel; id filtering happens locally.
type WSChannel struct {
	conn  *websocket.Conn
	log   *zap.SugaredLogger
	local *Hub

	wmu sync.Mutex // serializes writes

	mu   sync.Mutex
	refs map[string]int

	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// DialWS connects to a relay at url (http, https, ws or wss) and runs
// the hello handshake. name identifies this client in relay logs.
func DialWS(ctx context.Context, url, name string, log *zap.SugaredLogger) (*WSChannel, error) {
	log = logger.OrNop(log).Named("ws")
	wsURL := httpToWS(url)

	dialer := websocket.Dialer{HandshakeTimeout: writeWait}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrServiceUnavailable), "dial %s", wsURL)
	}
	conn.SetReadLimit(maxMessageSize)

	if err := clientHello(conn, name); err != nil {
		conn.Close()
		return nil, err
	}

	c := &WSChannel{
		conn:  conn,
		log:   log.With(logger.FieldPeer, wsURL),
		local: NewHub(log),
		refs:  make(map[string]int),
		done:  make(chan struct{}),
	}
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	go c.readLoop()

	c.log.Infow("Connected to relay")
	return c, nil
}

func clientHello(conn *websocket.Conn, name string) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(Message{Type: MsgHello, Version: ProtocolVersion, Name: name}); err != nil {
		return errors.Wrap(err, "write hello")
	}
	conn.SetReadDeadline(time.Now().Add(writeWait))
	var reply Message
	if err := conn.ReadJSON(&reply); err != nil {
		return errors.Wrap(err, "read hello")
	}
	conn.SetReadDeadline(time.Time{})
	if reply.Type != MsgHello {
		return errors.NewInvalidRequestError("expected hello, got %s", reply.Type)
	}
	if reply.Error != "" {
		return errors.Newf("relay refused connection: %s", reply.Error)
	}
	return Compatible(reply.Version)
}

// httpToWS converts http(s) URLs to ws(s) URLs.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (c *WSChannel) readLoop() {
	defer c.shutdown(nil)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warnw("Relay connection lost", logger.FieldError, err)
				c.shutdown(errors.Wrap(errors.Mark(err, errors.ErrServiceUnavailable), "relay connection"))
			}
			return
		}
		if err := c.local.Publish(context.Background(), msg); err != nil {
			c.log.Debugw("Dropping message from relay", logger.FieldMessage, msg.Type, logger.FieldError, err)
		}
	}
}

func (c *WSChannel) write(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return errors.Wrap(errors.ErrClosed, "websocket channel")
	default:
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(msg); err != nil {
		return errors.Wrapf(err, "write %s", msg.Type)
	}
	return nil
}

type wsSubscription struct {
	c       *WSChannel
	channel string
	inner   Subscription
	once    sync.Once
}

func (s *wsSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.inner.Unsubscribe()
		s.c.release(s.channel)
	})
}

// Subscribe registers h locally and asks the relay for the channel on the
// first subscription to it.
func (c *WSChannel) Subscribe(channel, id string, h Handler) (Subscription, error) {
	inner, err := c.local.Subscribe(channel, id, h)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.refs[channel]++
	first := c.refs[channel] == 1
	c.mu.Unlock()

	if first {
		if err := c.write(context.Background(), Message{Type: MsgSubscribe, Channel: channel}); err != nil {
			inner.Unsubscribe()
			c.mu.Lock()
			c.refs[channel]--
			c.mu.Unlock()
			return nil, err
		}
	}
	return &wsSubscription{c: c, channel: channel, inner: inner}, nil
}

func (c *WSChannel) release(channel string) {
	c.mu.Lock()
	c.refs[channel]--
	last := c.refs[channel] <= 0
	if last {
		delete(c.refs, channel)
	}
	c.mu.Unlock()
	if last {
		if err := c.write(context.Background(), Message{Type: MsgUnsubscribe, Channel: channel}); err != nil {
			c.log.Debugw("Unsubscribe not sent", logger.FieldChannel, channel, logger.FieldError, err)
		}
	}
}

// Publish sends msg to the relay. Local subscribers see it only when the
// relay echoes it back.
func (c *WSChannel) Publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return c.write(ctx, msg)
}

// Done is closed when the connection ends.
func (c *WSChannel) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil after a clean Close.
func (c *WSChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *WSChannel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
		c.local.Close()
	})
}

// Close sends a close frame and tears the connection down.
func (c *WSChannel) Close() error {
	c.wmu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wmu.Unlock()
	c.shutdown(nil)
	return nil
}
