package channel

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/logger"
)

// RedisConfig configures a redis connection for NewRedisClient.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces pub/sub topics as prefix:channel.
	Prefix string
}

// NewRedisClient connects and pings redis.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrServiceUnavailable), "redis ping %s", cfg.Addr)
	}
	return rdb, nil
}

// RedisChannel fans messages out through redis pub/sub, so several relay
// or worker processes share one bus. One topic per entity type; id
// filtering happens locally.
type RedisChannel struct {
	rdb    redis.UniversalClient
	prefix string
	log    *zap.SugaredLogger
	local  *Hub

	mu     sync.Mutex
	ps     *redis.PubSub
	refs   map[string]int
	closed bool
	wg     sync.WaitGroup
}

// NewRedisChannel returns a channel on rdb. The caller owns rdb.
func NewRedisChannel(rdb redis.UniversalClient, prefix string, log *zap.SugaredLogger) *RedisChannel {
	log = logger.OrNop(log).Named("redis")
	return &RedisChannel{
		rdb:    rdb,
		prefix: prefix,
		log:    log,
		local:  NewHub(log),
		refs:   make(map[string]int),
	}
}

func (c *RedisChannel) topic(channel string) string {
	if c.prefix == "" {
		return channel
	}
	return c.prefix + ":" + channel
}

func (c *RedisChannel) channelOf(topic string) string {
	if c.prefix == "" {
		return topic
	}
	return strings.TrimPrefix(topic, c.prefix+":")
}

type redisSubscription struct {
	c       *RedisChannel
	channel string
	inner   Subscription
	once    sync.Once
}

func (s *redisSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.inner.Unsubscribe()
		s.c.release(s.channel)
	})
}

// Subscribe registers h and subscribes to the channel's topic on first use.
func (c *RedisChannel) Subscribe(channel, id string, h Handler) (Subscription, error) {
	inner, err := c.local.Subscribe(channel, id, h)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		inner.Unsubscribe()
		return nil, errors.Wrap(errors.ErrClosed, "redis channel")
	}
	c.refs[channel]++
	if c.refs[channel] == 1 {
		if err := c.listen(channel); err != nil {
			c.refs[channel]--
			inner.Unsubscribe()
			return nil, err
		}
	}
	return &redisSubscription{c: c, channel: channel, inner: inner}, nil
}

// listen must be called with mu held.
func (c *RedisChannel) listen(channel string) error {
	ctx := context.Background()
	topic := c.topic(channel)
	if c.ps == nil {
		c.ps = c.rdb.Subscribe(ctx, topic)
		c.wg.Add(1)
		go c.receive(c.ps.Channel())
		return nil
	}
	if err := c.ps.Subscribe(ctx, topic); err != nil {
		return errors.Wrapf(err, "subscribe %s", topic)
	}
	return nil
}

func (c *RedisChannel) receive(in <-chan *redis.Message) {
	defer c.wg.Done()
	for m := range in {
		var msg Message
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			c.log.Warnw("Undecodable message", logger.FieldChannel, m.Channel, logger.FieldError, err)
			continue
		}
		if msg.Channel == "" {
			msg.Channel = c.channelOf(m.Channel)
		}
		if err := c.local.Publish(context.Background(), msg); err != nil {
			c.log.Debugw("Dropping message", logger.FieldMessage, msg.Type, logger.FieldError, err)
		}
	}
}

func (c *RedisChannel) release(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs[channel]--
	if c.refs[channel] > 0 {
		return
	}
	delete(c.refs, channel)
	if c.ps != nil && !c.closed {
		if err := c.ps.Unsubscribe(context.Background(), c.topic(channel)); err != nil {
			c.log.Debugw("Unsubscribe failed", logger.FieldChannel, channel, logger.FieldError, err)
		}
	}
}

// Publish sends msg to the channel's topic.
func (c *RedisChannel) Publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	if err := c.rdb.Publish(ctx, c.topic(msg.Channel), data).Err(); err != nil {
		return errors.Wrapf(errors.Mark(err, errors.ErrServiceUnavailable), "publish %s", msg)
	}
	return nil
}

// Close stops receiving. It does not close the redis client.
func (c *RedisChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ps := c.ps
	c.mu.Unlock()

	var err error
	if ps != nil {
		err = ps.Close()
	}
	c.wg.Wait()
	return errors.CombineErrors(err, c.local.Close())
}

// Dropped returns the number of messages local subscribers missed.
func (c *RedisChannel) Dropped() uint64 { return c.local.Dropped() }
