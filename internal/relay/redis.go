package relay

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisClient is the subset of *redis.Client the relay uses.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Close() error
}

// RedisTransport relays over a Redis pub/sub channel.
type RedisTransport struct {
	client     RedisClient
	channel    string
	retryDelay time.Duration
	log        logrus.FieldLogger
}

// NewRedisClient connects to the Redis server at addr.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// NewRedisTransport creates a transport on channel.
func NewRedisTransport(client RedisClient, channel string, log logrus.FieldLogger) *RedisTransport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RedisTransport{
		client:     client,
		channel:    channel,
		retryDelay: 5 * time.Second,
		log:        log.WithField("transport", "redis"),
	}
}

func (t *RedisTransport) Publish(ctx context.Context, body []byte) error {
	return t.client.Publish(ctx, t.channel, body).Err()
}

// Subscribe consumes until ctx is done, resubscribing after retryDelay.
func (t *RedisTransport) Subscribe(ctx context.Context, handle func(body []byte)) error {
	for {
		err := t.subscribeOnce(ctx, handle)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		t.log.WithError(err).WithField("retry_in", t.retryDelay).Warn("relay subscriber disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.retryDelay):
		}
	}
}

func (t *RedisTransport) subscribeOnce(ctx context.Context, handle func(body []byte)) error {
	sub := t.client.Subscribe(ctx, t.channel)
	defer sub.Close()

	// Wait for the subscription confirmation so failures surface here.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	return consumeMessages(ctx, sub.Channel(), handle)
}

func consumeMessages(ctx context.Context, msgs <-chan *redis.Message, handle func(body []byte)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("subscription channel closed")
			}
			handle([]byte(msg.Payload))
		}
	}
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}
