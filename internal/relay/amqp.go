package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Connection is the subset of *amqp.Connection the relay uses.
type Connection interface {
	Channel() (Channel, error)
	Close() error
	IsClosed() bool
}

// Channel is the subset of *amqp.Channel the relay uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
}

type amqpConnection struct {
	url    string
	mu     sync.RWMutex
	conn   *amqp.Connection
	closed bool
}

// Dial connects to RabbitMQ at url.
func Dial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return &amqpConnection{url: url, conn: conn}, nil
}

// Channel opens a channel, redialing first if the connection dropped.
func (c *amqpConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.New("connection is closed")
	}
	if c.conn.IsClosed() {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			return nil, fmt.Errorf("failed to reconnect to RabbitMQ: %w", err)
		}
		c.conn = conn
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, nil
}

func (c *amqpConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}

func (c *amqpConnection) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed || c.conn.IsClosed()
}

// AMQPTransport relays through a fanout exchange. Each instance consumes from
// its own exclusive, auto-delete queue bound to the exchange.
type AMQPTransport struct {
	conn       Connection
	exchange   string
	retryDelay time.Duration
	log        logrus.FieldLogger

	mu      sync.Mutex
	pubChan Channel
}

// NewAMQPTransport creates a transport publishing to exchange.
func NewAMQPTransport(conn Connection, exchange string, log logrus.FieldLogger) *AMQPTransport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AMQPTransport{
		conn:       conn,
		exchange:   exchange,
		retryDelay: 5 * time.Second,
		log:        log.WithField("transport", "amqp"),
	}
}

func (t *AMQPTransport) declare(ch Channel) error {
	if err := ch.ExchangeDeclare(t.exchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	return nil
}

func (t *AMQPTransport) Publish(ctx context.Context, body []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pubChan == nil {
		ch, err := t.conn.Channel()
		if err != nil {
			return err
		}
		if err := t.declare(ch); err != nil {
			ch.Close()
			return err
		}
		t.pubChan = ch
	}

	err := t.pubChan.PublishWithContext(ctx, t.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        body,
	})
	if err != nil {
		// Drop the channel so the next publish opens a fresh one.
		t.pubChan.Close()
		t.pubChan = nil
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe consumes until ctx is done, reconnecting after retryDelay.
func (t *AMQPTransport) Subscribe(ctx context.Context, handle func(body []byte)) error {
	for {
		err := t.consume(ctx, handle)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			return nil
		}

		t.log.WithError(err).WithField("retry_in", t.retryDelay).Warn("relay consumer disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.retryDelay):
		}
	}
}

func (t *AMQPTransport) consume(ctx context.Context, handle func(body []byte)) error {
	ch, err := t.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	closeChan := ch.NotifyClose(make(chan *amqp.Error, 1))

	if err := t.declare(ch); err != nil {
		return err
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", t.exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-closeChan:
			if err != nil {
				return fmt.Errorf("channel closed: %w", err)
			}
			return errors.New("channel closed gracefully")

		case msg, ok := <-msgs:
			if !ok {
				return errors.New("messages channel closed")
			}
			handle(msg.Body)
		}
	}
}

func (t *AMQPTransport) Close() error {
	t.mu.Lock()
	if t.pubChan != nil {
		t.pubChan.Close()
		t.pubChan = nil
	}
	t.mu.Unlock()
	return t.conn.Close()
}
