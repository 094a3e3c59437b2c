package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dspider/internal/common"
	"github.com/ternarybob/dspider/internal/interfaces"
)

const (
	maxQueuePriority = 10
	publishTimeout   = 10 * time.Second

	reconnectBase = time.Second
	reconnectCap  = 60 * time.Second
)

// Client is the AMQP broker client. Queues are durable with priority
// support, exchanges are durable direct, publishes are persistent with
// publisher confirms. One Client owns one connection+channel pair; publishes
// and topology calls are mutex-serialized so concurrent callers are safe.
type Client struct {
	url    string
	logger arbor.ILogger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
}

// New creates a broker client and opens the initial connection.
func New(cfg common.RabbitConfig, logger arbor.ILogger) (*Client, error) {
	c := &Client{url: cfg.URL(), logger: logger}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// connect dials and opens a channel in confirm mode. Caller must not hold mu.
func (c *Client) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return classifyAMQPError("dial broker", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return common.Wrap(common.KindTransport, "open channel", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return common.Wrap(common.KindTransport, "enable publisher confirms", err)
	}

	c.conn = conn
	c.ch = ch
	c.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	c.logger.Debug().Str("url_host", conn.LocalAddr().String()).Msg("Broker connection established")
	return nil
}

// Reset tears down and rebuilds channel and connection in one step.
func (c *Client) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked()
	return c.connectLocked()
}

// Close shuts the channel and connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Client) closeLocked() {
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// DeclareQueue declares a durable priority-enabled queue. Idempotent.
func (c *Client) DeclareQueue(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		return common.E(common.KindTransport, "channel is closed")
	}
	_, err := c.ch.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-max-priority": int32(maxQueuePriority),
	})
	return common.Wrap(common.KindTransport, fmt.Sprintf("declare queue %s", name), err)
}

// DeclareExchange declares a durable direct exchange. Idempotent.
func (c *Client) DeclareExchange(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		return common.E(common.KindTransport, "channel is closed")
	}
	err := c.ch.ExchangeDeclare(name, "direct", true, false, false, false, nil)
	return common.Wrap(common.KindTransport, fmt.Sprintf("declare exchange %s", name), err)
}

// BindQueue binds queue to exchange under routingKey. Idempotent.
func (c *Client) BindQueue(queue, exchange, routingKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		return common.E(common.KindTransport, "channel is closed")
	}
	err := c.ch.QueueBind(queue, routingKey, exchange, false, nil)
	return common.Wrap(common.KindTransport, fmt.Sprintf("bind %s to %s", queue, exchange), err)
}

// Publish sends one message and waits for the broker confirm. An empty
// exchange publishes directly to the queue named by routingKey.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, body []byte, opts interfaces.PublishOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		return common.E(common.KindTransport, "channel is closed")
	}

	deliveryMode := amqp.Transient
	if opts.Persistent {
		deliveryMode = amqp.Persistent
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err := c.ch.PublishWithContext(pubCtx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: deliveryMode,
		Priority:     opts.Priority,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return common.Wrap(common.KindTransport, "publish", err)
	}

	select {
	case confirm, ok := <-c.confirms:
		if !ok {
			return common.E(common.KindTransport, "confirm channel closed")
		}
		if !confirm.Ack {
			return common.E(common.KindTransport, "publish nacked by broker")
		}
	case <-pubCtx.Done():
		return common.Wrap(common.KindTimeout, "await publish confirm", pubCtx.Err())
	}
	return nil
}

// QueueDepth returns the current message count of a queue.
func (c *Client) QueueDepth(name string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		return 0, common.E(common.KindTransport, "channel is closed")
	}
	q, err := c.ch.QueueDeclarePassive(name, true, false, false, false, amqp.Table{
		"x-max-priority": int32(maxQueuePriority),
	})
	if err != nil {
		return 0, common.Wrap(common.KindTransport, fmt.Sprintf("inspect queue %s", name), err)
	}
	return q.Messages, nil
}

// Consume runs a blocking consume loop with manual acknowledgement. On
// connection loss it reconnects with exponential backoff (base 1s, cap 60s,
// jitter) and resumes. It returns nil when ctx is cancelled and a permanent
// error on authentication failure.
func (c *Client) Consume(ctx context.Context, queue string, prefetch int, h interfaces.Handler) error {
	if prefetch <= 0 {
		prefetch = 1
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := c.consumeOnce(ctx, queue, prefetch, h)
		if err == nil {
			// Clean exit on context cancellation.
			return nil
		}
		if common.KindOf(err) == common.KindConfig {
			// Authn/authz failures never heal by retrying.
			return err
		}

		attempt++
		backoff := reconnectDelay(attempt)
		c.logger.Warn().
			Err(err).
			Str("queue", queue).
			Int("attempt", attempt).
			Str("backoff", backoff.String()).
			Msg("Consume loop lost connection, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		if rerr := c.Reset(); rerr != nil {
			if common.KindOf(rerr) == common.KindConfig {
				return rerr
			}
			continue
		}
		attempt = 0
	}
}

func (c *Client) consumeOnce(ctx context.Context, queue string, prefetch int, h interfaces.Handler) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return common.E(common.KindTransport, "channel is closed")
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return common.Wrap(common.KindTransport, "set prefetch", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return classifyAMQPError(fmt.Sprintf("consume %s", queue), err)
	}

	closed := make(chan *amqp.Error, 1)
	ch.NotifyClose(closed)

	for {
		select {
		case <-ctx.Done():
			// Unacked in-flight messages are redelivered by the broker.
			return nil
		case cerr := <-closed:
			if cerr == nil {
				return common.E(common.KindTransport, "channel closed")
			}
			return classifyAMQPError("channel closed", cerr)
		case d, ok := <-deliveries:
			if !ok {
				return common.E(common.KindTransport, "delivery stream closed")
			}
			c.dispatch(ctx, d, h)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, d amqp.Delivery, h interfaces.Handler) {
	decision := interfaces.NackDiscard
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error().
					Str("panic", fmt.Sprintf("%v", r)).
					Msg("Handler panicked, discarding delivery")
			}
		}()
		decision = h(ctx, interfaces.Delivery{
			Body:        d.Body,
			Priority:    d.Priority,
			RoutingKey:  d.RoutingKey,
			Redelivered: d.Redelivered,
		})
	}()

	var err error
	switch decision {
	case interfaces.Ack:
		err = d.Ack(false)
	case interfaces.NackRequeue:
		err = d.Nack(false, true)
	default:
		err = d.Nack(false, false)
	}
	if err != nil {
		c.logger.Warn().Err(err).Int64("delivery_tag", int64(d.DeliveryTag)).Msg("Acknowledgement failed")
	}
}

// reconnectDelay computes exponential backoff with jitter.
func reconnectDelay(attempt int) time.Duration {
	backoff := reconnectBase << uint(attempt-1)
	if backoff > reconnectCap || backoff <= 0 {
		backoff = reconnectCap
	}
	// ±25% jitter so reconnecting consumers do not stampede.
	jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
	return backoff/4*3 + jitter
}

// classifyAMQPError maps AMQP errors onto the error taxonomy: access
// refused is fatal configuration, everything else is transport.
func classifyAMQPError(msg string, err error) error {
	var aerr *amqp.Error
	if errors.As(err, &aerr) {
		if aerr.Code == amqp.AccessRefused || aerr.Code == amqp.NotAllowed {
			return common.Wrap(common.KindConfig, msg, err)
		}
	}
	return common.Wrap(common.KindTransport, msg, err)
}
