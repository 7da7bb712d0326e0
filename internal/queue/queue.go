// Package queue wraps the AMQP broker behind a small publish/subscribe
// surface. Queues are durable and messages persistent, so events survive
// broker restarts; consumers ack manually and nack (without requeue) on
// handler failure.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/eduvia/eduvia/internal/log"
)

// reconnectDelay is the pause between broker reconnect attempts.
const reconnectDelay = 3 * time.Second

// Handler processes one delivery. A non-nil error nacks the message.
type Handler func(ctx context.Context, body []byte) error

// Client is an AMQP connection with lazily declared durable queues.
type Client struct {
	url    string
	logger log.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
}

// Connect dials the broker and opens a channel.
func Connect(url string, logger log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	c := &Client{url: url, logger: logger, declared: make(map[string]bool)}
	if err := c.dial(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) dial() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	c.conn = conn
	c.ch = ch
	c.declared = make(map[string]bool)
	return nil
}

// ensureQueue declares the durable queue once per connection. Callers
// hold c.mu.
func (c *Client) ensureQueue(name string) error {
	if c.declared[name] {
		return nil
	}
	if _, err := c.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	c.declared[name] = true
	return nil
}

// Publish encodes payload as JSON and publishes it persistently to the
// named queue. One reconnect is attempted on a stale connection.
func (c *Client) Publish(ctx context.Context, queue string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	publish := func() error {
		if err := c.ensureQueue(queue); err != nil {
			return err
		}
		return c.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		})
	}

	if err := publish(); err != nil {
		if c.conn == nil || c.conn.IsClosed() {
			if derr := c.dial(); derr != nil {
				return derr
			}
			return publish()
		}
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

// Subscribe consumes the named queue until ctx is cancelled, reconnecting
// with a fixed delay when the broker connection drops. It blocks and is
// intended to run in its own goroutine.
func (c *Client) Subscribe(ctx context.Context, queue string, handler Handler) error {
	for {
		deliveries, err := c.consume(queue)
		if err != nil {
			c.logger.Error("failed to start consumer", "queue", queue, "error", err)
		} else {
			c.drain(ctx, queue, deliveries, handler)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}

		c.mu.Lock()
		if c.conn == nil || c.conn.IsClosed() {
			if err := c.dial(); err != nil {
				c.logger.Error("broker reconnect failed", "queue", queue, "error", err)
			} else {
				c.logger.Info("broker reconnected", "queue", queue)
			}
		}
		c.mu.Unlock()
	}
}

func (c *Client) consume(queue string) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		if err := c.dial(); err != nil {
			return nil, err
		}
	}
	if err := c.ensureQueue(queue); err != nil {
		return nil, err
	}
	return c.ch.Consume(queue, "", false, false, false, false, nil)
}

// drain processes deliveries until the channel closes or ctx is done.
func (c *Client) drain(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", queue)
				return
			}
			if err := handler(ctx, d.Body); err != nil {
				c.logger.Error("handler failed", "queue", queue, "error", err)
				if nerr := d.Nack(false, false); nerr != nil {
					c.logger.Error("failed to nack delivery", "queue", queue, "error", nerr)
				}
				continue
			}
			if err := d.Ack(false); err != nil {
				c.logger.Error("failed to ack delivery", "queue", queue, "error", err)
			}
		}
	}
}

// Close shuts the channel and connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
