package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// Client wraps NATS connection with additional functionality
type Client struct {
	conn       *nats.Conn
	subs       map[string]*nats.Subscription
	mu         sync.RWMutex
	reconnects int32 // atomic
	connected  int32 // atomic
}

// Config holds NATS configuration
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NewClient creates a new NATS client
func NewClient(cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	client := &Client{
		conn: conn,
		subs: make(map[string]*nats.Subscription),
	}
	atomic.StoreInt32(&client.connected, 1)

	conn.SetReconnectHandler(func(nc *nats.Conn) {
		atomic.AddInt32(&client.reconnects, 1)
		atomic.StoreInt32(&client.connected, 1)
	})

	conn.SetDisconnectErrHandler(func(nc *nats.Conn, err error) {
		atomic.StoreInt32(&client.connected, 0)
	})

	return client, nil
}

// Publish publishes a JSON message to a subject
func (c *Client) Publish(ctx context.Context, subject string, data interface{}) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	return c.conn.Publish(subject, payload)
}

// Subscribe subscribes to a subject
func (c *Client) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[subject]; exists {
		return fmt.Errorf("already subscribed to %s", subject)
	}

	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	c.subs[subject] = sub
	return nil
}

// QueueSubscribe subscribes to a subject with queue group
func (c *Client) QueueSubscribe(subject, queue string, handler func(msg *nats.Msg)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := subject + ":" + queue
	if _, exists := c.subs[key]; exists {
		return fmt.Errorf("already subscribed to %s with queue %s", subject, queue)
	}

	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return fmt.Errorf("failed to queue subscribe: %w", err)
	}

	c.subs[key] = sub
	return nil
}

// Request performs a request-reply bounded by both ctx and timeout
func (c *Client) Request(ctx context.Context, subject string, data interface{}, timeout time.Duration) (*nats.Msg, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return c.conn.RequestWithContext(ctx, subject, payload)
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	return atomic.LoadInt32(&c.connected) == 1 && c.conn != nil && c.conn.IsConnected()
}

// Drain lets in-flight handlers finish, then closes the connection
func (c *Client) Drain() error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.Drain()
}

// Stats returns connection statistics
func (c *Client) Stats() nats.Statistics {
	if c.conn == nil {
		return nats.Statistics{}
	}
	return c.conn.Stats()
}

// Reconnects returns number of reconnections
func (c *Client) Reconnects() int {
	return int(atomic.LoadInt32(&c.reconnects))
}
