// Package natsclient manages the NATS connection that carries the rig's
// request/reply control surface and push events.
package natsclient

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/boyuan99/three-maze-sub000/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Error variables
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
)

// Client manages a NATS connection with reconnect handling
type Client struct {
	url    string
	status atomic.Value // ConnectionStatus

	conn *nats.Conn
	subs []*nats.Subscription

	// Connection options
	maxReconnects  int
	reconnectWait  time.Duration
	connectTimeout time.Duration
	requestTimeout time.Duration
	drainTimeout   time.Duration
	clientName     string

	// Callbacks
	onDisconnect func(error)
	onReconnect  func()

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "URL validation")
	}

	c := &Client{
		url:            url,
		maxReconnects:  -1, // infinite by default
		reconnectWait:  2 * time.Second,
		connectTimeout: 5 * time.Second,
		requestTimeout: 5 * time.Second,
		drainTimeout:   10 * time.Second,
		clientName:     "rigd",
	}

	for _, opt := range opts {
		opt(c)
	}

	c.status.Store(StatusDisconnected)
	return c, nil
}

// URL returns the configured NATS URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return c.status.Load().(ConnectionStatus)
}

// IsConnected reports whether the underlying connection is live
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// Conn returns the underlying NATS connection (nil before Connect)
func (c *Client) Conn() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Connect establishes the NATS connection
func (c *Client) Connect(ctx context.Context) error {
	c.status.Store(StatusConnecting)

	opts := []nats.Option{
		nats.Name(c.clientName),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.connectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.status.Store(StatusReconnecting)
			if c.onDisconnect != nil {
				c.onDisconnect(err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.status.Store(StatusConnected)
			if c.onReconnect != nil {
				c.onReconnect()
			}
		}),
	}

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		if err != nil {
			connectDone <- err
			return
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			c.status.Store(StatusDisconnected)
			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		c.status.Store(StatusDisconnected)
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	c.status.Store(StatusConnected)
	return nil
}

// Subscribe registers a handler for a subject. Subscriptions are tracked
// and drained on Close.
func (c *Client) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return nil, ErrNotConnected
	}

	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Subscribe", "subscription")
	}

	c.subs = append(c.subs, sub)
	return sub, nil
}

// Publish publishes a message to a NATS subject
func (c *Client) Publish(subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}

	return conn.Publish(subject, data)
}

// Request performs a request/reply round trip with the configured timeout
func (c *Client) Request(ctx context.Context, subject string, data []byte) (*nats.Msg, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	msg, err := conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Request", "request round trip")
	}
	return msg, nil
}

// Close drains subscriptions and closes the connection. Safe to call twice.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	subs := c.subs
	c.conn = nil
	c.subs = nil
	c.mu.Unlock()

	if conn == nil {
		c.status.Store(StatusDisconnected)
		return nil
	}

	for _, sub := range subs {
		// Unsubscribe failures are harmless during teardown
		_ = sub.Unsubscribe()
	}

	drained := make(chan struct{})
	go func() {
		_ = conn.Drain()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(c.drainTimeout):
		conn.Close()
	case <-ctx.Done():
		conn.Close()
	}

	c.status.Store(StatusDisconnected)
	return nil
}
