package natsclient

import "time"

// ClientOption configures a Client using the functional options pattern
type ClientOption func(*Client)

// WithMaxReconnects sets the maximum number of reconnect attempts (-1 = infinite)
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) {
		c.maxReconnects = n
	}
}

// WithReconnectWait sets the wait between reconnect attempts
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) {
		c.reconnectWait = d
	}
}

// WithConnectTimeout sets the initial connection timeout
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.connectTimeout = d
	}
}

// WithRequestTimeout sets the default request/reply timeout
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// WithDrainTimeout sets the shutdown drain timeout
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.drainTimeout = d
	}
}

// WithClientName sets the client name reported to the server
func WithClientName(name string) ClientOption {
	return func(c *Client) {
		c.clientName = name
	}
}

// OnDisconnect sets a callback invoked when the connection drops
func OnDisconnect(fn func(error)) ClientOption {
	return func(c *Client) {
		c.onDisconnect = fn
	}
}

// OnReconnect sets a callback invoked after a successful reconnect
func OnReconnect(fn func()) ClientOption {
	return func(c *Client) {
		c.onReconnect = fn
	}
}
