// Package natsclient manages the switch's NATS connection and its
// JetStream handle for balance persistence.
package natsclient

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Kava-Labs/switch-api/errors"
)

// ConnectionStatus is the observed state of the NATS connection.
type ConnectionStatus int32

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnected
	StatusReconnecting
	StatusClosed
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client wraps one NATS connection for the life of the process.
type Client struct {
	url    string
	name   string
	logger *slog.Logger

	connectTimeout time.Duration
	reconnectWait  time.Duration
	maxReconnects  int

	conn *nats.Conn
	js   jetstream.JetStream

	status     atomic.Int32
	reconnects atomic.Int32
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the connection event logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithName sets the connection name reported to the server.
func WithName(name string) ClientOption {
	return func(c *Client) { c.name = name }
}

// WithConnectTimeout bounds the initial connect.
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.connectTimeout = timeout }
}

// WithReconnectWait sets the delay between reconnect attempts.
func WithReconnectWait(wait time.Duration) ClientOption {
	return func(c *Client) { c.reconnectWait = wait }
}

// NewClient builds an unconnected client for url.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "url validation")
	}

	c := &Client{
		url:            url,
		name:           "switch",
		connectTimeout: 10 * time.Second,
		reconnectWait:  2 * time.Second,
		maxReconnects:  -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c.logger = c.logger.With("component", "natsclient")
	c.status.Store(int32(StatusDisconnected))
	return c, nil
}

// Connect dials the server and initializes JetStream. Reconnects are
// handled by the underlying connection for the life of the client.
func (c *Client) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name(c.name),
		nats.Timeout(c.connectTimeout),
		nats.ReconnectWait(c.reconnectWait),
		nats.MaxReconnects(c.maxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.status.Store(int32(StatusReconnecting))
			c.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.status.Store(int32(StatusConnected))
			c.reconnects.Add(1)
			c.logger.Info("nats reconnected", "url", conn.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.status.Store(int32(StatusClosed))
			c.logger.Info("nats connection closed")
		}),
	}

	conn, err := nats.Connect(c.url, opts...)
	if err != nil {
		return errors.WrapTransient(err, "Client", "Connect", "dial nats")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "Client", "Connect", "initialize jetstream")
	}

	c.conn = conn
	c.js = js
	c.status.Store(int32(StatusConnected))
	c.logger.Info("nats connected", "url", conn.ConnectedUrl())
	return nil
}

// Conn returns the underlying connection; nil before Connect.
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// JetStream returns the JetStream handle; nil before Connect.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Status returns the observed connection state.
func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

// IsHealthy reports whether the connection is currently usable.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected && c.conn != nil && c.conn.IsConnected()
}

// Reconnects returns how many times the connection has recovered.
func (c *Client) Reconnects() int32 {
	return c.reconnects.Load()
}

// Close drains the connection, waiting for in-flight messages up to the
// context deadline before closing outright.
func (c *Client) Close(ctx context.Context) {
	if c.conn == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		if err := c.conn.Drain(); err != nil {
			c.logger.Warn("nats drain failed", "error", err)
			c.conn.Close()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("nats drain timed out")
		c.conn.Close()
	}
	c.status.Store(int32(StatusClosed))
}
