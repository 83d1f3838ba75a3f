// Package bus owns the connection to the NATS event bus.
//
// A Conn wraps a NATS connection and, when JetStream is enabled, the
// JetStream context used for acknowledged publishing, durable consumers and
// KV storage. Long-running processes dial through the semstreams natsclient
// (reconnects, health monitoring); short-lived callers use Connect.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/sembus/config"
)

// DefaultFlushTimeout bounds a core NATS flush when the caller's context has
// no deadline.
const DefaultFlushTimeout = 5 * time.Second

// ErrClosed is returned when publishing on a closed connection.
var ErrClosed = errors.New("bus connection closed")

// Options configures a connection.
type Options struct {
	Name           string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
	// JetStream publishes through JetStream and waits for the PubAck.
	JetStream bool
}

// OptionsFromConfig builds connection options from the NATS config section.
func OptionsFromConfig(name string, cfg config.NATSConfig) Options {
	return Options{
		Name:           name,
		MaxReconnects:  cfg.MaxReconnects,
		ReconnectWait:  cfg.ReconnectWait,
		ConnectTimeout: cfg.ConnectTimeout,
		JetStream:      cfg.JetStream,
	}
}

func (o Options) connectTimeout() time.Duration {
	if o.ConnectTimeout <= 0 {
		return 10 * time.Second
	}
	return o.ConnectTimeout
}

// Conn is a connection to the bus.
type Conn struct {
	client *natsclient.Client
	nc     *nats.Conn
	js     jetstream.JetStream

	mu     sync.Mutex
	closed bool
}

// Dial connects through a managed semstreams client.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	client, err := natsclient.NewClient(url,
		natsclient.WithName(opts.Name),
		natsclient.WithMaxReconnects(opts.MaxReconnects),
		natsclient.WithReconnectWait(opts.ReconnectWait),
		natsclient.WithCircuitBreakerThreshold(20),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, opts.connectTimeout())
	defer cancel()

	if err := client.Connect(connCtx); err != nil {
		return nil, wrapConnectError(err, url)
	}
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, wrapConnectError(err, url)
	}

	conn, err := FromClient(client, opts.JetStream)
	if err != nil {
		_ = client.Close(context.Background())
		return nil, err
	}
	return conn, nil
}

// FromClient wraps an already connected semstreams client.
func FromClient(client *natsclient.Client, jetStream bool) (*Conn, error) {
	c := &Conn{client: client, nc: client.GetConnection()}
	if jetStream {
		js, err := client.JetStream()
		if err != nil {
			return nil, fmt.Errorf("get JetStream context: %w", err)
		}
		c.js = js
	}
	return c, nil
}

// Connect dials with the plain NATS client. It suits one-shot commands and
// tests where reconnect management is not wanted.
func Connect(ctx context.Context, url string, opts Options) (*Conn, error) {
	timeout := opts.connectTimeout()
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	nc, err := nats.Connect(url,
		nats.Name(opts.Name),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.Timeout(timeout),
	)
	if err != nil {
		return nil, wrapConnectError(err, url)
	}

	c, err := FromConn(nc, opts.JetStream)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// FromConn wraps an existing NATS connection. Close closes it.
func FromConn(nc *nats.Conn, jetStream bool) (*Conn, error) {
	c := &Conn{nc: nc}
	if jetStream {
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, fmt.Errorf("create JetStream context: %w", err)
		}
		c.js = js
	}
	return c, nil
}

// NATS returns the underlying connection.
func (c *Conn) NATS() *nats.Conn { return c.nc }

// JetStream returns the JetStream context, or nil in core mode.
func (c *Conn) JetStream() jetstream.JetStream { return c.js }

// JetStreamEnabled reports whether publishes are acknowledged by JetStream.
func (c *Conn) JetStreamEnabled() bool { return c.js != nil }

// PublishMsg publishes msg and returns once the bus accepted it: the
// JetStream PubAck in JetStream mode, a server flush otherwise.
func (c *Conn) PublishMsg(ctx context.Context, msg *nats.Msg) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if c.js != nil {
		if _, err := c.js.PublishMsg(ctx, msg); err != nil {
			return fmt.Errorf("jetstream publish %s: %w", msg.Subject, err)
		}
		return nil
	}

	if err := c.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultFlushTimeout)
		defer cancel()
	}
	if err := c.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", msg.Subject, err)
	}
	return nil
}

// Ping round-trips to the server.
func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !c.nc.IsConnected() {
		return fmt.Errorf("NATS not connected: %s", c.nc.Status())
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultFlushTimeout)
		defer cancel()
	}
	return c.nc.FlushWithContext(ctx)
}

// Close drains and closes the connection. It is safe to call more than once.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.client != nil {
		return c.client.Close(ctx)
	}
	if err := c.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		c.nc.Close()
		return err
	}
	return nil
}

// wrapConnectError adds guidance when the server is unreachable.
func wrapConnectError(err error, url string) error {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf("NATS connection failed: %w (is NATS running at %s? set NATS_URL or enable discovery)", err, url)
	}
	return fmt.Errorf("NATS connection failed: %w", err)
}
