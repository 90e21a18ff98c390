// Package nats persists turn events in a JetStream stream.
package nats

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/turn-orchestrator/pkg/logger"
)

// DefaultClientName identifies the orchestrator in NATS monitoring.
const DefaultClientName = "turn-orchestrator"

// Config holds NATS connection configuration. TLS is enabled when CAFile is
// set; CertFile and KeyFile add a client certificate and must come together.
type Config struct {
	URL      string
	Name     string
	CAFile   string
	CertFile string
	KeyFile  string
	Token    string

	// MaxReconnects of 0 means retry forever.
	MaxReconnects int
	ReconnectWait time.Duration
}

// Health is a point-in-time view of the event store connection.
type Health struct {
	Connected   bool   `json:"connected"`
	URL         string `json:"url,omitempty"`
	Reconnects  uint64 `json:"reconnects"`
	Disconnects uint64 `json:"disconnects"`
	LastError   string `json:"last_error,omitempty"`
}

// Client owns the connection that turn events are published on.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *logger.Logger

	reconnects  atomic.Uint64
	disconnects atomic.Uint64

	mu      sync.Mutex
	lastErr error
}

// Connect dials the event store and opens a JetStream context on it.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*Client, error) {
	c := &Client{logger: logger.OrGlobal(log)}

	opts := nats.GetDefaultOptions()
	opts.Url = cfg.URL
	for _, apply := range c.options(cfg) {
		if err := apply(&opts); err != nil {
			return nil, fmt.Errorf("nats option: %w", err)
		}
	}
	if tc, err := tlsConfig(cfg); err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	} else if tc != nil {
		opts.Secure = true
		opts.TLSConfig = tc
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) > 0 {
		opts.Timeout = time.Until(deadline)
	}

	nc, err := opts.Connect()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	c.conn = nc
	c.js = js
	c.logger.Info("event store connected", zap.String("url", nc.ConnectedUrl()), zap.String("name", opts.Name))
	return c, nil
}

// options builds the connection options and wires the lifecycle callbacks
// into the client's health counters.
func (c *Client) options(cfg Config) []nats.Option {
	name := cfg.Name
	if name == "" {
		name = DefaultClientName
	}
	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = -1
	}
	reconnectWait := cfg.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.disconnects.Add(1)
			if err != nil {
				c.setLastError(err)
			}
			c.logger.Warn("event store disconnected, turn events buffered", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.reconnects.Add(1)
			c.logger.Info("event store reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.logger.Info("event store connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.setLastError(err)
			c.logger.Error("event store error", zap.Error(err))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	return opts
}

// JetStream returns the JetStream context.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Close closes the connection. Events still in the reconnect buffer are
// dropped.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// IsConnected returns true if connected to NATS.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// LastError returns the most recent asynchronous connection error.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Health reports the connection state and its reconnect history.
func (c *Client) Health() Health {
	h := Health{
		Connected:   c.IsConnected(),
		Reconnects:  c.reconnects.Load(),
		Disconnects: c.disconnects.Load(),
	}
	if c.conn != nil {
		h.URL = c.conn.ConnectedUrlRedacted()
	}
	if err := c.LastError(); err != nil {
		h.LastError = err.Error()
	}
	return h
}

func (c *Client) setLastError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// tlsConfig returns nil when TLS is not configured.
func tlsConfig(cfg Config) (*tls.Config, error) {
	if cfg.CAFile == "" {
		if cfg.CertFile != "" || cfg.KeyFile != "" {
			return nil, errors.New("client certificate requires a CA file")
		}
		return nil, nil
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, errors.New("cert file and key file must be set together")
	}

	caCert, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to parse CA certificate")
	}

	tc := &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}
