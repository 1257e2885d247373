// ABOUTME: Reconnecting WebSocket client for pcmstream servers
// ABOUTME: Feeds every received wire message into a stream.Receiver
package client

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Resonate-Protocol/pcmstream/pkg/stream"
	"github.com/gorilla/websocket"
)

const (
	DefaultReconnectInitial = 500 * time.Millisecond
	DefaultReconnectMax     = 10 * time.Second

	handshakeTimeout = 5 * time.Second
)

// Config holds client configuration
type Config struct {
	// ServerAddr is host:port or a full ws:// URL
	ServerAddr string

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// Receiver gets every text message (required)
	Receiver *stream.Receiver

	// OnConnection is told when the connection comes up or goes down
	OnConnection func(connected bool)
}

// Client keeps a connection to one server open until its context ends
type Client struct {
	config Config
	url    string
	dialer *websocket.Dialer

	mu          sync.RWMutex
	connected   bool
	connections int
}

// StreamURL turns host:port into the server's stream endpoint URL.
// Anything already carrying a scheme is returned unchanged.
func StreamURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "ws://" + addr + "/stream"
}

// NewClient creates a client
func NewClient(config Config) (*Client, error) {
	if config.ServerAddr == "" {
		return nil, errors.New("client: server address is required")
	}
	if config.Receiver == nil {
		return nil, errors.New("client: receiver is required")
	}
	if config.ReconnectInitial <= 0 {
		config.ReconnectInitial = DefaultReconnectInitial
	}
	if config.ReconnectMax < config.ReconnectInitial {
		config.ReconnectMax = max(DefaultReconnectMax, config.ReconnectInitial)
	}

	return &Client{
		config: config,
		url:    StreamURL(config.ServerAddr),
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}, nil
}

// URL returns the endpoint the client dials
func (c *Client) URL() string {
	return c.url
}

// Run connects, reads until the connection drops and reconnects with
// exponential backoff. It returns nil once ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	b := newBackoff(c.config.ReconnectInitial, c.config.ReconnectMax)

	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			b.reset()
			c.serve(ctx, conn)
		} else if ctx.Err() == nil {
			slog.Warn("client: connect failed", "url", c.url, "err", err)
		}

		if ctx.Err() != nil {
			return nil
		}

		delay := b.next()
		slog.Info("client: reconnecting", "in", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// serve reads messages from one connection until it fails
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.setConnected(true)
	slog.Info("client: connected", "url", c.url)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("client: connection lost", "err", err)
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.config.Receiver.AddMessage(data)
		default:
			slog.Debug("client: ignoring non-text message", "type", messageType, "size", len(data))
		}
	}

	c.setConnected(false)

	// a stream cut off mid-way can never complete
	if c.config.Receiver.State() == stream.StateStreaming {
		slog.Info("client: abandoning partial stream", "stream", c.config.Receiver.Stats().StreamID)
		c.config.Receiver.Reset()
	}
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	if connected {
		c.connections++
	}
	c.mu.Unlock()

	if c.config.OnConnection != nil {
		c.config.OnConnection(connected)
	}
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Connections returns how many times the client has connected
func (c *Client) Connections() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connections
}

// backoff doubles the reconnect delay up to a cap
type backoff struct {
	initial time.Duration
	limit   time.Duration
	current time.Duration
}

func newBackoff(initial, limit time.Duration) *backoff {
	return &backoff{initial: initial, limit: limit, current: initial}
}

func (b *backoff) next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.limit {
		b.current = b.limit
	}
	return d
}

func (b *backoff) reset() {
	b.current = b.initial
}

