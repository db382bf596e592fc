// Package signaling implements the host agent's WebSocket client for the
// rendezvous server. The client registers the host endpoint for one or more
// sessions, delivers inbound signaling messages on a channel, heartbeats
// every session periodically, and reconnects with exponential backoff when
// the socket drops — re-registering every session after each reconnect.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/coder/websocket"

	vcmetrics "github.com/vibecoder/vibecoder/internal/metrics"
	"github.com/vibecoder/vibecoder/pkg/protocol"
)

// ErrNotConnected is returned by Send when no socket is currently open.
var ErrNotConnected = errors.New("not connected to rendezvous")

// ClientConfig holds configuration for a signaling Client.
type ClientConfig struct {
	// ServerURL is the WebSocket URL of the rendezvous server
	// (e.g. "ws://localhost:8787/").
	ServerURL string

	// HostID identifies this host in log output.
	HostID string

	// Logger is the structured logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Metrics is the host collector. Optional.
	Metrics *vcmetrics.Host

	// MessageBufferSize is the capacity of the inbound message channel.
	// Defaults to 64 if zero.
	MessageBufferSize int

	// DialTimeout bounds the duration of each WebSocket dial attempt.
	// Defaults to 15s if zero.
	DialTimeout time.Duration

	// HeartbeatInterval is how often each registered session is
	// heartbeated. Defaults to 30s if zero; negative disables.
	HeartbeatInterval time.Duration

	// Reconnect controls automatic reconnection behavior.
	Reconnect ReconnectConfig
}

// ReconnectConfig controls the reconnection backoff strategy.
type ReconnectConfig struct {
	// Enabled controls whether automatic reconnection is attempted.
	Enabled bool

	// InitialDelay is the delay before the first reconnection attempt.
	// Defaults to 5s.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between reconnection attempts.
	// Defaults to 30s.
	MaxDelay time.Duration

	// MaxAttempts is the maximum number of reconnection attempts.
	// Zero means unlimited.
	MaxAttempts int
}

// Client is a WebSocket client for the rendezvous server. It connects,
// registers host sessions, and delivers incoming messages on a channel.
type Client struct {
	cfg    ClientConfig
	log    *slog.Logger
	msgCh  chan protocol.Message
	done   chan struct{}
	cancel context.CancelFunc

	mu       sync.Mutex
	conn     *websocket.Conn
	sessions map[string]struct{}
	lastAck  time.Time
}

// NewClient creates a new signaling client with the given configuration.
// Call Connect to establish the connection and start receiving messages.
func NewClient(cfg ClientConfig) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "signaling", "hostId", cfg.HostID)

	bufSize := cfg.MessageBufferSize
	if bufSize <= 0 {
		bufSize = 64
	}

	return &Client{
		cfg:      cfg,
		log:      log,
		msgCh:    make(chan protocol.Message, bufSize),
		done:     make(chan struct{}),
		sessions: make(map[string]struct{}),
	}
}

// Messages returns a read-only channel that delivers incoming signaling
// messages. The channel is closed when the client is closed or the context
// is cancelled and reconnection is exhausted.
func (c *Client) Messages() <-chan protocol.Message {
	return c.msgCh
}

// Connect dials the rendezvous server and starts the receive and heartbeat
// loops. If reconnection is enabled, it will automatically reconnect on
// connection loss until the context is cancelled or max attempts are
// exhausted, re-registering every known session after each reconnect.
//
// Connect blocks until the initial connection is established or fails.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.dial(ctx); err != nil {
		cancel()
		return fmt.Errorf("connecting to rendezvous: %w", err)
	}

	c.log.Info("connected to rendezvous", "url", c.cfg.ServerURL)

	go c.receiveLoop(ctx)
	go c.heartbeatLoop(ctx)

	return nil
}

// RegisterSession announces this socket as the host endpoint for sessionID
// and remembers it so reconnects re-register automatically.
func (c *Client) RegisterSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	c.sessions[sessionID] = struct{}{}
	c.mu.Unlock()

	return c.Send(ctx, &protocol.RegisterHostMessage{SessionID: sessionID})
}

// UnregisterSession stops heartbeating and re-registering sessionID. It does
// not notify the rendezvous; the server reaps host-less sessions itself.
func (c *Client) UnregisterSession(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

// LastHeartbeatAck returns when the rendezvous last acknowledged a
// heartbeat, or the zero time if it never has.
func (c *Client) LastHeartbeatAck() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAck
}

// Send sends a signaling message to the rendezvous server.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}

	c.log.Debug("sent message", "type", msg.MessageType())
	return nil
}

// Close gracefully shuts down the client, closing the WebSocket connection
// and the message channel.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()

	// Wait for the receive loop to finish.
	<-c.done

	return nil
}

// dial establishes a WebSocket connection to the rendezvous server.
func (c *Client) dial(ctx context.Context) error {
	dialTimeout := c.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 15 * time.Second
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.ServerURL, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	return nil
}

// reregister replays register-host for every known session on the current
// connection. Called after each reconnect.
func (c *Client) reregister(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.Send(ctx, &protocol.RegisterHostMessage{SessionID: id}); err != nil {
			return fmt.Errorf("re-registering session %s: %w", id, err)
		}
	}
	if len(ids) > 0 {
		c.log.Info("re-registered sessions", "count", len(ids))
	}
	return nil
}

// closeConn closes the current WebSocket connection, if any.
func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "closing")
	}
}

// heartbeatLoop sends a heartbeat for every registered session on a fixed
// interval. A failed send is only logged; a dead socket surfaces through
// the receive loop and triggers reconnection there.
func (c *Client) heartbeatLoop(ctx context.Context) {
	interval := c.cfg.HeartbeatInterval
	if interval < 0 {
		return
	}
	if interval == 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		ids := make([]string, 0, len(c.sessions))
		for id := range c.sessions {
			ids = append(ids, id)
		}
		c.mu.Unlock()

		now := protocol.Millis(time.Now())
		for _, id := range ids {
			if err := c.Send(ctx, &protocol.HeartbeatMessage{SessionID: id, Timestamp: now}); err != nil {
				c.log.Debug("heartbeat failed", "sessionId", id, "error", err)
				break
			}
		}
	}
}

// receiveLoop reads messages from the WebSocket and sends them on the
// message channel. If reconnection is enabled, it reconnects on connection
// loss. It closes the message channel and the done channel when finished.
func (c *Client) receiveLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.msgCh)

	for {
		err := c.readMessages(ctx)
		if err == nil || ctx.Err() != nil {
			c.closeConn()
			return
		}

		c.log.Warn("connection lost", "error", err)
		c.closeConn()

		if !c.cfg.Reconnect.Enabled {
			return
		}

		if !c.reconnect(ctx) {
			return
		}
	}
}

// readMessages reads messages from the current connection until an error
// occurs or the context is cancelled. Returns nil only on clean close.
func (c *Client) readMessages(ctx context.Context) error {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return ErrNotConnected
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		msg, err := protocol.Unmarshal(data)
		if err != nil {
			c.log.Warn("ignoring malformed message", "error", err)
			continue
		}

		// heartbeat-ack is connection plumbing; don't wake the consumer.
		if msg.MessageType() == "heartbeat-ack" {
			c.mu.Lock()
			c.lastAck = time.Now()
			c.mu.Unlock()
			continue
		}

		c.log.Debug("received message", "type", msg.MessageType())

		select {
		case c.msgCh <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reconnect attempts to re-establish the connection with exponential backoff
// plus jitter. Returns true if reconnection succeeded, false if it should
// give up. After a successful dial, every known session is re-registered.
func (c *Client) reconnect(ctx context.Context) bool {
	initialDelay := c.cfg.Reconnect.InitialDelay
	if initialDelay <= 0 {
		initialDelay = 5 * time.Second
	}
	maxDelay := c.cfg.Reconnect.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	maxAttempts := c.cfg.Reconnect.MaxAttempts

	for attempt := 1; maxAttempts == 0 || attempt <= maxAttempts; attempt++ {
		// Exponential backoff: initialDelay * 2^(attempt-1), capped at
		// maxDelay. Guard against float overflow for large attempt counts —
		// math.Pow(2, N) goes to +Inf and converting that to time.Duration
		// wraps, defeating the cap.
		backoff := maxDelay
		if attempt <= 62 {
			backoff = time.Duration(float64(initialDelay) * math.Pow(2, float64(attempt-1)))
		}
		if backoff <= 0 || backoff > maxDelay {
			backoff = maxDelay
		}
		// Jitter of up to 10% avoids herding when many hosts lose the same
		// rendezvous at once.
		backoff += time.Duration(rand.Int63n(int64(backoff)/10 + 1))

		c.log.Info("reconnecting", "attempt", attempt, "backoff", backoff)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.SignalingReconnects.Inc()
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		if err := c.dial(ctx); err != nil {
			c.log.Warn("reconnection failed", "attempt", attempt, "error", err)
			continue
		}

		if err := c.reregister(ctx); err != nil {
			c.log.Warn("re-registration failed", "attempt", attempt, "error", err)
			c.closeConn()
			continue
		}

		c.log.Info("reconnected to rendezvous", "attempt", attempt)
		return true
	}

	c.log.Error("reconnection attempts exhausted")
	return false
}
