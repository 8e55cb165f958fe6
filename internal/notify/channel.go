// Package notify owns the persistent push connection to the inference service
// and turns its frames into typed notifications. It has no business logic.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"zstudio/internal/metrics"
)

// ConnState is the state of the underlying connection.
type ConnState int

const (
	Closed ConnState = iota
	Connecting
	Open
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

var (
	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("notification channel closed")
	// ErrChannelLost marks failures caused by the connection dropping.
	ErrChannelLost = errors.New("notification channel lost")
)

const maxFrameBytes = 1 << 20

// Handler receives notifications. Handlers run one at a time on the channel's
// dispatch goroutine, in arrival order, and must not block for long.
type Handler func(Notification)

// Reconnect controls redialing after the connection drops. The zero value
// disables reconnection.
type Reconnect struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Config configures a Channel.
type Config struct {
	URL       string
	Header    http.Header
	Dialer    *websocket.Dialer
	Reconnect Reconnect
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

type subscription struct {
	id uint64
	h  Handler
}

// Channel is a single logical notification connection.
type Channel struct {
	cfg    Config
	dialer *websocket.Dialer

	// base is canceled by Close so in-flight dials and backoffs stop.
	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    ConnState
	conn     *websocket.Conn
	shutdown bool

	// redialing is set while the reconnect policy is still trying.
	redialing bool

	subs   []subscription
	nextID uint64
}

// New returns an unconnected channel.
func New(cfg Config) *Channel {
	d := cfg.Dialer
	if d == nil {
		d = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	base, cancel := context.WithCancel(context.Background())
	return &Channel{cfg: cfg, dialer: d, base: base, cancel: cancel}
}

// State returns the connection state.
func (c *Channel) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Listening reports whether notifications can still arrive: the connection is
// up or being re-established. It is false before Connect and after Close.
func (c *Channel) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.shutdown && (c.state != Closed || c.redialing)
}

// OnNotification registers h and returns a function that removes it.
func (c *Channel) OnNotification(h Handler) (unsubscribe func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, subscription{id: id, h: h})
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// Connect dials the service. It is a no-op while the channel is already
// connecting or open.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Closed {
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(Closed)
		return err
	}
	if !c.adopt(conn) {
		return ErrClosed
	}
	c.cfg.Logger.Info().Str("url", c.cfg.URL).Msg("notification channel open")
	go c.readLoop(conn)
	return nil
}

// Close releases the connection. A closed channel cannot be reconnected.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	conn := c.conn
	c.conn = nil
	c.state = Closed
	c.mu.Unlock()
	c.cancel()

	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.cfg.Logger.Info().Str("url", c.cfg.URL).Msg("notification channel closed")
	return conn.Close()
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	// Stop the dial if either the caller or Close gives up.
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-c.base.Done():
			stop()
		case <-ctx.Done():
		}
	}()
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", c.cfg.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(maxFrameBytes)
	return conn, nil
}

// adopt installs conn as the live connection unless Close won the race.
func (c *Channel) adopt(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.conn = conn
	c.state = Open
	c.mu.Unlock()
	return true
}

func (c *Channel) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Channel) isShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.isShutdown() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.cfg.Logger.Warn().Err(err).Msg("notification channel closed by service")
			} else {
				c.cfg.Logger.Error().Err(err).Msg("notification channel read error")
			}
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
				c.state = Closed
				c.redialing = c.cfg.Reconnect.MaxAttempts > 0
			}
			c.mu.Unlock()
			_ = conn.Close()
			c.dispatch(Notification{Kind: KindChannelLost, Message: err.Error()})

			next := c.redial()
			c.mu.Lock()
			c.redialing = false
			c.mu.Unlock()
			if next == nil {
				return
			}
			conn = next
			continue
		}
		n, perr := ParseFrame(data)
		if perr != nil {
			c.cfg.Logger.Warn().Err(perr).Int("bytes", len(data)).Msg("dropping notification frame")
			continue
		}
		c.dispatch(n)
	}
}

// redial applies the reconnect policy and returns the new connection, or nil
// when the policy is exhausted or the channel was closed.
func (c *Channel) redial() *websocket.Conn {
	policy := c.cfg.Reconnect
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if policy.Backoff > 0 {
			t := time.NewTimer(policy.Backoff)
			select {
			case <-t.C:
			case <-c.base.Done():
				t.Stop()
				return nil
			}
		}
		c.mu.Lock()
		if c.shutdown || c.state != Closed {
			c.mu.Unlock()
			return nil
		}
		c.state = Connecting
		c.mu.Unlock()

		conn, err := c.dial(c.base)
		if err != nil {
			c.setState(Closed)
			c.cfg.Logger.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", policy.MaxAttempts).Msg("notification channel redial failed")
			continue
		}
		if !c.adopt(conn) {
			return nil
		}
		c.cfg.Logger.Info().Int("attempt", attempt).Msg("notification channel reconnected")
		return conn
	}
	return nil
}

func (c *Channel) dispatch(n Notification) {
	c.cfg.Metrics.Notification(n.Kind.String())
	c.mu.Lock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()
	for _, s := range subs {
		c.invoke(s.h, n)
	}
}

func (c *Channel) invoke(h Handler, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			c.cfg.Logger.Error().Interface("panic", r).Str("kind", n.Kind.String()).Msg("notification handler panicked")
		}
	}()
	h(n)
}
