// Package kodi is a JSON-RPC 2.0 client for the Kodi media center over its
// websocket interface.
package kodi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/keshon/parley/pkg/retrylimit"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected   = errors.New("kodi: not connected")
	ErrNothingPlaying = errors.New("kodi: nothing is playing")
)

// RPCError is an error object returned by Kodi.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("kodi: rpc error %d: %s", e.Code, e.Message)
}

// Notification is a server-initiated message such as Player.OnPlay.
type Notification struct {
	Method string
	Params json.RawMessage
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type envelope struct {
	ID     *uint64         `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type Config struct {
	URL string
	// Timeout applies to calls whose ctx carries no deadline.
	Timeout      time.Duration
	PingInterval time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	// StableAfter is how long a session must last to reset the backoff.
	StableAfter time.Duration
}

type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	lost    chan struct{}
	pending map[uint64]chan envelope

	wmu    sync.Mutex
	seq    atomic.Uint64
	closed atomic.Bool

	// OnNotification is called from the read loop for every notification.
	OnNotification func(Notification)
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.Timeout},
		pending: make(map[uint64]chan envelope),
	}
}

// Connected reports whether a session is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect opens a session unless one is already open.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.session(ctx)
	return err
}

func (c *Client) session(ctx context.Context) (*websocket.Conn, error) {
	if c.closed.Load() {
		return nil, ErrNotConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("kodi: dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(8 << 20)
	c.conn = conn
	c.lost = make(chan struct{})
	go c.readLoop(conn)
	go c.pingLoop(conn, c.lost)
	log.Info().Str("url", c.cfg.URL).Msg("kodi connected")
	return conn, nil
}

// Run keeps the client connected until ctx is done, redialing with backoff
// after the session drops. Sessions shorter than StableAfter grow the delay
// before the next dial.
func (c *Client) Run(ctx context.Context) error {
	cfg := retrylimit.RetryConfig{
		InitialDelay: c.cfg.MinBackoff,
		MaxDelay:     c.cfg.MaxBackoff,
		Multiplier:   2,
		Jitter:       true,
		OnRetry: func(attempt int, err error) {
			log.Warn().Err(err).Int("attempt", attempt).Msg("kodi reconnect failed")
		},
	}
	short := 0
	for {
		if short > 0 {
			t := time.NewTimer(cfg.Backoff(short))
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
		if err := retrylimit.WithRetryConfig(ctx, func() error { return c.Connect(ctx) }, nil, cfg); err != nil {
			if ctx.Err() != nil || c.closed.Load() {
				return nil
			}
			return err
		}
		up := time.Now()
		c.mu.Lock()
		lost := c.lost
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil
		case <-lost:
			if c.closed.Load() {
				return nil
			}
			if time.Since(up) >= c.cfg.StableAfter {
				short = 0
			} else {
				short++
			}
			log.Warn().Int("short_sessions", short).Msg("kodi session lost, reconnecting")
		}
	}
}

// Call invokes method and decodes the result into result unless it is nil.
// A dropped session is redialed once on demand.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	conn, err := c.session(ctx)
	if err != nil {
		return err
	}

	id := c.seq.Add(1)
	ch := make(chan envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("kodi: encode %s: %w", method, err)
	}
	c.wmu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.wmu.Unlock()
	if err != nil {
		c.drop(conn)
		return fmt.Errorf("kodi: send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("kodi: %s: %w", method, ctx.Err())
	case env, ok := <-ch:
		if !ok {
			return fmt.Errorf("kodi: %s: %w", method, ErrNotConnected)
		}
		if env.Error != nil {
			return env.Error
		}
		if result == nil || len(env.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("kodi: decode %s result: %w", method, err)
		}
		return nil
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.drop(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				log.Debug().Err(err).Msg("kodi read failed")
			}
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Msg("kodi sent malformed message")
			continue
		}

		if env.ID == nil {
			if env.Method != "" && c.OnNotification != nil {
				c.OnNotification(Notification{Method: env.Method, Params: env.Params})
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[*env.ID]
		delete(c.pending, *env.ID)
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, lost chan struct{}) {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-lost:
			return
		case <-t.C:
			c.wmu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.cfg.Timeout))
			c.wmu.Unlock()
			if err != nil {
				c.drop(conn)
				return
			}
		}
	}
}

// drop closes conn if it is still the current session and fails its
// pending calls.
func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	close(c.lost)
	pending := c.pending
	c.pending = make(map[uint64]chan envelope)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	_ = conn.Close()
}

func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.wmu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
		time.Now().Add(500*time.Millisecond))
	c.wmu.Unlock()
	c.drop(conn)
	return nil
}
