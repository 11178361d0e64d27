package adapter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/pkg/retrylimit"
	"github.com/rs/zerolog/log"
)

var errLinkClosed = errors.New("link closed")

// LinkOptions tunes reconnection and outbound pacing.
type LinkOptions struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// StableAfter is how long a session must last to reset the backoff.
	StableAfter time.Duration
	// Buffer is the capacity of the receive channel.
	Buffer int
	// Limiter paces Send; nil disables pacing.
	Limiter *retrylimit.AdaptiveLimiter
}

// Link is an Adapter over a Transport that survives disconnects: Run keeps
// redialing with bounded exponential backoff while Send fails fast with
// ErrDisconnected during the outage.
type Link struct {
	id   string
	t    Transport
	opts LinkOptions

	connected  atomic.Bool
	everUp     atomic.Bool
	reconnects atomic.Int64

	out       chan chat.IncomingMessage
	done      chan struct{}
	closeOnce sync.Once
}

var _ Adapter = (*Link)(nil)

func NewLink(id string, t Transport, opts LinkOptions) *Link {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = opts.MinBackoff
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = 30 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &Link{
		id:   id,
		t:    t,
		opts: opts,
		out:  make(chan chat.IncomingMessage, opts.Buffer),
		done: make(chan struct{}),
	}
}

func (l *Link) ID() string { return l.id }

// Connected reports whether a session is currently up.
func (l *Link) Connected() bool { return l.connected.Load() }

// Reconnects counts successful redials after a lost session.
func (l *Link) Reconnects() int64 { return l.reconnects.Load() }

func (l *Link) Connect(ctx context.Context) error {
	if l.isClosed() {
		return &ConnectionError{Backend: l.id, Err: errLinkClosed}
	}
	if err := l.t.Dial(ctx); err != nil {
		return &ConnectionError{Backend: l.id, Err: err}
	}
	l.connected.Store(true)
	l.everUp.Store(true)
	log.Info().Str("backend", l.id).Msg("connected")
	return nil
}

// Run pumps the transport into the receive channel until ctx is done or the
// link is closed. A lost session is redialed; the first dial happens here
// too when Connect was not called or failed. Sessions that end before
// StableAfter grow the delay before the next dial.
func (l *Link) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	emit := func(msg chat.IncomingMessage) {
		if msg.Backend == "" {
			msg.Backend = l.id
		}
		select {
		case l.out <- msg:
		case <-ctx.Done():
		}
	}

	cfg := l.retryConfig()
	short := 0
	for {
		if !l.Connected() {
			if short > 0 {
				wait := cfg.Backoff(short)
				log.Debug().Str("backend", l.id).Dur("sleep", wait).Msg("waiting before redial")
				if !sleep(ctx, wait) {
					return nil
				}
			}
			if err := l.redial(ctx, cfg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}

		up := time.Now()
		err := l.t.Listen(ctx, emit)
		l.connected.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(up) >= l.opts.StableAfter {
			short = 0
		} else {
			short++
		}
		log.Warn().Err(err).Str("backend", l.id).Int("short_sessions", short).Msg("session lost, reconnecting")
	}
}

func (l *Link) retryConfig() retrylimit.RetryConfig {
	return retrylimit.RetryConfig{
		InitialDelay: l.opts.MinBackoff,
		MaxDelay:     l.opts.MaxBackoff,
		Multiplier:   2,
		Jitter:       true,
		OnRetry: func(attempt int, err error) {
			log.Warn().Err(err).Str("backend", l.id).Int("attempt", attempt).Msg("reconnect failed")
		},
	}
}

func (l *Link) redial(ctx context.Context, cfg retrylimit.RetryConfig) error {
	err := retrylimit.WithRetryConfig(ctx, func() error {
		if err := l.t.Dial(ctx); err != nil {
			return &ConnectionError{Backend: l.id, Err: err}
		}
		return nil
	}, nil, cfg)
	if err != nil {
		return err
	}
	l.connected.Store(true)
	// a first session opened by Run is not a reconnect
	if l.everUp.Swap(true) {
		l.reconnects.Add(1)
		log.Info().Str("backend", l.id).Msg("reconnected")
	} else {
		log.Info().Str("backend", l.id).Msg("connected")
	}
	return nil
}

// sleep reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (l *Link) Receive(ctx context.Context) <-chan chat.IncomingMessage {
	return l.out
}

func (l *Link) Send(ctx context.Context, msg chat.OutgoingMessage) error {
	if !l.Connected() {
		return &DeliveryError{Backend: l.id, Room: msg.Room, Err: ErrDisconnected}
	}
	if l.opts.Limiter != nil {
		if err := l.opts.Limiter.Wait(ctx); err != nil {
			return &DeliveryError{Backend: l.id, Room: msg.Room, Err: err}
		}
	}
	if err := l.t.Deliver(ctx, msg); err != nil {
		if l.opts.Limiter != nil && errors.Is(err, ErrThrottled) {
			l.opts.Limiter.RateLimited()
		}
		return &DeliveryError{Backend: l.id, Room: msg.Room, Err: err}
	}
	if l.opts.Limiter != nil {
		l.opts.Limiter.Success()
	}
	return nil
}

func (l *Link) Members(ctx context.Context, room string) ([]string, error) {
	if !l.Connected() {
		return nil, &ConnectionError{Backend: l.id, Err: ErrDisconnected}
	}
	return l.t.Members(ctx, room)
}

func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		l.connected.Store(false)
		err = l.t.Close()
	})
	return err
}

func (l *Link) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
