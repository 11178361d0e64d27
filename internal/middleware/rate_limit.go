package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/keshon/parley/internal/access"
	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/internal/command"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type senderEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// SenderLimiter keeps a token bucket per backend:sender.
type SenderLimiter struct {
	mu      sync.Mutex
	entries map[string]*senderEntry
	limit   rate.Limit
	burst   int
	// Exempt callers at or above this level.
	Exempt access.Level
}

// NewSenderLimiter allows perSecond commands per sender with the given burst.
// perSecond <= 0 disables limiting.
func NewSenderLimiter(perSecond float64, burst int) *SenderLimiter {
	if burst < 1 {
		burst = 1
	}
	return &SenderLimiter{
		entries: make(map[string]*senderEntry),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		Exempt:  access.Admin,
	}
}

// Allow consumes a token for key. When none is left it reports how long
// until one is.
func (l *SenderLimiter) Allow(key string) (bool, time.Duration) {
	if l.limit <= 0 {
		return true, 0
	}
	now := time.Now()

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		l.prune(now)
		e = &senderEntry{lim: rate.NewLimiter(l.limit, l.burst), lastSeen: now}
		l.entries[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	res := e.lim.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return false, d
	}
	return true, 0
}

// prune must be called with l.mu held.
func (l *SenderLimiter) prune(now time.Time) {
	for k, e := range l.entries {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(l.entries, k)
		}
	}
}

// WithRateLimit rejects senders that exceed their command budget.
func WithRateLimit(l *SenderLimiter) command.Middleware {
	return func(next command.Handler) command.Handler {
		return command.Wrap(next, func(ctx context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
			if inv.Level >= l.Exempt {
				return next.Run(ctx, inv)
			}
			key := inv.Message.Backend + ":" + inv.Message.Sender
			if ok, retry := l.Allow(key); !ok {
				return nil, &command.RateLimitError{Sender: inv.Message.Sender, Retry: retry}
			}
			return next.Run(ctx, inv)
		})
	}
}
