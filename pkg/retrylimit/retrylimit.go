// Package retrylimit paces calls to flaky remote services and retries them
// with bounded exponential backoff. Chat servers that drop the connection and
// media centers that disappear are the typical callers.
//
//	lim := retrylimit.NewAdaptiveLimiter(5, 1, 20, 1, 0.5)
//	err := retrylimit.WithRetryConfig(ctx, dial, lim, retrylimit.RetryConfig{
//	    InitialDelay: time.Second,
//	    MaxDelay:     time.Minute,
//	    Multiplier:   2,
//	})
package retrylimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrRateLimited marks a failure caused by the remote side throttling us.
// Wrapped errors get the fixed RateLimitDelay and lower the limiter.
var ErrRateLimited = errors.New("rate limited")

// FatalError stops WithRetryConfig at once.
type FatalError struct {
	Err error
}

func (f *FatalError) Error() string { return f.Err.Error() }
func (f *FatalError) Unwrap() error { return f.Err }

// AdaptiveLimiter is a token bucket whose rate drops when the remote side
// throttles and creeps back up after a quiet period. Safe for concurrent use.
type AdaptiveLimiter struct {
	mu        sync.Mutex
	bucket    *rate.Limiter
	floor     rate.Limit
	ceiling   rate.Limit
	step      rate.Limit
	backoff   float64
	quiet     time.Duration
	throttled time.Time
}

// NewAdaptiveLimiter starts at initial requests per second and stays within
// [min, max]. Each success after a quiet period adds stepUp; each throttle
// multiplies the rate by stepDown.
func NewAdaptiveLimiter(initial, min, max, stepUp rate.Limit, stepDown float64) *AdaptiveLimiter {
	min = rate.Limit(maxFloat(1, float64(min)))
	initial = rate.Limit(maxFloat(float64(min), float64(initial)))
	max = rate.Limit(maxFloat(float64(initial), float64(max)))
	return &AdaptiveLimiter{
		bucket:  rate.NewLimiter(initial, burstFor(initial)),
		floor:   min,
		ceiling: max,
		step:    stepUp,
		backoff: stepDown,
		quiet:   10 * time.Second,
	}
}

// Wait blocks until a token is free or ctx is done.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.bucket.Wait(ctx)
}

func (a *AdaptiveLimiter) Success() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if time.Since(a.throttled) > a.quiet {
		a.set(a.bucket.Limit() + a.step)
	}
}

func (a *AdaptiveLimiter) RateLimited() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.throttled = time.Now()
	a.set(a.bucket.Limit() * rate.Limit(a.backoff))
}

// CurrentLimit is the rate in requests per second.
func (a *AdaptiveLimiter) CurrentLimit() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return float64(a.bucket.Limit())
}

func (a *AdaptiveLimiter) CurrentBurst() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bucket.Burst()
}

// set must be called with a.mu held.
func (a *AdaptiveLimiter) set(l rate.Limit) {
	l = min(max(l, a.floor), a.ceiling)
	if l == a.bucket.Limit() {
		return
	}
	a.bucket.SetLimit(l)
	a.bucket.SetBurst(burstFor(l))
}

func burstFor(l rate.Limit) int {
	return int(maxFloat(1, float64(l)))
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// RetryConfig tunes WithRetryConfig.
type RetryConfig struct {
	// MaxAttempts of 0 retries until ctx is done.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// RateLimitDelay replaces the backoff for throttling errors when set.
	RateLimitDelay time.Duration
	Multiplier     float64
	// Jitter adds up to 25% to each backoff delay.
	Jitter bool
	// IsThrottle reports throttling errors; nil means errors.Is(err, ErrRateLimited).
	IsThrottle func(error) bool
	OnRetry    func(attempt int, err error)
}

// Backoff is the delay after the given failed attempt (1-based), without jitter.
func (cfg RetryConfig) Backoff(attempt int) time.Duration {
	d := cfg.InitialDelay
	for i := 1; i < attempt && d < cfg.MaxDelay; i++ {
		d = time.Duration(float64(d) * cfg.Multiplier)
	}
	return min(d, cfg.MaxDelay)
}

// WithRetryConfig calls fn until it succeeds, returns a *FatalError, ctx is
// done or MaxAttempts is used up. A non-nil lim paces the attempts and is
// told about successes and throttling.
func WithRetryConfig(ctx context.Context, fn func() error, lim *AdaptiveLimiter, cfg RetryConfig) error {
	if cfg.IsThrottle == nil {
		cfg.IsThrottle = func(err error) bool { return errors.Is(err, ErrRateLimited) }
	}
	cfg.Multiplier = maxFloat(1, cfg.Multiplier)
	cfg.MaxDelay = max(cfg.MaxDelay, cfg.InitialDelay)

	backoffs := 0
	for attempt := 1; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}

		err := fn()
		if err == nil {
			if lim != nil {
				lim.Success()
			}
			if attempt > 1 {
				log.Debug().Int("attempts", attempt).Msg("retry succeeded")
			}
			return nil
		}
		var fatal *FatalError
		if errors.As(err, &fatal) {
			return err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		var wait time.Duration
		if cfg.IsThrottle(err) {
			if lim != nil {
				lim.RateLimited()
			}
			wait = cfg.RateLimitDelay
			if wait <= 0 {
				wait = cfg.Backoff(backoffs + 1)
			}
		} else {
			backoffs++
			wait = cfg.Backoff(backoffs)
			if cfg.Jitter && wait >= 4 {
				wait += rand.N(wait / 4)
			}
		}
		log.Debug().Err(err).Int("attempt", attempt).Dur("sleep", wait).Msg("attempt failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("max attempts (%d) exceeded", cfg.MaxAttempts)
}
