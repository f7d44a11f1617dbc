package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter is an in-process token-bucket limiter (golang.org/x/time)
// for single-node deployments and tests. A token bucket admits at most
// Limit requests per Window with the full budget available as a burst; it
// cannot be Unavailable and it does not share counts across replicas, which
// is why multi-node deployments use the redis limiter.
type LocalLimiter struct {
	cfg Config

	limiters sync.Map // "class:key" -> *rate.Limiter

	mu          sync.Mutex
	lastCleanup time.Time
}

// NewLocal builds an in-process limiter over the same per-class config as
// the redis implementation.
func NewLocal(cfg Config) *LocalLimiter {
	return &LocalLimiter{cfg: cfg, lastCleanup: time.Now()}
}

// Acquire implements Limiter.
func (l *LocalLimiter) Acquire(_ context.Context, key string, class Class) Decision {
	policy := l.cfg.For(class)
	limiter := l.limiterFor(string(class)+":"+key, policy)

	if !limiter.Allow() {
		// Peek at when the next token frees up for the Retry-After hint
		// without actually consuming it.
		reservation := limiter.Reserve()
		delay := reservation.Delay()
		reservation.Cancel()

		return Decision{
			Outcome:    Denied,
			Limit:      policy.Limit,
			Remaining:  0,
			RetryAfter: max(delay, time.Second),
		}
	}

	return Decision{
		Outcome:   Allowed,
		Limit:     policy.Limit,
		Remaining: int(limiter.Tokens()),
	}
}

func (l *LocalLimiter) limiterFor(key string, policy Policy) *rate.Limiter {
	if limiter, ok := l.limiters.Load(key); ok {
		return limiter.(*rate.Limiter)
	}

	perSecond := float64(policy.Limit) / policy.Window.Seconds()
	limiter := rate.NewLimiter(rate.Limit(perSecond), policy.Limit)
	actual, _ := l.limiters.LoadOrStore(key, limiter)

	l.maybeCleanup()

	return actual.(*rate.Limiter)
}

// maybeCleanup drops idle limiters so ephemeral keys don't accumulate
// forever. A limiter with a full bucket hasn't been used for at least one
// window.
func (l *LocalLimiter) maybeCleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.lastCleanup) < 5*time.Minute {
		return
	}
	l.lastCleanup = time.Now()

	l.limiters.Range(func(key, value any) bool {
		limiter := value.(*rate.Limiter)
		if limiter.Tokens() >= float64(limiter.Burst()) {
			l.limiters.Delete(key)
		}
		return true
	})
}
