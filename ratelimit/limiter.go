// Package ratelimit implements fixed-window request counting and per-key
// cooldowns over a pluggable store.
package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Store holds counters and cooldown markers. Implementations must make every
// method atomic with respect to concurrent callers, including other processes
// when the store is shared.
type Store interface {
	// Hit increments the counter for key, starting a new window of the given
	// length when none is active, and returns the count and time until reset.
	Hit(ctx context.Context, key string, window time.Duration, now time.Time) (count int64, resetIn time.Duration, err error)
	// PeekCooldown returns the remaining cooldown for key, zero if none.
	PeekCooldown(ctx context.Context, key string, now time.Time) (time.Duration, error)
	// ClaimCooldown sets a cooldown only if none is active. When one is
	// active it returns false and the remaining time.
	ClaimCooldown(ctx context.Context, key string, ttl time.Duration, now time.Time) (claimed bool, remaining time.Duration, err error)
	// ReleaseCooldown removes a cooldown marker.
	ReleaseCooldown(ctx context.Context, key string) error
	// Reset drops all counters and cooldowns.
	Reset(ctx context.Context) error
}

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int64
}

// RetryAfterMs returns RetryAfter rounded up to whole milliseconds.
func (d Decision) RetryAfterMs() int64 {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int64((d.RetryAfter + time.Millisecond - 1) / time.Millisecond)
}

func allow(remaining int64) Decision { return Decision{Allowed: true, Remaining: remaining} }

// Limiter answers allow/deny questions for arbitrary keys. It never returns an
// error: store failures are logged and the request is allowed.
type Limiter struct {
	store Store
	now   func() time.Time
	log   *slog.Logger
}

// New returns a limiter over store.
func New(store Store, log *slog.Logger) *Limiter {
	if store == nil {
		panic("ratelimit.New requires a store")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{store: store, now: time.Now, log: log}
}

// WithClock overrides the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// TryAcquire counts one request against key. A limit <= 0 means unlimited.
func (l *Limiter) TryAcquire(ctx context.Context, key string, limit int64, window time.Duration) Decision {
	if limit <= 0 || window <= 0 {
		return allow(0)
	}
	count, resetIn, err := l.store.Hit(ctx, key, window, l.now())
	if err != nil {
		l.log.Warn("rate limit store failed, allowing request", "key", key, "error", err)
		return allow(limit)
	}
	if count > limit {
		if resetIn <= 0 {
			resetIn = window
		}
		return Decision{Allowed: false, RetryAfter: resetIn}
	}
	return allow(limit - count)
}

// Cooldown reports whether key is cooling down without claiming it.
func (l *Limiter) Cooldown(ctx context.Context, key string) Decision {
	rem, err := l.store.PeekCooldown(ctx, key, l.now())
	if err != nil {
		l.log.Warn("cooldown lookup failed, allowing request", "key", key, "error", err)
		return allow(0)
	}
	if rem > 0 {
		return Decision{RetryAfter: rem}
	}
	return allow(0)
}

// ClaimCooldown atomically starts a cooldown for key if none is active.
func (l *Limiter) ClaimCooldown(ctx context.Context, key string, ttl time.Duration) Decision {
	if ttl <= 0 {
		return allow(0)
	}
	ok, rem, err := l.store.ClaimCooldown(ctx, key, ttl, l.now())
	if err != nil {
		l.log.Warn("cooldown claim failed, allowing request", "key", key, "error", err)
		return allow(0)
	}
	if !ok {
		return Decision{RetryAfter: rem}
	}
	return allow(0)
}

// ReleaseCooldown clears a cooldown claimed earlier.
func (l *Limiter) ReleaseCooldown(ctx context.Context, key string) {
	if err := l.store.ReleaseCooldown(ctx, key); err != nil {
		l.log.Warn("cooldown release failed", "key", key, "error", err)
	}
}

// Reset clears every counter and cooldown.
func (l *Limiter) Reset(ctx context.Context) error {
	return l.store.Reset(ctx)
}
