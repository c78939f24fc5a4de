// Package breaker implements a per-source three-state circuit breaker whose
// state lives in a pluggable compare-and-swap store.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"engagekit/core"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Policy configures thresholds and cooldowns.
type Policy struct {
	FailureThreshold  int           `json:"failure_threshold" mapstructure:"failure_threshold"`
	FailureWindow     time.Duration `json:"failure_window" mapstructure:"failure_window"`
	Cooldown          time.Duration `json:"cooldown" mapstructure:"cooldown"`
	RateLimitCooldown time.Duration `json:"rate_limit_cooldown" mapstructure:"rate_limit_cooldown"`
	AuthCooldown      time.Duration `json:"auth_cooldown" mapstructure:"auth_cooldown"`
}

// DefaultPolicy returns the documented fallback policy.
func DefaultPolicy() Policy {
	return Policy{
		FailureThreshold:  3,
		FailureWindow:     5 * time.Minute,
		Cooldown:          time.Minute,
		RateLimitCooldown: 15 * time.Minute,
		AuthCooldown:      30 * time.Minute,
	}
}

// Validate checks the policy.
func (p Policy) Validate() error {
	var errs []string
	if p.FailureThreshold < 1 {
		errs = append(errs, "failure threshold must be at least 1")
	}
	if p.FailureWindow < 0 {
		errs = append(errs, "failure window cannot be negative")
	}
	if p.Cooldown <= 0 || p.RateLimitCooldown <= 0 || p.AuthCooldown <= 0 {
		errs = append(errs, "cooldowns must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("breaker policy validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (p Policy) cooldownFor(kind core.ErrorKind, retryAfter time.Duration) time.Duration {
	switch kind {
	case core.KindRateLimited:
		if retryAfter > p.RateLimitCooldown {
			return retryAfter
		}
		return p.RateLimitCooldown
	case core.KindAuthFailure:
		return p.AuthCooldown
	}
	return p.Cooldown
}

// Snapshot is the persisted state of one breaker. Generation increases by one
// on every successful write and is the compare-and-swap token.
type Snapshot struct {
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailureAt       time.Time     `json:"last_failure_at"`
	OpenedAt            time.Time     `json:"opened_at"`
	Cooldown            time.Duration `json:"cooldown"`
	TrialInFlight       bool          `json:"trial_in_flight"`
	TrialStartedAt      time.Time     `json:"trial_started_at"`
	Generation          int64         `json:"generation"`
}

// Store persists breaker snapshots. Load returns a closed snapshot with
// generation 0 for unknown names. CompareAndSwap writes next only if the
// stored generation equals expected.
type Store interface {
	Load(ctx context.Context, name string) (Snapshot, error)
	CompareAndSwap(ctx context.Context, name string, expected int64, next Snapshot) (bool, error)
}

// OpenError is returned instead of running an operation while the breaker rejects calls.
type OpenError struct {
	Source     string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is open (retry after %s)", e.Source, e.RetryAfter)
}

// IsOpen reports whether err is an *OpenError.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

var errContention = errors.New("breaker state contention")

const maxCASAttempts = 32

// Breaker guards one upstream.
type Breaker struct {
	name   string
	policy Policy
	store  Store
	now    func() time.Time
	log    *slog.Logger
}

// New creates a breaker named name over store.
func New(name string, policy Policy, store Store, log *slog.Logger) *Breaker {
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{name: name, policy: policy, store: store, now: time.Now, log: log}
}

func (b *Breaker) Name() string { return b.name }

// WithClock overrides the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

func normalize(s Snapshot) Snapshot {
	if s.State == "" {
		s.State = StateClosed
	}
	return s
}

// update runs a compare-and-swap loop. fn returns the next snapshot and
// whether it differs from the current one, or an error to stop without writing.
func (b *Breaker) update(ctx context.Context, fn func(cur Snapshot, now time.Time) (Snapshot, bool, error)) error {
	for i := 0; i < maxCASAttempts; i++ {
		cur, err := b.store.Load(ctx, b.name)
		if err != nil {
			return fmt.Errorf("load breaker %s: %w", b.name, err)
		}
		cur = normalize(cur)
		next, changed, err := fn(cur, b.now())
		if err != nil || !changed {
			return err
		}
		next.Generation = cur.Generation + 1
		ok, err := b.store.CompareAndSwap(ctx, b.name, cur.Generation, next)
		if err != nil {
			return fmt.Errorf("store breaker %s: %w", b.name, err)
		}
		if ok {
			if next.State != cur.State {
				b.log.Info("circuit breaker state change",
					"source", b.name, "from", cur.State, "to", next.State,
					"failures", next.ConsecutiveFailures, "cooldown", next.Cooldown)
			}
			return nil
		}
	}
	return errContention
}

// Allow admits a call or returns *OpenError. In half-open state exactly one
// caller is admitted as the trial; a trial older than the cooldown is
// considered abandoned and may be taken over. Store failures admit the call.
func (b *Breaker) Allow(ctx context.Context) error {
	err := b.update(ctx, func(s Snapshot, now time.Time) (Snapshot, bool, error) {
		switch s.State {
		case StateOpen:
			until := s.OpenedAt.Add(s.Cooldown)
			if now.Before(until) {
				return s, false, &OpenError{Source: b.name, RetryAfter: until.Sub(now)}
			}
			s.State = StateHalfOpen
			s.TrialInFlight = true
			s.TrialStartedAt = now
			return s, true, nil
		case StateHalfOpen:
			if s.TrialInFlight {
				stale := s.TrialStartedAt.Add(s.Cooldown)
				if now.Before(stale) {
					return s, false, &OpenError{Source: b.name, RetryAfter: stale.Sub(now)}
				}
			}
			s.TrialInFlight = true
			s.TrialStartedAt = now
			return s, true, nil
		}
		return s, false, nil
	})
	if err != nil && !IsOpen(err) {
		b.log.Warn("circuit breaker unavailable, allowing call", "source", b.name, "error", err)
		return nil
	}
	return err
}

// RecordSuccess closes a half-open breaker and clears the failure count.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	err := b.update(ctx, func(s Snapshot, now time.Time) (Snapshot, bool, error) {
		switch s.State {
		case StateHalfOpen:
			return Snapshot{State: StateClosed}, true, nil
		case StateClosed:
			if s.ConsecutiveFailures == 0 {
				return s, false, nil
			}
			s.ConsecutiveFailures = 0
			s.LastFailureAt = time.Time{}
			return s, true, nil
		}
		// a late success from a call admitted before the breaker opened
		return s, false, nil
	})
	b.logStoreErr("record success", err)
}

// RecordFailure records a classified failure. Not-found answers prove the
// upstream is reachable and count as success. Rate-limit and auth failures
// open the breaker immediately.
func (b *Breaker) RecordFailure(ctx context.Context, kind core.ErrorKind, retryAfter time.Duration) {
	if kind == core.KindNotFound {
		b.RecordSuccess(ctx)
		return
	}
	err := b.update(ctx, func(s Snapshot, now time.Time) (Snapshot, bool, error) {
		cooldown := b.policy.cooldownFor(kind, retryAfter)
		switch s.State {
		case StateOpen:
			return s, false, nil
		case StateHalfOpen:
			return b.open(s, now, cooldown, s.ConsecutiveFailures+1), true, nil
		}
		failures := s.ConsecutiveFailures + 1
		if b.policy.FailureWindow > 0 && !s.LastFailureAt.IsZero() && now.Sub(s.LastFailureAt) > b.policy.FailureWindow {
			failures = 1
		}
		if failures >= b.policy.FailureThreshold || kind == core.KindRateLimited || kind == core.KindAuthFailure {
			return b.open(s, now, cooldown, failures), true, nil
		}
		s.ConsecutiveFailures = failures
		s.LastFailureAt = now
		return s, true, nil
	})
	b.logStoreErr("record failure", err)
}

func (b *Breaker) open(s Snapshot, now time.Time, cooldown time.Duration, failures int) Snapshot {
	return Snapshot{
		State:               StateOpen,
		ConsecutiveFailures: failures,
		LastFailureAt:       now,
		OpenedAt:            now,
		Cooldown:            cooldown,
		Generation:          s.Generation,
	}
}

// Release gives up a half-open trial without judging the upstream, for calls
// abandoned by their caller.
func (b *Breaker) Release(ctx context.Context) {
	err := b.update(ctx, func(s Snapshot, now time.Time) (Snapshot, bool, error) {
		if s.State != StateHalfOpen || !s.TrialInFlight {
			return s, false, nil
		}
		s.TrialInFlight = false
		s.TrialStartedAt = time.Time{}
		return s, true, nil
	})
	b.logStoreErr("release trial", err)
}

// Reset forces the breaker closed.
func (b *Breaker) Reset(ctx context.Context) error {
	return b.update(ctx, func(s Snapshot, now time.Time) (Snapshot, bool, error) {
		if s.State == StateClosed && s.ConsecutiveFailures == 0 {
			return s, false, nil
		}
		return Snapshot{State: StateClosed}, true, nil
	})
}

// Snapshot returns the stored state.
func (b *Breaker) Snapshot(ctx context.Context) (Snapshot, error) {
	s, err := b.store.Load(ctx, b.name)
	if err != nil {
		return Snapshot{}, err
	}
	return normalize(s), nil
}

// State returns the effective state: an open breaker whose cooldown elapsed
// reports half-open even before the next call moves it there.
func (b *Breaker) State(ctx context.Context) (State, error) {
	s, err := b.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	if s.State == StateOpen && !b.now().Before(s.OpenedAt.Add(s.Cooldown)) {
		return StateHalfOpen, nil
	}
	return s.State, nil
}

// IsOpen reports whether a call would be short-circuited right now without
// claiming a trial.
func (b *Breaker) IsOpen(ctx context.Context) bool {
	s, err := b.Snapshot(ctx)
	if err != nil {
		return false
	}
	now := b.now()
	switch s.State {
	case StateOpen:
		return now.Before(s.OpenedAt.Add(s.Cooldown))
	case StateHalfOpen:
		return s.TrialInFlight && now.Before(s.TrialStartedAt.Add(s.Cooldown))
	}
	return false
}

func (b *Breaker) logStoreErr(op string, err error) {
	if err != nil {
		b.log.Warn("circuit breaker update failed", "source", b.name, "op", op, "error", err)
	}
}

// Execute runs op through the breaker. Classified failures are recorded by
// kind; cancellation by the caller releases a trial without penalty.
func Execute[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.Allow(ctx); err != nil {
		return zero, err
	}
	v, err := op(ctx)
	if err == nil {
		b.RecordSuccess(context.WithoutCancel(ctx))
		return v, nil
	}
	bg := context.WithoutCancel(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		b.Release(bg)
		return zero, err
	}
	var retryAfter time.Duration
	var se *core.SourceError
	if errors.As(err, &se) {
		retryAfter = se.RetryAfter
	}
	b.RecordFailure(bg, core.KindOf(err), retryAfter)
	return zero, err
}
