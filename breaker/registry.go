package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"engagekit/core"
)

// Status is a read-only view of one breaker for operators.
type Status struct {
	Source              string        `json:"source"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty"`
	RetryAfter          time.Duration `json:"retry_after"`
}

// Registry owns one independent breaker per source.
type Registry struct {
	mu       sync.Mutex
	store    Store
	policy   Policy
	now      func() time.Time
	log      *slog.Logger
	breakers map[string]*Breaker
}

func NewRegistry(store Store, policy Policy, log *slog.Logger) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{store: store, policy: policy, now: time.Now, log: log, breakers: map[string]*Breaker{}}
}

// WithClock overrides the time source of every breaker created afterwards.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// For returns the breaker guarding source, creating it on first use.
func (r *Registry) For(source core.Source) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := string(source)
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.policy, r.store, r.log).WithClock(r.now)
		r.breakers[name] = b
	}
	return b
}

func (r *Registry) all() []*Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Statuses reports every known breaker sorted by source.
func (r *Registry) Statuses(ctx context.Context) ([]Status, error) {
	var out []Status
	for _, b := range r.all() {
		s, err := b.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		st := Status{Source: b.name, State: s.State, ConsecutiveFailures: s.ConsecutiveFailures}
		if s.State != StateClosed {
			opened := s.OpenedAt
			st.OpenedAt = &opened
			if until := s.OpenedAt.Add(s.Cooldown); r.now().Before(until) && s.State == StateOpen {
				st.RetryAfter = until.Sub(r.now())
			}
		}
		if eff, err := b.State(ctx); err == nil {
			st.State = eff
		}
		out = append(out, st)
	}
	return out, nil
}

// ResetAll forces every breaker closed.
func (r *Registry) ResetAll(ctx context.Context) error {
	var errs []error
	for _, b := range r.all() {
		if err := b.Reset(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		r.log.Info("circuit breakers reset")
	}
	return errors.Join(errs...)
}
