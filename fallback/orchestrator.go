// Package fallback obtains engagement for a post by trying upstream sources
// in priority order and estimating when none of them answers.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"engagekit/breaker"
	"engagekit/core"
	"engagekit/ratelimit"
	"engagekit/sources"
)

// Outcome describes what happened to one source during a lookup.
type Outcome string

const (
	OutcomeOK              Outcome = "ok"
	OutcomeNotFound        Outcome = "not_found"
	OutcomeFailed          Outcome = "failed"
	OutcomeSkippedOpen     Outcome = "skipped_open"
	OutcomeSkippedQuota    Outcome = "skipped_quota"
	OutcomeSkippedDisabled Outcome = "skipped_disabled"
	OutcomeSkippedDeadline Outcome = "skipped_deadline"
)

// Attempt records one source's outcome.
type Attempt struct {
	Source  core.Source    `json:"source"`
	Outcome Outcome        `json:"outcome"`
	Kind    core.ErrorKind `json:"kind,omitempty"`
}

// Quota caps outbound calls to one source.
type Quota struct {
	Limit  int64         `json:"limit" mapstructure:"limit"`
	Window time.Duration `json:"window" mapstructure:"window"`
}

// Config controls source order, enablement and estimation.
type Config struct {
	Order         []core.Source
	Disabled      map[core.Source]bool
	Quotas        map[core.Source]Quota
	SourceTimeout time.Duration
	Estimation    Estimation
}

func DefaultConfig() Config {
	return Config{
		Order:         []core.Source{core.SourcePrimaryAPI, core.SourcePublicEmbed},
		SourceTimeout: 8 * time.Second,
		Quotas: map[core.Source]Quota{
			core.SourcePrimaryAPI: {Limit: 300, Window: 15 * time.Minute},
		},
		Estimation: DefaultEstimation(),
	}
}

// Request is one engagement lookup. Last is the post's current snapshot and
// Verified its most recent real reading; either may be nil for new posts.
// Timeout bounds the whole lookup, Order overrides the configured order.
type Request struct {
	Ref      core.PostRef
	Last     *core.EngagementSnapshot
	Verified *core.EngagementSnapshot
	Timeout  time.Duration
	Order    []core.Source
}

// Result carries the chosen snapshot and the per-source trail.
type Result struct {
	Snapshot core.EngagementSnapshot
	Attempts []Attempt
}

// Orchestrator implements ordered fallback over source clients.
type Orchestrator struct {
	clients  map[core.Source]sources.Client
	breakers *breaker.Registry
	limiter  *ratelimit.Limiter
	cfg      Config
	now      func() time.Time
	log      *slog.Logger
}

// New builds an orchestrator. limiter may be nil to disable outbound quotas.
func New(clients []sources.Client, breakers *breaker.Registry, limiter *ratelimit.Limiter, cfg Config, log *slog.Logger) *Orchestrator {
	if breakers == nil {
		panic("fallback.New requires a breaker registry")
	}
	if log == nil {
		log = slog.Default()
	}
	m := make(map[core.Source]sources.Client, len(clients))
	for _, c := range clients {
		m[c.Name()] = c
	}
	if len(cfg.Order) == 0 {
		cfg.Order = DefaultConfig().Order
	}
	return &Orchestrator{clients: m, breakers: breakers, limiter: limiter, cfg: cfg, now: time.Now, log: log}
}

// WithClock overrides the time source used for estimation.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// GetEngagement returns the first real snapshot in priority order, an
// estimate when no source answers, core.ErrPostNotFound when every source
// that answered reported the post missing, or core.ErrAcquisitionFailed when
// nothing can be estimated.
func (o *Orchestrator) GetEngagement(ctx context.Context, req Request) (Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	order := req.Order
	if len(order) == 0 {
		order = o.cfg.Order
	}
	var res Result
	var answered, notFound int
	for _, src := range order {
		outcome, kind, snap := o.try(ctx, src, req.Ref)
		res.Attempts = append(res.Attempts, Attempt{Source: src, Outcome: outcome, Kind: kind})
		switch outcome {
		case OutcomeOK:
			res.Snapshot = *snap
			return res, nil
		case OutcomeNotFound:
			answered++
			notFound++
		case OutcomeFailed:
			answered++
		}
	}
	if answered > 0 && notFound == answered {
		return res, fmt.Errorf("post %s: %w", req.Ref.ExternalID, core.ErrPostNotFound)
	}

	anchor := req.Verified
	if anchor == nil || anchor.IsZero() {
		anchor = req.Last
	}
	if anchor == nil || anchor.IsZero() {
		return res, fmt.Errorf("post %s: %w", req.Ref.ExternalID, core.ErrAcquisitionFailed)
	}
	base := *anchor
	if base.SourceID == "" {
		base.SourceID = req.Ref.ExternalID
	}
	res.Snapshot = o.cfg.Estimation.Project(base, req.Last, o.now())
	o.log.Info("engagement estimated", "post_id", req.Ref.ExternalID, "attempts", len(res.Attempts))
	return res, nil
}

func (o *Orchestrator) try(ctx context.Context, src core.Source, ref core.PostRef) (Outcome, core.ErrorKind, *core.EngagementSnapshot) {
	if ctx.Err() != nil {
		return OutcomeSkippedDeadline, "", nil
	}
	client, ok := o.clients[src]
	if !ok || o.cfg.Disabled[src] {
		return OutcomeSkippedDisabled, "", nil
	}
	b := o.breakers.For(src)
	if b.IsOpen(ctx) {
		return OutcomeSkippedOpen, "", nil
	}
	if q, ok := o.cfg.Quotas[src]; ok && o.limiter != nil {
		if d := o.limiter.TryAcquire(ctx, "source:"+string(src), q.Limit, q.Window); !d.Allowed {
			o.log.Debug("source quota exhausted", "source", src, "retry_after", d.RetryAfter)
			return OutcomeSkippedQuota, "", nil
		}
	}

	callCtx := ctx
	if o.cfg.SourceTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.cfg.SourceTimeout)
		defer cancel()
	}
	snap, err := breaker.Execute(callCtx, b, func(c context.Context) (*core.EngagementSnapshot, error) {
		return client.FetchEngagement(c, ref)
	})
	switch {
	case breaker.IsOpen(err):
		return OutcomeSkippedOpen, "", nil
	case err != nil:
		kind := core.KindOf(err)
		if kind == core.KindNotFound {
			return OutcomeNotFound, kind, nil
		}
		if errors.Is(err, context.Canceled) {
			return OutcomeSkippedDeadline, "", nil
		}
		o.log.Warn("engagement source failed", "source", src, "post_id", ref.ExternalID, "kind", kind, "error", err)
		return OutcomeFailed, kind, nil
	case snap == nil:
		return OutcomeNotFound, core.KindNotFound, nil
	}
	return OutcomeOK, "", snap
}
