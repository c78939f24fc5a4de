package ratelimit

import (
	"context"
	"time"

	"engagekit/core"
)

// GateConfig bounds how often a single user may submit.
type GateConfig struct {
	Cooldown time.Duration `json:"cooldown" mapstructure:"cooldown"`
	Limit    int64         `json:"limit" mapstructure:"limit"`
	Window   time.Duration `json:"window" mapstructure:"window"`
}

// DefaultGateConfig returns one submission per minute and at most 10 per hour.
func DefaultGateConfig() GateConfig {
	return GateConfig{Cooldown: time.Minute, Limit: 10, Window: time.Hour}
}

// GateDecision is a Decision annotated with the rejecting rule.
type GateDecision struct {
	Decision
	Kind core.ErrorKind
}

// Gate enforces the per-user cooldown and submission quota. Both rules apply
// independently.
type Gate struct {
	lim *Limiter
	cfg GateConfig
}

func NewGate(lim *Limiter, cfg GateConfig) *Gate {
	return &Gate{lim: lim, cfg: cfg}
}

func cooldownKey(user core.UserID) string { return "cooldown:submit:" + string(user) }
func quotaKey(user core.UserID) string    { return "quota:submit:" + string(user) }

// Check admits or rejects a submission attempt by user. An admitted attempt
// holds the user's cooldown until it expires or Release is called.
func (g *Gate) Check(ctx context.Context, user core.UserID) GateDecision {
	if d := g.lim.Cooldown(ctx, cooldownKey(user)); !d.Allowed {
		return GateDecision{Decision: d, Kind: core.KindCooldown}
	}
	if d := g.lim.TryAcquire(ctx, quotaKey(user), g.cfg.Limit, g.cfg.Window); !d.Allowed {
		return GateDecision{Decision: d, Kind: core.KindRateLimited}
	}
	if d := g.lim.ClaimCooldown(ctx, cooldownKey(user), g.cfg.Cooldown); !d.Allowed {
		return GateDecision{Decision: d, Kind: core.KindCooldown}
	}
	return GateDecision{Decision: allow(0)}
}

// Release clears the user's cooldown after a submission that failed for
// reasons outside the user's control.
func (g *Gate) Release(ctx context.Context, user core.UserID) {
	g.lim.ReleaseCooldown(ctx, cooldownKey(user))
}
