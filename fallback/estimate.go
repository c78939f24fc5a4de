package fallback

import (
	"fmt"
	"math"
	"strings"
	"time"

	"engagekit/core"
)

// Estimation bounds projected growth when no upstream answers. Growth
// approaches MaxGrowth asymptotically with time constant Tau and never adds
// more than MaxAbsoluteGrowth to any counter.
type Estimation struct {
	MaxGrowth         float64       `json:"max_growth" mapstructure:"max_growth"`
	Tau               time.Duration `json:"tau" mapstructure:"tau"`
	MaxAbsoluteGrowth int64         `json:"max_absolute_growth" mapstructure:"max_absolute_growth"`
}

func DefaultEstimation() Estimation {
	return Estimation{MaxGrowth: 0.2, Tau: 24 * time.Hour, MaxAbsoluteGrowth: 1000}
}

func (e Estimation) Validate() error {
	var errs []string
	if e.MaxGrowth < 0 || math.IsNaN(e.MaxGrowth) || math.IsInf(e.MaxGrowth, 0) {
		errs = append(errs, "max growth must be a non-negative number")
	}
	if e.Tau <= 0 {
		errs = append(errs, "tau must be positive")
	}
	if e.MaxAbsoluteGrowth < 0 {
		errs = append(errs, "max absolute growth cannot be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("estimation validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Project derives an estimated snapshot from anchor, never falling below last.
func (e Estimation) Project(anchor core.EngagementSnapshot, last *core.EngagementSnapshot, now time.Time) core.EngagementSnapshot {
	elapsed := now.Sub(anchor.CapturedAt)
	if elapsed < 0 || anchor.CapturedAt.IsZero() {
		elapsed = 0
	}
	g := 0.0
	if e.Tau > 0 {
		g = e.MaxGrowth * (1 - math.Exp(-float64(elapsed)/float64(e.Tau)))
	}
	out := core.EngagementSnapshot{
		SourceID:   anchor.SourceID,
		Likes:      e.grow(anchor.Likes, g),
		Reposts:    e.grow(anchor.Reposts, g),
		Replies:    e.grow(anchor.Replies, g),
		CapturedAt: now.UTC(),
		Source:     core.SourceEstimated,
	}
	if last != nil {
		out.Likes = max(out.Likes, last.Likes)
		out.Reposts = max(out.Reposts, last.Reposts)
		out.Replies = max(out.Replies, last.Replies)
	}
	return out
}

func (e Estimation) grow(base int64, g float64) int64 {
	if base <= 0 {
		return 0
	}
	b := float64(base)
	headroom := b * e.MaxGrowth
	if e.MaxAbsoluteGrowth > 0 {
		headroom = math.Min(headroom, float64(e.MaxAbsoluteGrowth))
	}
	v := math.Min(b*(1+g), b+headroom)
	return int64(math.Floor(v))
}
