package core

import "math"

// Scorer maps an engagement snapshot to a points total.
type Scorer interface {
	Score(s EngagementSnapshot) int64
}

// ScoringWeights is the linear scoring rule applied to engagement counts.
// Each weighted term is capped independently; a cap <= 0 leaves that term uncapped.
type ScoringWeights struct {
	Base      float64 `json:"base" mapstructure:"base"`
	Like      float64 `json:"like" mapstructure:"like"`
	Repost    float64 `json:"repost" mapstructure:"repost"`
	Reply     float64 `json:"reply" mapstructure:"reply"`
	LikeCap   float64 `json:"like_cap" mapstructure:"like_cap"`
	RepostCap float64 `json:"repost_cap" mapstructure:"repost_cap"`
	ReplyCap  float64 `json:"reply_cap" mapstructure:"reply_cap"`
}

// DefaultScoringWeights returns the documented fallback weights.
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{
		Base:      10,
		Like:      1,
		Repost:    3,
		Reply:     2,
		LikeCap:   500,
		RepostCap: 300,
		ReplyCap:  200,
	}
}

// Score computes base + capped weighted terms, rounded to the nearest integer.
func (w ScoringWeights) Score(s EngagementSnapshot) int64 {
	total := w.Base +
		cappedTerm(s.Likes, w.Like, w.LikeCap) +
		cappedTerm(s.Reposts, w.Repost, w.RepostCap) +
		cappedTerm(s.Replies, w.Reply, w.ReplyCap)
	if total <= 0 {
		return 0
	}
	r := math.Round(total)
	if r >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(r)
}

func cappedTerm(count int64, weight, limit float64) float64 {
	if count <= 0 || weight <= 0 {
		return 0
	}
	v := float64(count) * weight
	if limit > 0 && v > limit {
		return limit
	}
	return v
}

// Validate rejects negative weights and caps.
func (w ScoringWeights) Validate() error {
	for _, v := range []float64{w.Base, w.Like, w.Repost, w.Reply, w.LikeCap, w.RepostCap, w.ReplyCap} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return errInvalidWeights
		}
	}
	return nil
}
