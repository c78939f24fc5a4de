package core

import (
	"errors"
	"math"
	"strings"
	"time"
)

// UserID uniquely identifies a user who submits posts and earns points.
type UserID string

// PostID identifies a tracked post inside the store.
type PostID string

// Source tags where an engagement snapshot came from.
type Source string

const (
	SourcePrimaryAPI  Source = "primary_api"
	SourcePublicEmbed Source = "public_embed"
	SourceEstimated   Source = "estimated"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourcePrimaryAPI, SourcePublicEmbed, SourceEstimated:
		return true
	}
	return false
}

// ParseSource converts a configuration string into a Source.
func ParseSource(raw string) (Source, error) {
	s := Source(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", errors.New("unknown source: " + raw)
	}
	return s, nil
}

// EngagementSnapshot is an immutable reading of a post's engagement counters.
type EngagementSnapshot struct {
	SourceID   string    `json:"source_id"`
	Likes      int64     `json:"likes"`
	Reposts    int64     `json:"reposts"`
	Replies    int64     `json:"replies"`
	CapturedAt time.Time `json:"captured_at"`
	Source     Source    `json:"source"`
	// Text is the post body when the upstream returns it.
	Text string `json:"text,omitempty"`
}

// IsZero reports whether the snapshot was never captured.
func (s EngagementSnapshot) IsZero() bool {
	return s.CapturedAt.IsZero()
}

// Estimated reports whether the counters are a projection rather than an upstream reading.
func (s EngagementSnapshot) Estimated() bool {
	return s.Source == SourceEstimated
}

// SameCounts compares only the engagement counters.
func (s EngagementSnapshot) SameCounts(o EngagementSnapshot) bool {
	return s.Likes == o.Likes && s.Reposts == o.Reposts && s.Replies == o.Replies
}

// PostRef addresses a post on the upstream platform.
type PostRef struct {
	ExternalID string `json:"external_id"`
	Author     string `json:"author,omitempty"`
	URL        string `json:"url"`
}

// TrackedPost is a submitted post whose engagement is periodically reconciled.
// VerifiedEngagement keeps the last snapshot that came from a real upstream and
// anchors estimation; Version guards read-modify-write cycles.
type TrackedPost struct {
	ID                  PostID             `json:"id"`
	ExternalID          string             `json:"external_id"`
	URL                 string             `json:"url"`
	Author              string             `json:"author,omitempty"`
	OwnerUserID         UserID             `json:"owner_user_id"`
	Content             string             `json:"content,omitempty"`
	CurrentEngagement   EngagementSnapshot `json:"current_engagement"`
	VerifiedEngagement  EngagementSnapshot `json:"verified_engagement"`
	TotalPointsAwarded  int64              `json:"total_points_awarded"`
	LastReconciledAt    *time.Time         `json:"last_reconciled_at,omitempty"`
	ReconciliationCount int64              `json:"reconciliation_count"`
	Version             int64              `json:"version"`
	CreatedAt           time.Time          `json:"created_at"`
}

// Ref returns the upstream reference of the post.
func (p TrackedPost) Ref() PostRef {
	return PostRef{ExternalID: p.ExternalID, Author: p.Author, URL: p.URL}
}

// LedgerReason is the closed set of reasons a points change may carry.
type LedgerReason string

const (
	ReasonSubmission     LedgerReason = "submission"
	ReasonReconciliation LedgerReason = "reconciliation"
)

// LedgerEntry is an append-only audit record of a points change.
type LedgerEntry struct {
	ID          string       `json:"id"`
	UserID      UserID       `json:"user_id"`
	PostID      *PostID      `json:"post_id,omitempty"`
	PointsDelta int64        `json:"points_delta"`
	Reason      LedgerReason `json:"reason"`
	Source      Source       `json:"source,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// AddSafe adds delta to base ensuring no signed overflow occurs.
func AddSafe(base int64, delta int64) (int64, error) {
	if (delta > 0 && base > math.MaxInt64-delta) || (delta < 0 && base < math.MinInt64-delta) {
		return 0, errors.New("integer overflow in AddSafe")
	}
	return base + delta, nil
}

// NormalizeUserID trims and lowercases user identifiers.
func NormalizeUserID(id UserID) (UserID, error) {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return "", errors.New("empty user id")
	}
	return UserID(strings.ToLower(s)), nil
}
