// Package submission accepts user post submissions and awards their initial
// points.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"engagekit/core"
	"engagekit/engine"
	"engagekit/fallback"
	"engagekit/ratelimit"
)

// Config controls request-time behavior.
type Config struct {
	Timeout         time.Duration `json:"timeout" mapstructure:"timeout"`
	RequireMention  bool          `json:"require_mention" mapstructure:"require_mention"`
	MentionKeywords []string      `json:"mention_keywords" mapstructure:"mention_keywords"`
}

func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second}
}

// Request is one submission attempt.
type Request struct {
	UserID  core.UserID `json:"user_id"`
	URL     string      `json:"url"`
	Content string      `json:"content,omitempty"`
}

// Response is the structured outcome returned to the caller. Rejections carry
// the guidance registered for Reason.
type Response struct {
	Accepted      bool           `json:"accepted"`
	Reason        core.ErrorKind `json:"reason,omitempty"`
	Message       string         `json:"message,omitempty"`
	Retryable     bool           `json:"retryable,omitempty"`
	Suggestions   []string       `json:"suggestions,omitempty"`
	RetryAfterMs  int64          `json:"retry_after_ms,omitempty"`
	PointsAwarded int64          `json:"points_awarded,omitempty"`
	UserTotal     int64          `json:"user_total,omitempty"`
	PostID        core.PostID    `json:"post_id,omitempty"`
	Source        core.Source    `json:"source,omitempty"`
}

// Fetcher resolves a post's engagement.
type Fetcher interface {
	GetEngagement(ctx context.Context, req fallback.Request) (fallback.Result, error)
}

// Registrar creates tracked posts.
type Registrar interface {
	Register(ctx context.Context, p engine.NewPost, snap core.EngagementSnapshot) (engine.Award, error)
}

// PostFinder looks up already tracked posts.
type PostFinder interface {
	FindPostByExternalID(ctx context.Context, externalID string) (core.TrackedPost, error)
}

type Service struct {
	posts   PostFinder
	points  Registrar
	gate    *ratelimit.Gate
	fetcher Fetcher
	cfg     Config
	log     *slog.Logger
}

func New(posts PostFinder, points Registrar, gate *ratelimit.Gate, fetcher Fetcher, cfg Config, log *slog.Logger) *Service {
	if posts == nil || points == nil || gate == nil || fetcher == nil {
		panic("submission.New requires posts, points, gate and fetcher")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{posts: posts, points: points, gate: gate, fetcher: fetcher, cfg: cfg, log: log.With("component", "submission")}
}

func reject(kind core.ErrorKind, retryAfterMs int64) Response {
	g := core.GuidanceFor(kind)
	return Response{
		Reason:       kind,
		Message:      g.UserMessage,
		Retryable:    g.Retryable,
		Suggestions:  g.Suggestions,
		RetryAfterMs: retryAfterMs,
	}
}

// Submit validates, gates, fetches and registers a post. Expected rejections
// are returned as a Response; the error is reserved for store failures.
func (s *Service) Submit(ctx context.Context, req Request) (Response, error) {
	user, err := core.NormalizeUserID(req.UserID)
	if err != nil {
		return reject(core.KindInvalidUser, 0), nil
	}
	ref, err := core.ParsePostURL(req.URL)
	if err != nil {
		return reject(core.KindInvalidURL, 0), nil
	}
	if s.cfg.RequireMention && req.Content != "" && !core.MentionsBrand(req.Content, s.cfg.MentionKeywords) {
		return reject(core.KindMissingMention, 0), nil
	}
	switch _, err := s.posts.FindPostByExternalID(ctx, ref.ExternalID); {
	case err == nil:
		return reject(core.KindDuplicate, 0), nil
	case !errors.Is(err, core.ErrTrackedPostNotFound):
		return Response{}, fmt.Errorf("check duplicate %s: %w", ref.ExternalID, err)
	}

	if d := s.gate.Check(ctx, user); !d.Allowed {
		s.log.Debug("submission gated", "user_id", user, "kind", d.Kind, "retry_after", d.RetryAfter)
		return reject(d.Kind, d.RetryAfterMs()), nil
	}

	res, err := s.fetcher.GetEngagement(ctx, fallback.Request{Ref: ref, Timeout: s.cfg.Timeout})
	switch {
	case errors.Is(err, core.ErrPostNotFound):
		return reject(core.KindNotFound, 0), nil
	case errors.Is(err, core.ErrAcquisitionFailed):
		s.gate.Release(ctx, user)
		s.log.Warn("engagement unavailable for new post", "user_id", user, "external_id", ref.ExternalID, "attempts", res.Attempts)
		return reject(core.KindAcquisitionFailed, 0), nil
	case err != nil:
		s.gate.Release(ctx, user)
		return Response{}, fmt.Errorf("fetch engagement %s: %w", ref.ExternalID, err)
	}

	content := res.Snapshot.Text
	if content == "" {
		content = req.Content
	}
	if s.cfg.RequireMention && !core.MentionsBrand(content, s.cfg.MentionKeywords) {
		s.log.Debug("post lacks brand mention", "user_id", user, "external_id", ref.ExternalID, "source", res.Snapshot.Source)
		return reject(core.KindMissingMention, 0), nil
	}

	award, err := s.points.Register(ctx, engine.NewPost{
		ExternalID: ref.ExternalID,
		URL:        ref.URL,
		Author:     ref.Author,
		Owner:      user,
		Content:    content,
	}, res.Snapshot)
	switch {
	case errors.Is(err, core.ErrDuplicatePost):
		return reject(core.KindDuplicate, 0), nil
	case err != nil:
		s.gate.Release(ctx, user)
		return Response{}, err
	}

	s.log.Info("submission accepted",
		"user_id", user,
		"post_id", award.Post.ID,
		"external_id", ref.ExternalID,
		"points", award.Delta,
		"source", res.Snapshot.Source,
	)
	return Response{
		Accepted:      true,
		PointsAwarded: award.Delta,
		UserTotal:     award.UserTotal,
		PostID:        award.Post.ID,
		Source:        res.Snapshot.Source,
	}, nil
}
