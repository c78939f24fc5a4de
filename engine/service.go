package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"engagekit/core"
)

// NewPost describes a post being registered for the first time.
type NewPost struct {
	ExternalID string
	URL        string
	Author     string
	Owner      core.UserID
	Content    string
}

// Award is the committed result of registering or reconciling a post.
type Award struct {
	Post      core.TrackedPost
	Delta     int64
	UserTotal int64
}

// PointsService applies engagement snapshots to posts, the ledger and user
// totals in single transactions.
type PointsService struct {
	storage Storage
	scorer  core.Scorer
	bus     *EventBus
	ids     IDGenerator
	now     func() time.Time
	log     *slog.Logger
}

const maxTxAttempts = 3

func NewPointsService(storage Storage, scorer core.Scorer, bus *EventBus, ids IDGenerator, log *slog.Logger) *PointsService {
	if storage == nil || scorer == nil || bus == nil {
		panic("NewPointsService requires non-nil storage, scorer, and bus")
	}
	if ids == nil {
		ids = UUIDGenerator{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &PointsService{storage: storage, scorer: scorer, bus: bus, ids: ids, now: time.Now, log: log}
}

// WithClock overrides the time source.
func (s *PointsService) WithClock(now func() time.Time) *PointsService {
	s.now = now
	return s
}

func (s *PointsService) Storage() Storage { return s.storage }

func (s *PointsService) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	return s.bus.Subscribe(typ, handler)
}

// Register creates a tracked post and awards its initial score.
func (s *PointsService) Register(ctx context.Context, p NewPost, snap core.EngagementSnapshot) (Award, error) {
	owner, err := core.NormalizeUserID(p.Owner)
	if err != nil {
		return Award{}, err
	}
	now := s.now().UTC()
	post := core.TrackedPost{
		ID:                 core.PostID(s.ids.NewID()),
		ExternalID:         p.ExternalID,
		URL:                p.URL,
		Author:             p.Author,
		OwnerUserID:        owner,
		Content:            p.Content,
		CurrentEngagement:  snap,
		TotalPointsAwarded: s.scorer.Score(snap),
		CreatedAt:          now,
		Version:            1,
	}
	if !snap.Estimated() {
		post.VerifiedEngagement = snap
	}
	var total int64
	register := func(tx Tx) error {
		if _, err := tx.FindPostByExternalID(ctx, p.ExternalID); err == nil {
			return core.ErrDuplicatePost
		} else if !errors.Is(err, core.ErrTrackedPostNotFound) {
			return err
		}
		if err := tx.CreateTrackedPost(ctx, post); err != nil {
			return err
		}
		if post.TotalPointsAwarded <= 0 {
			return nil
		}
		if err := tx.AppendLedgerEntry(ctx, s.entry(owner, post.ID, post.TotalPointsAwarded, core.ReasonSubmission, snap.Source, now)); err != nil {
			return err
		}
		total, err = tx.IncrementUserTotal(ctx, owner, post.TotalPointsAwarded)
		return err
	}
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.storage.WithTx(ctx, register)
		if !errors.Is(err, core.ErrConcurrentUpdate) {
			break
		}
		s.log.Debug("concurrent user total update, retrying", "external_id", p.ExternalID, "attempt", attempt)
	}
	if err != nil {
		return Award{}, fmt.Errorf("register post %s: %w", p.ExternalID, err)
	}
	s.bus.Publish(ctx, core.NewPostSubmitted(owner, post.ID, snap.Source))
	if post.TotalPointsAwarded > 0 {
		s.bus.Publish(ctx, core.NewPointsAwarded(owner, post.ID, post.TotalPointsAwarded, post.TotalPointsAwarded, total, snap.Source))
	}
	return Award{Post: post, Delta: post.TotalPointsAwarded, UserTotal: total}, nil
}

// Apply reconciles a stored post against snap. A positive score delta updates
// the post, appends a ledger entry and raises the owner's total; otherwise only
// the reconciliation timestamp moves. Lost races are retried.
func (s *PointsService) Apply(ctx context.Context, id core.PostID, snap core.EngagementSnapshot) (Award, error) {
	var award Award
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		award, err = s.applyOnce(ctx, id, snap)
		if !errors.Is(err, core.ErrConcurrentUpdate) {
			break
		}
		s.log.Debug("concurrent post update, retrying", "post_id", id, "attempt", attempt)
	}
	if err != nil {
		return Award{}, fmt.Errorf("apply engagement to %s: %w", id, err)
	}
	p := award.Post
	if award.Delta > 0 {
		s.bus.Publish(ctx, core.NewPointsAwarded(p.OwnerUserID, p.ID, award.Delta, p.TotalPointsAwarded, award.UserTotal, snap.Source))
	}
	s.bus.Publish(ctx, core.NewPostReconciled(p.OwnerUserID, p.ID, p.TotalPointsAwarded, snap.Source))
	return award, nil
}

func (s *PointsService) applyOnce(ctx context.Context, id core.PostID, snap core.EngagementSnapshot) (Award, error) {
	var award Award
	err := s.storage.WithTx(ctx, func(tx Tx) error {
		post, err := tx.GetTrackedPost(ctx, id)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		var verified *core.EngagementSnapshot
		if !snap.Estimated() {
			v := snap
			verified = &v
			post.VerifiedEngagement = snap
		}
		delta := s.scorer.Score(snap) - post.TotalPointsAwarded
		if delta <= 0 {
			if err := tx.TouchReconciled(ctx, post.ID, post.Version, verified, now); err != nil {
				return err
			}
			post.LastReconciledAt = &now
			post.ReconciliationCount++
			post.Version++
			award = Award{Post: post}
			return nil
		}
		if err := tx.UpdateEngagementAndPoints(ctx, PostUpdate{
			ID:              post.ID,
			ExpectedVersion: post.Version,
			Current:         snap,
			Verified:        verified,
			PointsDelta:     delta,
			At:              now,
		}); err != nil {
			return err
		}
		if err := tx.AppendLedgerEntry(ctx, s.entry(post.OwnerUserID, post.ID, delta, core.ReasonReconciliation, snap.Source, now)); err != nil {
			return err
		}
		total, err := tx.IncrementUserTotal(ctx, post.OwnerUserID, delta)
		if err != nil {
			return err
		}
		post.CurrentEngagement = snap
		post.TotalPointsAwarded += delta
		post.LastReconciledAt = &now
		post.ReconciliationCount++
		post.Version++
		award = Award{Post: post, Delta: delta, UserTotal: total}
		return nil
	})
	return award, err
}

func (s *PointsService) entry(user core.UserID, post core.PostID, delta int64, reason core.LedgerReason, src core.Source, at time.Time) core.LedgerEntry {
	pid := post
	return core.LedgerEntry{
		ID:          s.ids.NewID(),
		UserID:      user,
		PostID:      &pid,
		PointsDelta: delta,
		Reason:      reason,
		Source:      src,
		CreatedAt:   at,
	}
}

func (s *PointsService) Close() { s.bus.Close() }
