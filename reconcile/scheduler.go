// Package reconcile periodically refreshes tracked posts against upstream
// engagement and applies point deltas.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"engagekit/core"
	"engagekit/engine"
	"engagekit/fallback"
)

// ErrRunInProgress is returned when a run is requested while one is active.
var ErrRunInProgress = errors.New("reconciliation run already in progress")

// Fetcher resolves a post's engagement.
type Fetcher interface {
	GetEngagement(ctx context.Context, req fallback.Request) (fallback.Result, error)
}

// Applier commits a snapshot to a tracked post.
type Applier interface {
	Apply(ctx context.Context, id core.PostID, snap core.EngagementSnapshot) (engine.Award, error)
}

type itemOutcome int

const (
	itemUpdated itemOutcome = iota
	itemUnchanged
	itemNotFound
)

// Scheduler runs reconciliation batches on an interval. At most one run is
// active at a time.
type Scheduler struct {
	storage engine.Storage
	points  Applier
	fetcher Fetcher
	cfg     Config
	now     func() time.Time
	log     *slog.Logger

	running atomic.Bool
	phase   atomic.Value

	mu      sync.Mutex
	history []RunSummary
}

func New(storage engine.Storage, points Applier, fetcher Fetcher, cfg Config, log *slog.Logger) *Scheduler {
	if storage == nil || points == nil || fetcher == nil {
		panic("reconcile.New requires storage, points and fetcher")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	s := &Scheduler{storage: storage, points: points, fetcher: fetcher, cfg: cfg, now: time.Now, log: log.With("component", "reconcile")}
	s.phase.Store(PhaseIdle)
	return s
}

// WithClock overrides the time source used for staleness and summaries.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) Phase() Phase { return s.phase.Load().(Phase) }

// Running reports whether a run is active.
func (s *Scheduler) Running() bool { return s.running.Load() }

// History returns recorded run summaries, oldest first.
func (s *Scheduler) History() []RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RunSummary(nil), s.history...)
}

// Run ticks until ctx is done. A tick that finds a run in progress is skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info("reconciliation disabled")
		<-ctx.Done()
		return nil
	}
	s.log.Info("reconciliation scheduler started", "interval", s.cfg.Interval, "batch_size", s.cfg.BatchSize)
	if s.cfg.RunOnStart {
		s.tick(ctx)
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("reconciliation scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.log.Warn("reconciliation tick skipped, previous run still active")
	case err != nil:
		s.log.Error("reconciliation run failed", "error", err)
	}
}

// RunOnce performs a single run synchronously.
func (s *Scheduler) RunOnce(ctx context.Context) (RunSummary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return RunSummary{}, ErrRunInProgress
	}
	return s.run(ctx)
}

// Trigger starts a run in the background and returns immediately.
func (s *Scheduler) Trigger(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	go func() {
		if _, err := s.run(ctx); err != nil {
			s.log.Error("triggered reconciliation run failed", "error", err)
		}
	}()
	return nil
}

func (s *Scheduler) run(ctx context.Context) (sum RunSummary, err error) {
	defer s.running.Store(false)
	defer s.phase.Store(PhaseIdle)
	sum.StartedAt = s.now().UTC()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconciliation run panicked: %v", r)
		}
		if err != nil {
			sum.Error = err.Error()
		}
		sum.FinishedAt = s.now().UTC()
		s.record(sum)
	}()

	s.phase.Store(PhaseSelecting)
	now := s.now()
	posts, err := s.storage.ListStalePosts(ctx, engine.StaleQuery{
		StaleBefore:          now.Add(-s.cfg.StaleAfter),
		EstimatedStaleBefore: now.Add(-s.cfg.EstimatedStaleAfter),
		Limit:                s.cfg.BatchSize,
	})
	if err != nil {
		return sum, fmt.Errorf("select stale posts: %w", err)
	}
	sum.Selected = len(posts)

	for i, post := range posts {
		if i > 0 && !s.pause(ctx) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		sum.Processed++
		outcome, award, estimated, err := s.reconcileItem(ctx, post)
		if err != nil {
			sum.Failed++
			s.log.Warn("reconcile item failed", "post_id", post.ID, "external_id", post.ExternalID, "kind", core.KindOf(err), "error", err)
			continue
		}
		if estimated {
			sum.Estimated++
		}
		switch outcome {
		case itemUpdated:
			sum.Updated++
			sum.PointsAwarded += award.Delta
		case itemUnchanged:
			sum.Unchanged++
		case itemNotFound:
			sum.NotFound++
		}
	}
	return sum, nil
}

func (s *Scheduler) pause(ctx context.Context) bool {
	if s.cfg.ItemDelay <= 0 {
		return true
	}
	t := time.NewTimer(s.cfg.ItemDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Scheduler) reconcileItem(parent context.Context, post core.TrackedPost) (outcome itemOutcome, award engine.Award, estimated bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic reconciling post %s: %v", post.ID, r)
		}
	}()
	ctx, cancel := context.WithTimeout(parent, s.cfg.ItemTimeout)
	defer cancel()

	s.phase.Store(PhaseFetching)
	req := fallback.Request{Ref: post.Ref()}
	if !post.CurrentEngagement.IsZero() {
		last := post.CurrentEngagement
		req.Last = &last
	}
	if !post.VerifiedEngagement.IsZero() {
		verified := post.VerifiedEngagement
		req.Verified = &verified
	}
	res, err := s.fetcher.GetEngagement(ctx, req)
	switch {
	case errors.Is(err, core.ErrPostNotFound):
		// move the timestamp so a deleted post does not hold the head of every batch
		s.phase.Store(PhaseCommitting)
		if post.CurrentEngagement.IsZero() {
			return itemNotFound, engine.Award{}, false, nil
		}
		if _, err := s.points.Apply(ctx, post.ID, post.CurrentEngagement); err != nil {
			return 0, engine.Award{}, false, err
		}
		return itemNotFound, engine.Award{}, false, nil
	case err != nil:
		return 0, engine.Award{}, false, err
	}

	s.phase.Store(PhaseScoring)
	estimated = res.Snapshot.Estimated()
	s.phase.Store(PhaseCommitting)
	award, err = s.points.Apply(ctx, post.ID, res.Snapshot)
	if err != nil {
		return 0, engine.Award{}, estimated, err
	}
	if award.Delta > 0 {
		s.log.Debug("post reconciled", "post_id", post.ID, "delta", award.Delta, "source", res.Snapshot.Source)
		return itemUpdated, award, estimated, nil
	}
	return itemUnchanged, award, estimated, nil
}

func (s *Scheduler) record(sum RunSummary) {
	s.mu.Lock()
	s.history = append(s.history, sum)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append([]RunSummary(nil), s.history[over:]...)
	}
	s.mu.Unlock()
	s.log.Info("reconciliation run finished",
		"selected", sum.Selected,
		"processed", sum.Processed,
		"updated", sum.Updated,
		"unchanged", sum.Unchanged,
		"estimated", sum.Estimated,
		"not_found", sum.NotFound,
		"failed", sum.Failed,
		"points_awarded", sum.PointsAwarded,
		"duration", sum.Duration(),
	)
}
