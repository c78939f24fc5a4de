package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"engagekit/core"
	"engagekit/engine"
	"engagekit/leaderboard"
)

// Store is an in-memory engine.Storage. Transactions are serialized and stage
// their writes until commit.
type Store struct {
	mu         sync.Mutex
	posts      map[core.PostID]core.TrackedPost
	byExternal map[string]core.PostID
	ledger     []core.LedgerEntry
	totals     map[core.UserID]int64
}

func New() *Store {
	return &Store{
		posts:      map[core.PostID]core.TrackedPost{},
		byExternal: map[string]core.PostID{},
		totals:     map[core.UserID]int64{},
	}
}

func clonePost(p core.TrackedPost) core.TrackedPost {
	if p.LastReconciledAt != nil {
		t := *p.LastReconciledAt
		p.LastReconciledAt = &t
	}
	return p
}

// WithTx runs fn with exclusive access. Staged writes are applied only when fn
// returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &tx{
		s:          s,
		posts:      map[core.PostID]core.TrackedPost{},
		byExternal: map[string]core.PostID{},
		totals:     map[core.UserID]int64{},
	}
	if err := fn(t); err != nil {
		return err
	}
	for id, p := range t.posts {
		s.posts[id] = p
	}
	for ext, id := range t.byExternal {
		s.byExternal[ext] = id
	}
	for u, v := range t.totals {
		s.totals[u] = v
	}
	s.ledger = append(s.ledger, t.ledger...)
	return nil
}

func (s *Store) GetTrackedPost(_ context.Context, id core.PostID) (core.TrackedPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return core.TrackedPost{}, core.ErrTrackedPostNotFound
	}
	return clonePost(p), nil
}

func (s *Store) FindPostByExternalID(_ context.Context, externalID string) (core.TrackedPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byExternal[externalID]
	if !ok {
		return core.TrackedPost{}, core.ErrTrackedPostNotFound
	}
	return clonePost(s.posts[id]), nil
}

func isStale(p core.TrackedPost, q engine.StaleQuery) bool {
	if p.LastReconciledAt == nil {
		return true
	}
	if p.LastReconciledAt.Before(q.StaleBefore) {
		return true
	}
	return p.CurrentEngagement.Estimated() && p.LastReconciledAt.Before(q.EstimatedStaleBefore)
}

func (s *Store) ListStalePosts(_ context.Context, q engine.StaleQuery) ([]core.TrackedPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.TrackedPost
	for _, p := range s.posts {
		if isStale(p, q) {
			out = append(out, clonePost(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.LastReconciledAt == nil) != (b.LastReconciledAt == nil) {
			return a.LastReconciledAt == nil
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) UserTotal(_ context.Context, user core.UserID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals[user], nil
}

// ListLedger returns the user's entries newest first. limit <= 0 returns all.
func (s *Store) ListLedger(_ context.Context, user core.UserID, limit int) ([]core.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if s.ledger[i].UserID != user {
			continue
		}
		out = append(out, s.ledger[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// TopUserTotals returns up to limit users by total, highest first.
func (s *Store) TopUserTotals(_ context.Context, limit int) ([]leaderboard.Entry, error) {
	s.mu.Lock()
	out := make([]leaderboard.Entry, 0, len(s.totals))
	for u, t := range s.totals {
		out = append(out, leaderboard.Entry{User: u, Score: t})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].User < out[j].User
		}
		return out[i].Score > out[j].Score
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

type tx struct {
	s          *Store
	posts      map[core.PostID]core.TrackedPost
	byExternal map[string]core.PostID
	ledger     []core.LedgerEntry
	totals     map[core.UserID]int64
}

func (t *tx) post(id core.PostID) (core.TrackedPost, bool) {
	if p, ok := t.posts[id]; ok {
		return p, true
	}
	p, ok := t.s.posts[id]
	return p, ok
}

func (t *tx) GetTrackedPost(_ context.Context, id core.PostID) (core.TrackedPost, error) {
	p, ok := t.post(id)
	if !ok {
		return core.TrackedPost{}, core.ErrTrackedPostNotFound
	}
	return clonePost(p), nil
}

func (t *tx) FindPostByExternalID(ctx context.Context, externalID string) (core.TrackedPost, error) {
	id, ok := t.byExternal[externalID]
	if !ok {
		id, ok = t.s.byExternal[externalID]
	}
	if !ok {
		return core.TrackedPost{}, core.ErrTrackedPostNotFound
	}
	return t.GetTrackedPost(ctx, id)
}

func (t *tx) CreateTrackedPost(_ context.Context, p core.TrackedPost) error {
	if _, ok := t.post(p.ID); ok {
		return core.ErrDuplicatePost
	}
	if _, ok := t.byExternal[p.ExternalID]; ok {
		return core.ErrDuplicatePost
	}
	if _, ok := t.s.byExternal[p.ExternalID]; ok {
		return core.ErrDuplicatePost
	}
	if p.Version == 0 {
		p.Version = 1
	}
	t.posts[p.ID] = clonePost(p)
	t.byExternal[p.ExternalID] = p.ID
	return nil
}

func (t *tx) versioned(id core.PostID, expected int64) (core.TrackedPost, error) {
	p, ok := t.post(id)
	if !ok {
		return core.TrackedPost{}, core.ErrTrackedPostNotFound
	}
	if p.Version != expected {
		return core.TrackedPost{}, core.ErrConcurrentUpdate
	}
	return p, nil
}

func (t *tx) UpdateEngagementAndPoints(_ context.Context, u engine.PostUpdate) error {
	p, err := t.versioned(u.ID, u.ExpectedVersion)
	if err != nil {
		return err
	}
	next, err := core.AddSafe(p.TotalPointsAwarded, u.PointsDelta)
	if err != nil {
		return err
	}
	at := u.At
	p.CurrentEngagement = u.Current
	if u.Verified != nil {
		p.VerifiedEngagement = *u.Verified
	}
	p.TotalPointsAwarded = next
	p.LastReconciledAt = &at
	p.ReconciliationCount++
	p.Version++
	t.posts[p.ID] = p
	return nil
}

func (t *tx) TouchReconciled(_ context.Context, id core.PostID, expectedVersion int64, verified *core.EngagementSnapshot, at time.Time) error {
	p, err := t.versioned(id, expectedVersion)
	if err != nil {
		return err
	}
	if verified != nil {
		p.VerifiedEngagement = *verified
	}
	p.LastReconciledAt = &at
	p.ReconciliationCount++
	p.Version++
	t.posts[p.ID] = p
	return nil
}

func (t *tx) AppendLedgerEntry(_ context.Context, e core.LedgerEntry) error {
	t.ledger = append(t.ledger, e)
	return nil
}

func (t *tx) IncrementUserTotal(_ context.Context, user core.UserID, delta int64) (int64, error) {
	cur, ok := t.totals[user]
	if !ok {
		cur = t.s.totals[user]
	}
	next, err := core.AddSafe(cur, delta)
	if err != nil {
		return 0, err
	}
	t.totals[user] = next
	return next, nil
}

var _ engine.Storage = (*Store)(nil)
