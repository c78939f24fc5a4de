package engine

import (
	"context"
	"time"

	"engagekit/core"
)

// StaleQuery selects posts due for reconciliation. Posts never reconciled come
// first, then oldest submissions first. Posts whose current snapshot is an
// estimate are due once EstimatedStaleBefore has passed.
type StaleQuery struct {
	StaleBefore          time.Time
	EstimatedStaleBefore time.Time
	Limit                int
}

// PostUpdate is a version-checked write of new engagement and awarded points.
// Verified is set only when Current came from a real upstream.
type PostUpdate struct {
	ID              core.PostID
	ExpectedVersion int64
	Current         core.EngagementSnapshot
	Verified        *core.EngagementSnapshot
	PointsDelta     int64
	At              time.Time
}

// Storage is the persistent store for tracked posts, the points ledger and
// user totals. Reads outside WithTx see committed state only.
type Storage interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	GetTrackedPost(ctx context.Context, id core.PostID) (core.TrackedPost, error)
	FindPostByExternalID(ctx context.Context, externalID string) (core.TrackedPost, error)
	ListStalePosts(ctx context.Context, q StaleQuery) ([]core.TrackedPost, error)
	UserTotal(ctx context.Context, user core.UserID) (int64, error)
	ListLedger(ctx context.Context, user core.UserID, limit int) ([]core.LedgerEntry, error)
	Ping(ctx context.Context) error
}

// Tx groups store mutations that commit or roll back together. Post writes
// fail with core.ErrConcurrentUpdate when ExpectedVersion is stale.
type Tx interface {
	GetTrackedPost(ctx context.Context, id core.PostID) (core.TrackedPost, error)
	FindPostByExternalID(ctx context.Context, externalID string) (core.TrackedPost, error)
	CreateTrackedPost(ctx context.Context, p core.TrackedPost) error
	UpdateEngagementAndPoints(ctx context.Context, u PostUpdate) error
	TouchReconciled(ctx context.Context, id core.PostID, expectedVersion int64, verified *core.EngagementSnapshot, at time.Time) error
	AppendLedgerEntry(ctx context.Context, e core.LedgerEntry) error
	IncrementUserTotal(ctx context.Context, user core.UserID, delta int64) (int64, error)
}

// IDGenerator produces identifiers for posts and ledger entries.
type IDGenerator interface {
	NewID() string
}
