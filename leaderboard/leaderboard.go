package leaderboard

import (
	"context"
	"fmt"

	"engagekit/core"
)

// Entry is a user's position by total points.
type Entry struct {
	User  core.UserID `json:"user_id"`
	Score int64       `json:"total"`
}

// Board abstracts leaderboard operations.
type Board interface {
	Update(user core.UserID, score int64)
	Raise(user core.UserID, score int64)
	Remove(user core.UserID)
	TopN(n int) []Entry
	Get(user core.UserID) (Entry, bool)
	Rank(user core.UserID) (int, bool)
}

// Attach keeps board in sync with points awarded on bus and returns the
// unsubscribe func. User totals only grow, so a stale event delivered late by
// an async bus never lowers an entry.
func Attach(board Board, bus interface {
	Subscribe(core.EventType, func(context.Context, core.Event)) func()
}) func() {
	return bus.Subscribe(core.EventPointsAwarded, func(_ context.Context, e core.Event) {
		board.Raise(e.UserID, e.UserTotal)
	})
}

// TotalsSource lists persisted user totals.
type TotalsSource interface {
	TopUserTotals(ctx context.Context, limit int) ([]Entry, error)
}

// Seed loads up to limit persisted totals into board.
func Seed(ctx context.Context, board Board, src TotalsSource, limit int) (int, error) {
	entries, err := src.TopUserTotals(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("load user totals: %w", err)
	}
	for _, e := range entries {
		board.Update(e.User, e.Score)
	}
	return len(entries), nil
}
