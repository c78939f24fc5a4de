package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"engagekit/core"
	"engagekit/engine"
)

func seed(t *testing.T, s *Store, id core.PostID, ext string, created time.Time) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx engine.Tx) error {
		return tx.CreateTrackedPost(context.Background(), core.TrackedPost{
			ID: id, ExternalID: ext, OwnerUserID: "u", CreatedAt: created,
		})
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestTxCommitsAtomically(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s, "p1", "100", time.Now())

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx engine.Tx) error {
		if _, err := tx.IncrementUserTotal(ctx, "u", 5); err != nil {
			return err
		}
		if err := tx.AppendLedgerEntry(ctx, core.LedgerEntry{ID: "l1", UserID: "u", PointsDelta: 5}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	if total, _ := s.UserTotal(ctx, "u"); total != 0 {
		t.Fatalf("rolled back tx leaked total %d", total)
	}
	if entries, _ := s.ListLedger(ctx, "u", 0); len(entries) != 0 {
		t.Fatalf("rolled back tx leaked %d ledger entries", len(entries))
	}

	err = s.WithTx(ctx, func(tx engine.Tx) error {
		total, err := tx.IncrementUserTotal(ctx, "u", 5)
		if err != nil || total != 5 {
			t.Fatalf("got %v %v", total, err)
		}
		return tx.AppendLedgerEntry(ctx, core.LedgerEntry{ID: "l1", UserID: "u", PointsDelta: 5})
	})
	if err != nil {
		t.Fatal(err)
	}
	if total, _ := s.UserTotal(ctx, "u"); total != 5 {
		t.Fatalf("want 5 got %d", total)
	}
}

func TestVersionCheck(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s, "p1", "100", time.Now())

	err := s.WithTx(ctx, func(tx engine.Tx) error {
		return tx.TouchReconciled(ctx, "p1", 7, nil, time.Now())
	})
	if !errors.Is(err, core.ErrConcurrentUpdate) {
		t.Fatalf("want concurrent update, got %v", err)
	}
	err = s.WithTx(ctx, func(tx engine.Tx) error {
		return tx.UpdateEngagementAndPoints(ctx, engine.PostUpdate{ID: "p1", ExpectedVersion: 1, PointsDelta: 12, At: time.Now()})
	})
	if err != nil {
		t.Fatal(err)
	}
	p, _ := s.GetTrackedPost(ctx, "p1")
	if p.Version != 2 || p.TotalPointsAwarded != 12 || p.ReconciliationCount != 1 || p.LastReconciledAt == nil {
		t.Fatalf("unexpected post %+v", p)
	}
}

func TestDuplicateExternalID(t *testing.T) {
	s := New()
	seed(t, s, "p1", "100", time.Now())
	err := s.WithTx(context.Background(), func(tx engine.Tx) error {
		return tx.CreateTrackedPost(context.Background(), core.TrackedPost{ID: "p2", ExternalID: "100"})
	})
	if !errors.Is(err, core.ErrDuplicatePost) {
		t.Fatalf("want duplicate, got %v", err)
	}
}

func TestListStalePostsOrdering(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	seed(t, s, "old-reconciled", "1", now.Add(-72*time.Hour))
	seed(t, s, "fresh", "2", now.Add(-48*time.Hour))
	seed(t, s, "never-new", "3", now.Add(-1*time.Hour))
	seed(t, s, "never-old", "4", now.Add(-5*time.Hour))
	seed(t, s, "estimated", "5", now.Add(-96*time.Hour))

	touch := func(id core.PostID, at time.Time, snap core.EngagementSnapshot) {
		err := s.WithTx(ctx, func(tx engine.Tx) error {
			return tx.UpdateEngagementAndPoints(ctx, engine.PostUpdate{ID: id, ExpectedVersion: 1, Current: snap, At: at})
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	touch("old-reconciled", now.Add(-3*time.Hour), core.EngagementSnapshot{Source: core.SourcePrimaryAPI})
	touch("fresh", now.Add(-10*time.Minute), core.EngagementSnapshot{Source: core.SourcePrimaryAPI})
	touch("estimated", now.Add(-45*time.Minute), core.EngagementSnapshot{Source: core.SourceEstimated})

	got, err := s.ListStalePosts(ctx, engine.StaleQuery{
		StaleBefore:          now.Add(-2 * time.Hour),
		EstimatedStaleBefore: now.Add(-30 * time.Minute),
		Limit:                10,
	})
	if err != nil {
		t.Fatal(err)
	}
	var ids []core.PostID
	for _, p := range got {
		ids = append(ids, p.ID)
	}
	want := []core.PostID{"never-old", "never-new", "estimated", "old-reconciled"}
	if len(ids) != len(want) {
		t.Fatalf("want %v got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("want %v got %v", want, ids)
		}
	}

	got, _ = s.ListStalePosts(ctx, engine.StaleQuery{StaleBefore: now.Add(-2 * time.Hour), Limit: 1})
	if len(got) != 1 || got[0].ID != "never-old" {
		t.Fatalf("limit not applied: %+v", got)
	}
}

func TestListLedgerNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		delta := int64(i + 1)
		entryID := id
		_ = s.WithTx(ctx, func(tx engine.Tx) error {
			return tx.AppendLedgerEntry(ctx, core.LedgerEntry{ID: entryID, UserID: "u", PointsDelta: delta})
		})
	}
	got, _ := s.ListLedger(ctx, "u", 2)
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("unexpected ledger %+v", got)
	}
}

func TestTopUserTotals(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.WithTx(ctx, func(tx engine.Tx) error {
		for u, d := range map[core.UserID]int64{"a": 10, "b": 30, "c": 10} {
			if _, err := tx.IncrementUserTotal(ctx, u, d); err != nil {
				return err
			}
		}
		return nil
	})
	got, err := s.TopUserTotals(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].User != "b" || got[1].User != "a" || got[1].Score != 10 {
		t.Fatalf("unexpected totals %+v", got)
	}
}
