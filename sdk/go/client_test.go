package sdk

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "engagekit/adapters/memory"
	"engagekit/api/httpapi"
	"engagekit/breaker"
	"engagekit/core"
	"engagekit/engine"
	"engagekit/fallback"
	"engagekit/leaderboard"
	"engagekit/ratelimit"
	"engagekit/realtime"
	"engagekit/reconcile"
	"engagekit/submission"
)

type fetchFunc func(ctx context.Context, req fallback.Request) (fallback.Result, error)

func (f fetchFunc) GetEngagement(ctx context.Context, req fallback.Request) (fallback.Result, error) {
	return f(ctx, req)
}

type testServer struct {
	*httptest.Server
	hub      *realtime.Hub
	breakers *breaker.Registry
}

func newTestServer(t *testing.T, opts httpapi.Options) *testServer {
	t.Helper()
	store := mem.New()
	fetcher := fetchFunc(func(_ context.Context, req fallback.Request) (fallback.Result, error) {
		if req.Ref.ExternalID == "404" {
			return fallback.Result{}, core.ErrPostNotFound
		}
		return fallback.Result{Snapshot: core.EngagementSnapshot{
			SourceID: req.Ref.ExternalID, Likes: 10, Reposts: 2, Replies: 1,
			CapturedAt: time.Now().UTC(), Source: core.SourcePrimaryAPI,
		}}, nil
	})
	bus := engine.NewEventBus(engine.DispatchSync)
	t.Cleanup(bus.Close)
	hub := realtime.NewHub()
	hub.Attach(bus)
	board := leaderboard.NewSkipList()
	leaderboard.Attach(board, bus)

	lim := ratelimit.New(ratelimit.NewMemoryStore(), nil)
	breakers := breaker.NewRegistry(breaker.NewMemoryStore(), breaker.DefaultPolicy(), nil)
	breakers.For(core.SourcePrimaryAPI)
	points := engine.NewPointsService(store, core.DefaultScoringWeights(), bus, nil, nil)
	cfg := reconcile.DefaultConfig()
	cfg.ItemDelay = 0

	e := httpapi.New(httpapi.Deps{
		Submissions: submission.New(store, points, ratelimit.NewGate(lim, ratelimit.DefaultGateConfig()), fetcher, submission.DefaultConfig(), nil),
		Storage:     store,
		Breakers:    breakers,
		Limiter:     lim,
		Scheduler:   reconcile.New(store, points, fetcher, cfg, nil),
		Hub:         hub,
		Leaderboard: board,
	}, opts)
	srv := &testServer{Server: httptest.NewServer(e), hub: hub, breakers: breakers}
	t.Cleanup(srv.Close)
	return srv
}

func TestClientSubmitAndRead(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{APIKeys: []string{"k1"}})
	client, err := NewClient(srv.URL, WithAPIKey("k1"))
	require.NoError(t, err)
	ctx := context.Background()

	res, err := client.Submit(ctx, "Alice", "https://x.com/alice/status/100", "")
	require.NoError(t, err)
	require.True(t, res.Accepted, "%+v", res)
	assert.Equal(t, int64(28), res.PointsAwarded)
	assert.Equal(t, core.SourcePrimaryAPI, res.Source)

	post, err := client.GetPost(ctx, res.PostID)
	require.NoError(t, err)
	assert.Equal(t, "100", post.ExternalID)
	assert.Equal(t, core.UserID("alice"), post.OwnerUserID)

	user, err := client.GetUser(ctx, "alice", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(28), user.Total)
	require.Len(t, user.Ledger, 1)
	assert.Equal(t, core.ReasonSubmission, user.Ledger[0].Reason)

	top, err := client.Leaderboard(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []LeaderboardEntry{{Rank: 1, UserID: "alice", Total: 28}}, top)

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
}

func TestClientSubmitRejections(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{})
	client, err := NewClient(srv.URL)
	require.NoError(t, err)
	ctx := context.Background()

	res, err := client.Submit(ctx, "bob", "https://example.com/nope", "")
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, core.KindInvalidURL, res.Reason)

	res, err = client.Submit(ctx, "bob", "https://x.com/bob/status/1", "")
	require.NoError(t, err)
	require.True(t, res.Accepted)

	res, err = client.Submit(ctx, "bob", "https://x.com/bob/status/2", "")
	require.NoError(t, err)
	assert.Equal(t, core.KindCooldown, res.Reason)
	assert.InDelta(t, float64(time.Minute), float64(res.RetryAfter()), float64(time.Second))
	assert.True(t, res.Retryable)

	_, err = client.Submit(ctx, " ", "https://x.com/bob/status/3", "")
	assert.ErrorIs(t, err, ErrEmptyUserID)
}

func TestClientAPIErrors(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{APIKeys: []string{"k1"}, AdminKeys: []string{"root"}})
	ctx := context.Background()

	anon, err := NewClient(srv.URL)
	require.NoError(t, err)
	_, err = anon.GetUser(ctx, "alice", 0)
	assert.True(t, IsCode(err, "unauthorized"), "got %v", err)

	_, err = anon.Submit(ctx, "alice", "https://x.com/alice/status/9", "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.Status)

	client, err := NewClient(srv.URL, WithAPIKey("k1"))
	require.NoError(t, err)
	_, err = client.GetPost(ctx, "missing")
	assert.True(t, IsCode(err, "not_found"), "got %v", err)

	// the API key alone does not open /admin
	_, err = client.Breakers(ctx)
	assert.True(t, IsCode(err, "unauthorized"), "got %v", err)
}

func TestClientAdmin(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{AdminKeys: []string{"root"}})
	client, err := NewClient(srv.URL, WithAdminKey("root"))
	require.NoError(t, err)
	ctx := context.Background()

	srv.breakers.For(core.SourcePrimaryAPI).RecordFailure(ctx, core.KindRateLimited, time.Minute)
	statuses, err := client.Breakers(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "open", statuses[0].State)

	require.NoError(t, client.ResetState(ctx))
	statuses, err = client.Breakers(ctx)
	require.NoError(t, err)
	assert.Equal(t, "closed", statuses[0].State)

	require.NoError(t, client.TriggerReconcile(ctx))
	require.Eventually(t, func() bool {
		st, err := client.ReconcileRuns(ctx)
		return err == nil && !st.Running && len(st.Runs) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientSubscribeEvents(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{})
	client, err := NewClient(srv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, err := client.SubscribeEvents(ctx, "carol")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	_, err = client.Submit(ctx, "dave", "https://x.com/dave/status/7", "")
	require.NoError(t, err)
	res, err := client.Submit(ctx, "carol", "https://x.com/carol/status/8", "")
	require.NoError(t, err)
	require.True(t, res.Accepted)

	var got []core.EventType
	for len(got) < 2 {
		select {
		case evt, ok := <-events:
			require.True(t, ok)
			assert.Equal(t, core.UserID("carol"), evt.UserID)
			got = append(got, evt.Type)
		case <-ctx.Done():
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, []core.EventType{core.EventPostSubmitted, core.EventPointsAwarded}, got)
}

func TestDeriveWSURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/api/ws", deriveWSURL("http://localhost:8080"))
	assert.Equal(t, "wss://engage.example.com/api/ws", deriveWSURL("https://engage.example.com"))
	assert.Equal(t, "", deriveWSURL("ftp://host"))

	_, err := NewClient("  ")
	assert.Error(t, err)
}
