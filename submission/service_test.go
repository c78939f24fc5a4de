package submission

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "engagekit/adapters/memory"
	"engagekit/breaker"
	"engagekit/core"
	"engagekit/engine"
	"engagekit/fallback"
	"engagekit/ratelimit"
	"engagekit/sources"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// upstream serves both the primary API and the public embed endpoint.
type upstream struct {
	mu      sync.Mutex
	primary int // status code; 200 serves metrics
	embed   int
	text    string
	calls   map[string]int
}

func (u *upstream) set(primary, embed int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.primary, u.embed = primary, embed
}

func (u *upstream) setText(text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.text = text
}

func (u *upstream) count(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls[path]
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	primary, embed, text := u.primary, u.embed, u.text
	u.mu.Unlock()
	switch {
	case strings.HasPrefix(r.URL.Path, "/2/tweets/"):
		u.mu.Lock()
		u.calls["primary"]++
		u.mu.Unlock()
		if primary != http.StatusOK {
			w.WriteHeader(primary)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/2/tweets/")
		fmt.Fprintf(w, `{"data":{"id":%q,"text":%q,"public_metrics":{"like_count":10,"retweet_count":2,"reply_count":1}}}`, id, text)
	case r.URL.Path == "/tweet-result":
		u.mu.Lock()
		u.calls["embed"]++
		u.mu.Unlock()
		if embed != http.StatusOK {
			w.WriteHeader(embed)
			return
		}
		fmt.Fprintf(w, `{"__typename":"Tweet","id_str":%q,"text":%q,"favorite_count":4,"retweet_count":0,"conversation_count":0}`, r.URL.Query().Get("id"), text)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type harness struct {
	up       *upstream
	store    *mem.Store
	breakers *breaker.Registry
	svc      *Service
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{up: &upstream{primary: http.StatusOK, embed: http.StatusOK, calls: map[string]int{}}, store: mem.New()}
	srv := httptest.NewServer(h.up)
	t.Cleanup(srv.Close)

	primaryCfg := sources.DefaultPrimaryAPIConfig()
	primaryCfg.BaseURL = srv.URL
	primaryCfg.BearerToken = "token"
	embedCfg := sources.DefaultPublicEmbedConfig()
	embedCfg.BaseURL = srv.URL
	clients := []sources.Client{
		sources.NewPrimaryAPI(primaryCfg, srv.Client()),
		sources.NewPublicEmbed(embedCfg, srv.Client()),
	}

	clock := func() time.Time { return t0 }
	h.breakers = breaker.NewRegistry(breaker.NewMemoryStore(), breaker.DefaultPolicy(), nil)
	lim := ratelimit.New(ratelimit.NewMemoryStore(), nil).WithClock(clock)
	orch := fallback.New(clients, h.breakers, lim, fallback.DefaultConfig(), nil)
	points := engine.NewPointsService(h.store, core.DefaultScoringWeights(), engine.NewEventBus(engine.DispatchSync), nil, nil)
	h.svc = New(h.store, points, ratelimit.NewGate(lim, ratelimit.DefaultGateConfig()), orch, cfg, nil)
	return h
}

func postURL(id string) string { return "https://x.com/alice/status/" + id }

func TestSubmitAwardsFreshPost(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	resp, err := h.svc.Submit(context.Background(), Request{UserID: "Alice", URL: postURL("100")})
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	assert.Equal(t, int64(28), resp.PointsAwarded)
	assert.Equal(t, int64(28), resp.UserTotal)
	assert.Equal(t, core.SourcePrimaryAPI, resp.Source)
	assert.Empty(t, resp.Reason)

	post, err := h.store.GetTrackedPost(context.Background(), resp.PostID)
	require.NoError(t, err)
	assert.Equal(t, core.UserID("alice"), post.OwnerUserID)
	assert.Equal(t, "https://x.com/alice/status/100", post.URL)
	assert.Equal(t, int64(28), post.TotalPointsAwarded)
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequireMention = true
	cfg.MentionKeywords = []string{"@brand", "$tok"}
	h := newHarness(t, cfg)

	cases := []struct {
		name string
		req  Request
		want core.ErrorKind
	}{
		{"blank user", Request{UserID: "  ", URL: postURL("1")}, core.KindInvalidUser},
		{"bad url", Request{UserID: "alice", URL: "https://example.com/alice/status/1"}, core.KindInvalidURL},
		{"no mention", Request{UserID: "alice", URL: postURL("1"), Content: "gm everyone"}, core.KindMissingMention},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := h.svc.Submit(context.Background(), tc.req)
			require.NoError(t, err)
			assert.False(t, resp.Accepted)
			assert.Equal(t, tc.want, resp.Reason)
			assert.Equal(t, core.GuidanceFor(tc.want).UserMessage, resp.Message)
			assert.False(t, resp.Retryable)
		})
	}
	assert.Zero(t, h.up.count("primary"))

	resp, err := h.svc.Submit(context.Background(), Request{UserID: "alice", URL: postURL("1"), Content: "loving $TOK today"})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
}

func TestSubmitChecksMentionAgainstPostText(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequireMention = true
	cfg.MentionKeywords = []string{"@brand"}
	h := newHarness(t, cfg)
	ctx := context.Background()

	// no caller content and no upstream text: nothing mentions the brand
	resp, err := h.svc.Submit(ctx, Request{UserID: "alice", URL: postURL("100")})
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.Equal(t, core.KindMissingMention, resp.Reason)
	assert.Equal(t, 1, h.up.count("primary"))
	_, err = h.store.FindPostByExternalID(ctx, "100")
	assert.ErrorIs(t, err, core.ErrTrackedPostNotFound)

	// upstream text overrides a caller claim
	h.up.setText("gm fam")
	resp, err = h.svc.Submit(ctx, Request{UserID: "bob", URL: postURL("101"), Content: "hi @brand"})
	require.NoError(t, err)
	assert.Equal(t, core.KindMissingMention, resp.Reason)

	h.up.setText("gm @Brand fam")
	resp, err = h.svc.Submit(ctx, Request{UserID: "carol", URL: postURL("102")})
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	post, err := h.store.GetTrackedPost(ctx, resp.PostID)
	require.NoError(t, err)
	assert.Equal(t, "gm @Brand fam", post.Content)

	h.up.set(http.StatusServiceUnavailable, http.StatusOK)
	resp, err = h.svc.Submit(ctx, Request{UserID: "dave", URL: postURL("103")})
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	assert.Equal(t, core.SourcePublicEmbed, resp.Source)
}

func TestSubmitDuplicateDoesNotConsumeGate(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	resp, err := h.svc.Submit(ctx, Request{UserID: "alice", URL: postURL("100")})
	require.NoError(t, err)
	require.True(t, resp.Accepted)

	resp, err = h.svc.Submit(ctx, Request{UserID: "bob", URL: "twitter.com/alice/status/100"})
	require.NoError(t, err)
	assert.Equal(t, core.KindDuplicate, resp.Reason)

	resp, err = h.svc.Submit(ctx, Request{UserID: "bob", URL: postURL("101")})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
}

func TestSubmitEnforcesCooldown(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	resp, err := h.svc.Submit(ctx, Request{UserID: "alice", URL: postURL("100")})
	require.NoError(t, err)
	require.True(t, resp.Accepted)

	resp, err = h.svc.Submit(ctx, Request{UserID: "alice", URL: postURL("101")})
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.Equal(t, core.KindCooldown, resp.Reason)
	assert.True(t, resp.Retryable)
	assert.Equal(t, int64(60_000), resp.RetryAfterMs)
	assert.Equal(t, 1, h.up.count("primary"))
}

func TestSubmitFallsBackToEmbed(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.up.set(http.StatusServiceUnavailable, http.StatusOK)

	resp, err := h.svc.Submit(context.Background(), Request{UserID: "alice", URL: postURL("100")})
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	assert.Equal(t, core.SourcePublicEmbed, resp.Source)
	assert.Equal(t, int64(14), resp.PointsAwarded)
}

func TestSubmitAllSourcesDownReleasesCooldown(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.up.set(http.StatusServiceUnavailable, http.StatusBadGateway)
	ctx := context.Background()

	resp, err := h.svc.Submit(ctx, Request{UserID: "alice", URL: postURL("100")})
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.Equal(t, core.KindAcquisitionFailed, resp.Reason)
	assert.True(t, resp.Retryable)
	assert.NotEmpty(t, resp.Suggestions)

	// the failed attempt must not leave the user in cooldown
	h.up.set(http.StatusOK, http.StatusOK)
	resp, err = h.svc.Submit(ctx, Request{UserID: "alice", URL: postURL("100")})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
}

func TestSubmitNotFound(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.up.set(http.StatusNotFound, http.StatusNotFound)

	resp, err := h.svc.Submit(context.Background(), Request{UserID: "alice", URL: postURL("100")})
	require.NoError(t, err)
	assert.Equal(t, core.KindNotFound, resp.Reason)
	assert.False(t, resp.Retryable)

	st, err := h.breakers.For(core.SourcePrimaryAPI).State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, st)
}

type failingFinder struct{}

func (failingFinder) FindPostByExternalID(context.Context, string) (core.TrackedPost, error) {
	return core.TrackedPost{}, fmt.Errorf("connection reset")
}

func TestSubmitSurfacesStoreErrors(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	svc := New(failingFinder{}, h.svc.points, h.svc.gate, h.svc.fetcher, DefaultConfig(), nil)

	_, err := svc.Submit(context.Background(), Request{UserID: "alice", URL: postURL("100")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}
