package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engagekit/core"
)

var ref = core.PostRef{ExternalID: "1790000000000000001", Author: "alice", URL: "https://x.com/alice/status/1790000000000000001"}

func primaryAgainst(t *testing.T, h http.HandlerFunc) *PrimaryAPI {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := DefaultPrimaryAPIConfig()
	cfg.BaseURL = srv.URL
	cfg.BearerToken = "token"
	return NewPrimaryAPI(cfg, srv.Client())
}

func TestPrimaryAPIParsesMetrics(t *testing.T) {
	p := primaryAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/tweets/"+ref.ExternalID, r.URL.Path)
		assert.Equal(t, "public_metrics", r.URL.Query().Get("tweet.fields"))
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":{"id":"1790000000000000001","text":"gm @brand","public_metrics":{"like_count":10,"retweet_count":2,"reply_count":1,"quote_count":4}}}`))
	})
	s, err := p.FetchEngagement(context.Background(), ref)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, int64(10), s.Likes)
	assert.Equal(t, int64(2), s.Reposts)
	assert.Equal(t, int64(1), s.Replies)
	assert.Equal(t, core.SourcePrimaryAPI, s.Source)
	assert.Equal(t, ref.ExternalID, s.SourceID)
	assert.Equal(t, "gm @brand", s.Text)
}

func TestPrimaryAPIClassification(t *testing.T) {
	reset := strconv.FormatInt(time.Now().Add(10*time.Minute).Unix(), 10)
	cases := []struct {
		name   string
		status int
		header map[string]string
		kind   core.ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, nil, core.KindAuthFailure},
		{"forbidden", http.StatusForbidden, nil, core.KindAuthFailure},
		{"throttled", http.StatusTooManyRequests, map[string]string{"x-rate-limit-reset": reset}, core.KindRateLimited},
		{"unavailable", http.StatusServiceUnavailable, nil, core.KindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := primaryAgainst(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
			})
			s, err := p.FetchEngagement(context.Background(), ref)
			require.Nil(t, s)
			require.Error(t, err)
			assert.Equal(t, tc.kind, core.KindOf(err))
			var se *core.SourceError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.status, se.StatusCode)
			if tc.kind == core.KindRateLimited {
				assert.Greater(t, se.RetryAfter, 9*time.Minute)
			}
		})
	}
}

func TestPrimaryAPINotFoundIsNil(t *testing.T) {
	p := primaryAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errors":[{"title":"Not Found Error","type":"https://api.twitter.com/2/problems/resource-not-found"}]}`))
	})
	s, err := p.FetchEngagement(context.Background(), ref)
	require.NoError(t, err)
	assert.Nil(t, s)

	p = primaryAgainst(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) })
	s, err = p.FetchEngagement(context.Background(), ref)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestPrimaryAPIWithoutTokenIsAuthFailure(t *testing.T) {
	var hits atomic.Int64
	p := primaryAgainst(t, func(w http.ResponseWriter, r *http.Request) { hits.Add(1) })
	p.cfg.BearerToken = ""
	_, err := p.FetchEngagement(context.Background(), ref)
	assert.Equal(t, core.KindAuthFailure, core.KindOf(err))
	assert.Zero(t, hits.Load())
}

func TestPrimaryAPIDecodeErrorIsTransient(t *testing.T) {
	p := primaryAgainst(t, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`<html>`)) })
	_, err := p.FetchEngagement(context.Background(), ref)
	assert.Equal(t, core.KindTransient, core.KindOf(err))
}

func embedAgainst(t *testing.T, h http.HandlerFunc) *PublicEmbed {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := DefaultPublicEmbedConfig()
	cfg.BaseURL = srv.URL
	return NewPublicEmbed(cfg, srv.Client())
}

func TestPublicEmbedParsesCounts(t *testing.T) {
	e := embedAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tweet-result", r.URL.Path)
		assert.Equal(t, ref.ExternalID, r.URL.Query().Get("id"))
		_, _ = w.Write([]byte(`{"__typename":"Tweet","id_str":"1790000000000000001","text":"gm $tok","favorite_count":7,"retweet_count":3,"conversation_count":5}`))
	})
	s, err := e.FetchEngagement(context.Background(), ref)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, core.EngagementSnapshot{
		SourceID: ref.ExternalID, Likes: 7, Reposts: 3, Replies: 5, CapturedAt: s.CapturedAt, Source: core.SourcePublicEmbed, Text: "gm $tok",
	}, *s)
}

func TestPublicEmbedTombstoneIsNil(t *testing.T) {
	e := embedAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"__typename":"TweetTombstone","tombstone":{"text":{"text":"This Post was deleted"}}}`))
	})
	s, err := e.FetchEngagement(context.Background(), ref)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestPublicEmbedThrottled(t *testing.T) {
	e := embedAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := e.FetchEngagement(context.Background(), ref)
	var se *core.SourceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, core.KindRateLimited, se.Kind)
	assert.Equal(t, 2*time.Minute, se.RetryAfter)
}

func TestTransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()
	cfg := DefaultPublicEmbedConfig()
	cfg.BaseURL = url
	_, err := NewPublicEmbed(cfg, nil).FetchEngagement(context.Background(), ref)
	assert.Equal(t, core.KindTransient, core.KindOf(err))
}

type countingClient struct {
	calls atomic.Int64
	snap  *core.EngagementSnapshot
}

func (c *countingClient) Name() core.Source { return core.SourcePublicEmbed }

func (c *countingClient) FetchEngagement(context.Context, core.PostRef) (*core.EngagementSnapshot, error) {
	c.calls.Add(1)
	return c.snap, nil
}

func TestCachedServesRepeatLookups(t *testing.T) {
	inner := &countingClient{snap: &core.EngagementSnapshot{SourceID: ref.ExternalID, Likes: 3, Source: core.SourcePublicEmbed, CapturedAt: time.Now()}}
	cache := NewMemoryCache()
	c := NewCached(inner, cache, time.Minute, nil)
	for i := 0; i < 3; i++ {
		s, err := c.FetchEngagement(context.Background(), ref)
		require.NoError(t, err)
		assert.Equal(t, int64(3), s.Likes)
	}
	assert.Equal(t, int64(1), inner.calls.Load())
	assert.Equal(t, core.SourcePublicEmbed, c.Name())

	cache.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err := c.FetchEngagement(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, int64(2), inner.calls.Load())
}

func TestMemoryCacheSweepsUnreadExpiredEntries(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	cache := NewMemoryCache()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, cache.Set(ctx, fmt.Sprintf("old-%d", i), core.EngagementSnapshot{Likes: 1}, time.Minute))
	}
	now = now.Add(2 * time.Minute)
	for i := 100; i < cacheSweepEvery; i++ {
		require.NoError(t, cache.Set(ctx, fmt.Sprintf("new-%d", i), core.EngagementSnapshot{Likes: 2}, time.Hour))
	}
	assert.Equal(t, cacheSweepEvery-100, cache.Len())

	s, err := cache.Get(ctx, "new-100")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, int64(2), s.Likes)
}

func TestCachedDoesNotCacheMisses(t *testing.T) {
	inner := &countingClient{}
	c := NewCached(inner, NewMemoryCache(), time.Minute, nil)
	for i := 0; i < 2; i++ {
		s, err := c.FetchEngagement(context.Background(), ref)
		require.NoError(t, err)
		assert.Nil(t, s)
	}
	assert.Equal(t, int64(2), inner.calls.Load())
}
