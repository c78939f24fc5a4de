// Package sources contains one HTTP client per engagement upstream. Clients
// classify failures but hold no retry or fallback logic.
package sources

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"engagekit/core"
)

// Client fetches engagement for one post from one upstream. A nil snapshot
// with a nil error means the upstream has no data for the post.
type Client interface {
	Name() core.Source
	FetchEngagement(ctx context.Context, ref core.PostRef) (*core.EngagementSnapshot, error)
}

// maxBody bounds how much of an upstream response is read.
const maxBody = 1 << 20

// NewHTTPClient returns an http.Client with bounded dial and handshake times.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 5 * time.Second,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

func readBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, maxBody))
}

// classifyStatus maps a non-2xx response to a SourceError. 404 is handled by
// callers as "no data".
func classifyStatus(source core.Source, resp *http.Response, now time.Time) *core.SourceError {
	err := fmt.Errorf("upstream returned %s", resp.Status)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		se := core.NewSourceError(source, core.KindRateLimited, resp.StatusCode, err)
		se.RetryAfter = retryAfter(resp.Header, now)
		return se
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return core.NewSourceError(source, core.KindAuthFailure, resp.StatusCode, err)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return core.NewSourceError(source, core.KindNotFound, resp.StatusCode, err)
	}
	return core.NewSourceError(source, core.KindTransient, resp.StatusCode, err)
}

// retryAfter reads Retry-After (seconds) or x-rate-limit-reset (epoch seconds).
func retryAfter(h http.Header, now time.Time) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil && at.After(now) {
			return at.Sub(now)
		}
	}
	if v := strings.TrimSpace(h.Get("x-rate-limit-reset")); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if at := time.Unix(epoch, 0); at.After(now) {
				return at.Sub(now)
			}
		}
	}
	return 0
}

func transportError(source core.Source, err error) *core.SourceError {
	return core.NewSourceError(source, core.KindTransient, 0, err)
}
