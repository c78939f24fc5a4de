package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"engagekit/core"
)

// Option configures the Client.
type Option func(*Client)

// Client provides typed access to the engagekit HTTP + WebSocket API.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	headers    http.Header
	adminKey   string
	userHeader string
}

// NewClient constructs a client targeting the server root (e.g., http://localhost:8080).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("baseURL is required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	c := &Client{
		baseURL:    baseURL,
		wsURL:      deriveWSURL(baseURL),
		httpClient: http.DefaultClient,
		headers:    make(http.Header),
		userHeader: "X-User-ID",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithAPIKey adds an X-API-Key header to /api calls.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if strings.TrimSpace(key) != "" {
			c.headers.Set("X-API-Key", key)
		}
	}
}

// WithAdminKey sets the key sent on /admin calls.
func WithAdminKey(key string) Option {
	return func(c *Client) {
		c.adminKey = strings.TrimSpace(key)
	}
}

// WithUserHeader overrides the header carrying the submitting user.
func WithUserHeader(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.userHeader = name
		}
	}
}

// WithHeader sets an arbitrary header applied to HTTP and WS calls.
func WithHeader(k, v string) Option {
	return func(c *Client) {
		if k != "" {
			c.headers.Set(k, v)
		}
	}
}

// Submit submits a post for userID. Rejections are returned as a result with
// Accepted=false, not as an error.
func (c *Client) Submit(ctx context.Context, userID, postURL, content string) (SubmitResult, error) {
	if strings.TrimSpace(userID) == "" {
		return SubmitResult{}, ErrEmptyUserID
	}
	body, err := json.Marshal(map[string]string{"url": postURL, "content": content})
	if err != nil {
		return SubmitResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/submissions", bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyHeaders(req)
	req.Header.Set(c.userHeader, userID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SubmitResult{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return SubmitResult{}, err
	}
	var res SubmitResult
	if err := json.Unmarshal(raw, &res); err == nil && (res.Accepted || res.Reason != "") {
		return res, nil
	}
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	if err := decodeJSON(resp, &res); err != nil {
		return SubmitResult{}, err
	}
	return res, nil
}

// GetUser fetches a user's total and up to limit recent ledger entries.
// A limit of zero uses the server default.
func (c *Client) GetUser(ctx context.Context, userID string, limit int) (UserPoints, error) {
	if strings.TrimSpace(userID) == "" {
		return UserPoints{}, ErrEmptyUserID
	}
	u := fmt.Sprintf("%s/api/users/%s", c.baseURL, url.PathEscape(userID))
	if limit > 0 {
		u += fmt.Sprintf("?limit=%d", limit)
	}
	var out UserPoints
	err := c.get(ctx, u, false, &out)
	return out, err
}

// GetPost fetches a tracked post.
func (c *Client) GetPost(ctx context.Context, id core.PostID) (core.TrackedPost, error) {
	var out core.TrackedPost
	err := c.get(ctx, fmt.Sprintf("%s/api/posts/%s", c.baseURL, url.PathEscape(string(id))), false, &out)
	return out, err
}

// Leaderboard fetches the top users by total points.
func (c *Client) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	u := c.baseURL + "/api/leaderboard"
	if limit > 0 {
		u += fmt.Sprintf("?limit=%d", limit)
	}
	var out []LeaderboardEntry
	err := c.get(ctx, u, false, &out)
	return out, err
}

// Health probes /api/healthz. An unhealthy server still yields a status.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/healthz", nil)
	if err != nil {
		return HealthStatus{}, err
	}
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HealthStatus{}, err
	}
	defer resp.Body.Close()

	var hs HealthStatus
	if resp.StatusCode == http.StatusServiceUnavailable {
		err = json.NewDecoder(resp.Body).Decode(&hs)
		return hs, err
	}
	if err := decodeJSON(resp, &hs); err != nil {
		return HealthStatus{}, err
	}
	return hs, nil
}

// Breakers lists circuit breaker states.
func (c *Client) Breakers(ctx context.Context) ([]BreakerStatus, error) {
	var out []BreakerStatus
	err := c.get(ctx, c.baseURL+"/admin/breakers", true, &out)
	return out, err
}

// ResetState closes all breakers and clears rate limit state.
func (c *Client) ResetState(ctx context.Context) error {
	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.post(ctx, c.baseURL+"/admin/reset", true, &out); err != nil {
		return err
	}
	if !out.OK {
		return errors.New("reset not acknowledged")
	}
	return nil
}

// ErrRunInProgress is returned by TriggerReconcile when a run is active.
var ErrRunInProgress = errors.New("reconciliation run already in progress")

// TriggerReconcile starts a reconciliation run in the background.
func (c *Client) TriggerReconcile(ctx context.Context) error {
	var out struct {
		Started bool `json:"started"`
	}
	err := c.post(ctx, c.baseURL+"/admin/reconcile", true, &out)
	if IsCode(err, "run_in_progress") {
		return ErrRunInProgress
	}
	return err
}

// ReconcileRuns returns scheduler state and recent run summaries.
func (c *Client) ReconcileRuns(ctx context.Context) (ReconcileStatus, error) {
	var out ReconcileStatus
	err := c.get(ctx, c.baseURL+"/admin/reconcile/runs", true, &out)
	return out, err
}

// SubscribeEvents connects to the WebSocket stream and emits core.Event values.
// A non-empty userID limits the stream to that user's events. The returned
// channel closes when ctx is done or the connection drops.
func (c *Client) SubscribeEvents(ctx context.Context, userID string) (<-chan core.Event, error) {
	if c.wsURL == "" {
		return nil, errors.New("wsURL is not set; ensure baseURL is http/https")
	}
	target := c.wsURL
	if userID != "" {
		target += "?user=" + url.QueryEscape(userID)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, target, c.headers)
	if err != nil {
		return nil, err
	}

	out := make(chan core.Event, 32)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var evt core.Event
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) get(ctx context.Context, u string, admin bool, target any) error {
	return c.do(ctx, http.MethodGet, u, admin, target)
}

func (c *Client) post(ctx context.Context, u string, admin bool, target any) error {
	return c.do(ctx, http.MethodPost, u, admin, target)
}

func (c *Client) do(ctx context.Context, method, u string, admin bool, target any) error {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	if admin {
		req.Header.Del("X-API-Key")
		if c.adminKey != "" {
			req.Header.Set("X-API-Key", c.adminKey)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, target)
}

func (c *Client) applyHeaders(r *http.Request) {
	for k, vals := range c.headers {
		for _, v := range vals {
			r.Header.Add(k, v)
		}
	}
}

func deriveWSURL(httpBase string) string {
	u, err := url.Parse(httpBase)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return ""
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/ws"
	return u.String()
}
