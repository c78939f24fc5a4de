package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"engagekit/core"
)

// PrimaryAPIConfig configures the authenticated platform API client.
type PrimaryAPIConfig struct {
	BaseURL     string        `json:"base_url" mapstructure:"base_url"`
	BearerToken string        `json:"bearer_token" mapstructure:"bearer_token"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
}

func DefaultPrimaryAPIConfig() PrimaryAPIConfig {
	return PrimaryAPIConfig{BaseURL: "https://api.twitter.com", Timeout: 8 * time.Second}
}

// PrimaryAPI reads public metrics from the v2 tweets lookup endpoint.
type PrimaryAPI struct {
	cfg  PrimaryAPIConfig
	http *http.Client
	now  func() time.Time
}

// NewPrimaryAPI builds the client. A nil http client gets a default one.
func NewPrimaryAPI(cfg PrimaryAPIConfig, hc *http.Client) *PrimaryAPI {
	if hc == nil {
		hc = NewHTTPClient(cfg.Timeout)
	}
	return &PrimaryAPI{cfg: cfg, http: hc, now: time.Now}
}

func (p *PrimaryAPI) Name() core.Source { return core.SourcePrimaryAPI }

type tweetLookup struct {
	Data *struct {
		ID            string `json:"id"`
		Text          string `json:"text"`
		PublicMetrics struct {
			RetweetCount int64 `json:"retweet_count"`
			ReplyCount   int64 `json:"reply_count"`
			LikeCount    int64 `json:"like_count"`
			QuoteCount   int64 `json:"quote_count"`
		} `json:"public_metrics"`
	} `json:"data"`
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Type   string `json:"type"`
	} `json:"errors"`
}

func (p *PrimaryAPI) FetchEngagement(ctx context.Context, ref core.PostRef) (*core.EngagementSnapshot, error) {
	if p.cfg.BearerToken == "" {
		return nil, core.NewSourceError(core.SourcePrimaryAPI, core.KindAuthFailure, 0, errors.New("no bearer token configured"))
	}
	u := fmt.Sprintf("%s/2/tweets/%s?tweet.fields=public_metrics", p.cfg.BaseURL, url.PathEscape(ref.ExternalID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, transportError(core.SourcePrimaryAPI, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.BearerToken)
	req.Header.Set("Accept", "application/json")
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, transportError(core.SourcePrimaryAPI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(core.SourcePrimaryAPI, resp, p.now())
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, transportError(core.SourcePrimaryAPI, err)
	}
	var out tweetLookup
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, transportError(core.SourcePrimaryAPI, fmt.Errorf("decode tweet lookup: %w", err))
	}
	if out.Data == nil {
		// deleted, suspended or protected posts come back as errors without data
		return nil, nil
	}
	m := out.Data.PublicMetrics
	return &core.EngagementSnapshot{
		SourceID:   ref.ExternalID,
		Likes:      m.LikeCount,
		Reposts:    m.RetweetCount,
		Replies:    m.ReplyCount,
		CapturedAt: p.now().UTC(),
		Source:     core.SourcePrimaryAPI,
		Text:       out.Data.Text,
	}, nil
}
