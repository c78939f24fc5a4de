package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"engagekit/core"
)

// PublicEmbedConfig configures the unauthenticated embed endpoint client.
type PublicEmbedConfig struct {
	BaseURL string        `json:"base_url" mapstructure:"base_url"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

func DefaultPublicEmbedConfig() PublicEmbedConfig {
	return PublicEmbedConfig{BaseURL: "https://cdn.syndication.twimg.com", Timeout: 8 * time.Second}
}

// PublicEmbed reads engagement counts from the public embed payload.
type PublicEmbed struct {
	cfg  PublicEmbedConfig
	http *http.Client
	now  func() time.Time
}

func NewPublicEmbed(cfg PublicEmbedConfig, hc *http.Client) *PublicEmbed {
	if hc == nil {
		hc = NewHTTPClient(cfg.Timeout)
	}
	return &PublicEmbed{cfg: cfg, http: hc, now: time.Now}
}

func (p *PublicEmbed) Name() core.Source { return core.SourcePublicEmbed }

type embedResult struct {
	TypeName          string `json:"__typename"`
	IDStr             string `json:"id_str"`
	Text              string `json:"text"`
	FavoriteCount     int64  `json:"favorite_count"`
	RetweetCount      int64  `json:"retweet_count"`
	ConversationCount int64  `json:"conversation_count"`
}

func (p *PublicEmbed) FetchEngagement(ctx context.Context, ref core.PostRef) (*core.EngagementSnapshot, error) {
	q := url.Values{}
	q.Set("id", ref.ExternalID)
	q.Set("lang", "en")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/tweet-result?"+q.Encode(), nil)
	if err != nil {
		return nil, transportError(core.SourcePublicEmbed, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, transportError(core.SourcePublicEmbed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(core.SourcePublicEmbed, resp, p.now())
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, transportError(core.SourcePublicEmbed, err)
	}
	var out embedResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, transportError(core.SourcePublicEmbed, fmt.Errorf("decode embed result: %w", err))
	}
	if out.TypeName == "TweetTombstone" || out.IDStr == "" {
		return nil, nil
	}
	return &core.EngagementSnapshot{
		SourceID:   ref.ExternalID,
		Likes:      out.FavoriteCount,
		Reposts:    out.RetweetCount,
		Replies:    out.ConversationCount,
		CapturedAt: p.now().UTC(),
		Source:     core.SourcePublicEmbed,
		Text:       out.Text,
	}, nil
}
