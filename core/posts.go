package core

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	postHosts = map[string]bool{
		"x.com":              true,
		"www.x.com":          true,
		"mobile.x.com":       true,
		"twitter.com":        true,
		"www.twitter.com":    true,
		"mobile.twitter.com": true,
	}
	postPathRe = regexp.MustCompile(`^/([A-Za-z0-9_]{1,15})/status(?:es)?/([0-9]{1,25})(?:/.*)?$`)
)

// ParsePostURL extracts the author and numeric post id from an x.com or
// twitter.com status link.
func ParsePostURL(raw string) (PostRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return PostRef{}, fmt.Errorf("%w: empty", ErrInvalidPostURL)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return PostRef{}, fmt.Errorf("%w: %v", ErrInvalidPostURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return PostRef{}, fmt.Errorf("%w: scheme %q", ErrInvalidPostURL, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if !postHosts[host] {
		return PostRef{}, fmt.Errorf("%w: host %q", ErrInvalidPostURL, host)
	}
	m := postPathRe.FindStringSubmatch(u.Path)
	if m == nil {
		return PostRef{}, fmt.Errorf("%w: path %q", ErrInvalidPostURL, u.Path)
	}
	return PostRef{
		ExternalID: m[2],
		Author:     m[1],
		URL:        fmt.Sprintf("https://x.com/%s/status/%s", m[1], m[2]),
	}, nil
}

// MentionsBrand reports whether content contains any keyword, case-insensitively.
// An empty keyword list matches everything.
func MentionsBrand(content string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	lc := strings.ToLower(content)
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && strings.Contains(lc, k) {
			return true
		}
	}
	return false
}
