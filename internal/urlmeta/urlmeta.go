// Package urlmeta extracts the URL-derived facts that get denormalized
// onto sessions and events: path/origin/hash parts, UTM parameters and
// referrer classification.
package urlmeta

import (
	"net/url"
	"strings"
)

// Parts is the decomposition of a tracked page URL.
type Parts struct {
	Origin string
	Path   string
	Hash   string

	UTMSource   string
	UTMMedium   string
	UTMCampaign string
	UTMTerm     string
	UTMContent  string
}

// Parse decomposes a raw URL into the parts stored on event and session
// rows. Unparseable input yields zero parts; a bad URL from a client
// must not fail ingestion.
func Parse(raw string) Parts {
	if raw == "" {
		return Parts{}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Parts{}
	}

	var parts Parts
	if u.Scheme != "" && u.Host != "" {
		parts.Origin = u.Scheme + "://" + u.Host
	}
	parts.Path = u.Path
	if parts.Path == "" {
		parts.Path = "/"
	}
	parts.Hash = u.Fragment

	q := u.Query()
	parts.UTMSource = q.Get("utm_source")
	parts.UTMMedium = q.Get("utm_medium")
	parts.UTMCampaign = q.Get("utm_campaign")
	parts.UTMTerm = q.Get("utm_term")
	parts.UTMContent = q.Get("utm_content")
	return parts
}

// ReferrerType buckets referrers for list filtering.
type ReferrerType string

// Referrer buckets.
const (
	ReferrerDirect  ReferrerType = "direct"
	ReferrerSearch  ReferrerType = "search"
	ReferrerSocial  ReferrerType = "social"
	ReferrerMail    ReferrerType = "mail"
	ReferrerUnknown ReferrerType = "unknown"
)

// Referrer is a classified referrer.
type Referrer struct {
	URL  string
	Name string
	Type ReferrerType
}

// knownReferrers maps second-level referrer hosts to a display name and
// bucket. Matching strips a leading "www." and common country prefixes
// are left to the unknown bucket.
var knownReferrers = map[string]struct {
	name string
	typ  ReferrerType
}{
	"google.com":     {"Google", ReferrerSearch},
	"bing.com":       {"Bing", ReferrerSearch},
	"duckduckgo.com": {"DuckDuckGo", ReferrerSearch},
	"yahoo.com":      {"Yahoo", ReferrerSearch},
	"ecosia.org":     {"Ecosia", ReferrerSearch},
	"baidu.com":      {"Baidu", ReferrerSearch},
	"yandex.com":     {"Yandex", ReferrerSearch},
	"facebook.com":   {"Facebook", ReferrerSocial},
	"instagram.com":  {"Instagram", ReferrerSocial},
	"twitter.com":    {"Twitter", ReferrerSocial},
	"x.com":          {"X", ReferrerSocial},
	"t.co":           {"Twitter", ReferrerSocial},
	"linkedin.com":   {"LinkedIn", ReferrerSocial},
	"reddit.com":     {"Reddit", ReferrerSocial},
	"tiktok.com":     {"TikTok", ReferrerSocial},
	"youtube.com":    {"YouTube", ReferrerSocial},
	"news.ycombinator.com": {"Hacker News", ReferrerSocial},
	"mail.google.com":      {"Gmail", ReferrerMail},
	"outlook.live.com":     {"Outlook", ReferrerMail},
}

// ClassifyReferrer buckets a raw referrer URL. ownOrigin, when non-empty,
// marks same-site navigation as direct. An empty referrer is direct.
func ClassifyReferrer(raw, ownOrigin string) Referrer {
	if raw == "" {
		return Referrer{Type: ReferrerDirect}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return Referrer{URL: raw, Type: ReferrerUnknown}
	}

	host := strings.ToLower(u.Host)
	if ownOrigin != "" {
		if own, err := url.Parse(ownOrigin); err == nil && strings.EqualFold(own.Host, host) {
			return Referrer{Type: ReferrerDirect}
		}
	}

	trimmed := strings.TrimPrefix(host, "www.")
	if known, ok := knownReferrers[trimmed]; ok {
		return Referrer{URL: raw, Name: known.name, Type: known.typ}
	}
	if known, ok := knownReferrers[host]; ok {
		return Referrer{URL: raw, Name: known.name, Type: known.typ}
	}
	return Referrer{URL: raw, Name: trimmed, Type: ReferrerUnknown}
}
