// Package urlgate decides whether a crawled URL may be fetched at all.
package urlgate

import (
	"net/url"
	"strings"
)

// Gate validates URLs against scheme rules, a substring blacklist, and host patterns.
// It is immutable after construction and safe for concurrent use.
type Gate struct {
	substrings []string
	hosts      *hostBlocklist
}

// New builds a Gate. Blacklist entries match anywhere in the URL, case-insensitively.
// Host patterns accept exact hosts ("cdn.example.com") or suffix wildcards ("*.example.com").
func New(blacklist []string, blockedHosts []string) *Gate {
	g := &Gate{hosts: newHostBlocklist(blockedHosts)}
	for _, entry := range blacklist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry != "" {
			g.substrings = append(g.substrings, entry)
		}
	}
	return g
}

// IsValidURL reports whether raw is an absolute http(s) URL with a host.
func (g *Gate) IsValidURL(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

// IsBlacklisted reports whether raw matches any blacklist entry or blocked host.
func (g *Gate) IsBlacklisted(raw string) bool {
	if g == nil || strings.TrimSpace(raw) == "" {
		return false
	}
	lower := strings.ToLower(raw)
	for _, entry := range g.substrings {
		if strings.Contains(lower, entry) {
			return true
		}
	}
	if g.hosts != nil {
		if u, err := url.Parse(raw); err == nil && g.hosts.isBlocked(u.Hostname()) {
			return true
		}
	}
	return false
}

// Allow combines both checks and returns a short reason when the URL is rejected.
func (g *Gate) Allow(raw string) (bool, string) {
	if !g.IsValidURL(raw) {
		return false, "invalid url"
	}
	if g.IsBlacklisted(raw) {
		return false, "blacklisted url"
	}
	return true, ""
}
