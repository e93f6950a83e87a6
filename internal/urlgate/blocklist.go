package urlgate

import "strings"

// hostBlocklist stores exact hosts and suffix wildcards derived from configuration.
type hostBlocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

func newHostBlocklist(patterns []string) *hostBlocklist {
	matcher := &hostBlocklist{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		suffix, isWildcard := strings.CutPrefix(value, "*.")
		if !isWildcard {
			suffix, isWildcard = strings.CutPrefix(value, ".")
		}
		if isWildcard {
			if suffix != "" {
				matcher.addSuffix(suffix)
			}
			continue
		}
		matcher.exact[value] = struct{}{}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (b *hostBlocklist) addSuffix(suffix string) {
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

func (b *hostBlocklist) isBlocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := b.exact[host]; exact {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
