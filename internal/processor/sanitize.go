package processor

import (
	"strings"
	"unicode"
)

// SanitizeFilename replaces characters that are invalid in file names on
// common filesystems with underscores. It returns "" for names that cannot
// be used at all.
func SanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case strings.ContainsRune(`\/:*?"<>|`, r), unicode.IsControl(r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	cleaned := strings.TrimSpace(b.String())
	cleaned = strings.TrimRight(cleaned, ". ")
	if cleaned == "" || cleaned == "." || cleaned == ".." {
		return ""
	}
	return cleaned
}
