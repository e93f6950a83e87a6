package downloader

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Default policy values.
const (
	DefaultMaxRetries      = 10
	DefaultRetryMultiplier = 5 * time.Second
	DefaultUserAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/46.0.2486.0 Safari/537.36 Edge/13.10586"
)

// RetrievalPolicy holds the per-run retrieval settings. It is immutable once
// built; every component receives the same value at construction.
type RetrievalPolicy struct {
	maxRetries      int
	retryMultiplier time.Duration
	conflictPolicy  ConflictPolicy
	checkRemoteSize bool
	userAgent       string
	proxyAddress    string
	cookieJar       http.CookieJar
	urlBlacklist    []string
	maxRedirects    int
}

// PolicyOption customizes a RetrievalPolicy during construction.
type PolicyOption func(*RetrievalPolicy)

// WithMaxRetries sets the transient retry budget.
func WithMaxRetries(n int) PolicyOption {
	return func(p *RetrievalPolicy) { p.maxRetries = n }
}

// WithRetryMultiplier sets the backoff unit; the nth retry waits n*d.
func WithRetryMultiplier(d time.Duration) PolicyOption {
	return func(p *RetrievalPolicy) { p.retryMultiplier = d }
}

// WithConflictPolicy sets the existing-file strategy.
func WithConflictPolicy(c ConflictPolicy) PolicyOption {
	return func(p *RetrievalPolicy) { p.conflictPolicy = c }
}

// WithCheckRemoteSize toggles comparing the remote size against existing files.
func WithCheckRemoteSize(enabled bool) PolicyOption {
	return func(p *RetrievalPolicy) { p.checkRemoteSize = enabled }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) PolicyOption {
	return func(p *RetrievalPolicy) { p.userAgent = ua }
}

// WithProxy routes requests through the given proxy address.
func WithProxy(addr string) PolicyOption {
	return func(p *RetrievalPolicy) { p.proxyAddress = addr }
}

// WithCookieJar attaches the shared cookie jar.
func WithCookieJar(jar http.CookieJar) PolicyOption {
	return func(p *RetrievalPolicy) { p.cookieJar = jar }
}

// WithURLBlacklist sets substrings that reject a URL.
func WithURLBlacklist(entries []string) PolicyOption {
	return func(p *RetrievalPolicy) { p.urlBlacklist = append([]string(nil), entries...) }
}

// WithMaxRedirects caps redirect chains. Zero leaves them unbounded.
func WithMaxRedirects(n int) PolicyOption {
	return func(p *RetrievalPolicy) { p.maxRedirects = n }
}

// NewRetrievalPolicy builds a validated policy.
func NewRetrievalPolicy(opts ...PolicyOption) (RetrievalPolicy, error) {
	p := RetrievalPolicy{
		maxRetries:      DefaultMaxRetries,
		retryMultiplier: DefaultRetryMultiplier,
		conflictPolicy:  ReplaceIfDifferent,
		checkRemoteSize: true,
		userAgent:       DefaultUserAgent,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&p)
		}
	}
	if err := p.validate(); err != nil {
		return RetrievalPolicy{}, err
	}
	return p, nil
}

func (p RetrievalPolicy) validate() error {
	if p.maxRetries <= 0 {
		return fmt.Errorf("%w: max retries must be > 0", ErrInvalidPolicy)
	}
	if p.retryMultiplier <= 0 {
		return fmt.Errorf("%w: retry multiplier must be > 0", ErrInvalidPolicy)
	}
	if _, ok := conflictPolicyNames[p.conflictPolicy]; !ok {
		return fmt.Errorf("%w: unknown conflict policy %d", ErrInvalidPolicy, int(p.conflictPolicy))
	}
	if strings.TrimSpace(p.userAgent) == "" {
		return fmt.Errorf("%w: user agent is required", ErrInvalidPolicy)
	}
	if p.maxRedirects < 0 {
		return fmt.Errorf("%w: max redirects must be >= 0", ErrInvalidPolicy)
	}
	return nil
}

// MaxRetries returns the transient retry budget.
func (p RetrievalPolicy) MaxRetries() int { return p.maxRetries }

// RetryMultiplier returns the backoff unit.
func (p RetrievalPolicy) RetryMultiplier() time.Duration { return p.retryMultiplier }

// ConflictPolicy returns the existing-file strategy.
func (p RetrievalPolicy) ConflictPolicy() ConflictPolicy { return p.conflictPolicy }

// CheckRemoteSize reports whether remote size is compared before downloading.
func (p RetrievalPolicy) CheckRemoteSize() bool { return p.checkRemoteSize }

// UserAgent returns the User-Agent header value.
func (p RetrievalPolicy) UserAgent() string { return p.userAgent }

// ProxyAddress returns the proxy address, or "" when none is configured.
func (p RetrievalPolicy) ProxyAddress() string { return p.proxyAddress }

// CookieJar returns the shared jar, which may be nil.
func (p RetrievalPolicy) CookieJar() http.CookieJar { return p.cookieJar }

// URLBlacklist returns a copy of the blacklist entries.
func (p RetrievalPolicy) URLBlacklist() []string { return append([]string(nil), p.urlBlacklist...) }

// MaxRedirects returns the redirect cap; zero means unbounded.
func (p RetrievalPolicy) MaxRedirects() int { return p.maxRedirects }

// Backoff returns the wait before the given retry number.
func (p RetrievalPolicy) Backoff(counter int) time.Duration {
	if counter <= 0 {
		return 0
	}
	return time.Duration(counter) * p.retryMultiplier
}
