package retrieval

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
)

// NewCookieJar returns a jar that scopes cookies by registrable domain.
func NewCookieJar() (http.CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return jar, nil
}

// NewHTTPClient builds the client shared by every fetch of a run. Redirects are
// never followed automatically; the engine handles them itself. A policy without
// a jar gets a fresh one.
func NewHTTPClient(policy downloader.RetrievalPolicy, timeout time.Duration) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if addr := strings.TrimSpace(policy.ProxyAddress()); addr != "" {
		proxyURL, err := url.Parse(addr)
		if err != nil || proxyURL.Host == "" {
			return nil, fmt.Errorf("%w: invalid proxy address %q", downloader.ErrInvalidPolicy, addr)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	jar := policy.CookieJar()
	if jar == nil {
		var err error
		jar, err = NewCookieJar()
		if err != nil {
			return nil, err
		}
	}

	return &http.Client{
		Transport: transport,
		Jar:       jar,
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

// Requester issues single HTTP requests with the policy's identity headers.
type Requester struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
}

// NewRequester wraps client. It implements challenge.Requester.
func NewRequester(client *http.Client, userAgent string, logger *zap.Logger) *Requester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Requester{client: client, userAgent: userAgent, logger: logger}
}

// Get performs a plain GET.
func (r *Requester) Get(ctx context.Context, rawURL, referer string) (*http.Response, error) {
	return r.Do(ctx, http.MethodGet, rawURL, referer, nil)
}

// Do sends one request. An unusable referer is logged and left out.
func (r *Requester) Do(
	ctx context.Context,
	method, rawURL, referer string,
	headers http.Header,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	if referer != "" {
		if validReferer(referer) {
			req.Header.Set("Referer", referer)
		} else {
			r.logger.Warn("ignoring invalid referer", zap.String("url", rawURL), zap.String("referer", referer))
		}
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	return resp, nil
}

// Jar exposes the client's cookie jar.
func (r *Requester) Jar() http.CookieJar {
	return r.client.Jar
}

func validReferer(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
