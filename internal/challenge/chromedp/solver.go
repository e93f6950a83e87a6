// Package chromedp clears browser challenges by driving a real Chrome instance.
package chromedp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const (
	defaultNavigationTimeout = 2 * time.Minute
	defaultPollInterval      = 3 * time.Second
)

// Config controls how the solver drives the browser.
type Config struct {
	// Headless runs Chrome without a window. Interactive challenges need a
	// visible window so a person can complete them.
	Headless  bool
	UserAgent string
	// CookieRetrievalAddress is visited after the challenge clears; its cookies
	// are the ones returned. Empty means the challenged URL itself.
	CookieRetrievalAddress string
	NavigationTimeout      time.Duration
	PollInterval           time.Duration
	MaxParallel            int
}

// Solver implements downloader.ChallengeSolver with chromedp.
type Solver struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// New starts an exec allocator configured from cfg. Chrome itself launches lazily
// on the first Solve.
func New(cfg Config, logger *zap.Logger) (*Solver, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Solver{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Close shuts down the browser allocator.
func (s *Solver) Close() {
	s.allocCancel()
}

// Solve opens rawURL and keeps reloading until the document no longer answers
// 403, then returns the cookies of the retrieval address. It returns nil cookies
// when the browser ended up without any.
func (s *Solver) Solve(ctx context.Context, rawURL string) ([]*http.Cookie, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	taskCtx, taskCancel := chromedp.NewContext(s.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, s.navTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	if err := chromedp.Run(taskCtx, s.networkSetupAction()); err != nil {
		return nil, fmt.Errorf("chromedp setup: %w", err)
	}
	if err := s.waitUntilCleared(taskCtx, rawURL, meta); err != nil {
		return nil, err
	}

	target := s.cfg.CookieRetrievalAddress
	if target == "" {
		target = rawURL
	}
	var cookies []*network.Cookie
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().WithURLs([]string{target}).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("collect cookies: %w", err)
	}
	converted := toHTTPCookies(cookies)
	s.logger.Info("challenge cleared in browser",
		zap.String("url", rawURL),
		zap.Int("cookies", len(converted)),
	)
	if len(converted) == 0 {
		return nil, nil
	}
	return converted, nil
}

func (s *Solver) waitUntilCleared(ctx context.Context, rawURL string, meta *responseMeta) error {
	for attempt := 1; ; attempt++ {
		meta.reset()
		if err := chromedp.Run(ctx,
			chromedp.Navigate(rawURL),
			chromedp.WaitReady("body", chromedp.ByQuery),
		); err != nil {
			return fmt.Errorf("chromedp navigate: %w", err)
		}
		status := meta.status()
		if status != http.StatusForbidden {
			s.logger.Debug("challenge page passed", zap.Int("status", status), zap.Int("attempt", attempt))
			return nil
		}
		s.logger.Debug("challenge still present", zap.Int("attempt", attempt))
		if err := chromedp.Run(ctx, chromedp.Sleep(s.pollInterval())); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return fmt.Errorf("challenge not cleared before timeout: %w", err)
			}
			return fmt.Errorf("chromedp wait: %w", err)
		}
	}
}

func (s *Solver) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (s *Solver) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	select {
	case s.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (s *Solver) release() {
	if s.limiter == nil {
		return
	}
	select {
	case <-s.limiter:
	default:
	}
}

func (s *Solver) navTimeout() time.Duration {
	if s.cfg.NavigationTimeout > 0 {
		return s.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

func (s *Solver) pollInterval() time.Duration {
	if s.cfg.PollInterval > 0 {
		return s.cfg.PollInterval
	}
	return defaultPollInterval
}

// responseMeta records the status of the last document response.
type responseMeta struct {
	mu   sync.RWMutex
	code int
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	event, ok := ev.(*network.EventResponseReceived)
	if !ok || event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.code = int(event.Response.Status)
	m.mu.Unlock()
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.code = 0
	m.mu.Unlock()
}

// status falls back to 200 when no document response was observed.
func (m *responseMeta) status() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.code == 0 {
		return http.StatusOK
	}
	return m.code
}

func toHTTPCookies(src []*network.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(src))
	for _, c := range src {
		if c == nil || c.Name == "" {
			continue
		}
		cookie := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 && !c.Session {
			sec, frac := math.Modf(c.Expires)
			cookie.Expires = time.Unix(int64(sec), int64(frac*1e9)).UTC()
		}
		out = append(out, cookie)
	}
	return out
}
