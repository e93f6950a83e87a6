// Package challenge coordinates anti-bot challenge solving across concurrent fetches.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
	"github.com/JakeFAU/creator-downloader/internal/metrics"
)

// Requester re-issues a GET for a URL using the shared client configuration.
type Requester interface {
	Get(ctx context.Context, rawURL, referer string) (*http.Response, error)
}

// Gate runs at most one solve at a time. Callers that had to wait for another
// solve re-probe the URL first and only solve if the challenge is still there.
type Gate struct {
	detector  downloader.ChallengeDetector
	solver    downloader.ChallengeSolver
	jar       http.CookieJar
	requester Requester
	sem       chan struct{}
	logger    *zap.Logger
}

// NewGate wires a Gate. The jar receives every cookie returned by the solver.
func NewGate(
	detector downloader.ChallengeDetector,
	solver downloader.ChallengeSolver,
	jar http.CookieJar,
	requester Requester,
	logger *zap.Logger,
) (*Gate, error) {
	if detector == nil {
		return nil, errors.New("challenge detector is required")
	}
	if solver == nil {
		return nil, errors.New("challenge solver is required")
	}
	if jar == nil {
		return nil, errors.New("cookie jar is required to store challenge cookies")
	}
	if requester == nil {
		return nil, errors.New("requester is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		detector:  detector,
		solver:    solver,
		jar:       jar,
		requester: requester,
		sem:       make(chan struct{}, 1),
		logger:    logger,
	}, nil
}

// CheckAndSolve reports whether resp was a challenge. When it was, the
// challenge has been cleared (by this call or a concurrent one) and the caller
// should repeat its request. A solver that yields no cookies produces an error
// matching downloader.ErrChallengeUnsolvable.
func (g *Gate) CheckAndSolve(ctx context.Context, rawURL, referer string, resp *http.Response) (bool, error) {
	detected, err := g.detector.IsChallenge(resp)
	if err != nil {
		return false, fmt.Errorf("detect challenge: %w", err)
	}
	if !detected {
		return false, nil
	}
	g.logger.Debug("challenge detected", zap.String("url", rawURL))

	enteredImmediately := g.tryAcquire()
	if !enteredImmediately {
		if err := g.acquire(ctx); err != nil {
			return true, err
		}
	}
	defer g.release()

	needSolve := true
	if !enteredImmediately {
		needSolve = g.stillChallenged(ctx, rawURL, referer)
	}
	if !needSolve {
		g.logger.Debug("challenge already solved by another fetch", zap.String("url", rawURL))
		metrics.ObserveChallenge("already_solved")
		return true, nil
	}

	if err := g.solve(ctx, rawURL); err != nil {
		metrics.ObserveChallenge("failed")
		return true, err
	}
	metrics.ObserveChallenge("solved")
	return true, nil
}

func (g *Gate) solve(ctx context.Context, rawURL string) error {
	g.logger.Info("solving challenge", zap.String("url", rawURL))
	cookies, err := g.solver.Solve(ctx, rawURL)
	if err != nil {
		return downloader.NewFetchError(downloader.KindChallengeUnsolvable, rawURL, 0, err)
	}
	if len(cookies) == 0 {
		return downloader.NewFetchError(downloader.KindChallengeUnsolvable, rawURL, 0,
			errors.New("solver returned no cookies"))
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return downloader.NewFetchError(downloader.KindChallengeUnsolvable, rawURL, 0,
			fmt.Errorf("parse challenge url: %w", err))
	}
	g.jar.SetCookies(u, cookies)
	g.logger.Info("challenge cookies merged", zap.String("url", rawURL), zap.Int("cookies", len(cookies)))
	return nil
}

// stillChallenged re-probes rawURL; a failed probe is treated as still challenged.
func (g *Gate) stillChallenged(ctx context.Context, rawURL, referer string) bool {
	resp, err := g.requester.Get(ctx, rawURL, referer)
	if err != nil {
		g.logger.Warn("challenge re-probe failed", zap.String("url", rawURL), zap.Error(err))
		return true
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	detected, err := g.detector.IsChallenge(resp)
	if err != nil {
		g.logger.Warn("challenge re-probe detection failed", zap.String("url", rawURL), zap.Error(err))
		return true
	}
	return detected
}

func (g *Gate) tryAcquire() bool {
	select {
	case g.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (g *Gate) acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("challenge gate wait canceled: %w", ctx.Err())
	}
}

func (g *Gate) release() {
	select {
	case <-g.sem:
	default:
	}
}
