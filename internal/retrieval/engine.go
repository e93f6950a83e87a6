// Package retrieval implements the HTTP retry state machine that fetches files
// and pages for the downloader.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/creator-downloader/internal/clock/system"
	"github.com/JakeFAU/creator-downloader/internal/conflict"
	"github.com/JakeFAU/creator-downloader/internal/downloader"
	"github.com/JakeFAU/creator-downloader/internal/hash/md5"
	"github.com/JakeFAU/creator-downloader/internal/metrics"
)

const tracerName = "github.com/JakeFAU/creator-downloader/internal/retrieval"

// ChallengeGate clears anti-bot challenges found in responses.
type ChallengeGate interface {
	CheckAndSolve(ctx context.Context, rawURL, referer string, resp *http.Response) (bool, error)
}

// ConflictResolver decides what to do with existing destination files.
type ConflictResolver interface {
	PreDownloadDecision(path string, remoteSize int64, checkSize bool, policy downloader.ConflictPolicy) bool
	PostDownloadCommit(path, tempPath string, policy downloader.ConflictPolicy) error
}

// RateLimiter paces requests per host.
type RateLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Deps are the collaborators of an Engine. Only Requester is required.
type Deps struct {
	Requester *Requester
	Resolver  ConflictResolver
	Gate      ChallengeGate
	Sleeper   downloader.Sleeper
	Limiter   RateLimiter
	Logger    *zap.Logger
}

// Engine implements downloader.Retriever and downloader.Prober.
type Engine struct {
	policy    downloader.RetrievalPolicy
	requester *Requester
	resolver  ConflictResolver
	gate      ChallengeGate
	sleeper   downloader.Sleeper
	limiter   RateLimiter
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New wires an Engine for policy.
func New(policy downloader.RetrievalPolicy, deps Deps) (*Engine, error) {
	if deps.Requester == nil {
		return nil, errors.New("requester is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := system.New()
	resolver := deps.Resolver
	if resolver == nil {
		resolver = conflict.New(md5.New(), clock, logger)
	}
	sleeper := deps.Sleeper
	if sleeper == nil {
		sleeper = clock
	}
	return &Engine{
		policy:    policy,
		requester: deps.Requester,
		resolver:  resolver,
		gate:      deps.Gate,
		sleeper:   sleeper,
		limiter:   deps.Limiter,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
	}, nil
}

// Policy returns the policy the engine was built with.
func (e *Engine) Policy() downloader.RetrievalPolicy {
	return e.policy
}

// retryState carries the counters of one logical fetch across attempts.
// At most one of retry and tooMany is non-zero: each outcome resets the other.
type retryState struct {
	url        string
	retry      int
	tooMany    int
	redirects  int
	lastStatus int
	lastErr    error
}

func (s *retryState) transient(status int, cause error) {
	s.retry++
	s.tooMany = 0
	s.lastStatus = status
	s.lastErr = downloader.NewFetchError(downloader.KindTransient, s.url, status, cause)
	metrics.ObserveRetry(s.url, "transient")
}

func (s *retryState) rateLimited() {
	s.tooMany++
	s.retry = 0
	s.lastStatus = http.StatusTooManyRequests
	s.lastErr = downloader.NewFetchError(downloader.KindRateLimited, s.url, http.StatusTooManyRequests, nil)
	metrics.ObserveRetry(s.url, "rate_limited")
}

type action int

const (
	actionAccept action = iota
	actionRetry
	actionFail
)

// request describes one kind of logical fetch run through execute.
type request struct {
	method  string
	headers http.Header
	useGate bool
	// prepare runs before each send; skip ends the fetch successfully.
	prepare func(ctx context.Context, st *retryState) (skip bool, err error)
	// accept consumes a 2xx response and closes it. retry means it recorded
	// a transient failure on st.
	accept func(ctx context.Context, resp *http.Response, st *retryState) (retry bool, err error)
}

// execute runs the retry loop. Every iteration is one attempt; challenge
// repeats and redirects do not consume the retry budget.
func (e *Engine) execute(ctx context.Context, rawURL, referer string, req request) error {
	st := &retryState{url: rawURL}
	for {
		if err := e.beforeAttempt(ctx, st); err != nil {
			return err
		}
		if req.prepare != nil {
			skip, err := req.prepare(ctx, st)
			if err != nil {
				return err
			}
			if skip {
				return nil
			}
		}

		resp, sendErr := e.requester.Do(ctx, req.method, st.url, referer, req.headers)
		next, err := e.classify(ctx, st, referer, resp, sendErr, req.useGate)
		switch next {
		case actionFail:
			return err
		case actionRetry:
			continue
		}

		retry, err := req.accept(ctx, resp, st)
		if err != nil {
			return err
		}
		if !retry {
			return nil
		}
	}
}

// beforeAttempt enforces the retry budget and sleeps the linear backoff.
// Rate-limited attempts never exhaust the budget.
func (e *Engine) beforeAttempt(ctx context.Context, st *retryState) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("fetch %s: %w", st.url, err)
	}
	limit := e.policy.MaxRetries()
	if st.retry >= limit {
		e.logger.Warn("retries exhausted", zap.String("url", st.url), zap.Int("retries", st.retry))
		return downloader.NewFetchError(downloader.KindRetriesExhausted, st.url, st.lastStatus, st.lastErr)
	}
	if d := e.policy.Backoff(max(st.retry, st.tooMany)); d > 0 {
		e.logger.Debug("backing off", zap.String("url", st.url), zap.Duration("delay", d))
		if err := e.sleeper.Sleep(ctx, d); err != nil {
			return fmt.Errorf("backoff %s: %w", st.url, err)
		}
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, st.url); err != nil {
			return fmt.Errorf("fetch %s: %w", st.url, err)
		}
	}
	return nil
}

// classify maps a response (or transport error) onto the next loop action.
// Except for actionAccept the response body is closed here.
func (e *Engine) classify(
	ctx context.Context,
	st *retryState,
	referer string,
	resp *http.Response,
	sendErr error,
	useGate bool,
) (action, error) {
	if sendErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return actionFail, fmt.Errorf("fetch %s: %w", st.url, ctxErr)
		}
		var netErr net.Error
		timeout := errors.As(sendErr, &netErr) && netErr.Timeout()
		e.logger.Debug("transport error", zap.String("url", st.url), zap.Bool("timeout", timeout), zap.Error(sendErr))
		st.transient(0, sendErr)
		return actionRetry, nil
	}

	if useGate && e.gate != nil {
		challenged, err := e.gate.CheckAndSolve(ctx, st.url, referer, resp)
		if challenged {
			drainAndClose(resp)
			if err != nil {
				return actionFail, err
			}
			return actionRetry, nil
		}
		if err != nil {
			drainAndClose(resp)
			st.transient(resp.StatusCode, err)
			return actionRetry, nil
		}
	}

	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return actionAccept, nil
	case isRedirect(code):
		return e.followRedirect(st, resp)
	case code == http.StatusTooManyRequests:
		drainAndClose(resp)
		e.logger.Info("rate limited", zap.String("url", st.url), zap.Int("count", st.tooMany+1))
		st.rateLimited()
		return actionRetry, nil
	case isPermanent(code):
		fe := downloader.NewFetchError(downloader.KindPermanent, st.url, code, nil)
		fe.Body = excerpt(resp)
		drainAndClose(resp)
		return actionFail, fe
	default:
		drainAndClose(resp)
		e.logger.Debug("retryable status", zap.String("url", st.url), zap.Int("status", code))
		st.transient(code, fmt.Errorf("unexpected status %d", code))
		return actionRetry, nil
	}
}

func (e *Engine) followRedirect(st *retryState, resp *http.Response) (action, error) {
	location := resp.Header.Get("Location")
	code := resp.StatusCode
	drainAndClose(resp)
	if location == "" {
		st.transient(code, errors.New("redirect without location"))
		return actionRetry, nil
	}
	base, err := url.Parse(st.url)
	if err != nil {
		return actionFail, downloader.NewFetchError(downloader.KindPermanent, st.url, code, err)
	}
	ref, err := url.Parse(location)
	if err != nil {
		st.transient(code, fmt.Errorf("parse location: %w", err))
		return actionRetry, nil
	}
	next := base.ResolveReference(ref).String()

	st.redirects++
	if limit := e.policy.MaxRedirects(); limit > 0 && st.redirects > limit {
		return actionFail, downloader.NewFetchError(downloader.KindPermanent, st.url, code,
			fmt.Errorf("stopped after %d redirects", limit))
	}
	e.logger.Debug("following redirect", zap.String("from", st.url), zap.String("to", next), zap.Int("status", code))
	metrics.ObserveRetry(st.url, "redirect")
	st.url = next
	st.retry = 0
	st.tooMany = 0
	st.lastErr = downloader.NewFetchError(downloader.KindRedirectFollowed, next, code, nil)
	return actionRetry, nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func isPermanent(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusGone:
		return true
	}
	return false
}

// FetchFile downloads rawURL to dest through a temp file next to it. It returns
// nil without downloading when the conflict policy keeps an existing file.
func (e *Engine) FetchFile(ctx context.Context, rawURL, dest, referer string) (err error) {
	ctx, span := e.tracer.Start(ctx, "retrieval.FetchFile",
		trace.WithAttributes(attribute.String("url", rawURL), attribute.String("dest", dest)))
	defer func() { endSpan(span, err) }()

	temp := dest + downloader.TempSuffix
	var (
		remoteSize int64
		written    int64
	)
	identity := http.Header{"Accept-Encoding": {"identity"}}

	err = e.execute(ctx, rawURL, referer, request{
		method:  http.MethodGet,
		headers: identity,
		useGate: true,
		prepare: func(ctx context.Context, st *retryState) (bool, error) {
			removeQuietly(temp)
			remoteSize = e.probeSize(ctx, st.url, referer)
			if fileExists(dest) &&
				!e.resolver.PreDownloadDecision(dest, remoteSize, e.policy.CheckRemoteSize(), e.policy.ConflictPolicy()) {
				e.logger.Info("keeping existing file", zap.String("url", st.url), zap.String("path", dest))
				return true, nil
			}
			if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
				return false, &downloader.CommitError{Path: dest, Op: "create directory", Err: err}
			}
			return false, nil
		},
		accept: func(ctx context.Context, resp *http.Response, st *retryState) (bool, error) {
			n, err := writeTemp(resp, temp)
			if err != nil {
				removeQuietly(temp)
				if ctxErr := ctx.Err(); ctxErr != nil {
					return false, fmt.Errorf("fetch %s: %w", st.url, ctxErr)
				}
				e.logger.Debug("body transfer failed", zap.String("url", st.url), zap.Error(err))
				st.transient(resp.StatusCode, err)
				return true, nil
			}
			if remoteSize > 0 && n != remoteSize {
				removeQuietly(temp)
				e.logger.Warn("size mismatch",
					zap.String("url", st.url),
					zap.Int64("expected", remoteSize),
					zap.Int64("received", n),
				)
				metrics.ObserveRetry(st.url, "size_mismatch")
				st.transient(resp.StatusCode, fmt.Errorf("size mismatch: expected %d bytes, received %d", remoteSize, n))
				return true, nil
			}
			if err := e.resolver.PostDownloadCommit(dest, temp, e.policy.ConflictPolicy()); err != nil {
				removeQuietly(temp)
				return false, err
			}
			written = n
			return false, nil
		},
	})

	result := "success"
	if err != nil {
		result = resultLabel(err)
	}
	metrics.ObserveFetch(rawURL, result, written)
	if err == nil {
		e.logger.Debug("fetch complete", zap.String("url", rawURL), zap.String("path", dest), zap.Int64("bytes", written))
	}
	return err
}

// browserHeaders mimic a desktop browser for page fetches.
func browserHeaders() http.Header {
	return http.Header{
		"Accept":          {"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"},
		"Accept-Language": {"en-US,en;q=0.5"},
		"Cache-Control":   {"no-cache"},
		"Dnt":             {"1"},
		"Accept-Encoding": {"gzip, deflate, br"},
	}
}

// FetchString fetches rawURL and returns the decoded body.
func (e *Engine) FetchString(ctx context.Context, rawURL, referer string) (body string, err error) {
	ctx, span := e.tracer.Start(ctx, "retrieval.FetchString", trace.WithAttributes(attribute.String("url", rawURL)))
	defer func() { endSpan(span, err) }()

	err = e.execute(ctx, rawURL, referer, request{
		method:  http.MethodGet,
		headers: browserHeaders(),
		useGate: true,
		accept: func(ctx context.Context, resp *http.Response, st *retryState) (bool, error) {
			data, err := readDecodedBody(resp)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return false, fmt.Errorf("fetch %s: %w", st.url, ctxErr)
				}
				st.transient(resp.StatusCode, err)
				return true, nil
			}
			body = string(data)
			return false, nil
		},
	})
	result := "success"
	if err != nil {
		result = resultLabel(err)
	}
	metrics.ObserveFetch(rawURL, result, 0)
	return body, err
}

func writeTemp(resp *http.Response, temp string) (int64, error) {
	defer func() { _ = resp.Body.Close() }()
	f, err := os.OpenFile(temp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) // #nosec G304 -- path derived from the item's download path
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	n, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		return n, fmt.Errorf("write temp file: %w", copyErr)
	}
	if closeErr != nil {
		return n, fmt.Errorf("close temp file: %w", closeErr)
	}
	return n, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func removeQuietly(path string) {
	_ = os.Remove(path)
}

func resultLabel(err error) string {
	if kind := downloader.KindOf(err); kind != 0 {
		return kind.String()
	}
	if errors.Is(err, downloader.ErrCommit) {
		return "commit"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "error"
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
