package challenge

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
)

const challengeBody = `<html><script src="https://ct.captcha-delivery.com/c.js"></script></html>`

func challengeResponse() *http.Response {
	return &http.Response{
		StatusCode: http.StatusForbidden,
		Body:       io.NopCloser(strings.NewReader(challengeBody)),
	}
}

func okResponse() *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
	}
}

type fakeSolver struct {
	calls   atomic.Int32
	delay   time.Duration
	cookies []*http.Cookie
	err     error
	solved  *atomic.Bool
}

func (f *fakeSolver) Solve(ctx context.Context, _ string) ([]*http.Cookie, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.solved != nil {
		f.solved.Store(true)
	}
	return f.cookies, nil
}

// fakeRequester answers with a challenge until solved flips.
type fakeRequester struct {
	calls  atomic.Int32
	solved *atomic.Bool
}

func (f *fakeRequester) Get(context.Context, string, string) (*http.Response, error) {
	f.calls.Add(1)
	if f.solved.Load() {
		return okResponse(), nil
	}
	return challengeResponse(), nil
}

func newJar(t *testing.T) http.CookieJar {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return jar
}

func TestNewGateValidatesDependencies(t *testing.T) {
	t.Parallel()

	solved := &atomic.Bool{}
	det := NewCaptchaDeliveryDetector()
	solver := &fakeSolver{}
	req := &fakeRequester{solved: solved}
	jar := newJar(t)

	_, err := NewGate(nil, solver, jar, req, nil)
	require.Error(t, err)
	_, err = NewGate(det, nil, jar, req, nil)
	require.Error(t, err)
	_, err = NewGate(det, solver, nil, req, nil)
	require.Error(t, err)
	_, err = NewGate(det, solver, jar, nil, nil)
	require.Error(t, err)
	g, err := NewGate(det, solver, jar, req, nil)
	require.NoError(t, err)
	require.NotNil(t, g)
}

func TestGateIgnoresNonChallengeResponses(t *testing.T) {
	t.Parallel()

	solved := &atomic.Bool{}
	solver := &fakeSolver{}
	g, err := NewGate(NewCaptchaDeliveryDetector(), solver, newJar(t), &fakeRequester{solved: solved}, zap.NewNop())
	require.NoError(t, err)

	plain403 := &http.Response{StatusCode: http.StatusForbidden, Body: io.NopCloser(strings.NewReader("denied"))}
	got, err := g.CheckAndSolve(context.Background(), "https://example.com/a", "", plain403)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = g.CheckAndSolve(context.Background(), "https://example.com/a", "", okResponse())
	require.NoError(t, err)
	assert.False(t, got)
	assert.Zero(t, solver.calls.Load())
}

func TestGateSolvesAndMergesCookies(t *testing.T) {
	t.Parallel()

	solved := &atomic.Bool{}
	jar := newJar(t)
	solver := &fakeSolver{
		cookies: []*http.Cookie{{Name: "datadome", Value: "token", Path: "/"}},
		solved:  solved,
	}
	g, err := NewGate(NewCaptchaDeliveryDetector(), solver, jar, &fakeRequester{solved: solved}, zap.NewNop())
	require.NoError(t, err)

	got, err := g.CheckAndSolve(context.Background(), "https://creator.example.com/page", "", challengeResponse())
	require.NoError(t, err)
	assert.True(t, got)
	assert.EqualValues(t, 1, solver.calls.Load())

	u, err := url.Parse("https://creator.example.com/other")
	require.NoError(t, err)
	cookies := jar.Cookies(u)
	require.Len(t, cookies, 1)
	assert.Equal(t, "datadome", cookies[0].Name)
}

func TestGateUnsolvable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		solver *fakeSolver
	}{
		{name: "no cookies", solver: &fakeSolver{}},
		{name: "solver error", solver: &fakeSolver{err: errors.New("browser crashed")}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			solved := &atomic.Bool{}
			g, err := NewGate(NewCaptchaDeliveryDetector(), tt.solver, newJar(t), &fakeRequester{solved: solved}, nil)
			require.NoError(t, err)

			got, err := g.CheckAndSolve(context.Background(), "https://example.com/a", "", challengeResponse())
			assert.True(t, got)
			require.ErrorIs(t, err, downloader.ErrChallengeUnsolvable)
			assert.Equal(t, downloader.KindChallengeUnsolvable, downloader.KindOf(err))
		})
	}
}

func TestGateConcurrentCallersSolveOnce(t *testing.T) {
	t.Parallel()

	solved := &atomic.Bool{}
	solver := &fakeSolver{
		delay:   50 * time.Millisecond,
		cookies: []*http.Cookie{{Name: "datadome", Value: "token"}},
		solved:  solved,
	}
	req := &fakeRequester{solved: solved}
	g, err := NewGate(NewCaptchaDeliveryDetector(), solver, newJar(t), req, zap.NewNop())
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]bool, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.CheckAndSolve(context.Background(), "https://example.com/a", "", challengeResponse())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.True(t, results[i])
	}
	assert.EqualValues(t, 1, solver.calls.Load())
}

func TestGateWaitHonorsContext(t *testing.T) {
	t.Parallel()

	solved := &atomic.Bool{}
	g, err := NewGate(NewCaptchaDeliveryDetector(), &fakeSolver{}, newJar(t), &fakeRequester{solved: solved}, nil)
	require.NoError(t, err)

	g.sem <- struct{}{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := g.CheckAndSolve(ctx, "https://example.com/a", "", challengeResponse())
	assert.True(t, got)
	require.ErrorIs(t, err, context.Canceled)
}

func TestMarkerDetectorRestoresBody(t *testing.T) {
	t.Parallel()

	resp := challengeResponse()
	detected, err := NewCaptchaDeliveryDetector().IsChallenge(resp)
	require.NoError(t, err)
	require.True(t, detected)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, challengeBody, string(body))
	require.NoError(t, resp.Body.Close())
}

func TestMarkerDetectorIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	resp := &http.Response{
		StatusCode: http.StatusForbidden,
		Body:       io.NopCloser(strings.NewReader(strings.ToUpper(challengeBody))),
	}
	detected, err := NewCaptchaDeliveryDetector().IsChallenge(resp)
	require.NoError(t, err)
	assert.True(t, detected)

	detected, err = NewCaptchaDeliveryDetector().IsChallenge(nil)
	require.NoError(t, err)
	assert.False(t, detected)
}
