package chromedp

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLimiterValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: -1}, nil)
	require.Error(t, err)

	solver, err := New(Config{MaxParallel: 2, Headless: true}, nil)
	require.NoError(t, err)
	defer solver.Close()
	assert.Equal(t, 2, cap(solver.limiter))
}

func TestSolverTimeoutDefaults(t *testing.T) {
	t.Parallel()

	s := &Solver{}
	assert.Equal(t, defaultNavigationTimeout, s.navTimeout())
	assert.Equal(t, defaultPollInterval, s.pollInterval())

	s.cfg.NavigationTimeout = time.Second
	s.cfg.PollInterval = 10 * time.Millisecond
	assert.Equal(t, time.Second, s.navTimeout())
	assert.Equal(t, 10*time.Millisecond, s.pollInterval())
}

func TestSolverAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	s := &Solver{limiter: make(chan struct{}, 1)}
	require.NoError(t, s.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.acquire(ctx), context.Canceled)

	s.release()
	require.NoError(t, s.acquire(context.Background()))
}

func TestResponseMetaTracksDocumentStatus(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	assert.Equal(t, http.StatusOK, meta.status())

	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 500},
	})
	assert.Equal(t, http.StatusOK, meta.status())

	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 403},
	})
	assert.Equal(t, http.StatusForbidden, meta.status())

	meta.reset()
	assert.Equal(t, http.StatusOK, meta.status())
	meta.captureEvent("not an event")
	assert.Equal(t, http.StatusOK, meta.status())
}

func TestToHTTPCookies(t *testing.T) {
	t.Parallel()

	got := toHTTPCookies([]*network.Cookie{
		nil,
		{Name: ""},
		{Name: "session", Value: "s", Domain: ".example.com", Path: "/", Session: true, Expires: -1},
		{Name: "datadome", Value: "d", Domain: "example.com", Path: "/", Secure: true, HTTPOnly: true, Expires: 1700000000.5},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "session", got[0].Name)
	assert.True(t, got[0].Expires.IsZero())

	assert.Equal(t, "datadome", got[1].Name)
	assert.True(t, got[1].Secure)
	assert.True(t, got[1].HttpOnly)
	assert.Equal(t, int64(1700000000), got[1].Expires.Unix())
}
