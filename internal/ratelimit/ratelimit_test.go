package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterBurst(t *testing.T) {
	m := NewMemoryLimiter(1, 3)
	defer m.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, err := m.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")
}

func TestMemoryLimiterRefill(t *testing.T) {
	m := NewMemoryLimiter(100, 1)
	defer m.Close()

	ctx := context.Background()
	ok, _ := m.Allow(ctx, "k")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "k")
	require.False(t, ok)

	// At 100 tokens/s a token is back within tens of milliseconds.
	time.Sleep(50 * time.Millisecond)
	ok, _ = m.Allow(ctx, "k")
	assert.True(t, ok)
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	defer m.Close()

	ctx := context.Background()
	ok, _ := m.Allow(ctx, "a")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "a")
	require.False(t, ok)

	ok, _ = m.Allow(ctx, "b")
	assert.True(t, ok, "other keys have their own bucket")
}

func TestMemoryLimiterDropsIdleKeys(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	defer m.Close()

	_, _ = m.Allow(context.Background(), "k")
	m.dropIdle(time.Now().Add(idleEviction + time.Minute))

	m.mu.Lock()
	_, ok := m.byKey["k"]
	m.mu.Unlock()
	assert.False(t, ok)
}

func TestNoopLimiter(t *testing.T) {
	var l Limiter = NoopLimiter{}
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(context.Background(), "k")
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.NoError(t, l.Close())
}

func TestMiddlewareBlocks(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	defer m.Close()

	handler := Middleware(m, "test", IPKeyFunc, nil)(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) },
	))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	handler := Middleware(nil, "test", IPKeyFunc, nil)(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) },
	))

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestMiddlewareEmptyKeySkips(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	defer m.Close()

	noKey := func(*http.Request) string { return "" }
	handler := Middleware(m, "test", noKey, nil)(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) },
	))

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:51234"
	assert.Equal(t, "192.0.2.7", IPKeyFunc(req))
}
