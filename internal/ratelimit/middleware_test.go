package ratelimit_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/ratelimit"
	"github.com/ashita-ai/shiken/internal/testutil"
)

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("redis down") }
func (brokenLimiter) Close() error                                { return nil }

func serve(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/workflows", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func ok() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
}

func TestMiddlewareLimitsPerKey(t *testing.T) {
	l := ratelimit.NewMemoryLimiter(0.001, 2)
	defer func() { _ = l.Close() }()
	h := ratelimit.Middleware(l, ratelimit.IPKeyFunc,
		func(*http.Request) string { return "req-9" }, testutil.TestLogger())(ok())

	assert.Equal(t, http.StatusNoContent, serve(h, "10.0.0.1:5000").Code)
	assert.Equal(t, http.StatusNoContent, serve(h, "10.0.0.1:5001").Code)

	rec := serve(h, "10.0.0.1:5002")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	var body model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, "req-9", body.Meta.RequestID)

	assert.Equal(t, http.StatusNoContent, serve(h, "10.0.0.2:5000").Code, "other clients are unaffected")
}

func TestMiddlewareFailsOpen(t *testing.T) {
	h := ratelimit.Middleware(brokenLimiter{}, ratelimit.IPKeyFunc, nil, testutil.TestLogger())(ok())
	assert.Equal(t, http.StatusNoContent, serve(h, "10.0.0.1:5000").Code)
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	h := ratelimit.Middleware(brokenLimiter{}, func(*http.Request) string { return "" }, nil, testutil.TestLogger())(ok())
	assert.Equal(t, http.StatusNoContent, serve(h, "10.0.0.1:5000").Code)
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:41234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "ip:192.0.2.7", ratelimit.IPKeyFunc(req))
}
