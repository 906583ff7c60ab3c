package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/platinummonkey/meter/pkg/contextkeys"
	"github.com/platinummonkey/meter/pkg/pricing"
	"github.com/platinummonkey/meter/pkg/quota"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	decision quota.Decision
	err      error
	calls    []quota.Operation
}

func (f *fakeChecker) CheckAndAuthorize(ctx context.Context, orgID int64, op quota.Operation, units int64) (quota.Decision, error) {
	f.calls = append(f.calls, op)
	d := f.decision
	d.Operation = op
	return d, f.err
}

type fakeRecorder struct {
	mu    sync.Mutex
	units map[pricing.Feature]int
}

func (f *fakeRecorder) InsertUsageUnit(ctx context.Context, orgID int64, feature pricing.Feature) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.units == nil {
		f.units = make(map[pricing.Feature]int)
	}
	f.units[feature]++
	return "unit", nil
}

func (f *fakeRecorder) count(feature pricing.Feature) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.units[feature]
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func orgRequest(method, path string, orgID int64) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	return req.WithContext(contextkeys.WithOrganizationID(req.Context(), orgID))
}

func statusHandler(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	})
}

func TestQuotaMiddleware_AllowsAndTracksUsage(t *testing.T) {
	checker := &fakeChecker{decision: quota.Decision{Allowed: true, Limit: 50}}
	recorder := &fakeRecorder{}
	m := NewQuotaMiddleware(checker, recorder, quietLogger())

	rec := httptest.NewRecorder()
	m.Handler(statusHandler(http.StatusCreated)).ServeHTTP(rec, orgRequest(http.MethodPost, "/api/ai/image/generate", 1))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []quota.Operation{quota.OpGenerateImage}, checker.calls)
	assert.Eventually(t, func() bool {
		return recorder.count(pricing.FeatureAIImages) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestQuotaMiddleware_Denied(t *testing.T) {
	checker := &fakeChecker{decision: quota.Decision{
		Allowed:      false,
		CurrentUsage: 10,
		Limit:        10,
		Reason:       "usage limit exceeded: 10/10",
	}}
	called := false
	m := NewQuotaMiddleware(checker, &fakeRecorder{}, quietLogger())

	rec := httptest.NewRecorder()
	m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})).ServeHTTP(rec, orgRequest(http.MethodPost, "/api/ai/video", 1))

	assert.False(t, called)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "quota_exceeded", body["error"])
	assert.Equal(t, string(quota.OpGenerateVideo), body["operation"])
	assert.Equal(t, float64(10), body["current_usage"])
	assert.Equal(t, float64(10), body["limit"])
}

func TestQuotaMiddleware_CheckError(t *testing.T) {
	checker := &fakeChecker{err: errors.New("db down")}
	m := NewQuotaMiddleware(checker, nil, quietLogger())

	rec := httptest.NewRecorder()
	m.Handler(statusHandler(http.StatusOK)).ServeHTTP(rec, orgRequest(http.MethodPost, "/posts", 1))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestQuotaMiddleware_FailedRequestNotTracked(t *testing.T) {
	checker := &fakeChecker{decision: quota.Decision{Allowed: true}}
	recorder := &fakeRecorder{}
	m := NewQuotaMiddleware(checker, recorder, quietLogger())

	rec := httptest.NewRecorder()
	m.Handler(statusHandler(http.StatusBadGateway)).ServeHTTP(rec, orgRequest(http.MethodPost, "/posts", 1))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, recorder.count(pricing.FeaturePosts))
}

func TestQuotaMiddleware_Passthrough(t *testing.T) {
	tests := []struct {
		name string
		req  *http.Request
	}{
		{"no organization", httptest.NewRequest(http.MethodPost, "/posts", nil)},
		{"read request", orgRequest(http.MethodGet, "/posts", 1)},
		{"billing route", orgRequest(http.MethodPost, "/billing/upgrade", 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := &fakeChecker{}
			m := NewQuotaMiddleware(checker, nil, quietLogger())

			rec := httptest.NewRecorder()
			m.Handler(statusHandler(http.StatusOK)).ServeHTTP(rec, tt.req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Empty(t, checker.calls)
		})
	}
}
