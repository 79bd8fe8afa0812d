package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracedash/internal/dashboard"
	"tracedash/internal/logging"
	"tracedash/internal/observability"
	"tracedash/internal/trace"
	"tracedash/internal/tracesvc"
)

func newSimulator(config tracesvc.SimulatorConfig) *tracesvc.Simulator {
	return tracesvc.NewSimulator(config,
		tracesvc.WithLogger(logging.Nop()),
		tracesvc.WithRand(rand.New(rand.NewPCG(3, 5))),
	)
}

func newTestSession(t *testing.T, service trace.Service) *dashboard.Session {
	t.Helper()
	session, err := dashboard.New(service, dashboard.Config{}, logging.Nop(),
		trace.WithPollerConfig(trace.PollerConfig{Interval: time.Millisecond}))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, session.Close(ctx))
	})
	return session
}

func newTestRouter(t *testing.T, session *dashboard.Session, config RouterConfig) *gin.Engine {
	t.Helper()
	metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{Enabled: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = metrics.Shutdown(context.Background()) })

	tracer, err := observability.NewTracerProvider(observability.TracingConfig{})
	require.NoError(t, err)

	obs := &observability.Provider{Metrics: metrics, Tracer: tracer}
	return NewRouter(RouterDeps{Session: session, Obs: obs, Logger: logging.Nop()}, config)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var resp APIResponse
	if rec.Header().Get("Content-Type") != "" && bytes.HasPrefix(bytes.TrimSpace(rec.Body.Bytes()), []byte("{")) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

// decodeData re-decodes the envelope's data field into out.
func decodeData(t *testing.T, resp APIResponse, out any) {
	t.Helper()
	payload, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, out))
}

func TestRouter_TraceLifecycle(t *testing.T) {
	session := newTestSession(t, newSimulator(tracesvc.SimulatorConfig{StepInterval: time.Hour}))
	router := newTestRouter(t, session, RouterConfig{})

	rec, resp := doJSON(t, router, http.MethodPost, "/api/traces", StartTraceRequest{Goal: "classify doc", Context: map[string]any{"document": "lease.pdf"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var started StartTraceResponse
	decodeData(t, resp, &started)
	require.NotEmpty(t, started.TraceID)

	rec, resp = doJSON(t, router, http.MethodGet, "/api/traces/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var current trace.Record
	decodeData(t, resp, &current)
	assert.Equal(t, started.TraceID, current.ID)
	assert.Equal(t, trace.StatusRunning, current.Status)
	assert.Equal(t, "lease.pdf", current.Context["document"])

	rec, resp = doJSON(t, router, http.MethodGet, "/api/traces/"+started.TraceID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var byID trace.Record
	decodeData(t, resp, &byID)
	assert.Equal(t, started.TraceID, byID.ID)

	rec, resp = doJSON(t, router, http.MethodGet, "/api/traces", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []trace.Record
	decodeData(t, resp, &list)
	assert.Len(t, list, 1)

	rec, resp = doJSON(t, router, http.MethodDelete, "/api/traces/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cleared ClearCurrentResponse
	decodeData(t, resp, &cleared)
	assert.Equal(t, started.TraceID, cleared.TraceID)

	rec, resp = doJSON(t, router, http.MethodGet, "/api/traces/current", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, resp.Success)

	rec, _ = doJSON(t, router, http.MethodGet, "/api/traces/"+started.TraceID, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "clearing keeps the record")
}

func TestRouter_StartTraceValidation(t *testing.T) {
	session := newTestSession(t, newSimulator(tracesvc.SimulatorConfig{StepInterval: time.Hour}))
	router := newTestRouter(t, session, RouterConfig{MaxBodyBytes: 64})

	rec, resp := doJSON(t, router, http.MethodPost, "/api/traces", StartTraceRequest{Goal: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "goal is required", resp.Error)

	req := httptest.NewRequest(http.MethodPost, "/api/traces", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/traces", bytes.NewBufferString("goal=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)

	rec, _ = doJSON(t, router, http.MethodPost, "/api/traces", StartTraceRequest{Goal: string(bytes.Repeat([]byte("x"), 128))})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

type unavailableService struct{}

func (unavailableService) Start(context.Context, string, map[string]any) (string, error) {
	return "", fmt.Errorf("%w: dial tcp 127.0.0.1:8090: connect: connection refused", trace.ErrServiceUnavailable)
}

func (unavailableService) FetchUpdates(context.Context, string) (trace.Update, error) {
	return trace.Update{}, nil
}

func (unavailableService) FetchHistory(context.Context) ([]trace.Record, error) {
	return nil, trace.ErrServiceUnavailable
}

func TestRouter_StartFailureIsServiceUnavailable(t *testing.T) {
	session := newTestSession(t, unavailableService{})
	router := newTestRouter(t, session, RouterConfig{})

	rec, resp := doJSON(t, router, http.MethodPost, "/api/traces", StartTraceRequest{Goal: "classify doc"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
	assert.Empty(t, session.CurrentTraceID())
}

func TestRouter_StartRateLimit(t *testing.T) {
	session := newTestSession(t, newSimulator(tracesvc.SimulatorConfig{StepInterval: time.Hour}))
	router := newTestRouter(t, session, RouterConfig{StartRateLimit: RateLimitConfig{RequestsPerMinute: 1, Burst: 1}})

	rec, _ := doJSON(t, router, http.MethodPost, "/api/traces", StartTraceRequest{Goal: "first"})
	assert.Equal(t, http.StatusCreated, rec.Code)
	rec, _ = doJSON(t, router, http.MethodPost, "/api/traces", StartTraceRequest{Goal: "second"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	rec, _ = doJSON(t, router, http.MethodGet, "/api/traces", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "reads are not limited")
}

func TestRouter_UnknownTrace(t *testing.T) {
	session := newTestSession(t, newSimulator(tracesvc.SimulatorConfig{}))
	router := newTestRouter(t, session, RouterConfig{})

	for _, path := range []string{"/api/traces/nope", "/api/traces/nope/events", "/api/traces/nope/ws"} {
		rec, _ := doJSON(t, router, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	session := newTestSession(t, newSimulator(tracesvc.SimulatorConfig{StepInterval: time.Hour}))
	router := newTestRouter(t, session, RouterConfig{})

	doJSON(t, router, http.MethodGet, "/api/traces", nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tracedash_http_server_requests")
}

func TestRateLimiterRefills(t *testing.T) {
	limiter := newRateLimiter(RateLimitConfig{RequestsPerMinute: 60, Burst: 1})
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.allow("a"))
	assert.False(t, limiter.allow("a"))
	assert.True(t, limiter.allow("b"))

	now = now.Add(time.Second)
	assert.True(t, limiter.allow("a"))
}
