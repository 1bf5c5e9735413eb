package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/automaton-review/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-review/internal/metrics"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(GetKeyNameFromContext(r.Context())))
})

func TestAPIKeyAuth(t *testing.T) {
	h := APIKeyAuth(map[string]string{"ops": "s3cret"})(okHandler)

	cases := []struct {
		name   string
		header map[string]string
		code   int
		body   string
	}{
		{"missing", nil, http.StatusUnauthorized, ""},
		{"wrong", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized, ""},
		{"bearer", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK, "ops"},
		{"x-api-key", map[string]string{"X-API-Key": "s3cret"}, http.StatusOK, "ops"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/store/stats", nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.code, rec.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, rec.Body.String())
			}
		})
	}
}

func TestAPIKeyAuth_DisabledWithoutKeys(t *testing.T) {
	rec := httptest.NewRecorder()
	APIKeyAuth(nil)(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthAndReadiness(t *testing.T) {
	healthy := map[string]HealthChecker{
		"store": PingChecker{Target: pingFunc(func(context.Context) error { return nil })},
	}
	broken := map[string]HealthChecker{
		"store": PingChecker{Target: pingFunc(func(context.Context) error { return nil })},
		"db":    CheckFunc(func(context.Context) error { return errors.New("connection refused") }),
	}

	rec := httptest.NewRecorder()
	HealthHandler(healthy)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	HealthHandler(broken)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var hs HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hs))
	assert.Equal(t, "unhealthy", hs.Status)
	assert.Equal(t, "connection refused", hs.Checks["db"].Message)
	assert.Equal(t, "healthy", hs.Checks["store"].Status)

	rec = httptest.NewRecorder()
	ReadinessHandler(healthy)(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready"`)

	rec = httptest.NewRecorder()
	ReadinessHandler(broken)(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_ready")

	rec = httptest.NewRecorder()
	LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, "ok", rec.Body.String())
}

func TestPingChecker_Timeout(t *testing.T) {
	c := PingChecker{Timeout: 10 * time.Millisecond, Target: pingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})}
	assert.ErrorIs(t, c.Check(context.Background()), context.DeadlineExceeded)
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, isHijacker := w.(http.Hijacker)
		assert.True(t, isHijacker)
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/analyses", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "http request", entry["msg"])
	assert.Equal(t, float64(http.StatusTeapot), entry["status"])
	assert.Equal(t, float64(len("short and stout")), entry["bytes"])
	assert.Equal(t, "/v1/analyses", entry["path"])
}

func TestMetricsMiddleware(t *testing.T) {
	before := testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues(http.MethodDelete, "4xx"))
	h := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/v1/analyses/x", nil))
	after := testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues(http.MethodDelete, "4xx"))
	assert.Equal(t, before+1, after)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.RequestsInFlight))
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(0.001, 2, time.Minute)
	defer rl.Close()
	h := RateLimitMiddleware(rl)(okHandler)

	call := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/analyses/x", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, call("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, call("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:1002"))
	assert.Equal(t, http.StatusOK, call("10.0.0.2:1000"))
}

func TestRateLimiter_SweepDropsIdle(t *testing.T) {
	rl := NewRateLimiter(1, 1, time.Minute)
	defer rl.Close()
	rl.Allow("a")
	rl.Allow("b")
	assert.Equal(t, 2, rl.Len())
	rl.sweep(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 0, rl.Len())
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	assert.Equal(t, "192.0.2.7", ClientIP(req))
	req.RemoteAddr = "192.0.2.8"
	assert.Equal(t, "192.0.2.8", ClientIP(req))
}

func TestParseTrustedProxies(t *testing.T) {
	p, err := ParseTrustedProxies([]string{"10.1.0.0/16", " 192.0.2.1 ", "", "::1"})
	require.NoError(t, err)
	assert.True(t, p.Contains("10.1.200.3"))
	assert.True(t, p.Contains("192.0.2.1"))
	assert.True(t, p.Contains("::ffff:192.0.2.1"))
	assert.True(t, p.Contains("::1"))
	assert.False(t, p.Contains("192.0.2.2"))
	assert.False(t, p.Contains("not-an-ip"))

	var none *TrustedProxies
	assert.False(t, none.Contains("127.0.0.1"))

	_, err = ParseTrustedProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"proxy.internal"})
	assert.Error(t, err)
}

func TestRealIP(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.9.0.0/16"})
	require.NoError(t, err)
	h := RealIP(trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(ClientIP(r)))
	}))

	cases := []struct {
		name   string
		peer   string
		header map[string]string
		want   string
	}{
		{"untrusted peer keeps socket address", "203.0.113.5:4000",
			map[string]string{"X-Real-IP": "10.0.0.1", "X-Forwarded-For": "10.0.0.1", "True-Client-IP": "10.0.0.1"}, "203.0.113.5"},
		{"trusted peer, x-real-ip", "10.9.0.2:4000", map[string]string{"X-Real-IP": "198.51.100.7"}, "198.51.100.7"},
		{"rightmost untrusted hop wins", "10.9.0.2:4000",
			map[string]string{"X-Forwarded-For": "6.6.6.6, 198.51.100.7, 10.9.0.3"}, "198.51.100.7"},
		{"forwarded beats x-real-ip", "10.9.0.2:4000",
			map[string]string{"X-Forwarded-For": "198.51.100.7", "X-Real-IP": "6.6.6.6"}, "198.51.100.7"},
		{"true-client-ip fallback", "10.9.0.2:4000", map[string]string{"True-Client-IP": "198.51.100.8"}, "198.51.100.8"},
		{"garbage header ignored", "10.9.0.2:4000", map[string]string{"X-Real-IP": "nope"}, "10.9.0.2"},
		{"no headers", "10.9.0.2:4000", nil, "10.9.0.2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.peer
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Body.String())
		})
	}
}

type sample struct {
	SessionID string `validate:"required,session_id"`
	Code      string `validate:"required,max=10"`
	TTL       int    `validate:"gte=0"`
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(sample{SessionID: "S1", Code: "x"}))

	err := Validate(sample{SessionID: "bad id!", Code: "", TTL: -1})
	require.Error(t, err)
	assert.ErrorIs(t, err, analysis.ErrValidation)
	assert.Contains(t, err.Error(), "SessionID failed session_id")
	assert.Contains(t, err.Error(), "Code failed required")
	assert.Contains(t, err.Error(), "TTL failed gte=0")
}

func TestValidateSessionID(t *testing.T) {
	assert.NoError(t, ValidateSessionID("c0ffee-1"))
	assert.ErrorIs(t, ValidateSessionID(""), analysis.ErrValidation)
	assert.ErrorIs(t, ValidateSessionID("a b"), analysis.ErrValidation)
}

func TestSanitizeAndLimit(t *testing.T) {
	assert.Equal(t, "python", SanitizeString(" py\x00thon\x07 "))
	assert.Equal(t, 20, ValidateLimit(0))
	assert.Equal(t, 100, ValidateLimit(1000))
	assert.Equal(t, 5, ValidateLimit(5))
}
