package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/vrf_direct_funding/pkg/logger"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	h := rl.Handler(okHandler())

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/price", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, statuses)

	req := httptest.NewRequest(http.MethodGet, "/price", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterSameHostDifferentPorts(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	h := rl.Handler(okHandler())

	for i, port := range []string{"1", "2"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.3:" + port
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if i == 1 {
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)
			var body map[string]map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["error"]["code"])
		}
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }
	rl.getLimiter("a")
	now = now.Add(time.Minute)
	rl.getLimiter("b")

	rl.Cleanup(30 * time.Second)
	assert.Len(t, rl.limiters, 1)
	assert.Contains(t, rl.limiters, "b")
}

type fakeRecorder struct {
	inflight int
	paths    []string
	statuses []string
}

func (f *fakeRecorder) IncrementInFlight() { f.inflight++ }
func (f *fakeRecorder) DecrementInFlight() { f.inflight-- }
func (f *fakeRecorder) RecordHTTPRequest(method, path, status string, _ time.Duration) {
	f.paths = append(f.paths, method+" "+path)
	f.statuses = append(f.statuses, status)
}

func TestMetricsMiddlewareUsesRouteTemplate(t *testing.T) {
	rec := &fakeRecorder{}
	r := mux.NewRouter()
	r.Use(MetricsMiddleware(rec))
	r.HandleFunc("/requests/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods(http.MethodGet)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/requests/42", nil))

	assert.Equal(t, []string{"GET /requests/{id}"}, rec.paths)
	assert.Equal(t, []string{"404"}, rec.statuses)
	assert.Zero(t, rec.inflight)
}

func TestLoggingMiddlewareTraceID(t *testing.T) {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware(logger.NewDefault("test")))
	r.Handle("/", okHandler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get(TraceIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TraceIDHeader, "trace-1")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "trace-1", rec.Header().Get(TraceIDHeader))
}

func TestAuthMiddleware(t *testing.T) {
	const secret = "test-secret"
	m := NewAuthMiddleware(secret, nil, RoleOperator)
	var subject string
	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = GetSubject(r.Context())
		assert.Equal(t, RoleOperator, GetRole(r.Context()))
	}))

	operator, err := IssueToken(secret, "ops", RoleOperator, time.Hour)
	require.NoError(t, err)
	viewer, err := IssueToken(secret, "bob", "viewer", time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken(secret, "ops", RoleOperator, -time.Hour)
	require.NoError(t, err)
	forged, err := IssueToken("other", "ops", RoleOperator, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"bad format", "Token abc", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + forged, http.StatusUnauthorized},
		{"wrong role", "Bearer " + viewer, http.StatusForbidden},
		{"operator", "Bearer " + operator, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/accounts/x/fund", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
	assert.Equal(t, "ops", subject)
}

func TestAuthMiddlewareAcceptsAnyListedRole(t *testing.T) {
	const secret = "test-secret"
	h := NewAuthMiddleware(secret, nil, RoleConsumer, RoleOperator).Handler(okHandler())

	for role, want := range map[string]int{
		RoleConsumer: http.StatusOK,
		RoleOperator: http.StatusOK,
		"viewer":     http.StatusForbidden,
		"":           http.StatusForbidden,
	} {
		token, err := IssueToken(secret, "0xabc", role, time.Hour)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/requests", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, role)
	}
}

func TestAuthDisabledWithoutSecret(t *testing.T) {
	m := NewAuthMiddleware("", nil, RoleOperator)
	assert.False(t, m.Enabled())
	rec := httptest.NewRecorder()
	m.Handler(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	h := NewCORSMiddleware([]string{"https://app.example.com", "*.trusted.io"}).Handler(okHandler())

	cases := map[string]bool{
		"https://app.example.com": true,
		"https://dapp.trusted.io": true,
		"https://evil.com":        false,
		"https://evilexample.com": false,
	}
	for origin, allowed := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if allowed {
			assert.Equal(t, origin, rec.Header().Get("Access-Control-Allow-Origin"), origin)
		} else {
			assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"), origin)
		}
	}

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
