package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/runnerhub/pkg/api"
	"github.com/3leaps/runnerhub/pkg/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAuthenticate(t *testing.T) {
	resolver, err := auth.NewStaticResolver([]auth.Token{{Name: "ci", Secret: "good", TenantID: "acme"}})
	require.NoError(t, err)

	var got auth.Principal
	handler := Authenticate(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic Zm9vOmJhcg==", http.StatusUnauthorized},
		{"unknown token", "Bearer bad", http.StatusUnauthorized},
		{"valid token", "Bearer good", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/runners/r1/jobs/next", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				var body ErrorResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
				assert.Equal(t, api.CodeUnauthorized, body.Error.Code)
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
	assert.Equal(t, "acme", got.TenantID)
}

func TestRateLimiter_PerKey(t *testing.T) {
	l, err := NewRateLimiter(0.001, 2, 16)
	require.NoError(t, err)

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"), "burst exhausted")
	assert.True(t, l.Allow("b"), "keys are independent")
}

func TestRateLimiter_ConcurrentFirstUse(t *testing.T) {
	l, err := NewRateLimiter(0.001, 5, 16)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("runner") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, allowed)
}

func TestNewRateLimiter_RejectsNonPositiveRate(t *testing.T) {
	_, err := NewRateLimiter(0, 1, 1)
	assert.Error(t, err)
}

func TestRateLimiter_Limit(t *testing.T) {
	l, err := NewRateLimiter(0.5, 1, 16)
	require.NoError(t, err)

	var limited []string
	r := chi.NewRouter()
	r.With(l.Limit(func(r *http.Request) string {
		return chi.URLParam(r, "runnerId")
	}, func(_ *http.Request, key string) {
		limited = append(limited, key)
	})).Get("/api/runners/{runnerId}/jobs/next", okHandler().ServeHTTP)

	do := func(runner string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runners/"+runner+"/jobs/next", nil))
		return rec
	}

	assert.Equal(t, http.StatusNoContent, do("r1").Code)
	rec := do("r1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, api.CodeRateLimited, body.Error.Code)
	assert.Equal(t, http.StatusNoContent, do("r2").Code)
	assert.Equal(t, []string{"r1"}, limited)
}

func TestCORS(t *testing.T) {
	handler := CORS([]string{"https://ci.example.com"})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/runners/r1", nil)
	req.Header.Set("Origin", "https://ci.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "https://ci.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/version", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_NoOriginsIsPassthrough(t *testing.T) {
	h := okHandler()
	wrapped := CORS(nil)(h)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://ci.example.com")
	wrapped.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

type recordedRequest struct {
	route, method string
	code          int
}

type fakeHTTPMetrics struct {
	mu   sync.Mutex
	seen []recordedRequest
}

func (f *fakeHTTPMetrics) ObserveHTTP(route, method string, code int, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, recordedRequest{route, method, code})
}

func TestRequestLogger_UsesRoutePattern(t *testing.T) {
	m := &fakeHTTPMetrics{}
	r := chi.NewRouter()
	r.Use(RequestLogger(m))
	r.Get("/api/runners/{runnerId}/jobs/next", okHandler().ServeHTTP)
	r.Get("/plain", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/runners/abc/jobs/next", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/plain", nil))

	require.Len(t, m.seen, 2)
	assert.Equal(t, recordedRequest{"/api/runners/{runnerId}/jobs/next", http.MethodGet, http.StatusNoContent}, m.seen[0])
	assert.Equal(t, recordedRequest{"/plain", http.MethodGet, http.StatusOK}, m.seen[1])
}
