package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/runnerhub/pkg/api"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) api.ErrorBody {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestRecovery(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		status  int
		message string
	}{
		{
			name:    "passes through",
			handler: func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("claimed")) },
			status:  http.StatusOK,
		},
		{
			name:    "string panic",
			handler: func(http.ResponseWriter, *http.Request) { panic("runner vanished") },
			status:  http.StatusInternalServerError,
			message: "panic: runner vanished",
		},
		{
			name:    "error panic",
			handler: func(http.ResponseWriter, *http.Request) { panic(assert.AnError) },
			status:  http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			assert.NotPanics(t, func() {
				Recovery(tt.handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runners/r1/jobs/next", nil))
			})
			require.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "claimed", rec.Body.String())
				return
			}
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			body := decodeError(t, rec)
			assert.Equal(t, "INTERNAL_ERROR", body.Code)
			if tt.message != "" {
				assert.Contains(t, body.Message, tt.message)
			}
		})
	}
}

func TestRecovery_CarriesRequestID(t *testing.T) {
	h := RequestID(ErrorHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/runners/r1/jobs/j1/status", nil)
	req.Header.Set(RequestIDHeader, "status-7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "status-7", decodeError(t, rec).RequestID)
}

func TestRequestID_GeneratedWhenMissing(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = chimw.GetReqID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
}

func TestWriteErrorResponse(t *testing.T) {
	body := api.ErrorBody{
		Code:      "INVALID_ARGUMENT",
		Message:   "unknown job status",
		RequestID: "corr-9",
		Details:   map[string]any{"field": "status", "value": "Bogus"},
	}

	rec := httptest.NewRecorder()
	writeErrorResponse(rec, body, http.StatusBadRequest)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	got := decodeError(t, rec)
	assert.Equal(t, body.Code, got.Code)
	assert.Equal(t, body.Message, got.Message)
	assert.Equal(t, "corr-9", got.RequestID)
	assert.Equal(t, "Bogus", got.Details["value"])
}
