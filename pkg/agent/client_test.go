package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/runnerhub/pkg/api"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL+"/", "tok", WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: api.ErrorBody{Code: code, Message: msg, RequestID: "req-1"}})
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("", "tok")
	assert.Error(t, err)
	_, err = NewClient("ftp://host", "tok")
	assert.Error(t, err)
	_, err = NewClient("http://host", " ")
	assert.Error(t, err)
}

func TestClient_Register(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /api/runners/{runnerId}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "r 1", r.PathValue("runnerId"))
		var reg api.RunnerRegistration
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reg))
		_ = json.NewEncoder(w).Encode(api.Runner{
			ID:           r.PathValue("runnerId"),
			TenantID:     "acme",
			Name:         reg.Name,
			Languages:    reg.Languages,
			Dispatchable: len(reg.Languages) > 0,
		})
	})
	c := newTestClient(t, mux)

	got, err := c.Register(context.Background(), "r 1", api.RunnerRegistration{Name: "one", Languages: []string{"sh"}})
	require.NoError(t, err)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, []string{"sh"}, got.Languages)
	assert.True(t, got.Dispatchable)
}

func TestClient_Poll(t *testing.T) {
	var empty atomic.Bool
	empty.Store(true)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/runners/{runnerId}/jobs/next", func(w http.ResponseWriter, r *http.Request) {
		if empty.Load() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_ = json.NewEncoder(w).Encode(api.JobAssignment{GUID: "g1", Language: "sh", Script: "true"})
	})
	c := newTestClient(t, mux)

	job, err := c.Poll(context.Background(), "r1")
	require.NoError(t, err)
	assert.Nil(t, job)

	empty.Store(false)
	job, err = c.Poll(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "g1", job.GUID)
}

func TestClient_ErrorEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/runners/{runnerId}/jobs/next", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		writeErr(w, http.StatusTooManyRequests, api.CodeRateLimited, "slow down")
	})
	mux.HandleFunc("PUT /api/runners/{runnerId}/jobs/{guid}/status", func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusForbidden, api.CodeForbidden, "job belongs to another tenant")
	})
	c := newTestClient(t, mux)

	_, err := c.Poll(context.Background(), "r1")
	ae, ok := IsRateLimited(err)
	require.True(t, ok, "err: %v", err)
	assert.Equal(t, 3*time.Second, ae.RetryAfter)
	assert.Equal(t, "req-1", ae.RequestID)

	err = c.ReportStatus(context.Background(), "r1", "g1", api.StatusUpdate{Status: "Running"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, api.CodeForbidden, apiErr.Code)
	assert.Contains(t, apiErr.Error(), "another tenant")
	_, limited := IsRateLimited(err)
	assert.False(t, limited)
}

func TestClient_NonJSONError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /api/runners/{runnerId}/jobs/{guid}/status", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	})
	c := newTestClient(t, mux)

	err := c.ReportStatus(context.Background(), "r1", "g1", api.StatusUpdate{Status: "Running"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "gateway down", apiErr.Message)
}

func TestClient_UploadArtifact(t *testing.T) {
	var gotName string
	var gotBody []byte
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/runners/{runnerId}/jobs/{guid}/artifacts", func(w http.ResponseWriter, r *http.Request) {
		gotName = r.URL.Query().Get("filename")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, mux)

	require.NoError(t, c.UploadArtifact(context.Background(), "r1", "g1", "out put.zip", []byte("PK")))
	assert.Equal(t, "out put.zip", gotName)
	assert.Equal(t, []byte("PK"), gotBody)
}
