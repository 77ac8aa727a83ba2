// Package api defines the JSON bodies exchanged between runners and the
// runnerhub server.
//
// Field names are part of the runner protocol; additions must stay optional.
package api

import "time"

// Route templates, relative to the server base URL.
const (
	RunnerPath   = "/api/runners/{runnerId}"
	NextJobPath  = "/api/runners/{runnerId}/jobs/next"
	StatusPath   = "/api/runners/{runnerId}/jobs/{guid}/status"
	ArtifactPath = "/api/runners/{runnerId}/jobs/{guid}/artifacts"
)

// RunnerRegistration is the body of a registration or heartbeat.
type RunnerRegistration struct {
	ID            string   `json:"id,omitempty"`
	Name          string   `json:"name"`
	Tags          []string `json:"tags,omitempty"`
	PublicBaseURL string   `json:"publicBaseUrl,omitempty"`
	Languages     []string `json:"languages"`
	ProjectID     *int64   `json:"projectId,omitempty"`
}

// Runner is a stored runner as returned by the server.
type Runner struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenantId"`
	Name          string    `json:"name"`
	Tags          []string  `json:"tags"`
	PublicBaseURL string    `json:"publicBaseUrl,omitempty"`
	Languages     []string  `json:"languages"`
	ProjectID     *int64    `json:"projectId,omitempty"`
	RegisteredAt  time.Time `json:"registeredAt"`
	LastSeen      time.Time `json:"lastSeen"`
	Dispatchable  bool      `json:"dispatchable"`
}

// JobAssignment is the body returned when a poll claims a job.
type JobAssignment struct {
	GUID                 string            `json:"guid"`
	TestRunID            *int64            `json:"testRunId,omitempty"`
	Script               string            `json:"script,omitempty"`
	Language             string            `json:"language,omitempty"`
	EnvironmentVariables map[string]string `json:"environmentVariables,omitempty"`
	ArtifactPatterns     []string          `json:"artifactPatterns,omitempty"`
	Attempt              int               `json:"attempt,omitempty"`
}

// StatusUpdate is the body of a status report. Absent fields leave the
// stored value untouched. ArtifactContent is base64 in JSON.
type StatusUpdate struct {
	Status          string  `json:"status"`
	StdOut          *string `json:"stdOut,omitempty"`
	StdErr          *string `json:"stdErr,omitempty"`
	Result          *string `json:"result,omitempty"`
	Format          *string `json:"format,omitempty"`
	ArtifactContent []byte  `json:"artifactContent,omitempty"`
	ErrorMessage    *string `json:"errorMessage,omitempty"`
}

// ErrorBody is the error envelope carried by every non-2xx response.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// ErrorResponse wraps ErrorBody under an "error" key.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Error codes used by the runner API.
const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeNotFound         = "NOT_FOUND"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeTooLarge         = "PAYLOAD_TOO_LARGE"
	CodeUnavailable      = "SERVICE_UNAVAILABLE"
	CodeInternal         = "INTERNAL_ERROR"
)
