// Package output provides JSONL output for imported test results.
//
// Output is structured as typed record envelopes containing suites,
// cases, coverage files, jobs, and errors. Each line is a self-contained
// JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: runnerhub.<type>.v<version>
const (
	// TypeSuite identifies test suite records.
	TypeSuite = "runnerhub.suite.v1"

	// TypeCase identifies test case records.
	TypeCase = "runnerhub.case.v1"

	// TypeCoverage identifies per-file coverage records.
	TypeCoverage = "runnerhub.coverage.v1"

	// TypeJob identifies pipeline job records.
	TypeJob = "runnerhub.job.v1"

	// TypeError identifies error records.
	TypeError = "runnerhub.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "runnerhub.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// The type field determines how to interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "runnerhub.case.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// TenantID scopes every record to one tenant.
	TenantID string `json:"tenant_id"`

	// RunID correlates records produced by one import, usually the job guid.
	RunID string `json:"run_id"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// SuiteRecord is the data payload for a decoded test suite.
type SuiteRecord struct {
	Source       string         `json:"source"`
	Format       string         `json:"format"`
	SuiteID      int            `json:"suite_id"`
	Name         string         `json:"name"`
	ExternalID   string         `json:"external_id,omitempty"`
	Environment  string         `json:"environment,omitempty"`
	TestFilePath string         `json:"test_file_path,omitempty"`
	StartedTime  *time.Time     `json:"started_time,omitempty"`
	EndedTime    *time.Time     `json:"ended_time,omitempty"`
	Tests        int            `json:"tests"`
	Results      map[string]int `json:"results,omitempty"`
}

// CaseRecord is the data payload for a single test case.
type CaseRecord struct {
	Source     string        `json:"source"`
	SuiteID    int           `json:"suite_id"`
	CaseID     int           `json:"case_id"`
	Suite      string        `json:"suite"`
	Name       string        `json:"name"`
	ExternalID string        `json:"external_id,omitempty"`
	ClassName  string        `json:"class_name,omitempty"`
	Method     string        `json:"method,omitempty"`
	Result     string        `json:"result"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
	Message    string        `json:"message,omitempty"`
	StackTrace string        `json:"stack_trace,omitempty"`

	// Traits maps trait type to name=value pairs.
	Traits []TraitRecord `json:"traits,omitempty"`

	Attachments int `json:"attachments,omitempty"`
	Steps       int `json:"steps,omitempty"`
}

// TraitRecord is a flattened test case trait.
type TraitRecord struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CoverageRecord is the data payload for the coverage of one source file.
type CoverageRecord struct {
	Source         string  `json:"source"`
	Path           string  `json:"path"`
	LinesValid     int     `json:"lines_valid"`
	LinesCovered   int     `json:"lines_covered"`
	LineRate       float64 `json:"line_rate"`
	BranchLines    int     `json:"branch_lines,omitempty"`
	UncoveredLines []int   `json:"uncovered_lines,omitempty"`
}

// JobRecord is the data payload for a pipeline job listing.
type JobRecord struct {
	GUID         string    `json:"guid"`
	Status       string    `json:"status"`
	Language     string    `json:"language,omitempty"`
	ProjectID    *int64    `json:"project_id,omitempty"`
	Attempt      int       `json:"attempt"`
	ClaimedBy    string    `json:"claimed_by,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Created      time.Time `json:"created"`
	Modified     time.Time `json:"modified"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than failing the entire import,
// so one bad archive entry does not hide the rest.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Source is the archive entry or upload name related to this error.
	Source string `json:"source,omitempty"`

	// Format is the detected format, if any.
	Format string `json:"format,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeMalformed indicates a document that could not be parsed.
	ErrCodeMalformed = "MALFORMED"

	// ErrCodeUnknownFormat indicates no decoder recognised the document.
	ErrCodeUnknownFormat = "UNKNOWN_FORMAT"

	// ErrCodeArchive indicates a corrupt archive or unreadable entry.
	ErrCodeArchive = "ARCHIVE"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// SummaryRecord is the data payload for final summaries.
type SummaryRecord struct {
	// Documents is the number of documents decoded successfully.
	Documents int `json:"documents"`

	// Suites and Tests count the decoded suites and cases.
	Suites int `json:"suites"`
	Tests  int `json:"tests"`

	// Results counts test cases per canonical result name.
	Results map[string]int `json:"results,omitempty"`

	// CoverageFiles counts source files with coverage.
	CoverageFiles int `json:"coverage_files"`

	// Duration is the total import duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// Errors is the count of errors encountered.
	Errors int `json:"errors"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
