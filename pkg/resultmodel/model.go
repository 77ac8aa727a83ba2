// Package resultmodel defines the canonical, format-independent test result
// graph produced by every decoder and consumed by every importer.
//
// The tree form (TestRun -> TestSuiteRun -> TestCaseRun) is what decoders
// build. Graph provides the arena form used when results are persisted.
package resultmodel

import "time"

// TestRun is the root of a decoded result document.
type TestRun struct {
	Name        string         `json:"name,omitempty"`
	StartedTime time.Time      `json:"started_time,omitzero"`
	EndedTime   time.Time      `json:"ended_time,omitzero"`
	Suites      []TestSuiteRun `json:"suites"`

	// Coverage is set by coverage formats. Test formats leave it nil.
	Coverage *CoverageReport `json:"coverage,omitempty"`
}

// TestSuiteRun groups test cases executed together.
type TestSuiteRun struct {
	Name         string        `json:"name"`
	ExternalID   string        `json:"external_id,omitempty"`
	Environment  string        `json:"environment,omitempty"`
	TestFilePath string        `json:"test_file_path,omitempty"`
	StartedTime  time.Time     `json:"started_time,omitzero"`
	EndedTime    time.Time     `json:"ended_time,omitzero"`
	Tests        []TestCaseRun `json:"tests"`
}

// TestCaseRun is a single executed test.
type TestCaseRun struct {
	Name        string        `json:"name"`
	ExternalID  string        `json:"external_id,omitempty"`
	ClassName   string        `json:"class_name,omitempty"`
	Method      string        `json:"method,omitempty"`
	Result      TestResult    `json:"result"`
	Duration    time.Duration `json:"duration_ns,omitempty"`
	Message     string        `json:"message,omitempty"`
	StackTrace  string        `json:"stack_trace,omitempty"`
	Traits      []Trait       `json:"traits,omitempty"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	Steps       []TestStep    `json:"steps,omitempty"`
}

// Trait is a typed key/value label attached to a test case.
type Trait struct {
	Type  TraitType `json:"type"`
	Name  string    `json:"name"`
	Value string    `json:"value"`
}

// Attachment references output captured for a test case. Data is inline
// content (for example captured stdout); Path is a producer-relative file.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Path        string `json:"path,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

// TestStep is a sub-step of a test case.
type TestStep struct {
	Name   string     `json:"name"`
	Result TestResult `json:"result"`
}

// Counts returns the number of test cases per result across all suites.
func (r *TestRun) Counts() map[TestResult]int {
	out := map[TestResult]int{}
	if r == nil {
		return out
	}
	for _, s := range r.Suites {
		for _, c := range s.Tests {
			out[c.Result]++
		}
	}
	return out
}

// TotalTests returns the number of test cases across all suites.
func (r *TestRun) TotalTests() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, s := range r.Suites {
		n += len(s.Tests)
	}
	return n
}
