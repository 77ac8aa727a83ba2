// Package ctrf decodes and encodes Common Test Report Format (CTRF) JSON.
package ctrf

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/3leaps/runnerhub/pkg/resultmodel"
)

// Native CTRF statuses.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
	StatusPending = "pending"
	StatusOther   = "other"
)

type report struct {
	ReportFormat string  `json:"reportFormat,omitempty"`
	SpecVersion  string  `json:"specVersion,omitempty"`
	Results      results `json:"results"`
}

type results struct {
	Tool        tool              `json:"tool"`
	Summary     summary           `json:"summary"`
	Tests       []json.RawMessage `json:"tests"`
	Environment *environment      `json:"environment,omitempty"`
}

type tool struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type summary struct {
	Tests   int   `json:"tests"`
	Passed  int   `json:"passed"`
	Failed  int   `json:"failed"`
	Pending int   `json:"pending"`
	Skipped int   `json:"skipped"`
	Other   int   `json:"other"`
	Start   int64 `json:"start"`
	Stop    int64 `json:"stop"`
}

type environment struct {
	AppName         string `json:"appName,omitempty"`
	BuildName       string `json:"buildName,omitempty"`
	TestEnvironment string `json:"testEnvironment,omitempty"`
}

type test struct {
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	Duration    float64         `json:"duration"`
	RawStatus   string          `json:"rawStatus,omitempty"`
	Suite       json.RawMessage `json:"suite,omitempty"`
	Message     string          `json:"message,omitempty"`
	Trace       string          `json:"trace,omitempty"`
	FilePath    string          `json:"filePath,omitempty"`
	Type        string          `json:"type,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	ID          string          `json:"id,omitempty"`
	Attachments []attachment    `json:"attachments,omitempty"`
	Steps       []step          `json:"steps,omitempty"`
}

type attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Path        string `json:"path,omitempty"`
}

type step struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	RawStatus string `json:"rawStatus,omitempty"`
}

// Codec implements the CTRF decoder and encoder.
type Codec struct{}

// Decode parses a CTRF report. Tests are grouped into suites by their
// suite field in first-seen order; tests without one go to a suite named
// after the tool. Only the document shape is strict: a summary, tool,
// environment or test field of the wrong type reads as its zero value, and
// test entries without a string name are skipped.
func (Codec) Decode(data []byte) (*resultmodel.TestRun, error) {
	var doc struct {
		Results fields `json:"results"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("ctrf: parse document: %w", err)
	}
	if doc.Results == nil {
		return nil, fmt.Errorf("ctrf: missing results object")
	}
	var tests []json.RawMessage
	if raw, ok := doc.Results["tests"]; ok {
		if err := json.Unmarshal(raw, &tests); err != nil {
			return nil, fmt.Errorf("ctrf: results.tests is not an array: %w", err)
		}
	}

	toolName := doc.Results.object("tool").str("name")
	sum := doc.Results.object("summary")
	run := &resultmodel.TestRun{Name: toolName}
	if ts, ok := sum.unixMilli("start"); ok {
		run.StartedTime = ts
	}
	if ts, ok := sum.unixMilli("stop"); ok {
		run.EndedTime = ts
	}

	defaultSuite := toolName
	if defaultSuite == "" {
		defaultSuite = "default"
	}
	env := doc.Results.object("environment").str("testEnvironment")

	index := map[string]int{}
	for _, raw := range tests {
		t, ok := parseTest(objectOf(raw))
		if !ok {
			continue
		}

		suiteName := suiteOf(t.Suite)
		if suiteName == "" {
			suiteName = defaultSuite
		}
		i, ok := index[suiteName]
		if !ok {
			i = len(run.Suites)
			index[suiteName] = i
			run.Suites = append(run.Suites, resultmodel.TestSuiteRun{
				Name:         suiteName,
				Environment:  env,
				TestFilePath: t.FilePath,
				StartedTime:  run.StartedTime,
				EndedTime:    run.EndedTime,
			})
		}
		run.Suites[i].Tests = append(run.Suites[i].Tests, decodeTest(t))
	}
	return run, nil
}

// fields is a JSON object read member by member.
type fields map[string]json.RawMessage

func objectOf(raw json.RawMessage) fields {
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}
	return f
}

func (f fields) object(key string) fields {
	return objectOf(f[key])
}

func (f fields) str(key string) string {
	var s string
	if err := json.Unmarshal(f[key], &s); err != nil {
		return ""
	}
	return s
}

// number accepts a JSON number or a string holding one.
func (f fields) number(key string) float64 {
	var n json.Number
	if err := json.Unmarshal(f[key], &n); err != nil {
		return 0
	}
	v, err := n.Float64()
	if err != nil {
		return 0
	}
	return v
}

func (f fields) unixMilli(key string) (time.Time, bool) {
	ms := f.number(key)
	if ms <= 0 || ms >= maxMillis {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(ms)).UTC(), true
}

func (f fields) strs(key string) []string {
	var raw []json.RawMessage
	if err := json.Unmarshal(f[key], &raw); err != nil {
		return nil
	}
	var out []string
	for _, r := range raw {
		var s string
		if json.Unmarshal(r, &s) == nil {
			out = append(out, s)
		}
	}
	return out
}

func (f fields) objects(key string) []fields {
	var raw []json.RawMessage
	if err := json.Unmarshal(f[key], &raw); err != nil {
		return nil
	}
	out := make([]fields, 0, len(raw))
	for _, r := range raw {
		if o := objectOf(r); o != nil {
			out = append(out, o)
		}
	}
	return out
}

func parseTest(f fields) (test, bool) {
	t := test{
		Name:      f.str("name"),
		Status:    f.str("status"),
		RawStatus: f.str("rawStatus"),
		Duration:  f.number("duration"),
		Suite:     f["suite"],
		Message:   f.str("message"),
		Trace:     f.str("trace"),
		FilePath:  f.str("filePath"),
		Type:      f.str("type"),
		Tags:      f.strs("tags"),
		ID:        f.str("id"),
	}
	if strings.TrimSpace(t.Name) == "" {
		return test{}, false
	}
	for _, a := range f.objects("attachments") {
		t.Attachments = append(t.Attachments, attachment{Name: a.str("name"), ContentType: a.str("contentType"), Path: a.str("path")})
	}
	for _, s := range f.objects("steps") {
		t.Steps = append(t.Steps, step{Name: s.str("name"), Status: s.str("status"), RawStatus: s.str("rawStatus")})
	}
	return t, true
}

// suiteOf accepts the string form and the newer array form of "suite".
func suiteOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var parts []string
	if err := json.Unmarshal(raw, &parts); err == nil {
		return strings.Join(parts, " > ")
	}
	return ""
}

// maxMillis is the first duration in milliseconds that overflows
// time.Duration.
const maxMillis = float64(math.MaxInt64) / float64(time.Millisecond)

func decodeTest(t test) resultmodel.TestCaseRun {
	tc := resultmodel.TestCaseRun{
		Name:       t.Name,
		ExternalID: t.ID,
		Method:     t.Name,
		Result:     resultFromNative(t.Status, t.RawStatus),
		Message:    t.Message,
		StackTrace: t.Trace,
	}
	if t.Duration > 0 && t.Duration < maxMillis {
		tc.Duration = time.Duration(t.Duration * float64(time.Millisecond))
	}
	for _, tag := range t.Tags {
		tc.Traits = append(tc.Traits, resultmodel.Trait{Type: resultmodel.TraitTag, Name: "tag", Value: tag})
	}
	if t.Type != "" {
		tc.Traits = append(tc.Traits, resultmodel.Trait{Type: resultmodel.TraitCategory, Name: "type", Value: t.Type})
	}
	for _, a := range t.Attachments {
		tc.Attachments = append(tc.Attachments, resultmodel.Attachment{Name: a.Name, ContentType: a.ContentType, Path: a.Path})
	}
	for _, s := range t.Steps {
		tc.Steps = append(tc.Steps, resultmodel.TestStep{Name: s.Name, Result: resultFromNative(s.Status, s.RawStatus)})
	}
	return tc
}

// resultFromNative maps a CTRF status. A rawStatus holding a canonical
// result name takes precedence so non-native results survive a round trip.
func resultFromNative(status, rawStatus string) resultmodel.TestResult {
	if r, ok := resultmodel.ParseTestResult(rawStatus); ok {
		return r
	}
	switch strings.ToLower(strings.TrimSpace(status)) {
	case StatusPassed:
		return resultmodel.Passed
	case StatusFailed:
		return resultmodel.Failed
	case StatusSkipped:
		return resultmodel.Skipped
	case StatusPending:
		return resultmodel.NoRun
	}
	return resultmodel.Other
}

// resultToNative returns the CTRF status and, for results without a native
// status, the canonical name carried in rawStatus.
func resultToNative(r resultmodel.TestResult) (status, rawStatus string) {
	switch r {
	case resultmodel.Passed:
		return StatusPassed, ""
	case resultmodel.Failed:
		return StatusFailed, ""
	case resultmodel.Skipped:
		return StatusSkipped, ""
	case resultmodel.NoRun:
		return StatusPending, ""
	case resultmodel.Error, resultmodel.Crashed, resultmodel.Hang:
		return StatusFailed, r.String()
	case resultmodel.Blocked:
		return StatusSkipped, r.String()
	}
	return StatusOther, ""
}

// Encode writes a CTRF report.
func (Codec) Encode(run *resultmodel.TestRun) ([]byte, error) {
	if run == nil {
		return nil, fmt.Errorf("ctrf: run is nil")
	}
	toolName := run.Name
	if toolName == "" {
		toolName = "runnerhub"
	}
	r := report{ReportFormat: "CTRF", SpecVersion: "0.0.0", Results: results{Tool: tool{Name: toolName}}}
	if !run.StartedTime.IsZero() {
		r.Results.Summary.Start = run.StartedTime.UnixMilli()
	}
	if !run.EndedTime.IsZero() {
		r.Results.Summary.Stop = run.EndedTime.UnixMilli()
	}

	for _, s := range run.Suites {
		if s.Environment != "" && r.Results.Environment == nil {
			r.Results.Environment = &environment{TestEnvironment: s.Environment}
		}
		suiteRaw, err := json.Marshal(s.Name)
		if err != nil {
			return nil, fmt.Errorf("ctrf: encode suite: %w", err)
		}
		for _, c := range s.Tests {
			status, rawStatus := resultToNative(c.Result)
			t := test{
				Name:      c.Name,
				ID:        c.ExternalID,
				Status:    status,
				RawStatus: rawStatus,
				Duration:  float64(c.Duration) / float64(time.Millisecond),
				Suite:     suiteRaw,
				Message:   c.Message,
				Trace:     c.StackTrace,
				FilePath:  s.TestFilePath,
			}
			for _, tr := range c.Traits {
				switch {
				case tr.Type == resultmodel.TraitTag:
					t.Tags = append(t.Tags, tr.Value)
				case tr.Type == resultmodel.TraitCategory && tr.Name == "type":
					t.Type = tr.Value
				}
			}
			for _, a := range c.Attachments {
				t.Attachments = append(t.Attachments, attachment{Name: a.Name, ContentType: a.ContentType, Path: a.Path})
			}
			for _, st := range c.Steps {
				stepStatus, stepRaw := resultToNative(st.Result)
				t.Steps = append(t.Steps, step{Name: st.Name, Status: stepStatus, RawStatus: stepRaw})
			}
			raw, err := json.Marshal(t)
			if err != nil {
				return nil, fmt.Errorf("ctrf: encode test: %w", err)
			}
			r.Results.Tests = append(r.Results.Tests, raw)
			countStatus(&r.Results.Summary, status)
		}
	}
	if r.Results.Tests == nil {
		r.Results.Tests = []json.RawMessage{}
	}

	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("ctrf: encode: %w", err)
	}
	return append(b, '\n'), nil
}

func countStatus(s *summary, status string) {
	s.Tests++
	switch status {
	case StatusPassed:
		s.Passed++
	case StatusFailed:
		s.Failed++
	case StatusSkipped:
		s.Skipped++
	case StatusPending:
		s.Pending++
	default:
		s.Other++
	}
}
