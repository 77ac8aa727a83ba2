// Package junit decodes and encodes JUnit/Ant-style XML test reports.
package junit

import (
	"encoding/xml"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/runnerhub/pkg/probe"
	"github.com/3leaps/runnerhub/pkg/resultmodel"
)

type xmlTestSuites struct {
	XMLName  xml.Name       `xml:"testsuites"`
	Name     string         `xml:"name,attr,omitempty"`
	Tests    string         `xml:"tests,attr"`
	Failures string         `xml:"failures,attr"`
	Errors   string         `xml:"errors,attr"`
	Skipped  string         `xml:"skipped,attr"`
	Time     string         `xml:"time,attr,omitempty"`
	Suites   []xmlTestSuite `xml:"testsuite"`
}

type xmlTestSuite struct {
	XMLName    xml.Name      `xml:"testsuite"`
	Name       string        `xml:"name,attr"`
	ID         string        `xml:"id,attr,omitempty"`
	Hostname   string        `xml:"hostname,attr,omitempty"`
	File       string        `xml:"file,attr,omitempty"`
	Tests      string        `xml:"tests,attr"`
	Failures   string        `xml:"failures,attr"`
	Errors     string        `xml:"errors,attr"`
	Skipped    string        `xml:"skipped,attr"`
	Time       string        `xml:"time,attr,omitempty"`
	Timestamp  string        `xml:"timestamp,attr,omitempty"`
	Properties *xmlProps     `xml:"properties,omitempty"`
	Cases      []xmlTestCase `xml:"testcase"`
	SystemOut  string        `xml:"system-out,omitempty"`
}

type xmlProps struct {
	Items []xmlProp `xml:"property"`
}

type xmlProp struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type xmlTestCase struct {
	Name       string     `xml:"name,attr"`
	ClassName  string     `xml:"classname,attr,omitempty"`
	Time       string     `xml:"time,attr,omitempty"`
	File       string     `xml:"file,attr,omitempty"`
	Status     string     `xml:"status,attr,omitempty"`
	Properties *xmlProps  `xml:"properties,omitempty"`
	Failure    *xmlIssue  `xml:"failure,omitempty"`
	Error      *xmlIssue  `xml:"error,omitempty"`
	Skipped    *xmlIssue  `xml:"skipped,omitempty"`
	SystemOut  *xmlOutput `xml:"system-out,omitempty"`
	SystemErr  *xmlOutput `xml:"system-err,omitempty"`
}

type xmlIssue struct {
	Message string `xml:"message,attr,omitempty"`
	Type    string `xml:"type,attr,omitempty"`
	Text    string `xml:",chardata"`
}

type xmlOutput struct {
	Text string `xml:",chardata"`
}

// Codec implements the JUnit XML decoder and encoder.
type Codec struct{}

// Decode parses a <testsuites> or bare <testsuite> document.
func (Codec) Decode(data []byte) (*resultmodel.TestRun, error) {
	root, ok := probe.RootElement(data)
	if !ok {
		return nil, fmt.Errorf("junit: no root element")
	}

	var suites []xmlTestSuite
	run := &resultmodel.TestRun{}
	switch root {
	case "testsuites":
		var doc xmlTestSuites
		if err := probe.UnmarshalXML(data, &doc); err != nil {
			return nil, fmt.Errorf("junit: parse document: %w", err)
		}
		run.Name = doc.Name
		suites = doc.Suites
	case "testsuite":
		var doc xmlTestSuite
		if err := probe.UnmarshalXML(data, &doc); err != nil {
			return nil, fmt.Errorf("junit: parse document: %w", err)
		}
		suites = []xmlTestSuite{doc}
	default:
		return nil, fmt.Errorf("junit: unexpected root element %q", root)
	}

	run.Suites = make([]resultmodel.TestSuiteRun, 0, len(suites))
	for _, s := range suites {
		run.Suites = append(run.Suites, decodeSuite(s))
	}
	for _, s := range run.Suites {
		if !s.StartedTime.IsZero() && (run.StartedTime.IsZero() || s.StartedTime.Before(run.StartedTime)) {
			run.StartedTime = s.StartedTime
		}
		if s.EndedTime.After(run.EndedTime) {
			run.EndedTime = s.EndedTime
		}
	}
	return run, nil
}

func decodeSuite(s xmlTestSuite) resultmodel.TestSuiteRun {
	out := resultmodel.TestSuiteRun{
		Name:         s.Name,
		ExternalID:   s.ID,
		Environment:  s.Hostname,
		TestFilePath: s.File,
		Tests:        make([]resultmodel.TestCaseRun, 0, len(s.Cases)),
	}
	if ts, ok := parseTimestamp(s.Timestamp); ok {
		out.StartedTime = ts
		if d, ok := parseSeconds(s.Time); ok {
			out.EndedTime = ts.Add(d)
		}
	}
	for _, c := range s.Cases {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		out.Tests = append(out.Tests, decodeCase(c))
		if out.TestFilePath == "" && c.File != "" {
			out.TestFilePath = c.File
		}
	}
	return out
}

func decodeCase(c xmlTestCase) resultmodel.TestCaseRun {
	tc := resultmodel.TestCaseRun{
		Name:      c.Name,
		ClassName: c.ClassName,
		Method:    c.Name,
		Result:    resultmodel.Passed,
	}
	if c.ClassName != "" {
		tc.ExternalID = c.ClassName + "." + c.Name
	}
	if d, ok := parseSeconds(c.Time); ok {
		tc.Duration = d
	}

	switch {
	case c.Failure != nil:
		tc.Result = resultmodel.Failed
		tc.Message = c.Failure.Message
		tc.StackTrace = strings.TrimSpace(c.Failure.Text)
	case c.Error != nil:
		tc.Result = resultmodel.Error
		tc.Message = c.Error.Message
		tc.StackTrace = strings.TrimSpace(c.Error.Text)
	case c.Skipped != nil:
		tc.Result = resultmodel.Skipped
		tc.Message = c.Skipped.Message
	}

	if status := strings.TrimSpace(c.Status); status != "" {
		tc.Result = resultFromStatus(status, tc.Result)
	}

	if c.Properties != nil {
		for _, p := range c.Properties.Items {
			if p.Name == "" {
				continue
			}
			tc.Traits = append(tc.Traits, resultmodel.Trait{
				Type:  resultmodel.TraitTypeFromName(p.Name),
				Name:  p.Name,
				Value: p.Value,
			})
		}
	}
	if c.SystemOut != nil && strings.TrimSpace(c.SystemOut.Text) != "" {
		tc.Attachments = append(tc.Attachments, resultmodel.Attachment{
			Name: "system-out", ContentType: "text/plain", Data: []byte(c.SystemOut.Text),
		})
	}
	if c.SystemErr != nil && strings.TrimSpace(c.SystemErr.Text) != "" {
		tc.Attachments = append(tc.Attachments, resultmodel.Attachment{
			Name: "system-err", ContentType: "text/plain", Data: []byte(c.SystemErr.Text),
		})
	}
	return tc
}

// resultFromStatus applies the testcase status attribute. Canonical names
// win; googletest's run/notrun vocabulary is understood; anything else is
// Other.
func resultFromStatus(status string, fromChildren resultmodel.TestResult) resultmodel.TestResult {
	if r, ok := resultmodel.ParseTestResult(status); ok {
		return r
	}
	switch strings.ToLower(status) {
	case "run", "completed", "passed", "success":
		return fromChildren
	case "notrun", "not_run", "disabled":
		return resultmodel.NoRun
	}
	return resultmodel.Other
}

// Encode writes a <testsuites> document.
func (Codec) Encode(run *resultmodel.TestRun) ([]byte, error) {
	if run == nil {
		return nil, fmt.Errorf("junit: run is nil")
	}
	doc := xmlTestSuites{Name: run.Name}
	var total time.Duration
	for _, s := range run.Suites {
		xs := encodeSuite(s)
		doc.Suites = append(doc.Suites, xs)
		for _, c := range s.Tests {
			total += c.Duration
		}
	}
	var tests, failures, errs, skipped int
	for _, xs := range doc.Suites {
		tests += atoi(xs.Tests)
		failures += atoi(xs.Failures)
		errs += atoi(xs.Errors)
		skipped += atoi(xs.Skipped)
	}
	doc.Tests = strconv.Itoa(tests)
	doc.Failures = strconv.Itoa(failures)
	doc.Errors = strconv.Itoa(errs)
	doc.Skipped = strconv.Itoa(skipped)
	doc.Time = formatSeconds(total)

	b, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("junit: encode: %w", err)
	}
	return append([]byte(xml.Header), append(b, '\n')...), nil
}

func encodeSuite(s resultmodel.TestSuiteRun) xmlTestSuite {
	xs := xmlTestSuite{
		Name:     s.Name,
		ID:       s.ExternalID,
		Hostname: s.Environment,
		File:     s.TestFilePath,
	}
	if !s.StartedTime.IsZero() {
		xs.Timestamp = s.StartedTime.UTC().Format(time.RFC3339)
		if s.EndedTime.After(s.StartedTime) {
			xs.Time = formatSeconds(s.EndedTime.Sub(s.StartedTime))
		}
	}

	var failures, errs, skipped int
	for _, c := range s.Tests {
		xc := xmlTestCase{
			Name:      c.Name,
			ClassName: c.ClassName,
			Time:      formatSeconds(c.Duration),
		}
		issue := &xmlIssue{Message: c.Message, Text: c.StackTrace}
		switch c.Result {
		case resultmodel.Passed:
		case resultmodel.Failed:
			xc.Failure = issue
			failures++
		case resultmodel.Error:
			xc.Error = issue
			errs++
		case resultmodel.Skipped:
			xc.Skipped = &xmlIssue{Message: c.Message}
			skipped++
		case resultmodel.NoRun, resultmodel.Blocked:
			xc.Skipped = &xmlIssue{Message: c.Message}
			xc.Status = c.Result.String()
			skipped++
		case resultmodel.Hang, resultmodel.Crashed:
			xc.Error = issue
			xc.Status = c.Result.String()
			errs++
		default:
			xc.Status = resultmodel.Other.String()
		}
		if len(c.Traits) > 0 {
			xc.Properties = &xmlProps{}
			for _, tr := range c.Traits {
				xc.Properties.Items = append(xc.Properties.Items, xmlProp{Name: tr.Name, Value: tr.Value})
			}
		}
		for _, a := range c.Attachments {
			switch a.Name {
			case "system-out":
				xc.SystemOut = &xmlOutput{Text: string(a.Data)}
			case "system-err":
				xc.SystemErr = &xmlOutput{Text: string(a.Data)}
			}
		}
		xs.Cases = append(xs.Cases, xc)
	}
	xs.Tests = strconv.Itoa(len(s.Tests))
	xs.Failures = strconv.Itoa(failures)
	xs.Errors = strconv.Itoa(errs)
	xs.Skipped = strconv.Itoa(skipped)
	return xs
}

func parseSeconds(s string) (time.Duration, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || f < 0 || f >= maxSeconds {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}

// maxSeconds is the first value whose nanosecond count overflows
// time.Duration. It also rejects +Inf.
const maxSeconds = float64(math.MaxInt64) / float64(time.Second)

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
