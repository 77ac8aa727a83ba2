// Package xunit decodes and encodes xUnit.net v2 XML result files.
package xunit

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

type xmlAssemblies struct {
	XMLName    xml.Name      `xml:"assemblies"`
	Timestamp  string        `xml:"timestamp,attr,omitempty"`
	Assemblies []xmlAssembly `xml:"assembly"`
}

type xmlAssembly struct {
	XMLName     xml.Name        `xml:"assembly"`
	Name        string          `xml:"name,attr"`
	ConfigFile  string          `xml:"config-file,attr,omitempty"`
	Environment string          `xml:"environment,attr,omitempty"`
	RunDate     string          `xml:"run-date,attr,omitempty"`
	RunTime     string          `xml:"run-time,attr,omitempty"`
	Framework   string          `xml:"test-framework,attr,omitempty"`
	Total       string          `xml:"total,attr"`
	Passed      string          `xml:"passed,attr"`
	Failed      string          `xml:"failed,attr"`
	Skipped     string          `xml:"skipped,attr"`
	Time        string          `xml:"time,attr,omitempty"`
	Collections []xmlCollection `xml:"collection"`
}

type xmlCollection struct {
	Name  string    `xml:"name,attr"`
	Total string    `xml:"total,attr"`
	Time  string    `xml:"time,attr,omitempty"`
	Tests []xmlTest `xml:"test"`
}

type xmlTest struct {
	Name    string      `xml:"name,attr"`
	Type    string      `xml:"type,attr,omitempty"`
	Method  string      `xml:"method,attr,omitempty"`
	Time    string      `xml:"time,attr,omitempty"`
	Result  string      `xml:"result,attr"`
	ID      string      `xml:"id,attr,omitempty"`
	Traits  *xmlTraits  `xml:"traits,omitempty"`
	Failure *xmlFailure `xml:"failure,omitempty"`
	Reason  *xmlText    `xml:"reason,omitempty"`
	Output  *xmlText    `xml:"output,omitempty"`
}

type xmlTraits struct {
	Items []xmlTrait `xml:"trait"`
}

type xmlTrait struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type xmlFailure struct {
	ExceptionType string   `xml:"exception-type,attr,omitempty"`
	Message       *xmlText `xml:"message,omitempty"`
	StackTrace    *xmlText `xml:"stack-trace,omitempty"`
}

type xmlText struct {
	Text string `xml:",cdata"`
}

// Native xUnit result vocabulary.
const (
	resultPass   = "Pass"
	resultFail   = "Fail"
	resultSkip   = "Skip"
	resultNotRun = "NotRun"
)

// Codec implements the xUnit v2 XML decoder and encoder.
type Codec struct{}

// Decode parses an <assemblies> or bare <assembly> document. Each assembly
// becomes one suite holding the tests of all its collections.
func (Codec) Decode(data []byte) (*resultmodel.TestRun, error) {
	root, ok := probe.RootElement(data)
	if !ok {
		return nil, fmt.Errorf("xunit: no root element")
	}

	var assemblies []xmlAssembly
	switch root {
	case "assemblies":
		var doc xmlAssemblies
		if err := probe.UnmarshalXML(data, &doc); err != nil {
			return nil, fmt.Errorf("xunit: parse document: %w", err)
		}
		assemblies = doc.Assemblies
	case "assembly":
		var doc xmlAssembly
		if err := probe.UnmarshalXML(data, &doc); err != nil {
			return nil, fmt.Errorf("xunit: parse document: %w", err)
		}
		assemblies = []xmlAssembly{doc}
	default:
		return nil, fmt.Errorf("xunit: unexpected root element %q", root)
	}

	run := &resultmodel.TestRun{Suites: make([]resultmodel.TestSuiteRun, 0, len(assemblies))}
	for _, a := range assemblies {
		suite := resultmodel.TestSuiteRun{
			Name:         assemblyName(a.Name),
			ExternalID:   a.Name,
			Environment:  a.Environment,
			TestFilePath: a.Name,
		}
		if ts, ok := parseRunDate(a.RunDate, a.RunTime); ok {
			suite.StartedTime = ts
			if d, ok := parseSeconds(a.Time); ok {
				suite.EndedTime = ts.Add(d)
			}
		}
		for _, c := range a.Collections {
			for _, t := range c.Tests {
				if strings.TrimSpace(t.Name) == "" {
					continue
				}
				suite.Tests = append(suite.Tests, decodeTest(t))
			}
		}
		run.Suites = append(run.Suites, suite)
		if !suite.StartedTime.IsZero() && (run.StartedTime.IsZero() || suite.StartedTime.Before(run.StartedTime)) {
			run.StartedTime = suite.StartedTime
		}
		if suite.EndedTime.After(run.EndedTime) {
			run.EndedTime = suite.EndedTime
		}
	}
	return run, nil
}

func decodeTest(t xmlTest) resultmodel.TestCaseRun {
	tc := resultmodel.TestCaseRun{
		Name:       t.Name,
		ExternalID: t.ID,
		ClassName:  t.Type,
		Method:     t.Method,
		Result:     resultFromNative(t.Result),
	}
	if d, ok := parseSeconds(t.Time); ok {
		tc.Duration = d
	}
	if t.Failure != nil {
		if t.Failure.Message != nil {
			tc.Message = strings.TrimSpace(t.Failure.Message.Text)
		}
		if t.Failure.StackTrace != nil {
			tc.StackTrace = strings.TrimSpace(t.Failure.StackTrace.Text)
		}
	}
	if t.Reason != nil && tc.Message == "" {
		tc.Message = strings.TrimSpace(t.Reason.Text)
	}
	if t.Traits != nil {
		for _, tr := range t.Traits.Items {
			if tr.Name == "" {
				continue
			}
			tc.Traits = append(tc.Traits, resultmodel.Trait{
				Type:  resultmodel.TraitTypeFromName(tr.Name),
				Name:  tr.Name,
				Value: tr.Value,
			})
		}
	}
	if t.Output != nil && strings.TrimSpace(t.Output.Text) != "" {
		tc.Attachments = append(tc.Attachments, resultmodel.Attachment{
			Name: "output", ContentType: "text/plain", Data: []byte(t.Output.Text),
		})
	}
	return tc
}

func resultFromNative(s string) resultmodel.TestResult {
	switch strings.TrimSpace(s) {
	case resultPass:
		return resultmodel.Passed
	case resultFail:
		return resultmodel.Failed
	case resultSkip:
		return resultmodel.Skipped
	case resultNotRun:
		return resultmodel.NoRun
	}
	return resultmodel.ResultOrOther(s)
}

func resultToNative(r resultmodel.TestResult) string {
	switch r {
	case resultmodel.Passed:
		return resultPass
	case resultmodel.Failed:
		return resultFail
	case resultmodel.Skipped:
		return resultSkip
	case resultmodel.NoRun:
		return resultNotRun
	}
	return r.String()
}

// Encode writes an <assemblies> document with one assembly and one
// collection per suite.
func (Codec) Encode(run *resultmodel.TestRun) ([]byte, error) {
	if run == nil {
		return nil, fmt.Errorf("xunit: run is nil")
	}
	doc := xmlAssemblies{}
	if !run.StartedTime.IsZero() {
		doc.Timestamp = run.StartedTime.UTC().Format("01/02/2006 15:04:05")
	}
	for _, s := range run.Suites {
		name := s.ExternalID
		if name == "" {
			name = s.Name
		}
		a := xmlAssembly{
			Name:        name,
			Environment: s.Environment,
			Framework:   "xUnit.net",
		}
		if !s.StartedTime.IsZero() {
			a.RunDate = s.StartedTime.UTC().Format("2006-01-02")
			a.RunTime = s.StartedTime.UTC().Format("15:04:05")
		}
		coll := xmlCollection{Name: s.Name}
		var total time.Duration
		var passed, failed, skipped int
		for _, c := range s.Tests {
			xt := xmlTest{
				Name:   c.Name,
				ID:     c.ExternalID,
				Type:   c.ClassName,
				Method: c.Method,
				Time:   formatSeconds(c.Duration),
				Result: resultToNative(c.Result),
			}
			total += c.Duration
			switch c.Result {
			case resultmodel.Passed:
				passed++
			case resultmodel.Skipped, resultmodel.NoRun:
				skipped++
				if c.Message != "" {
					xt.Reason = &xmlText{Text: c.Message}
				}
			default:
				failed++
				if c.Message != "" || c.StackTrace != "" {
					xt.Failure = &xmlFailure{}
					if c.Message != "" {
						xt.Failure.Message = &xmlText{Text: c.Message}
					}
					if c.StackTrace != "" {
						xt.Failure.StackTrace = &xmlText{Text: c.StackTrace}
					}
				}
			}
			if len(c.Traits) > 0 {
				xt.Traits = &xmlTraits{}
				for _, tr := range c.Traits {
					xt.Traits.Items = append(xt.Traits.Items, xmlTrait{Name: tr.Name, Value: tr.Value})
				}
			}
			for _, at := range c.Attachments {
				if at.Name == "output" {
					xt.Output = &xmlText{Text: string(at.Data)}
				}
			}
			coll.Tests = append(coll.Tests, xt)
		}
		coll.Total = strconv.Itoa(len(s.Tests))
		coll.Time = formatSeconds(total)
		a.Total = strconv.Itoa(len(s.Tests))
		a.Passed = strconv.Itoa(passed)
		a.Failed = strconv.Itoa(failed)
		a.Skipped = strconv.Itoa(skipped)
		a.Time = formatSeconds(total)
		if s.EndedTime.After(s.StartedTime) && !s.StartedTime.IsZero() {
			a.Time = formatSeconds(s.EndedTime.Sub(s.StartedTime))
		}
		a.Collections = []xmlCollection{coll}
		doc.Assemblies = append(doc.Assemblies, a)
	}

	b, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("xunit: encode: %w", err)
	}
	return append([]byte(xml.Header), append(b, '\n')...), nil
}

// assemblyName reduces a full assembly path to its file name.
func assemblyName(p string) string {
	p = strings.TrimSpace(p)
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

func parseSeconds(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
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
	return strconv.FormatFloat(d.Seconds(), 'f', 7, 64)
}

func parseRunDate(date, clock string) (time.Time, bool) {
	date, clock = strings.TrimSpace(date), strings.TrimSpace(clock)
	if date == "" {
		return time.Time{}, false
	}
	if clock == "" {
		clock = "00:00:00"
	}
	ts, err := time.Parse("2006-01-02 15:04:05", date+" "+clock)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}
