// Package cobertura decodes and encodes Cobertura XML coverage reports.
//
// Only class-level <line> elements are read; method-level lines repeat the
// same readings and would double the hit counts.
package cobertura

import (
	"encoding/xml"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/runnerhub/pkg/probe"
	"github.com/3leaps/runnerhub/pkg/resultmodel"
)

// RunName is the TestRun name given to decoded coverage reports.
const RunName = "coverage"

type xmlCoverage struct {
	XMLName      xml.Name     `xml:"coverage"`
	LineRate     string       `xml:"line-rate,attr"`
	BranchRate   string       `xml:"branch-rate,attr"`
	LinesCovered string       `xml:"lines-covered,attr,omitempty"`
	LinesValid   string       `xml:"lines-valid,attr,omitempty"`
	Version      string       `xml:"version,attr,omitempty"`
	Timestamp    string       `xml:"timestamp,attr,omitempty"`
	Sources      *xmlSources  `xml:"sources,omitempty"`
	Packages     []xmlPackage `xml:"packages>package"`
}

type xmlSources struct {
	Items []string `xml:"source"`
}

type xmlPackage struct {
	Name       string     `xml:"name,attr"`
	LineRate   string     `xml:"line-rate,attr"`
	BranchRate string     `xml:"branch-rate,attr"`
	Classes    []xmlClass `xml:"classes>class"`
}

type xmlClass struct {
	Name       string    `xml:"name,attr"`
	Filename   string    `xml:"filename,attr"`
	LineRate   string    `xml:"line-rate,attr"`
	BranchRate string    `xml:"branch-rate,attr"`
	Lines      []xmlLine `xml:"lines>line"`
}

type xmlLine struct {
	Number            string         `xml:"number,attr"`
	Hits              string         `xml:"hits,attr"`
	Branch            string         `xml:"branch,attr,omitempty"`
	ConditionCoverage string         `xml:"condition-coverage,attr,omitempty"`
	Conditions        []xmlCondition `xml:"conditions>condition"`
}

type xmlCondition struct {
	Number   string `xml:"number,attr"`
	Type     string `xml:"type,attr,omitempty"`
	Coverage string `xml:"coverage,attr"`
}

// Codec implements the Cobertura decoder and encoder.
type Codec struct{}

// Decode parses a <coverage> document into a TestRun carrying only coverage.
// Lines reported by several classes are merged per (file, line number).
// Lines whose number or hits are not integers are skipped.
func (Codec) Decode(data []byte) (*resultmodel.TestRun, error) {
	if root, ok := probe.RootElement(data); !ok || root != "coverage" {
		return nil, fmt.Errorf("cobertura: expected <coverage> root element")
	}
	var doc xmlCoverage
	if err := probe.UnmarshalXML(data, &doc); err != nil {
		return nil, fmt.Errorf("cobertura: parse document: %w", err)
	}

	b := resultmodel.NewCoverageBuilder()
	for _, p := range doc.Packages {
		for _, c := range p.Classes {
			file := strings.TrimSpace(c.Filename)
			if file == "" {
				continue
			}
			for _, l := range c.Lines {
				line, ok := decodeLine(l)
				if !ok {
					continue
				}
				b.Add(file, line)
			}
		}
	}

	run := &resultmodel.TestRun{Name: RunName, Coverage: b.Report()}
	if ts, ok := parseTimestamp(doc.Timestamp); ok {
		run.StartedTime = ts
		run.EndedTime = ts
	}
	return run, nil
}

func decodeLine(l xmlLine) (resultmodel.CoverageLine, bool) {
	number, err := strconv.Atoi(strings.TrimSpace(l.Number))
	if err != nil || number <= 0 {
		return resultmodel.CoverageLine{}, false
	}
	hits, err := strconv.ParseInt(strings.TrimSpace(l.Hits), 10, 64)
	if err != nil || hits < 0 {
		return resultmodel.CoverageLine{}, false
	}
	line := resultmodel.CoverageLine{
		Number:   number,
		Hits:     hits,
		IsBranch: strings.EqualFold(strings.TrimSpace(l.Branch), "true"),
	}
	if pct, ok := parsePercent(l.ConditionCoverage); ok {
		line.ConditionCoverage = pct
	}
	for _, c := range l.Conditions {
		n, err := strconv.Atoi(strings.TrimSpace(c.Number))
		if err != nil {
			continue
		}
		pct, ok := parsePercent(c.Coverage)
		if !ok {
			continue
		}
		line.Conditions = append(line.Conditions, resultmodel.Condition{Number: n, Type: c.Type, Coverage: pct})
	}
	return line, true
}

// parsePercent reads the leading percentage of values such as "50%" and
// "50% (1/2)".
func parsePercent(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 || f > 100 {
		return 0, false
	}
	return f, true
}

// parseTimestamp accepts epoch seconds or, for large values, milliseconds.
func parseTimestamp(s string) (time.Time, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC(), true
	}
	return time.Unix(n, 0).UTC(), true
}

// Encode writes the run's coverage as a Cobertura document. Files are grouped
// into packages by directory with one class per file.
func (Codec) Encode(run *resultmodel.TestRun) ([]byte, error) {
	if run == nil {
		return nil, fmt.Errorf("cobertura: run is nil")
	}
	doc := xmlCoverage{Version: "runnerhub"}
	if !run.StartedTime.IsZero() {
		doc.Timestamp = strconv.FormatInt(run.StartedTime.Unix(), 10)
	}

	var report resultmodel.CoverageReport
	if run.Coverage != nil {
		report = *run.Coverage
	}

	pkgIndex := map[string]int{}
	var allCovered, allValid, allBranches, allBranchesCovered int
	for _, f := range report.Files {
		dir := path.Dir(strings.ReplaceAll(f.Path, `\`, "/"))
		if dir == "." {
			dir = ""
		}
		i, ok := pkgIndex[dir]
		if !ok {
			i = len(doc.Packages)
			pkgIndex[dir] = i
			doc.Packages = append(doc.Packages, xmlPackage{Name: strings.ReplaceAll(dir, "/", ".")})
		}

		class := xmlClass{Name: strings.TrimSuffix(path.Base(f.Path), path.Ext(f.Path)), Filename: f.Path}
		var covered, branches, branchesCovered int
		for _, l := range f.Lines {
			xl := xmlLine{
				Number: strconv.Itoa(l.Number),
				Hits:   strconv.FormatInt(l.Hits, 10),
			}
			if l.Hits > 0 {
				covered++
			}
			if l.IsBranch {
				xl.Branch = "true"
				xl.ConditionCoverage = formatPercent(l.ConditionCoverage)
				branches++
				if l.ConditionCoverage >= 100 {
					branchesCovered++
				}
			} else {
				xl.Branch = "false"
			}
			for _, c := range l.Conditions {
				xl.Conditions = append(xl.Conditions, xmlCondition{
					Number:   strconv.Itoa(c.Number),
					Type:     c.Type,
					Coverage: formatPercent(c.Coverage),
				})
			}
			class.Lines = append(class.Lines, xl)
		}
		class.LineRate = rate(covered, len(f.Lines))
		class.BranchRate = rate(branchesCovered, branches)
		doc.Packages[i].Classes = append(doc.Packages[i].Classes, class)

		allCovered += covered
		allValid += len(f.Lines)
		allBranches += branches
		allBranchesCovered += branchesCovered
	}
	for i := range doc.Packages {
		var covered, valid int
		for _, c := range doc.Packages[i].Classes {
			valid += len(c.Lines)
			for _, l := range c.Lines {
				if l.Hits != "0" {
					covered++
				}
			}
		}
		doc.Packages[i].LineRate = rate(covered, valid)
		doc.Packages[i].BranchRate = "0"
	}
	doc.LineRate = rate(allCovered, allValid)
	doc.BranchRate = rate(allBranchesCovered, allBranches)
	doc.LinesCovered = strconv.Itoa(allCovered)
	doc.LinesValid = strconv.Itoa(allValid)

	b, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("cobertura: encode: %w", err)
	}
	return append([]byte(xml.Header), append(b, '\n')...), nil
}

func rate(n, d int) string {
	if d == 0 {
		return "0"
	}
	return strconv.FormatFloat(float64(n)/float64(d), 'f', 4, 64)
}

func formatPercent(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64) + "%"
}
