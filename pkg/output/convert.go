package output

import (
	"time"

	"github.com/3leaps/runnerhub/pkg/resultmodel"
)

// SuiteFromGraph flattens suite id of g into a SuiteRecord. It reports
// false when g has no such suite.
func SuiteFromGraph(source, format string, g *resultmodel.Graph, id resultmodel.SuiteID) (*SuiteRecord, bool) {
	node, ok := g.Suite(id)
	if !ok {
		return nil, false
	}
	s := node.Suite
	rec := &SuiteRecord{
		Source:       source,
		Format:       format,
		SuiteID:      int(node.ID),
		Name:         s.Name,
		ExternalID:   s.ExternalID,
		Environment:  s.Environment,
		TestFilePath: s.TestFilePath,
		StartedTime:  timePtr(s.StartedTime),
		EndedTime:    timePtr(s.EndedTime),
		Tests:        len(node.Cases),
	}
	if len(node.Cases) > 0 {
		rec.Results = make(map[string]int)
		for _, c := range g.CasesOf(id) {
			rec.Results[c.Case.Result.String()]++
		}
	}
	return rec, true
}

// CaseFromGraph flattens case id of g into a CaseRecord. The owning suite
// is resolved through g.
func CaseFromGraph(source string, g *resultmodel.Graph, id resultmodel.CaseID) (*CaseRecord, bool) {
	node, ok := g.Case(id)
	if !ok {
		return nil, false
	}
	suite, ok := g.SuiteOf(id)
	if !ok {
		return nil, false
	}
	c := node.Case
	rec := &CaseRecord{
		Source:      source,
		SuiteID:     int(suite.ID),
		CaseID:      int(node.ID),
		Suite:       suite.Suite.Name,
		Name:        c.Name,
		ExternalID:  c.ExternalID,
		ClassName:   c.ClassName,
		Method:      c.Method,
		Result:      c.Result.String(),
		Duration:    c.Duration,
		Message:     c.Message,
		StackTrace:  c.StackTrace,
		Attachments: len(c.Attachments),
		Steps:       len(c.Steps),
	}
	for _, tr := range c.Traits {
		rec.Traits = append(rec.Traits, TraitRecord{Type: tr.Type.String(), Name: tr.Name, Value: tr.Value})
	}
	return rec, true
}

// CoverageFromModel summarises one file of a coverage report.
func CoverageFromModel(source string, f *resultmodel.CoverageFile) *CoverageRecord {
	rec := &CoverageRecord{
		Source:     source,
		Path:       f.Path,
		LinesValid: len(f.Lines),
	}
	for _, l := range f.Lines {
		if l.Hits > 0 {
			rec.LinesCovered++
		} else {
			rec.UncoveredLines = append(rec.UncoveredLines, l.Number)
		}
		if l.IsBranch {
			rec.BranchLines++
		}
	}
	if rec.LinesValid > 0 {
		rec.LineRate = float64(rec.LinesCovered) / float64(rec.LinesValid)
	}
	return rec
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}
