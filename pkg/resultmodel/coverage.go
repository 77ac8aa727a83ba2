package resultmodel

import "sort"

// CoverageReport is line coverage keyed by source file.
type CoverageReport struct {
	Files []CoverageFile `json:"files"`
}

// CoverageFile holds the covered lines of one source file, ordered by number.
type CoverageFile struct {
	Path  string         `json:"path"`
	Lines []CoverageLine `json:"lines"`
}

// CoverageLine is the merged coverage of a single source line.
type CoverageLine struct {
	Number   int   `json:"number"`
	Hits     int64 `json:"hits"`
	IsBranch bool  `json:"is_branch,omitempty"`

	// ConditionCoverage is the branch coverage percentage (0-100) reported
	// for the line as a whole.
	ConditionCoverage float64     `json:"condition_coverage,omitempty"`
	Conditions        []Condition `json:"conditions,omitempty"`
}

// Condition is the coverage of one branch condition on a line.
type Condition struct {
	Number   int     `json:"number"`
	Type     string  `json:"type,omitempty"`
	Coverage float64 `json:"coverage"`
}

// LinesCovered returns the number of lines with at least one hit, and the
// number of lines reported.
func (c *CoverageReport) LinesCovered() (covered, valid int) {
	if c == nil {
		return 0, 0
	}
	for _, f := range c.Files {
		for _, l := range f.Lines {
			valid++
			if l.Hits > 0 {
				covered++
			}
		}
	}
	return covered, valid
}

// CoverageBuilder accumulates line readings, merging repeated reports of the
// same (file, line): hits are summed, condition percentages take the max.
type CoverageBuilder struct {
	files map[string]map[int]*CoverageLine
	order []string
}

func NewCoverageBuilder() *CoverageBuilder {
	return &CoverageBuilder{files: map[string]map[int]*CoverageLine{}}
}

// Add merges one line reading into the builder.
func (b *CoverageBuilder) Add(path string, line CoverageLine) {
	lines, ok := b.files[path]
	if !ok {
		lines = map[int]*CoverageLine{}
		b.files[path] = lines
		b.order = append(b.order, path)
	}

	cur, ok := lines[line.Number]
	if !ok {
		cp := line
		cp.Conditions = mergeConditions(nil, line.Conditions)
		lines[line.Number] = &cp
		return
	}

	cur.Hits += line.Hits
	cur.IsBranch = cur.IsBranch || line.IsBranch
	if line.ConditionCoverage > cur.ConditionCoverage {
		cur.ConditionCoverage = line.ConditionCoverage
	}
	cur.Conditions = mergeConditions(cur.Conditions, line.Conditions)
}

func mergeConditions(into, from []Condition) []Condition {
	for _, c := range from {
		found := false
		for i := range into {
			if into[i].Number != c.Number {
				continue
			}
			found = true
			if c.Coverage > into[i].Coverage {
				into[i].Coverage = c.Coverage
			}
			if into[i].Type == "" {
				into[i].Type = c.Type
			}
			break
		}
		if !found {
			into = append(into, c)
		}
	}
	sort.Slice(into, func(i, j int) bool { return into[i].Number < into[j].Number })
	return into
}

// Report returns the merged report. Files keep first-seen order; lines are
// sorted by number.
func (b *CoverageBuilder) Report() *CoverageReport {
	out := &CoverageReport{Files: make([]CoverageFile, 0, len(b.order))}
	for _, path := range b.order {
		lines := b.files[path]
		f := CoverageFile{Path: path, Lines: make([]CoverageLine, 0, len(lines))}
		for _, l := range lines {
			f.Lines = append(f.Lines, *l)
		}
		sort.Slice(f.Lines, func(i, j int) bool { return f.Lines[i].Number < f.Lines[j].Number })
		out.Files = append(out.Files, f)
	}
	return out
}
