package resultmodel

// SuiteID addresses a suite inside a Graph.
type SuiteID int

// CaseID addresses a test case inside a Graph.
type CaseID int

// SuiteNode is the arena entry for a suite. It owns its cases by id.
type SuiteNode struct {
	ID    SuiteID
	Suite TestSuiteRun
	Cases []CaseID
}

// CaseNode is the arena entry for a test case. Suite is a plain id, not an
// owning reference; navigate with Graph.SuiteOf.
type CaseNode struct {
	ID    CaseID
	Suite SuiteID
	Case  TestCaseRun
}

// Graph is the arena form of a TestRun: suites and cases live in flat
// slices addressed by integer ids. The run owns suites, suites own cases.
type Graph struct {
	Run      TestRun
	suites   []SuiteNode
	cases    []CaseNode
	Coverage *CoverageReport
}

// NewGraph flattens a TestRun into arena form. The returned graph does not
// share slices with run.
func NewGraph(run *TestRun) *Graph {
	g := &Graph{}
	if run == nil {
		return g
	}
	g.Run = TestRun{Name: run.Name, StartedTime: run.StartedTime, EndedTime: run.EndedTime}
	g.Coverage = run.Coverage
	for _, s := range run.Suites {
		sid := g.AddSuite(s)
		for _, c := range s.Tests {
			g.AddCase(sid, c)
		}
	}
	return g
}

// AddSuite appends a suite (its Tests are ignored) and returns its id.
func (g *Graph) AddSuite(s TestSuiteRun) SuiteID {
	id := SuiteID(len(g.suites))
	s.Tests = nil
	g.suites = append(g.suites, SuiteNode{ID: id, Suite: s})
	return id
}

// AddCase appends a case owned by suite and returns its id. It panics if
// suite is not in the graph.
func (g *Graph) AddCase(suite SuiteID, c TestCaseRun) CaseID {
	if int(suite) < 0 || int(suite) >= len(g.suites) {
		panic("resultmodel: AddCase with unknown suite id")
	}
	id := CaseID(len(g.cases))
	g.cases = append(g.cases, CaseNode{ID: id, Suite: suite, Case: c})
	g.suites[suite].Cases = append(g.suites[suite].Cases, id)
	return id
}

// Suites returns the suite nodes in insertion order.
func (g *Graph) Suites() []SuiteNode { return g.suites }

// Cases returns all case nodes in insertion order.
func (g *Graph) Cases() []CaseNode { return g.cases }

// Suite looks up a suite by id.
func (g *Graph) Suite(id SuiteID) (*SuiteNode, bool) {
	if int(id) < 0 || int(id) >= len(g.suites) {
		return nil, false
	}
	return &g.suites[id], true
}

// Case looks up a case by id.
func (g *Graph) Case(id CaseID) (*CaseNode, bool) {
	if int(id) < 0 || int(id) >= len(g.cases) {
		return nil, false
	}
	return &g.cases[id], true
}

// SuiteOf returns the suite that owns the case.
func (g *Graph) SuiteOf(id CaseID) (*SuiteNode, bool) {
	c, ok := g.Case(id)
	if !ok {
		return nil, false
	}
	return g.Suite(c.Suite)
}

// CasesOf returns the case nodes owned by a suite.
func (g *Graph) CasesOf(id SuiteID) []CaseNode {
	s, ok := g.Suite(id)
	if !ok {
		return nil
	}
	out := make([]CaseNode, 0, len(s.Cases))
	for _, cid := range s.Cases {
		out = append(out, g.cases[cid])
	}
	return out
}

// TestRun rebuilds the tree form.
func (g *Graph) TestRun() *TestRun {
	run := g.Run
	run.Coverage = g.Coverage
	run.Suites = make([]TestSuiteRun, 0, len(g.suites))
	for _, s := range g.suites {
		suite := s.Suite
		suite.Tests = make([]TestCaseRun, 0, len(s.Cases))
		for _, cid := range s.Cases {
			suite.Tests = append(suite.Tests, g.cases[cid].Case)
		}
		run.Suites = append(run.Suites, suite)
	}
	return &run
}
