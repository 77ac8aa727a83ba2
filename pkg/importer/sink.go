package importer

import (
	"context"
	"sync"

	"github.com/3leaps/runnerhub/pkg/output"
	"github.com/3leaps/runnerhub/pkg/resultmodel"
)

// Sink receives decoded results. Implementations must be safe for
// concurrent use.
type Sink interface {
	Import(ctx context.Context, t Target, run *resultmodel.TestRun) error
}

// ErrorReporter is implemented by sinks that record skipped documents.
type ErrorReporter interface {
	ReportError(ctx context.Context, t Target, code string, err error) error
}

// Summarizer is implemented by sinks that record per-import summaries.
type Summarizer interface {
	Summarize(ctx context.Context, t Target, sum Summary) error
}

// JSONLSink writes one output record per suite, test case and coverage file.
type JSONLSink struct {
	w *output.JSONLWriter
}

// NewJSONLSink returns a sink writing through w. Each import is stamped with
// its own tenant and run id.
func NewJSONLSink(w *output.JSONLWriter) *JSONLSink {
	return &JSONLSink{w: w}
}

// Import writes run in arena order: each suite record is followed by the
// records of the cases it owns. Suite and case ids are unique per import.
func (s *JSONLSink) Import(ctx context.Context, t Target, run *resultmodel.TestRun) error {
	jw := s.w.WithRun(t.TenantID, t.RunID())
	format := t.Format.String()
	g := resultmodel.NewGraph(run)
	for _, suite := range g.Suites() {
		rec, ok := output.SuiteFromGraph(t.Source, format, g, suite.ID)
		if !ok {
			continue
		}
		if err := jw.WriteSuite(ctx, rec); err != nil {
			return err
		}
		for _, cid := range suite.Cases {
			rec, ok := output.CaseFromGraph(t.Source, g, cid)
			if !ok {
				continue
			}
			if err := jw.WriteCase(ctx, rec); err != nil {
				return err
			}
		}
	}
	if g.Coverage != nil {
		for i := range g.Coverage.Files {
			if err := jw.WriteCoverage(ctx, output.CoverageFromModel(t.Source, &g.Coverage.Files[i])); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *JSONLSink) ReportError(ctx context.Context, t Target, code string, err error) error {
	rec := &output.ErrorRecord{Code: code, Message: err.Error(), Source: t.Source}
	if t.Format.Known() {
		rec.Format = t.Format.String()
	}
	return s.w.WithRun(t.TenantID, t.RunID()).WriteError(ctx, rec)
}

func (s *JSONLSink) Summarize(ctx context.Context, t Target, sum Summary) error {
	return s.w.WithRun(t.TenantID, t.RunID()).WriteSummary(ctx, sum.Record())
}

// Imported is one document accepted by a MemorySink.
type Imported struct {
	Target Target
	Run    *resultmodel.TestRun
}

// MemorySink keeps imported runs in memory. The CLI uses it for dry runs.
type MemorySink struct {
	mu       sync.Mutex
	imported []Imported
	err      error
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// FailWith makes subsequent imports return err. A nil err clears it.
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *MemorySink) Import(_ context.Context, t Target, run *resultmodel.TestRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.imported = append(s.imported, Imported{Target: t, Run: run})
	return nil
}

// Imported returns a copy of everything imported so far.
func (s *MemorySink) Imported() []Imported {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Imported(nil), s.imported...)
}

var (
	_ Sink          = (*JSONLSink)(nil)
	_ ErrorReporter = (*JSONLSink)(nil)
	_ Summarizer    = (*JSONLSink)(nil)
	_ Sink          = (*MemorySink)(nil)
)
