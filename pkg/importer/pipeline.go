// Package importer turns runner output into canonical results and hands them
// to a Sink.
//
// Two inputs are supported: artifact archives uploaded for a job, scanned
// with glob patterns, and the inline result document a runner sends with a
// terminal status. Per-document failures are logged and counted; only sink
// failures abort an import.
package importer

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/runnerhub/pkg/artifact"
	"github.com/3leaps/runnerhub/pkg/formats"
	"github.com/3leaps/runnerhub/pkg/match"
	"github.com/3leaps/runnerhub/pkg/output"
	"github.com/3leaps/runnerhub/pkg/resultmodel"
)

// Import outcomes reported to Metrics.
const (
	OutcomeImported = "imported"
	OutcomeUnknown  = "unknown_format"
	OutcomeInvalid  = "malformed"
	OutcomeFailed   = "sink_failed"
)

// ArtifactEvent announces an archive of job output ready for import.
type ArtifactEvent struct {
	TenantID      string
	TestRunID     int64
	TestProjectID *int64

	// GlobPattern holds one or more patterns separated by ';', ',' or newlines.
	GlobPattern string
	ZipBytes    []byte

	// JobGUID is set when the archive belongs to a pipeline job.
	JobGUID string
}

// Target identifies where one decoded document is imported.
type Target struct {
	TenantID      string
	TestRunID     int64
	TestProjectID *int64
	JobGUID       string

	// Source is the archive entry name or upload name of the document.
	Source string
	Format formats.TestResultFormat
}

// RunID is the correlation id written on output records.
func (t Target) RunID() string {
	if t.JobGUID != "" {
		return t.JobGUID
	}
	return strconv.FormatInt(t.TestRunID, 10)
}

// Summary counts what one HandleArtifact or HandleResult call did.
type Summary struct {
	Entries       int
	Imported      int
	Skipped       int
	Suites        int
	Tests         int
	CoverageFiles int
	Results       map[string]int
	Duration      time.Duration
}

func (s *Summary) add(run *resultmodel.TestRun) {
	s.Imported++
	s.Suites += len(run.Suites)
	s.Tests += run.TotalTests()
	for r, n := range run.Counts() {
		if s.Results == nil {
			s.Results = make(map[string]int)
		}
		s.Results[r.String()] += n
	}
	if run.Coverage != nil {
		s.CoverageFiles += len(run.Coverage.Files)
	}
}

// Record converts s into an output summary record.
func (s Summary) Record() *output.SummaryRecord {
	return &output.SummaryRecord{
		Documents:     s.Imported,
		Suites:        s.Suites,
		Tests:         s.Tests,
		Results:       s.Results,
		CoverageFiles: s.CoverageFiles,
		Duration:      s.Duration,
		DurationHuman: s.Duration.Round(time.Millisecond).String(),
		Errors:        s.Skipped,
	}
}

// Metrics receives one observation per imported or skipped document.
type Metrics interface {
	ObserveImport(format, outcome string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveImport(string, string) {}

// Pipeline scans, detects, decodes and imports result documents.
type Pipeline struct {
	sink    Sink
	scanner artifact.Scanner
	metrics Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithScanner replaces the default artifact scanner.
func WithScanner(s artifact.Scanner) Option {
	return func(p *Pipeline) { p.scanner = s }
}

func WithMetrics(m Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPipeline returns a Pipeline importing into sink.
func NewPipeline(sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		sink:    sink,
		metrics: nopMetrics{},
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// HandleArtifact imports every archive entry matching ev.GlobPattern.
//
// A corrupt archive is logged and treated as zero matches. Entries that
// cannot be read, detected or decoded are logged and counted as skipped.
// Only an invalid pattern, a cancelled context or a sink failure is
// returned as an error.
func (p *Pipeline) HandleArtifact(ctx context.Context, ev ArtifactEvent) (Summary, error) {
	start := p.now()
	var sum Summary
	base := Target{
		TenantID:      ev.TenantID,
		TestRunID:     ev.TestRunID,
		TestProjectID: ev.TestProjectID,
		JobGUID:       ev.JobGUID,
	}
	log := p.logger.With(zap.String("tenant", ev.TenantID), zap.Int64("test_run", ev.TestRunID))

	patterns := match.SplitPatterns(ev.GlobPattern)
	if len(patterns) == 0 || len(ev.ZipBytes) == 0 {
		log.Debug("Nothing to import from artifact",
			zap.Int("patterns", len(patterns)),
			zap.Int("archive_bytes", len(ev.ZipBytes)))
		return sum, nil
	}

	for entry, err := range p.scanner.FindMatches(ev.ZipBytes, patterns) {
		if err != nil {
			var ee *artifact.EntryError
			switch {
			case errors.Is(err, artifact.ErrCorruptArchive):
				log.Warn("Skipping corrupt artifact archive", zap.Error(err))
				p.reportError(ctx, base, output.ErrCodeArchive, err)
				sum.Duration = p.now().Sub(start)
				return sum, nil
			case errors.As(err, &ee):
				log.Warn("Skipping unreadable archive entry", zap.String("entry", ee.Name), zap.Error(err))
				sum.Entries++
				sum.Skipped++
				t := base
				t.Source = ee.Name
				p.reportError(ctx, t, output.ErrCodeArchive, err)
				continue
			default:
				return sum, err
			}
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Entries++
		t := base
		t.Source = entry.Name
		if err := p.importDocument(ctx, t, entry.Name, entry.Data, &sum); err != nil {
			return sum, err
		}
	}

	sum.Duration = p.now().Sub(start)
	p.summarize(ctx, base, sum)
	log.Info("Imported artifact",
		zap.String("job", ev.JobGUID),
		zap.Int("entries", sum.Entries),
		zap.Int("imported", sum.Imported),
		zap.Int("skipped", sum.Skipped),
		zap.Int("tests", sum.Tests))
	return sum, nil
}

// HandleResult imports a single inline result document. A known format is
// used as is; otherwise the format is detected from hint and content.
func (p *Pipeline) HandleResult(ctx context.Context, t Target, format formats.TestResultFormat, hint string, data []byte) (Summary, error) {
	start := p.now()
	var sum Summary
	if len(data) == 0 {
		return sum, nil
	}
	if t.Source == "" {
		t.Source = "result"
	}
	t.Format = format
	sum.Entries = 1
	if err := p.importDocument(ctx, t, hint, data, &sum); err != nil {
		return sum, err
	}
	sum.Duration = p.now().Sub(start)
	p.summarize(ctx, t, sum)
	return sum, nil
}

func (p *Pipeline) importDocument(ctx context.Context, t Target, hint string, data []byte, sum *Summary) error {
	log := p.logger.With(zap.String("tenant", t.TenantID), zap.String("source", t.Source))

	if !t.Format.Known() {
		t.Format = formats.Detect(hint, data)
	}
	if !t.Format.Known() {
		log.Info("Skipping document with unrecognised format")
		sum.Skipped++
		p.metrics.ObserveImport(formats.UnknownFormat.String(), OutcomeUnknown)
		p.reportError(ctx, t, output.ErrCodeUnknownFormat, formats.ErrUnknownFormat)
		return nil
	}

	run, err := formats.Decode(t.Format, data)
	if err != nil {
		log.Warn("Skipping malformed document", zap.String("format", t.Format.String()), zap.Error(err))
		sum.Skipped++
		p.metrics.ObserveImport(t.Format.String(), OutcomeInvalid)
		p.reportError(ctx, t, output.ErrCodeMalformed, err)
		return nil
	}

	if err := p.sink.Import(ctx, t, run); err != nil {
		p.metrics.ObserveImport(t.Format.String(), OutcomeFailed)
		return &SinkError{Source: t.Source, Err: err}
	}
	p.metrics.ObserveImport(t.Format.String(), OutcomeImported)
	sum.add(run)
	return nil
}

func (p *Pipeline) reportError(ctx context.Context, t Target, code string, err error) {
	r, ok := p.sink.(ErrorReporter)
	if !ok {
		return
	}
	if rerr := r.ReportError(ctx, t, code, err); rerr != nil {
		p.logger.Warn("Failed to record import error", zap.String("source", t.Source), zap.Error(rerr))
	}
}

func (p *Pipeline) summarize(ctx context.Context, t Target, sum Summary) {
	s, ok := p.sink.(Summarizer)
	if !ok {
		return
	}
	if err := s.Summarize(ctx, t, sum); err != nil {
		p.logger.Warn("Failed to record import summary", zap.Error(err))
	}
}

// SinkError reports a failed Sink.Import.
type SinkError struct {
	Source string
	Err    error
}

func (e *SinkError) Error() string {
	return "import " + e.Source + ": " + e.Err.Error()
}

func (e *SinkError) Unwrap() error {
	return e.Err
}
