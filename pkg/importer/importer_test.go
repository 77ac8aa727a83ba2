package importer

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/runnerhub/pkg/artifact"
	"github.com/3leaps/runnerhub/pkg/formats"
	"github.com/3leaps/runnerhub/pkg/jobs"
	"github.com/3leaps/runnerhub/pkg/match"
	"github.com/3leaps/runnerhub/pkg/output"
	"github.com/3leaps/runnerhub/pkg/resultmodel"
)

type recordingMetrics struct {
	mu   sync.Mutex
	seen map[string]int
}

func (m *recordingMetrics) ObserveImport(format, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = map[string]int{}
	}
	m.seen[format+"/"+outcome]++
}

func sampleRun() *resultmodel.TestRun {
	return &resultmodel.TestRun{
		Name: "ci",
		Suites: []resultmodel.TestSuiteRun{{
			Name: "Calculator",
			Tests: []resultmodel.TestCaseRun{
				{Name: "adds", Result: resultmodel.Passed, Duration: 5 * time.Millisecond},
				{Name: "divides", Result: resultmodel.Failed, Message: "expected 2, got 3"},
			},
		}},
	}
}

func encode(t *testing.T, f formats.TestResultFormat, run *resultmodel.TestRun) string {
	t.Helper()
	data, err := formats.Encode(f, run)
	require.NoError(t, err)
	return string(data)
}

func coverageRun() *resultmodel.TestRun {
	b := resultmodel.NewCoverageBuilder()
	b.Add("src/a.go", resultmodel.CoverageLine{Number: 1, Hits: 1})
	b.Add("src/b.go", resultmodel.CoverageLine{Number: 4, Hits: 0})
	return &resultmodel.TestRun{Coverage: b.Report()}
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestPipeline_HandleArtifact(t *testing.T) {
	archive := buildZip(t, map[string]string{
		"reports/unit.xml":       encode(t, formats.JUnitXml, sampleRun()),
		"reports/ui.ctrf.json":   encode(t, formats.CtrfJson, sampleRun()),
		"reports/notes.xml":      "<html><body/></html>",
		"reports/broken.xml":     "<testsuites><testsuite>",
		"coverage/cobertura.xml": encode(t, formats.CoberturaXml, coverageRun()),
		"other/ignored.xml":      encode(t, formats.JUnitXml, sampleRun()),
	})
	sink := NewMemorySink()
	metrics := &recordingMetrics{}
	p := NewPipeline(sink, WithMetrics(metrics))

	project := int64(9)
	sum, err := p.HandleArtifact(context.Background(), ArtifactEvent{
		TenantID:      "acme",
		TestRunID:     42,
		TestProjectID: &project,
		GlobPattern:   "reports/**;coverage/*.xml",
		ZipBytes:      archive,
		JobGUID:       "job-1",
	})
	require.NoError(t, err)

	assert.Equal(t, 5, sum.Entries)
	assert.Equal(t, 3, sum.Imported)
	assert.Equal(t, 2, sum.Skipped)
	assert.Equal(t, 4, sum.Tests)
	assert.Equal(t, 2, sum.CoverageFiles)
	assert.Equal(t, 2, sum.Results["Passed"])
	assert.Equal(t, 2, sum.Results["Failed"])

	bySource := map[string]Target{}
	for _, imp := range sink.Imported() {
		bySource[imp.Target.Source] = imp.Target
	}
	require.Len(t, bySource, 3)
	assert.Equal(t, formats.JUnitXml, bySource["reports/unit.xml"].Format)
	assert.Equal(t, formats.CtrfJson, bySource["reports/ui.ctrf.json"].Format)
	assert.Equal(t, formats.CoberturaXml, bySource["coverage/cobertura.xml"].Format)
	for _, tgt := range bySource {
		assert.Equal(t, "acme", tgt.TenantID)
		assert.Equal(t, int64(42), tgt.TestRunID)
		assert.Equal(t, &project, tgt.TestProjectID)
		assert.Equal(t, "job-1", tgt.RunID())
	}

	assert.Equal(t, 1, metrics.seen["UnknownFormat/"+OutcomeUnknown])
	assert.Equal(t, 1, metrics.seen["JUnitXml/"+OutcomeInvalid])
	assert.Equal(t, 1, metrics.seen["JUnitXml/"+OutcomeImported])
}

func TestPipeline_HandleArtifact_NothingToDo(t *testing.T) {
	sink := NewMemorySink()
	p := NewPipeline(sink)
	ctx := context.Background()

	sum, err := p.HandleArtifact(ctx, ArtifactEvent{TenantID: "acme", GlobPattern: "**/*.xml"})
	require.NoError(t, err)
	assert.Zero(t, sum.Entries)

	sum, err = p.HandleArtifact(ctx, ArtifactEvent{TenantID: "acme", GlobPattern: " ; ", ZipBytes: []byte("PK")})
	require.NoError(t, err)
	assert.Zero(t, sum.Entries)
	assert.Empty(t, sink.Imported())
}

func TestPipeline_HandleArtifact_CorruptArchive(t *testing.T) {
	sink := NewMemorySink()
	p := NewPipeline(sink)

	sum, err := p.HandleArtifact(context.Background(), ArtifactEvent{
		TenantID:    "acme",
		GlobPattern: "**/*.xml",
		ZipBytes:    []byte("this is not a zip archive at all"),
	})
	require.NoError(t, err, "a corrupt archive is treated as zero matches")
	assert.Zero(t, sum.Imported)
	assert.Empty(t, sink.Imported())
}

func TestPipeline_HandleArtifact_OversizedEntrySkipped(t *testing.T) {
	archive := buildZip(t, map[string]string{
		"big.xml":   encode(t, formats.JUnitXml, sampleRun()),
		"small.xml": "<testsuites/>",
	})
	sink := NewMemorySink()
	p := NewPipeline(sink, WithScanner(artifact.Scanner{MaxEntryBytes: 64}))

	sum, err := p.HandleArtifact(context.Background(), ArtifactEvent{TenantID: "acme", GlobPattern: "*.xml", ZipBytes: archive})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Entries)
	assert.Equal(t, 1, sum.Imported)
	assert.Equal(t, 1, sum.Skipped)
}

func TestPipeline_HandleArtifact_InvalidPattern(t *testing.T) {
	archive := buildZip(t, map[string]string{"a.xml": "<testsuites/>"})
	p := NewPipeline(NewMemorySink())

	_, err := p.HandleArtifact(context.Background(), ArtifactEvent{TenantID: "acme", GlobPattern: "reports/[x", ZipBytes: archive})
	assert.ErrorIs(t, err, match.ErrInvalidPattern)
}

func TestPipeline_SinkFailureAborts(t *testing.T) {
	archive := buildZip(t, map[string]string{"a.xml": encode(t, formats.JUnitXml, sampleRun())})
	sink := NewMemorySink()
	boom := errors.New("database unavailable")
	sink.FailWith(boom)
	p := NewPipeline(sink)

	_, err := p.HandleArtifact(context.Background(), ArtifactEvent{TenantID: "acme", GlobPattern: "*.xml", ZipBytes: archive})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var se *SinkError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "a.xml", se.Source)
}

func TestPipeline_HandleResult(t *testing.T) {
	sink := NewMemorySink()
	p := NewPipeline(sink)
	ctx := context.Background()
	target := Target{TenantID: "acme", TestRunID: 7}

	sum, err := p.HandleResult(ctx, target, formats.UnknownFormat, "", []byte(encode(t, formats.XUnitXml, sampleRun())))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Imported)
	imported := sink.Imported()
	require.Len(t, imported, 1)
	assert.Equal(t, formats.XUnitXml, imported[0].Target.Format, "format is sniffed when unknown")
	assert.Equal(t, "result", imported[0].Target.Source)
	assert.Equal(t, "7", imported[0].Target.RunID())

	sum, err = p.HandleResult(ctx, target, formats.CtrfJson, "", []byte("not json"))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped, "a declared format is trusted and decode errors are skipped")

	sum, err = p.HandleResult(ctx, target, formats.UnknownFormat, "", nil)
	require.NoError(t, err)
	assert.Zero(t, sum.Entries)
}

func TestJSONLSink_Records(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONLSink(output.NewJSONLWriter(&buf, "", ""))
	p := NewPipeline(sink)

	target := Target{TenantID: "acme", TestRunID: 3, JobGUID: "job-9", Source: "out/junit.xml"}
	_, err := p.HandleResult(context.Background(), target, formats.JUnitXml, "", []byte(encode(t, formats.JUnitXml, sampleRun())))
	require.NoError(t, err)
	_, err = p.HandleResult(context.Background(), target, formats.UnknownFormat, "", []byte("plain text"))
	require.NoError(t, err)

	var types []string
	var cases []output.CaseRecord
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec output.Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		assert.Equal(t, "acme", rec.TenantID)
		assert.Equal(t, "job-9", rec.RunID)
		types = append(types, rec.Type)
		if rec.Type == output.TypeCase {
			var c output.CaseRecord
			require.NoError(t, json.Unmarshal(rec.Data, &c))
			cases = append(cases, c)
		}
	}
	assert.Equal(t, []string{
		output.TypeSuite, output.TypeCase, output.TypeCase, output.TypeSummary,
		output.TypeError, output.TypeSummary,
	}, types)

	require.Len(t, cases, 2)
	for i, c := range cases {
		assert.Equal(t, i, c.CaseID)
		assert.Zero(t, c.SuiteID)
		assert.Equal(t, sampleRun().Suites[0].Name, c.Suite)
	}
}

func TestJSONLSink_SuiteAndCaseIDs(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONLSink(output.NewJSONLWriter(&buf, "acme", "run-1"))
	run := &resultmodel.TestRun{Suites: []resultmodel.TestSuiteRun{
		{Name: "a", Tests: []resultmodel.TestCaseRun{{Name: "a1"}, {Name: "a2"}}},
		{Name: "b", Tests: []resultmodel.TestCaseRun{{Name: "b1"}}},
	}}
	require.NoError(t, sink.Import(context.Background(), Target{TenantID: "acme", Source: "r.json"}, run))

	type row struct {
		typ           string
		suite, caseID int
		name          string
	}
	var got []row
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec output.Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		switch rec.Type {
		case output.TypeSuite:
			var s output.SuiteRecord
			require.NoError(t, json.Unmarshal(rec.Data, &s))
			got = append(got, row{rec.Type, s.SuiteID, -1, s.Name})
		case output.TypeCase:
			var c output.CaseRecord
			require.NoError(t, json.Unmarshal(rec.Data, &c))
			got = append(got, row{rec.Type, c.SuiteID, c.CaseID, c.Suite + "/" + c.Name})
		}
	}
	assert.Equal(t, []row{
		{output.TypeSuite, 0, -1, "a"},
		{output.TypeCase, 0, 0, "a/a1"},
		{output.TypeCase, 0, 1, "a/a2"},
		{output.TypeSuite, 1, -1, "b"},
		{output.TypeCase, 1, 2, "b/b1"},
	}, got)
}

func terminalEvent(result string, previous jobs.PipelineJobStatus) jobs.Event {
	run := int64(11)
	return jobs.Event{
		Job: jobs.Job{
			GUID:      "job-5",
			TenantID:  "acme",
			TestRunID: &run,
			Status:    jobs.Completed,
			Result:    result,
			Format:    formats.JUnitXml,
		},
		Previous: previous,
		Actor:    "runner-1",
	}
}

func TestWorker_ImportsTerminalJobs(t *testing.T) {
	sink := NewMemorySink()
	w := NewWorker(NewPipeline(sink), WorkerConfig{Workers: 2}, nil)
	ctx := context.Background()
	doc := encode(t, formats.JUnitXml, sampleRun())

	w.OnJobEvent(ctx, terminalEvent(doc, jobs.Running))

	archive := buildZip(t, map[string]string{"out/report.xml": doc})
	withArtifact := terminalEvent("", jobs.Running)
	withArtifact.Job.ArtifactContent = archive
	withArtifact.Job.ArtifactPatterns = []string{"out/*.xml"}
	w.OnJobEvent(ctx, withArtifact)

	// Ignored: not terminal, already terminal, no test run.
	running := terminalEvent(doc, jobs.Waiting)
	running.Job.Status = jobs.Running
	w.OnJobEvent(ctx, running)
	w.OnJobEvent(ctx, terminalEvent(doc, jobs.Error))
	orphan := terminalEvent(doc, jobs.Running)
	orphan.Job.TestRunID = nil
	w.OnJobEvent(ctx, orphan)

	w.Close()
	require.NoError(t, w.Run(ctx))

	imported := sink.Imported()
	require.Len(t, imported, 2)
	sources := []string{imported[0].Target.Source, imported[1].Target.Source}
	assert.ElementsMatch(t, []string{"result", "out/report.xml"}, sources)
	for _, imp := range imported {
		assert.Equal(t, "job-5", imp.Target.JobGUID)
		assert.Equal(t, int64(11), imp.Target.TestRunID)
	}
}

func TestWorker_SubmitBackpressure(t *testing.T) {
	w := NewWorker(NewPipeline(NewMemorySink()), WorkerConfig{QueueSize: 1}, nil)

	require.NoError(t, w.SubmitResult(ResultEvent{Target: Target{TenantID: "acme"}}))
	assert.ErrorIs(t, w.SubmitResult(ResultEvent{}), ErrQueueFull)

	w.Close()
	w.Close()
	assert.ErrorIs(t, w.SubmitArtifact(ArtifactEvent{}), ErrWorkerClosed)
	require.NoError(t, w.Run(context.Background()), "run drains the backlog after close")
}

func TestWorker_StopsOnCancel(t *testing.T) {
	w := NewWorker(NewPipeline(NewMemorySink()), WorkerConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
