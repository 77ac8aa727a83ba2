package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/runnerhub/pkg/resultmodel"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []Record {
	t.Helper()
	var out []Record
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec), "line: %s", line)
		out = append(out, rec)
	}
	return out
}

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "acme", "run-123")

	assert.NotNil(t, w)
	assert.Equal(t, "acme", w.tenantID)
	assert.Equal(t, "run-123", w.runID)
}

func TestJSONLWriter_WriteCase(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "acme", "run-123")
	fixed := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	err := w.WriteCase(context.Background(), &CaseRecord{
		Source:   "out/junit.xml",
		Suite:    "Calculator",
		Name:     "divides",
		Result:   "Failed",
		Duration: 120 * time.Millisecond,
		Message:  "expected 2, got 3",
	})
	require.NoError(t, err)

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 1)
	assert.Equal(t, TypeCase, recs[0].Type)
	assert.Equal(t, "acme", recs[0].TenantID)
	assert.Equal(t, "run-123", recs[0].RunID)
	assert.Equal(t, fixed, recs[0].TS)

	var got CaseRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &got))
	assert.Equal(t, "divides", got.Name)
	assert.Equal(t, "Failed", got.Result)
	assert.Equal(t, 120*time.Millisecond, got.Duration)
	assert.Equal(t, "expected 2, got 3", got.Message)
}

func TestJSONLWriter_RecordTypes(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "acme", "run-1")
	ctx := context.Background()

	require.NoError(t, w.WriteSuite(ctx, &SuiteRecord{Name: "s", Tests: 2}))
	require.NoError(t, w.WriteCoverage(ctx, &CoverageRecord{Path: "a.go", LinesValid: 4, LinesCovered: 3}))
	require.NoError(t, w.WriteJob(ctx, &JobRecord{GUID: "g", Status: "Queued", Attempt: 1}))
	require.NoError(t, w.WriteError(ctx, &ErrorRecord{Code: ErrCodeMalformed, Message: "bad", Source: "x.xml"}))
	require.NoError(t, w.WriteSummary(ctx, &SummaryRecord{Documents: 1, Tests: 2, Errors: 1}))

	recs := decodeLines(t, &buf)
	var types []string
	for _, r := range recs {
		types = append(types, r.Type)
	}
	assert.Equal(t, []string{TypeSuite, TypeCoverage, TypeJob, TypeError, TypeSummary}, types)

	var errData ErrorRecord
	require.NoError(t, json.Unmarshal(recs[3].Data, &errData))
	assert.Equal(t, ErrCodeMalformed, errData.Code)
	assert.Equal(t, "x.xml", errData.Source)
}

func TestJSONLWriter_WithRunSharesStream(t *testing.T) {
	var buf bytes.Buffer
	base := NewJSONLWriter(&buf, "", "")
	a := base.WithRun("acme", "run-a")
	b := base.WithRun("globex", "run-b")

	require.NoError(t, a.WriteSuite(context.Background(), &SuiteRecord{Name: "one"}))
	require.NoError(t, b.WriteSuite(context.Background(), &SuiteRecord{Name: "two"}))

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 2)
	assert.Equal(t, "acme", recs[0].TenantID)
	assert.Equal(t, "run-a", recs[0].RunID)
	assert.Equal(t, "globex", recs[1].TenantID)

	require.NoError(t, base.Close())
	err := a.WriteSuite(context.Background(), &SuiteRecord{Name: "late"})
	assert.ErrorIs(t, err, ErrWriterClosed, "closing the base closes every view")
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "acme", "run-123")

	require.NoError(t, w.Close())

	err := w.WriteCase(context.Background(), &CaseRecord{Name: "late"})
	assert.ErrorIs(t, err, ErrWriterClosed)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "acme", "run-123")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			view := w.WithRun("acme", "run-concurrent")
			for j := 0; j < writesPerWriter; j++ {
				_ = view.WriteCase(context.Background(), &CaseRecord{
					Name:     strings.Repeat("x", writerID+1),
					Duration: time.Duration(j),
				})
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)
	for i, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record), "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "acme", "run-123")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteCase(ctx, &CaseRecord{Name: "c"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "acme", "run-123")

	err := w.WriteCase(context.Background(), &CaseRecord{Name: "c"})
	require.Error(t, err)

	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

func TestJSONLWriter_MarshalFailure(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "acme", "run-123")

	err := w.WriteError(context.Background(), &ErrorRecord{Code: ErrCodeInternal, Details: make(chan int)})
	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, "marshal_data", writeErr.Op)
	assert.Empty(t, buf.String())
}

type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	sw := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(sw, "acme", "run-123")

	err := w.WriteCoverage(context.Background(), &CoverageRecord{
		Path:         "src/pkg/really/long/path/file.go",
		LinesValid:   100,
		LinesCovered: 90,
		LineRate:     0.9,
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(sw.buf.String()), "\n")
	require.Len(t, lines, 1)
	var record Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record), "output should be valid JSON despite short writes")
	assert.Equal(t, TypeCoverage, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(&zeroWriteWriter{}, "acme", "run-123")

	err := w.WriteCase(context.Background(), &CaseRecord{Name: "c"})
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestErrorRecord_OmitEmpty(t *testing.T) {
	data, err := json.Marshal(&ErrorRecord{Code: ErrCodeArchive, Message: "corrupt"})
	require.NoError(t, err)

	s := string(data)
	assert.NotContains(t, s, "source")
	assert.NotContains(t, s, "format")
	assert.NotContains(t, s, "details")
}

func TestSuiteFromGraph(t *testing.T) {
	start := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	g := resultmodel.NewGraph(&resultmodel.TestRun{Suites: []resultmodel.TestSuiteRun{
		{Name: "Setup"},
		{
			Name:        "Calculator",
			StartedTime: start,
			Tests: []resultmodel.TestCaseRun{
				{Name: "a", Result: resultmodel.Passed},
				{Name: "b", Result: resultmodel.Passed},
				{Name: "c", Result: resultmodel.Skipped},
			},
		},
	}})

	rec, ok := SuiteFromGraph("junit.xml", "JUnitXml", g, resultmodel.SuiteID(1))
	require.True(t, ok)
	assert.Equal(t, 1, rec.SuiteID)
	assert.Equal(t, "Calculator", rec.Name)
	assert.Equal(t, 3, rec.Tests)
	assert.Equal(t, map[string]int{"Passed": 2, "Skipped": 1}, rec.Results)
	require.NotNil(t, rec.StartedTime)
	assert.Equal(t, start, *rec.StartedTime)
	assert.Nil(t, rec.EndedTime, "zero times are omitted")

	empty, ok := SuiteFromGraph("junit.xml", "JUnitXml", g, resultmodel.SuiteID(0))
	require.True(t, ok)
	assert.Zero(t, empty.Tests)
	assert.Nil(t, empty.Results)

	_, ok = SuiteFromGraph("junit.xml", "JUnitXml", g, resultmodel.SuiteID(7))
	assert.False(t, ok)
}

func TestCaseFromGraph(t *testing.T) {
	g := resultmodel.NewGraph(&resultmodel.TestRun{Suites: []resultmodel.TestSuiteRun{
		{Name: "api", Tests: []resultmodel.TestCaseRun{{Name: "health", Result: resultmodel.Passed}}},
		{Name: "ui", Tests: []resultmodel.TestCaseRun{{
			Name:   "login",
			Result: resultmodel.Crashed,
			Traits: []resultmodel.Trait{{Type: resultmodel.TraitOwner, Name: "owner", Value: "qa"}},
			Steps:  []resultmodel.TestStep{{Name: "open"}, {Name: "submit"}},
		}}},
	}})

	rec, ok := CaseFromGraph("ctrf.json", g, resultmodel.CaseID(1))
	require.True(t, ok)
	assert.Equal(t, "Crashed", rec.Result)
	assert.Equal(t, "ui", rec.Suite, "suite name comes from the owning suite")
	assert.Equal(t, 1, rec.SuiteID)
	assert.Equal(t, 1, rec.CaseID)
	assert.Equal(t, 2, rec.Steps)
	assert.Equal(t, []TraitRecord{{Type: "Owner", Name: "owner", Value: "qa"}}, rec.Traits)

	_, ok = CaseFromGraph("ctrf.json", g, resultmodel.CaseID(2))
	assert.False(t, ok)
}

func TestCoverageFromModel(t *testing.T) {
	f := &resultmodel.CoverageFile{
		Path: "src/a.go",
		Lines: []resultmodel.CoverageLine{
			{Number: 1, Hits: 3},
			{Number: 2, Hits: 0, IsBranch: true},
			{Number: 5, Hits: 1},
			{Number: 9, Hits: 0},
		},
	}

	rec := CoverageFromModel("cobertura.xml", f)
	assert.Equal(t, 4, rec.LinesValid)
	assert.Equal(t, 2, rec.LinesCovered)
	assert.InDelta(t, 0.5, rec.LineRate, 1e-9)
	assert.Equal(t, 1, rec.BranchLines)
	assert.Equal(t, []int{2, 9}, rec.UncoveredLines)

	empty := CoverageFromModel("cobertura.xml", &resultmodel.CoverageFile{Path: "b.go"})
	assert.Zero(t, empty.LineRate)
}

func BenchmarkJSONLWriter_WriteCase(b *testing.B) {
	w := NewJSONLWriter(io.Discard, "acme", "run-bench")
	rec := &CaseRecord{Suite: "s", Name: "case", Result: "Passed", Duration: time.Millisecond}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = w.WriteCase(ctx, rec)
	}
}
