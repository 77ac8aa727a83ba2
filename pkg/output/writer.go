package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs JSONL records for imported results.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits a complete record as a
// single line of JSON followed by a newline.
type Writer interface {
	// WriteSuite emits a suite record.
	WriteSuite(ctx context.Context, suite *SuiteRecord) error

	// WriteCase emits a test case record.
	WriteCase(ctx context.Context, c *CaseRecord) error

	// WriteCoverage emits a per-file coverage record.
	WriteCoverage(ctx context.Context, cov *CoverageRecord) error

	// WriteJob emits a job record.
	WriteJob(ctx context.Context, job *JobRecord) error

	// WriteError emits an error record.
	WriteError(ctx context.Context, err *ErrorRecord) error

	// WriteSummary emits a summary record.
	WriteSummary(ctx context.Context, sum *SummaryRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// lineSink is the state shared by a JSONLWriter and its WithRun views.
type lineSink struct {
	w  io.Writer
	mu sync.Mutex

	// closed indicates the writer has been closed.
	closed bool
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// JSONLWriter is safe for concurrent use. Writes are serialized using
// a mutex to ensure atomic line writes (no interleaved output).
type JSONLWriter struct {
	sink     *lineSink
	tenantID string
	runID    string
	now      func() time.Time
}

// NewJSONLWriter creates a new JSONL writer.
//
// Parameters:
//   - w: The underlying writer (stdout, file, etc.)
//   - tenantID: Tenant stamped on every envelope
//   - runID: Correlation ID for this import, usually the job guid
func NewJSONLWriter(w io.Writer, tenantID, runID string) *JSONLWriter {
	return &JSONLWriter{
		sink:     &lineSink{w: w},
		tenantID: tenantID,
		runID:    runID,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithRun returns a writer that shares the underlying stream, lock, and
// closed state but stamps a different tenant and run on each envelope.
func (jw *JSONLWriter) WithRun(tenantID, runID string) *JSONLWriter {
	return &JSONLWriter{sink: jw.sink, tenantID: tenantID, runID: runID, now: jw.now}
}

// WriteSuite emits a suite record.
func (jw *JSONLWriter) WriteSuite(ctx context.Context, suite *SuiteRecord) error {
	return jw.writeRecord(ctx, TypeSuite, suite)
}

// WriteCase emits a test case record.
func (jw *JSONLWriter) WriteCase(ctx context.Context, c *CaseRecord) error {
	return jw.writeRecord(ctx, TypeCase, c)
}

func (jw *JSONLWriter) WriteCoverage(ctx context.Context, cov *CoverageRecord) error {
	return jw.writeRecord(ctx, TypeCoverage, cov)
}

func (jw *JSONLWriter) WriteJob(ctx context.Context, job *JobRecord) error {
	return jw.writeRecord(ctx, TypeJob, job)
}

// WriteError emits an error record.
func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, err)
}

// WriteSummary emits a summary record.
func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, sum)
}

// Close marks the writer and every WithRun view as closed. The underlying
// io.Writer is not closed.
func (jw *JSONLWriter) Close() error {
	jw.sink.mu.Lock()
	defer jw.sink.mu.Unlock()

	jw.sink.closed = true
	return nil
}

// writeRecord marshals data and writes a complete record line under the
// shared lock.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.sink.mu.Lock()
	defer jw.sink.mu.Unlock()

	if jw.sink.closed {
		return ErrWriterClosed
	}

	// Check context again after acquiring lock
	if err := ctx.Err(); err != nil {
		return err
	}

	record := Record{
		Type:     recordType,
		TS:       jw.now(),
		TenantID: jw.tenantID,
		RunID:    jw.runID,
		Data:     dataBytes,
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.sink.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}

	return nil
}

// writeAll writes all bytes to w. io.Writer.Write may return n < len(p)
// with a nil error, which would otherwise truncate a line.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			// No progress made - avoid infinite loop
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Compile-time check that JSONLWriter implements Writer.
var _ Writer = (*JSONLWriter)(nil)
