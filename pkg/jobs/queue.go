package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/runnerhub/pkg/formats"
	"github.com/3leaps/runnerhub/pkg/store"
)

var (
	// ErrNotFound is returned when no job has the requested guid.
	ErrNotFound = errors.New("job not found")

	// ErrForbidden is returned when the caller's tenant does not own the job.
	ErrForbidden = errors.New("job belongs to another tenant")

	// ErrInvalidJob is returned by Enqueue for jobs missing required fields.
	ErrInvalidJob = errors.New("invalid job")
)

// DefaultErrorMessage is stored when a runner reports Error without a message.
const DefaultErrorMessage = "runner reported error without message"

// DefaultMaxLogBytes bounds stored stdout and stderr when Config leaves it unset.
const DefaultMaxLogBytes = 1 << 20

// Config tunes a Queue.
type Config struct {
	// MaxLogBytes caps stored stdout/stderr; the tail is kept. Negative
	// disables the cap.
	MaxLogBytes int

	// DefaultArtifactPatterns are applied to enqueued jobs without patterns.
	DefaultArtifactPatterns []string
}

// Filter selects jobs for List. Zero values do not filter.
type Filter struct {
	TenantID string
	Status   *PipelineJobStatus
	Limit    int
}

// Report is a status update from a runner. Nil fields are left untouched.
type Report struct {
	Status          PipelineJobStatus
	StdOut          *string
	StdErr          *string
	Result          *string
	Format          *formats.TestResultFormat
	ArtifactContent []byte
	ErrorMessage    *string
}

// Event describes a persisted status change.
type Event struct {
	Job      Job
	Previous PipelineJobStatus
	Actor    string
}

// Listener receives events after they are persisted. Listeners run on the
// caller's goroutine and must not block.
type Listener func(ctx context.Context, ev Event)

// Queue is the job queue and status update channel over a store database.
type Queue struct {
	db     *sql.DB
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

// NewQueue returns a Queue over db, which must already be migrated.
func NewQueue(db *sql.DB, cfg Config, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxLogBytes == 0 {
		cfg.MaxLogBytes = DefaultMaxLogBytes
	}
	return &Queue{db: db, cfg: cfg, logger: logger, now: time.Now}
}

// DB returns the underlying database handle.
func (q *Queue) DB() *sql.DB {
	return q.db
}

// Subscribe registers l for every subsequent Event.
func (q *Queue) Subscribe(l Listener) {
	if l == nil {
		return
	}
	q.mu.Lock()
	q.listeners = append(q.listeners, l)
	q.mu.Unlock()
}

func (q *Queue) emit(ctx context.Context, ev Event) {
	q.mu.RLock()
	listeners := append([]Listener(nil), q.listeners...)
	q.mu.RUnlock()
	for _, l := range listeners {
		l(ctx, ev)
	}
}

// Enqueue persists j as a new Queued job. GUID, status, audit fields and
// attempt are assigned here; caller-supplied values for them are ignored.
func (q *Queue) Enqueue(ctx context.Context, j *Job, actor string) error {
	return q.insert(ctx, j, actor, 1)
}

// Requeue enqueues a fresh copy of prev with a new guid and the next attempt
// number. prev itself is not modified.
func (q *Queue) Requeue(ctx context.Context, prev Job, actor string) (*Job, error) {
	next := &Job{
		TenantID:         prev.TenantID,
		TestRunID:        prev.TestRunID,
		TestProjectID:    prev.TestProjectID,
		Language:         prev.Language,
		Script:           prev.Script,
		Environment:      prev.Environment,
		ArtifactPatterns: prev.ArtifactPatterns,
	}
	if err := q.insert(ctx, next, actor, prev.Attempt+1); err != nil {
		return nil, err
	}
	return next, nil
}

func (q *Queue) insert(ctx context.Context, j *Job, actor string, attempt int) error {
	if j == nil {
		return fmt.Errorf("%w: job is nil", ErrInvalidJob)
	}
	j.TenantID = strings.TrimSpace(j.TenantID)
	if j.TenantID == "" {
		return fmt.Errorf("%w: tenant is required", ErrInvalidJob)
	}
	j.Language = strings.TrimSpace(j.Language)
	if len(j.ArtifactPatterns) == 0 && len(q.cfg.DefaultArtifactPatterns) > 0 {
		j.ArtifactPatterns = append([]string(nil), q.cfg.DefaultArtifactPatterns...)
	}

	now := q.now().UTC()
	j.GUID = uuid.New().String()
	j.Status = Queued
	j.Attempt = attempt
	j.ClaimedBy = ""
	j.ClaimedAt = nil
	j.CreatedAt = now
	j.ModifiedAt = now
	j.CreatedBy = actor
	j.ModifiedBy = actor

	row := j.Row()
	if err := store.InsertJob(ctx, q.db, row); err != nil {
		return err
	}
	j.ID = row.ID
	return nil
}

// Get returns the job with guid on behalf of tenantID.
func (q *Queue) Get(ctx context.Context, tenantID, guid string) (*Job, error) {
	row, err := store.GetJobByGUID(ctx, q.db, guid)
	if err != nil {
		return nil, err
	}
	if row == nil {
		q.logger.Info("Job not found", zap.String("tenant", tenantID), zap.String("guid", guid))
		return nil, fmt.Errorf("%w: %s", ErrNotFound, guid)
	}
	if row.TenantID != tenantID {
		q.logger.Warn("Cross-tenant job access rejected",
			zap.String("tenant", tenantID),
			zap.String("guid", guid))
		return nil, fmt.Errorf("%w: %s", ErrForbidden, guid)
	}
	return FromRow(row)
}

// List returns jobs matching f, newest first.
func (q *Queue) List(ctx context.Context, f Filter) ([]Job, error) {
	sf := store.JobFilter{TenantID: f.TenantID, Limit: f.Limit}
	if f.Status != nil {
		sf.Status = f.Status.String()
	}
	rows, err := store.ListJobs(ctx, q.db, sf)
	if err != nil {
		return nil, err
	}
	return fromRows(rows)
}

// Counts returns job counts per status. An empty tenant counts every tenant.
func (q *Queue) Counts(ctx context.Context, tenantID string) (map[PipelineJobStatus]int64, error) {
	raw, err := store.CountJobsByStatus(ctx, q.db, tenantID)
	if err != nil {
		return nil, err
	}
	out := make(map[PipelineJobStatus]int64, len(raw))
	for name, n := range raw {
		s, err := ParseStatus(name)
		if err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, nil
}

// ReportStatus applies a runner's status update to the job with guid.
//
// The tenant check happens before any mutation. Only fields present in r are
// overwritten. Apart from refusing Queued, transition legality is not
// enforced: reports against terminal jobs are applied and logged.
func (q *Queue) ReportStatus(ctx context.Context, tenantID, guid string, r Report, actor string) (*Job, error) {
	if !r.Status.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStatus, int(r.Status))
	}
	if r.Status == Queued {
		return nil, fmt.Errorf("%w: jobs never return to %s", ErrInvalidStatus, Queued)
	}
	j, err := q.Get(ctx, tenantID, guid)
	if err != nil {
		return nil, err
	}

	prev := j.Status
	if prev.Terminal() {
		q.logger.Info("Status report for terminal job",
			zap.String("tenant", tenantID),
			zap.String("guid", guid),
			zap.String("from", prev.String()),
			zap.String("to", r.Status.String()))
	}

	j.Status = r.Status
	if r.StdOut != nil {
		j.StdOut = SanitizeLog(*r.StdOut, q.cfg.MaxLogBytes)
	}
	if r.StdErr != nil {
		j.StdErr = SanitizeLog(*r.StdErr, q.cfg.MaxLogBytes)
	}
	if r.Result != nil {
		j.Result = *r.Result
	}
	if r.Format != nil {
		j.Format = *r.Format
	}
	if r.ArtifactContent != nil {
		j.ArtifactContent = r.ArtifactContent
	}
	if r.ErrorMessage != nil {
		j.ErrorMessage = *r.ErrorMessage
	}
	if j.Status == Error && strings.TrimSpace(j.ErrorMessage) == "" {
		j.ErrorMessage = DefaultErrorMessage
	}
	j.ModifiedAt = q.now().UTC()
	j.ModifiedBy = actor

	if err := store.UpdateJob(ctx, q.db, j.Row()); err != nil {
		return nil, err
	}
	q.emit(ctx, Event{Job: *j, Previous: prev, Actor: actor})
	return j, nil
}

// Fail moves j to Error with message. It is used by the coordinator and the
// claim-expiry sweep, which already hold the job row.
func (q *Queue) Fail(ctx context.Context, j *Job, message, actor string) error {
	prev := j.Status
	j.Status = Error
	j.ErrorMessage = message
	j.ModifiedAt = q.now().UTC()
	j.ModifiedBy = actor
	if err := store.UpdateJob(ctx, q.db, j.Row()); err != nil {
		return err
	}
	q.emit(ctx, Event{Job: *j, Previous: prev, Actor: actor})
	return nil
}

// AttachArtifact records the blob handle of an uploaded archive on the job.
// Only the handle and audit columns are written, so a claim or status
// report racing with the upload is kept.
func (q *Queue) AttachArtifact(ctx context.Context, tenantID, guid, handle, actor string) (*Job, error) {
	j, err := q.Get(ctx, tenantID, guid)
	if err != nil {
		return nil, err
	}
	if err := store.SetArtifactHandle(ctx, q.db, j.ID, handle, actor, q.now().UTC()); err != nil {
		return nil, err
	}
	return q.Get(ctx, tenantID, guid)
}

// ExpireClaim moves a Pending or Waiting job to Error if it has not changed
// since it was read. It reports whether the job was expired.
func (q *Queue) ExpireClaim(ctx context.Context, j *Job, message, actor string) (bool, error) {
	now := q.now().UTC()
	ok, err := store.ExpireClaim(ctx, q.db, *j.Row(), message, actor, now)
	if err != nil || !ok {
		return ok, err
	}
	prev := j.Status
	j.Status = Error
	j.ErrorMessage = message
	j.ModifiedAt = now
	j.ModifiedBy = actor
	q.emit(ctx, Event{Job: *j, Previous: prev, Actor: actor})
	return true, nil
}

// ListStaleClaims returns Pending and Waiting jobs claimed before cutoff.
func (q *Queue) ListStaleClaims(ctx context.Context, cutoff time.Time) ([]Job, error) {
	rows, err := store.ListStaleClaims(ctx, q.db, cutoff)
	if err != nil {
		return nil, err
	}
	return fromRows(rows)
}
