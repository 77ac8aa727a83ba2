// Package jobs implements the runner job queue and the status update channel.
//
// Jobs are persisted through pkg/store. The dispatch coordinator owns the
// Queued to Pending transition; every other transition arrives through
// Queue.ReportStatus.
package jobs

import (
	"fmt"
	"time"

	"github.com/3leaps/runnerhub/pkg/formats"
	"github.com/3leaps/runnerhub/pkg/store"
)

// Job is a unit of work executed by a runner.
type Job struct {
	ID               int64
	GUID             string
	TenantID         string
	TestRunID        *int64
	TestProjectID    *int64
	Language         string
	Script           string
	Environment      map[string]string
	Status           PipelineJobStatus
	StdOut           string
	StdErr           string
	Result           string
	Format           formats.TestResultFormat
	ArtifactContent  []byte
	ArtifactPatterns []string
	ArtifactHandle   string
	ErrorMessage     string
	ClaimedBy        string
	ClaimedAt        *time.Time
	Attempt          int
	CreatedAt        time.Time
	ModifiedAt       time.Time
	CreatedBy        string
	ModifiedBy       string
}

// FromRow converts a stored row into a Job.
func FromRow(r *store.JobRow) (*Job, error) {
	if r == nil {
		return nil, nil
	}
	status, err := ParseStatus(r.Status)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", r.GUID, err)
	}
	var format formats.TestResultFormat
	if r.Format != "" {
		// Unknown stored names degrade to UnknownFormat; the importer sniffs.
		format, _ = formats.ParseFormat(r.Format)
	}
	return &Job{
		ID:               r.ID,
		GUID:             r.GUID,
		TenantID:         r.TenantID,
		TestRunID:        r.TestRunID,
		TestProjectID:    r.TestProjectID,
		Language:         r.Language,
		Script:           r.Script,
		Environment:      r.Environment,
		Status:           status,
		StdOut:           r.StdOut,
		StdErr:           r.StdErr,
		Result:           r.Result,
		Format:           format,
		ArtifactContent:  r.ArtifactContent,
		ArtifactPatterns: r.ArtifactPatterns,
		ArtifactHandle:   r.ArtifactHandle,
		ErrorMessage:     r.ErrorMessage,
		ClaimedBy:        r.ClaimedBy,
		ClaimedAt:        r.ClaimedAt,
		Attempt:          r.Attempt,
		CreatedAt:        r.CreatedAt,
		ModifiedAt:       r.ModifiedAt,
		CreatedBy:        r.CreatedBy,
		ModifiedBy:       r.ModifiedBy,
	}, nil
}

// Row converts j into its stored form.
func (j *Job) Row() *store.JobRow {
	r := &store.JobRow{
		ID:               j.ID,
		GUID:             j.GUID,
		TenantID:         j.TenantID,
		TestRunID:        j.TestRunID,
		TestProjectID:    j.TestProjectID,
		Language:         j.Language,
		Script:           j.Script,
		Environment:      j.Environment,
		Status:           j.Status.String(),
		StdOut:           j.StdOut,
		StdErr:           j.StdErr,
		Result:           j.Result,
		ArtifactContent:  j.ArtifactContent,
		ArtifactPatterns: j.ArtifactPatterns,
		ArtifactHandle:   j.ArtifactHandle,
		ErrorMessage:     j.ErrorMessage,
		ClaimedBy:        j.ClaimedBy,
		ClaimedAt:        j.ClaimedAt,
		Attempt:          j.Attempt,
		CreatedAt:        j.CreatedAt,
		ModifiedAt:       j.ModifiedAt,
		CreatedBy:        j.CreatedBy,
		ModifiedBy:       j.ModifiedBy,
	}
	if j.Format.Known() {
		r.Format = j.Format.String()
	}
	return r
}

func fromRows(rows []store.JobRow) ([]Job, error) {
	out := make([]Job, 0, len(rows))
	for i := range rows {
		j, err := FromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, nil
}
